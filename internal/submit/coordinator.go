// Package submit sends the catalog to the photo backend as one batch.
package submit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/courtside/photodesk/internal/catalog"
	"github.com/courtside/photodesk/internal/models"
)

// Ack confirms a delivered batch.
type Ack struct {
	Count       int       `json:"count"`
	Message     string    `json:"message"`
	StatusCode  int       `json:"statusCode,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// SubmissionError is a transport failure or a rejection by the backend.
// It matches models.ErrSubmission with errors.Is.
type SubmissionError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool { return target == models.ErrSubmission }

// CredentialFunc supplies the bearer credential for a submission. It
// returns "" when none is available.
type CredentialFunc func() string

// StaticCredential always returns token.
func StaticCredential(token string) CredentialFunc {
	return func() string { return token }
}

// FirstCredential returns the first non-empty credential from fns.
func FirstCredential(fns ...CredentialFunc) CredentialFunc {
	return func() string {
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			if cred := fn(); cred != "" {
				return cred
			}
		}
		return ""
	}
}

// Coordinator submits a catalog and reconciles it with the outcome.
type Coordinator struct {
	catalog *catalog.Catalog
	sink    Sink
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// New creates a Coordinator for cat.
func New(cat *catalog.Catalog, sink Sink, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		catalog: cat,
		sink:    sink,
		logger:  logger.With("component", "submit"),
		now:     time.Now,
	}
}

// Submit sends every catalog item in one request. On success the submitted
// items leave the catalog; on any failure the catalog is untouched.
// Concurrent calls are serialized.
func (c *Coordinator) Submit(ctx context.Context, credential string) (*Ack, error) {
	if credential == "" {
		return nil, models.ErrUnauthorized
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.catalog.Snapshot()
	if len(items) == 0 {
		return nil, models.ErrEmptyBatch
	}

	payload := BuildPayload(items)
	ack, err := c.sink.Send(ctx, credential, payload)
	if err != nil {
		c.logger.Warn("submission failed, catalog kept for retry", "photos", len(items), "error", err)
		return nil, err
	}

	// Items appended while the request was in flight stay for the next batch.
	removed := c.catalog.RemoveAll(payload.IDs())
	ack.Count = len(items)
	ack.SubmittedAt = c.now()
	c.logger.Info("submission accepted", "photos", removed, "remaining", c.catalog.Len())
	return ack, nil
}
