package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Reasons shown to the user when the backend gives none.
const (
	ReasonRejected  = "Failed to upload photos."
	ReasonTransport = "An error occurred while uploading the photos."
	MessageSuccess  = "Photos uploaded successfully!"
)

const maxResponseBody = 64 * 1024

// Sink delivers a payload to the photo backend.
type Sink interface {
	Send(ctx context.Context, credential string, p *Payload) (*Ack, error)
}

// HTTPSink posts payloads as one multipart request.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPSink creates a sink posting to endpoint. A zero timeout leaves the
// client without one.
func NewHTTPSink(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "sink"),
	}
}

// Endpoint returns the URL payloads are posted to.
func (s *HTTPSink) Endpoint() string {
	return s.endpoint
}

type backendResponse struct {
	Message string `json:"message"`
}

// Send posts the payload with a bearer credential.
func (s *HTTPSink) Send(ctx context.Context, credential string, p *Payload) (*Ack, error) {
	body, contentType, err := p.Encode()
	if err != nil {
		return nil, &SubmissionError{Reason: ReasonTransport, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		return nil, &SubmissionError{Reason: ReasonTransport, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+credential)

	// The request drains body.
	size := body.Len()
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("photo upload request failed", "endpoint", s.endpoint, "error", err)
		return nil, &SubmissionError{Reason: ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	var decoded backendResponse
	_ = json.Unmarshal(raw, &decoded)

	s.logger.Info("photo upload response",
		"status", resp.StatusCode,
		"photos", len(p.Parts),
		"bytes", size,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := decoded.Message
		if reason == "" {
			reason = ReasonRejected
		}
		return nil, &SubmissionError{StatusCode: resp.StatusCode, Reason: reason}
	}

	msg := decoded.Message
	if msg == "" {
		msg = MessageSuccess
	}
	return &Ack{
		Count:      len(p.Parts),
		Message:    msg,
		StatusCode: resp.StatusCode,
	}, nil
}
