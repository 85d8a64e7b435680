// Package ingest turns a user's file selection into catalog items.
//
// A selection moves through validating, deriving and appending before the
// orchestrator is idle again. A selection that would overflow the catalog
// is rejected before any file is touched. Every other failure is tied to a
// single file and reported with the batch result; it never stops the
// remaining files.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/courtside/photodesk/internal/catalog"
	"github.com/courtside/photodesk/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Stage is the orchestrator state for one selection.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageValidating Stage = "validating"
	StageDeriving   Stage = "deriving"
	StageAppending  Stage = "appending"
	StageRejected   Stage = "rejected"
)

// DefaultConcurrency bounds how many files derive at once.
const DefaultConcurrency = 4

// Per-file messages shown to the user.
const (
	MessageNotImage    = "This file is not an image."
	MessageUndecodable = "This file could not be processed as an image."
)

// Deriver produces one size-bounded variant of a source image.
type Deriver interface {
	Derive(ctx context.Context, src models.SourceFile, target models.Target) (*models.DerivedAsset, error)
}

// MultiDeriver derives several targets from a single decode of the source.
// When the deriver implements it, each file is decoded once.
type MultiDeriver interface {
	DeriveAll(ctx context.Context, src models.SourceFile, targets ...models.Target) ([]*models.DerivedAsset, error)
}

// PreviewStore hands out display handles for preview bytes.
type PreviewStore interface {
	Save(name, contentType string, r io.Reader) (*models.PreviewInfo, error)
	Release(handle string) error
}

// ProgressFunc observes stage changes. During deriving it is called once
// per finished file from the goroutine that derived it, so it must be safe
// for concurrent use.
type ProgressFunc func(stage Stage, done, total int)

// BatchError rejects a whole selection. The catalog is unchanged.
type BatchError struct {
	Message string
	Err     error
}

func (e *BatchError) Error() string { return e.Message }
func (e *BatchError) Unwrap() error { return e.Err }

// Report summarizes one selection.
type Report struct {
	Selected   int                `json:"selected"`
	Appended   []string           `json:"appended"`
	Errors     []models.FileError `json:"errors,omitempty"`
	BestEffort int                `json:"bestEffort"`
	Total      int                `json:"total"`
}

// Orchestrator validates selections, derives both variants for each file
// and appends the results to its catalog.
type Orchestrator struct {
	policy      models.Policy
	deriver     Deriver
	catalog     *catalog.Catalog
	previews    PreviewStore
	logger      *slog.Logger
	concurrency int
	strict      bool
	selectMu    sync.Mutex
	now         func() time.Time
	newID       func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConcurrency bounds concurrent file derivations.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithStrictOrdering serializes selections so that catalog order follows
// the order in which Select was called. Without it, overlapping selections
// land in the order they finish.
func WithStrictOrdering() Option {
	return func(o *Orchestrator) { o.strict = true }
}

// WithClock overrides the acceptance timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator feeding cat.
func New(policy models.Policy, deriver Deriver, cat *catalog.Catalog, previews PreviewStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		policy:      policy,
		deriver:     deriver,
		catalog:     cat,
		previews:    previews,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "ingest")
	return o
}

// Policy returns the limits this orchestrator enforces.
func (o *Orchestrator) Policy() models.Policy {
	return o.policy
}

// Select processes files and appends every file that survives validation
// and derivation. The returned error is a *BatchError for a rejected
// selection, or the context error if ctx ends first. Per-file failures are
// in the report.
func (o *Orchestrator) Select(ctx context.Context, files []models.SourceFile) (*Report, error) {
	return o.SelectWithProgress(ctx, files, nil)
}

// SelectWithProgress is Select with stage notifications.
func (o *Orchestrator) SelectWithProgress(ctx context.Context, files []models.SourceFile, progress ProgressFunc) (*Report, error) {
	if progress == nil {
		progress = func(Stage, int, int) {}
	}
	if o.strict {
		o.selectMu.Lock()
		defer o.selectMu.Unlock()
	}
	defer progress(StageIdle, 0, 0)

	report := &Report{Selected: len(files), Appended: []string{}}

	// Validating
	progress(StageValidating, 0, len(files))
	current := o.catalog.Len()
	if current+len(files) > o.policy.MaxItemCount {
		progress(StageRejected, 0, len(files))
		o.logger.Info("selection rejected", "selected", len(files), "present", current, "limit", o.policy.MaxItemCount)
		report.Total = current
		return report, &BatchError{Message: o.policy.CountLimitMessage(), Err: models.ErrCountExceeded}
	}

	type candidate struct {
		index int
		file  models.SourceFile
	}
	candidates := make([]candidate, 0, len(files))
	for i, f := range files {
		if !f.DeclaredImage() {
			report.Errors = append(report.Errors, models.FileError{
				Index:   i,
				Name:    f.Name,
				Message: MessageNotImage,
				Err:     fmt.Errorf("%w: %s declared as %s", models.ErrDerivation, f.Name, f.ContentType),
			})
			continue
		}
		if f.Size > o.policy.MaxSourceBytes {
			report.Errors = append(report.Errors, models.FileError{
				Index:   i,
				Name:    f.Name,
				Message: o.policy.SizeLimitMessage(),
				Err:     fmt.Errorf("%w: %d bytes, limit %d", models.ErrFileTooLarge, f.Size, o.policy.MaxSourceBytes),
			})
			continue
		}
		candidates = append(candidates, candidate{index: i, file: f})
	}

	// Deriving
	type derived struct {
		preview, upload *models.DerivedAsset
		err             error
	}
	results := make([]derived, len(candidates))
	progress(StageDeriving, 0, len(candidates))

	var (
		g    errgroup.Group
		done atomic.Int64
	)
	g.SetLimit(o.concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			preview, upload, err := o.deriveBoth(ctx, c.file)
			results[i] = derived{preview: preview, upload: upload, err: err}
			progress(StageDeriving, int(done.Add(1)), len(candidates))
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		report.Total = o.catalog.Len()
		return report, err
	}

	// Appending
	progress(StageAppending, 0, len(candidates))
	items := make([]*models.BatchItem, 0, len(candidates))
	for i, c := range candidates {
		r := results[i]
		if r.err != nil {
			report.Errors = append(report.Errors, models.FileError{
				Index:   c.index,
				Name:    c.file.Name,
				Message: MessageUndecodable,
				Err:     r.err,
			})
			continue
		}

		info, err := o.previews.Save(r.preview.Name, r.preview.ContentType, bytes.NewReader(r.preview.Data))
		if err != nil {
			report.Errors = append(report.Errors, models.FileError{
				Index:   c.index,
				Name:    c.file.Name,
				Message: "The preview could not be stored.",
				Err:     err,
			})
			continue
		}

		if r.upload.BestEffort {
			report.BestEffort++
		}
		items = append(items, &models.BatchItem{
			ID:            o.newID(),
			PreviewHandle: info.Handle,
			Source:        c.file,
			Preview:       r.preview,
			Upload:        r.upload,
			AcceptedAt:    o.now(),
		})
	}

	slices.SortFunc(report.Errors, func(a, b models.FileError) int { return a.Index - b.Index })

	if err := o.catalog.Append(items...); err != nil {
		for _, item := range items {
			if rerr := o.previews.Release(item.PreviewHandle); rerr != nil {
				o.logger.Warn("failed to release preview after rejected append", "handle", item.PreviewHandle, "error", rerr)
			}
		}
		report.Total = o.catalog.Len()
		if errors.Is(err, models.ErrCountExceeded) {
			return report, &BatchError{Message: o.policy.CountLimitMessage(), Err: err}
		}
		return report, fmt.Errorf("appending to catalog: %w", err)
	}

	for _, item := range items {
		report.Appended = append(report.Appended, item.ID)
	}
	report.Total = o.catalog.Len()

	o.logger.Info("selection processed",
		"selected", len(files),
		"appended", len(report.Appended),
		"failed", len(report.Errors),
		"best_effort", report.BestEffort,
		"total", report.Total,
	)
	return report, nil
}

// deriveBoth derives the preview and upload variants, from one decode when
// the deriver supports it and concurrently otherwise.
func (o *Orchestrator) deriveBoth(ctx context.Context, src models.SourceFile) (*models.DerivedAsset, *models.DerivedAsset, error) {
	if md, ok := o.deriver.(MultiDeriver); ok {
		assets, err := md.DeriveAll(ctx, src, o.policy.Preview, o.policy.Upload)
		if err != nil {
			o.logger.Warn("derivation failed", "file", src.Name, "error", err)
			return nil, nil, err
		}
		return assets[0], assets[1], nil
	}

	var (
		g               errgroup.Group
		preview, upload *models.DerivedAsset
	)
	g.Go(func() error {
		var err error
		preview, err = o.deriver.Derive(ctx, src, o.policy.Preview)
		return err
	})
	g.Go(func() error {
		var err error
		upload, err = o.deriver.Derive(ctx, src, o.policy.Upload)
		return err
	})
	if err := g.Wait(); err != nil {
		o.logger.Warn("derivation failed", "file", src.Name, "error", err)
		return nil, nil, err
	}
	return preview, upload, nil
}
