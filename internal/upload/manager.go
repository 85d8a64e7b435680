// Package upload runs photo selections as background jobs so a request
// never waits on image derivation.
package upload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/courtside/photodesk/internal/ingest"
	"github.com/courtside/photodesk/internal/models"
	"github.com/google/uuid"
)

// Status represents the ingest job status.
type Status string

const (
	StatusValidating Status = "validating"
	StatusDeriving   Status = "deriving"
	StatusAppending  Status = "appending"
	StatusComplete   Status = "complete"
	StatusRejected   Status = "rejected"
	StatusError      Status = "error"
)

// Job represents an async selection job.
type Job struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"sessionId"`
	FileCount   int                `json:"fileCount"`
	Status      Status             `json:"status"`
	Progress    float64            `json:"progress"`
	Stage       string             `json:"stage"`
	Derived     int                `json:"derived"`
	Appended    []string           `json:"appended,omitempty"`
	FileErrors  []models.FileError `json:"fileErrors,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
}

// Done reports whether the job reached a terminal status.
func (j *Job) Done() bool {
	return j.Status == StatusComplete || j.Status == StatusRejected || j.Status == StatusError
}

// Selector is the part of the orchestrator a job drives.
type Selector interface {
	SelectWithProgress(ctx context.Context, files []models.SourceFile, progress ingest.ProgressFunc) (*ingest.Report, error)
}

// Manager handles async selection processing.
type Manager struct {
	jobs     map[string]*Job
	watchers map[string][]chan Job
	mu       sync.RWMutex
	logger   *slog.Logger
	baseCtx  context.Context
}

// NewManager creates a new job manager. Jobs run under ctx and stop
// deriving when it is cancelled.
func NewManager(ctx context.Context, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		jobs:     make(map[string]*Job),
		watchers: make(map[string][]chan Job),
		logger:   logger.With("component", "upload"),
		baseCtx:  ctx,
	}
}

// StartJob begins async processing of a selection.
func (m *Manager) StartJob(sessionID string, sel Selector, files []models.SourceFile) Job {
	job := &Job{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		FileCount: len(files),
		Status:    StatusValidating,
		Stage:     string(ingest.StageValidating),
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	snapshot := *job
	m.mu.Unlock()

	go m.processJob(job, sel, files)

	return snapshot
}

// GetJob returns a copy of the job with id.
func (m *Manager) GetJob(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Watch returns a channel receiving a copy of the job on every update.
// The channel is closed once the job is done. The returned func stops
// watching early.
func (m *Manager) Watch(id string) (<-chan Job, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, func() {}, false
	}

	ch := make(chan Job, 16)
	ch <- *job
	if job.Done() {
		close(ch)
		return ch, func() {}, true
	}
	m.watchers[id] = append(m.watchers[id], ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			list := m.watchers[id]
			for i, w := range list {
				if w == ch {
					m.watchers[id] = append(list[:i], list[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
	return ch, cancel, true
}

// processJob handles the actual async processing.
func (m *Manager) processJob(job *Job, sel Selector, files []models.SourceFile) {
	logger := m.logger.With("job", job.ID[:8], "session", shortID(job.SessionID))
	logger.Info("starting selection job", "files", len(files))

	report, err := sel.SelectWithProgress(m.baseCtx, files, func(stage ingest.Stage, done, total int) {
		m.updateJobStage(job, stage, done, total)
	})

	var batchErr *ingest.BatchError
	switch {
	case errors.As(err, &batchErr):
		m.finishJob(job, StatusRejected, report, batchErr.Message)
	case err != nil:
		m.finishJob(job, StatusError, report, err.Error())
		logger.Error("selection job failed", "error", err)
	default:
		m.finishJob(job, StatusComplete, report, "")
		logger.Info("selection job complete", "appended", len(report.Appended), "failed", len(report.Errors))
	}
}

// updateJobStage updates job progress (thread-safe).
func (m *Manager) updateJobStage(job *Job, stage ingest.Stage, done, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.Done() {
		return
	}

	// Validating: 0-5%, Deriving: 5-90%, Appending: 90-100%
	switch stage {
	case ingest.StageValidating:
		job.Status = StatusValidating
		job.Progress = 0
	case ingest.StageDeriving:
		job.Status = StatusDeriving
		job.Derived = done
		if total > 0 {
			job.Progress = 5 + float64(done)/float64(total)*85
		} else {
			job.Progress = 90
		}
	case ingest.StageAppending:
		job.Status = StatusAppending
		job.Progress = 90
	case ingest.StageIdle, ingest.StageRejected:
		// terminal status is set by finishJob
	}
	job.Stage = string(stage)
	m.notify(job)
}

// finishJob marks the job terminal (thread-safe).
func (m *Manager) finishJob(job *Job, status Status, report *ingest.Report, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = status
	job.Stage = string(ingest.StageIdle)
	job.Error = errMsg
	if report != nil {
		job.Appended = report.Appended
		job.FileErrors = report.Errors
	}
	if status == StatusComplete {
		job.Progress = 100
	}
	now := time.Now()
	job.CompletedAt = &now

	m.notify(job)
	for _, ch := range m.watchers[job.ID] {
		close(ch)
	}
	delete(m.watchers, job.ID)
}

// notify must be called with m.mu held. Slow watchers miss intermediate
// updates rather than blocking the job.
func (m *Manager) notify(job *Job) {
	for _, ch := range m.watchers[job.ID] {
		select {
		case ch <- *job:
		default:
		}
	}
}

// CleanupOldJobs removes finished jobs older than the specified duration.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, job := range m.jobs {
		if job.Done() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
