package session

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/courtside/photodesk/internal/catalog"
	"github.com/courtside/photodesk/internal/ingest"
	"github.com/courtside/photodesk/internal/models"
	"github.com/courtside/photodesk/internal/storage"
	"github.com/courtside/photodesk/internal/submit"
	"github.com/google/uuid"
)

// DefaultMaxSessions limits concurrent console sessions.
const DefaultMaxSessions = 20

// SessionKeepAliveWindow is how long a recently used session is protected
// from cleanup regardless of maxAge.
const SessionKeepAliveWindow = 5 * time.Minute

// Dependencies are shared by every session's pipeline.
type Dependencies struct {
	Policy        models.Policy
	Deriver       ingest.Deriver
	Previews      storage.Store
	Sink          submit.Sink
	Logger        *slog.Logger
	IngestOptions []ingest.Option
}

// State is one console session: a catalog and the pipeline around it.
type State struct {
	ID        string
	Catalog   *catalog.Catalog
	Ingest    *ingest.Orchestrator
	Submit    *submit.Coordinator
	CreatedAt time.Time

	lastAccessed atomic.Int64 // unix nanos
	holds        atomic.Int32
}

// LastAccessed returns when the session was last used.
func (s *State) LastAccessed() time.Time {
	return time.Unix(0, s.lastAccessed.Load())
}

func (s *State) touch() {
	s.lastAccessed.Store(time.Now().UnixNano())
}

// Summary describes the session for the console.
func (s *State) Summary() models.ConsoleSession {
	return models.ConsoleSession{
		ID:           s.ID,
		ItemCount:    s.Catalog.Len(),
		MaxItems:     s.Catalog.MaxItems(),
		CreatedAt:    s.CreatedAt,
		LastAccessed: s.LastAccessed(),
	}
}

// Manager handles console sessions.
type Manager struct {
	sessions    map[string]*State
	mu          sync.RWMutex
	deps        Dependencies
	maxSessions int
	logger      *slog.Logger
}

// NewManager creates a session manager.
func NewManager(deps Dependencies, maxSessions int) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Manager{
		sessions:    make(map[string]*State),
		deps:        deps,
		maxSessions: maxSessions,
		logger:      deps.Logger.With("component", "session"),
	}
}

// Policy returns the limits every session enforces.
func (m *Manager) Policy() models.Policy {
	return m.deps.Policy
}

// GetOrCreate returns the session with id, creating a fresh one when id is
// empty or unknown. The second result reports whether it was created.
func (m *Manager) GetOrCreate(id string) (*State, bool) {
	if id != "" {
		if state, ok := m.GetSession(id); ok {
			return state, false
		}
	}
	return m.StartSession(), true
}

// StartSession creates an empty session.
func (m *Manager) StartSession() *State {
	m.cleanupOldSessionsIfNeeded()

	id := uuid.New().String()
	logger := m.deps.Logger.With("session", id[:8])
	cat := catalog.New(m.deps.Policy.MaxItemCount, m.deps.Previews, logger)
	opts := append([]ingest.Option{ingest.WithLogger(logger)}, m.deps.IngestOptions...)

	state := &State{
		ID:        id,
		Catalog:   cat,
		Ingest:    ingest.New(m.deps.Policy, m.deps.Deriver, cat, m.deps.Previews, opts...),
		Submit:    submit.New(cat, m.deps.Sink, logger),
		CreatedAt: time.Now(),
	}
	state.touch()

	m.mu.Lock()
	m.sessions[id] = state
	m.mu.Unlock()

	m.logger.Info("session started", "session", id[:8])
	return state
}

// GetSession returns a session by ID and marks it as used.
func (m *Manager) GetSession(id string) (*State, bool) {
	m.mu.RLock()
	state, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	state.touch()
	return state, true
}

// Hold protects a session from cleanup until the returned func is called.
// Use it around work that outlives the request, such as a selection job.
func (m *Manager) Hold(state *State) func() {
	state.holds.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			state.touch()
			state.holds.Add(-1)
		})
	}
}

// DeleteSession ends a session and releases its previews.
func (m *Manager) DeleteSession(id string) bool {
	m.mu.Lock()
	state, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	state.Catalog.Clear()
	return true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// cleanupOldSessionsIfNeeded evicts the least recently used idle sessions
// when at capacity.
func (m *Manager) cleanupOldSessionsIfNeeded() {
	m.mu.Lock()
	if len(m.sessions) < m.maxSessions {
		m.mu.Unlock()
		return
	}

	var idle []*State
	for _, state := range m.sessions {
		if state.holds.Load() == 0 {
			idle = append(idle, state)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastAccessed().Before(idle[j].LastAccessed())
	})

	toFree := len(m.sessions) - m.maxSessions + 1
	var evicted []*State
	for _, state := range idle {
		if len(evicted) >= toFree {
			break
		}
		delete(m.sessions, state.ID)
		evicted = append(evicted, state)
	}
	m.mu.Unlock()

	for _, state := range evicted {
		n := state.Catalog.Clear()
		m.logger.Info("evicted session to stay under limit", "session", state.ID[:8], "released", n)
	}
}

// CleanupOldSessions removes sessions unused for longer than maxAge,
// but keeps sessions used within SessionKeepAliveWindow or currently held.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	now := time.Now()
	cutoff := now.Add(-maxAge)
	keepAliveCutoff := now.Add(-SessionKeepAliveWindow)

	m.mu.Lock()
	var expired []*State
	for id, state := range m.sessions {
		if state.holds.Load() > 0 {
			continue
		}
		last := state.LastAccessed()
		if last.After(keepAliveCutoff) || !last.Before(cutoff) {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, state)
	}
	m.mu.Unlock()

	for _, state := range expired {
		n := state.Catalog.Clear()
		m.logger.Info("cleaned up aged session",
			"session", state.ID[:8],
			"released", n,
			"idle", now.Sub(state.LastAccessed()).Round(time.Second),
		)
	}
	return len(expired)
}

// Close ends every session and releases all previews.
func (m *Manager) Close() {
	m.mu.Lock()
	states := make([]*State, 0, len(m.sessions))
	for _, state := range m.sessions {
		states = append(states, state)
	}
	m.sessions = make(map[string]*State)
	m.mu.Unlock()

	for _, state := range states {
		state.Catalog.Clear()
	}
}
