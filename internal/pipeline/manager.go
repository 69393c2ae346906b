package pipeline

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"livenessd/internal/frame"
	"livenessd/internal/metrics"
	"livenessd/internal/score"
)

// Sink receives the events of every managed session on the session's
// forwarding goroutine. A slow sink delays only its own deliveries: score,
// evaluation and state events queue until it catches up, while snapshots
// beyond the backlog are skipped.
type Sink interface {
	HandleEvent(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) HandleEvent(e Event) { f(e) }

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Config    Config
	Weights   score.Weights
	Evaluator Evaluator
	Logger    *slog.Logger
	Metrics   *metrics.LivenessMetrics
	Clock     Clock
	Sinks     []Sink
}

// SessionInfo is a summary of a managed session.
type SessionInfo struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Manager owns the live sessions of one process. All sessions share one
// aggregator so a weight-table swap reaches every session at once.
type Manager struct {
	cfg     Config
	agg     *score.Aggregator
	eval    Evaluator
	log     *slog.Logger
	metrics *metrics.LivenessMetrics
	clock   Clock
	sinks   []Sink

	mu       sync.RWMutex
	sessions map[string]*Session
	forward  sync.WaitGroup
	entropy  *ulid.MonotonicEntropy
	closed   bool
}

// NewManager creates a manager. A zero Weights selects the default table.
func NewManager(opts ManagerOptions) (*Manager, error) {
	w := opts.Weights
	if w.Version == "" {
		w = score.DefaultWeights()
	}
	agg, err := score.NewAggregator(w)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &Manager{
		cfg:      opts.Config.withDefaults(),
		agg:      agg,
		eval:     opts.Evaluator,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		sinks:    opts.Sinks,
		sessions: make(map[string]*Session),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// NewID returns a fresh session identifier.
func (m *Manager) NewID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(m.clock.Now()), m.entropy).String()
}

// Config returns the effective session configuration.
func (m *Manager) Config() Config { return m.cfg }

// Weights returns the active weight table.
func (m *Manager) Weights() score.Weights { return m.agg.Weights() }

// SetWeights swaps the weight table for every session.
func (m *Manager) SetWeights(w score.Weights) error {
	if err := m.agg.SetWeights(w); err != nil {
		return err
	}
	m.log.Info("weight table updated", "version", w.Version)
	return nil
}

// Create starts a session on src. An empty id gets a generated ULID.
func (m *Manager) Create(ctx context.Context, id string, src frame.Source) (*Session, error) {
	if id == "" {
		id = m.NewID()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionStopped
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyStarted
	}

	s, err := NewSession(id, src, Options{
		Config:     m.cfg,
		Aggregator: m.agg,
		Evaluator:  m.eval,
		Logger:     m.log,
		Metrics:    m.metrics,
		Clock:      m.clock,
	})
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if len(m.sinks) > 0 {
		events, _ := s.hub.SubscribeLossless(DefaultSubscriberBuffer * 4)
		m.forward.Add(1)
		go m.forwardEvents(events)
	}

	if err := s.Start(ctx); err != nil {
		m.drop(id)
		_ = s.Stop()
		return nil, err
	}
	return s, nil
}

func (m *Manager) forwardEvents(events <-chan Event) {
	defer m.forward.Done()
	for e := range events {
		for _, sink := range m.sinks {
			sink.HandleEvent(e)
		}
	}
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove stops a session and forgets it.
func (m *Manager) Remove(id string) error {
	s := m.drop(id)
	if s == nil {
		return ErrSessionNotFound
	}
	return s.Stop()
}

func (m *Manager) drop(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	return s
}

// List summarizes every session, oldest first.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		info := SessionInfo{
			ID:        s.ID(),
			State:     s.State(),
			CreatedAt: s.CreatedAt(),
			EndedAt:   s.EndedAt(),
		}
		if err := s.Err(); err != nil {
			info.Error = err.Error()
		}
		out = append(out, info)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of managed sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Failed returns sessions that have been in StateFailed for longer than
// grace.
func (m *Manager) Failed(grace time.Duration) []SessionInfo {
	cutoff := m.clock.Now().Add(-grace)
	var out []SessionInfo
	for _, info := range m.List() {
		if info.State == StateFailed && info.EndedAt.Before(cutoff) {
			out = append(out, info)
		}
	}
	return out
}

// Sweep stops and forgets sessions that reached a terminal state before
// now minus retain. It returns the number removed.
func (m *Manager) Sweep(retain time.Duration) int {
	cutoff := m.clock.Now().Add(-retain)
	var stale []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.State().Terminal() && s.EndedAt().Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		_ = s.Stop()
	}
	if len(stale) > 0 {
		m.log.Debug("swept sessions", "count", len(stale))
	}
	return len(stale)
}

// Close stops every session and waits for event sinks to drain.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.forward.Wait()
	return firstErr
}
