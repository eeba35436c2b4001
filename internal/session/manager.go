// Package session tracks stream sessions: identity, chunk numbering, and the
// lifecycle of per-session work.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/halcyonaudio/speechd/internal/bus"
	"github.com/halcyonaudio/speechd/internal/metrics"
	"github.com/halcyonaudio/speechd/internal/pipeline"
)

// ErrSessionNotFound is returned for lookups and operations on unknown or
// already closed session ids.
var ErrSessionNotFound = errors.New("session not found")

const (
	defaultIdleTimeout   = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Config tunes session lifecycle behaviour.
type Config struct {
	// IdleTimeout closes sessions that have not seen a chunk for this long.
	// Zero applies the default; negative disables the sweeper.
	IdleTimeout time.Duration

	// SweepInterval controls how often idle sessions are collected.
	SweepInterval time.Duration
}

// Session is one client stream. Chunk ids are allocated from an atomic
// counter so they are gap free and strictly increasing per session.
type Session struct {
	ID        string
	CreatedAt time.Time

	nextChunk  atomic.Uint64
	lastActive atomic.Int64

	mu     sync.Mutex
	tasks  map[uint64]context.CancelFunc
	nextID uint64
	closed bool
}

// NextChunkID allocates the next chunk id for the session, starting at zero.
// Once the session is closed allocation stops and ErrSessionNotFound is
// returned, so a held handle cannot feed chunks into a terminated stream.
func (s *Session) NextChunkID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionNotFound
	}
	s.touch()
	return s.nextChunk.Add(1) - 1, nil
}

// ChunkCount reports how many chunk ids have been allocated so far.
func (s *Session) ChunkCount() uint64 {
	return s.nextChunk.Load()
}

// LastActive reports when the session last allocated a chunk id.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// RegisterTask records a cancel handle for in-flight per-session work and
// returns a release func the task calls when it completes on its own. Closed
// sessions reject new tasks.
func (s *Session) RegisterTask(cancel context.CancelFunc) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionNotFound
	}
	id := s.nextID
	s.nextID++
	s.tasks[id] = cancel
	return func() {
		s.mu.Lock()
		delete(s.tasks, id)
		s.mu.Unlock()
	}, nil
}

// close cancels every registered task. Safe to call more than once.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.tasks))
	for _, cancel := range s.tasks {
		cancels = append(cancels, cancel)
	}
	s.tasks = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Info is the externally visible shape of a session, served by the HTTP API.
type Info struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	ChunkCount uint64    `json:"chunk_count"`
}

// Stats summarizes manager activity for the control surface.
type Stats struct {
	Active       uint64 `json:"active"`
	CreatedTotal uint64 `json:"created_total"`
	ClosedTotal  uint64 `json:"closed_total"`
	SweptTotal   uint64 `json:"swept_total"`
}

// Manager owns the session registry and its idle sweeper.
type Manager struct {
	bus    *bus.Bus
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	createdTotal atomic.Uint64
	closedTotal  atomic.Uint64
	sweptTotal   atomic.Uint64

	sweepStop chan struct{}
	sweepDone chan struct{}
	stopOnce  sync.Once
}

// NewManager builds a Manager and starts its idle sweeper unless disabled.
func NewManager(b *bus.Bus, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	m := &Manager{
		bus:       b,
		cfg:       cfg,
		logger:    logger.With().Str("component", "session").Logger(),
		sessions:  make(map[string]*Session),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		go m.sweep()
	} else {
		close(m.sweepDone)
	}
	return m
}

// Create registers a new session and returns it.
func (m *Manager) Create() *Session {
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		tasks:     make(map[uint64]context.CancelFunc),
	}
	s.touch()

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.createdTotal.Add(1)
	metrics.ActiveSessions.Inc()
	m.logger.Info().Str("session_id", s.ID).Msg("session created")
	return s
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close removes the session, cancels its tasks, and announces session_closed
// so downstream components can discard its pending work.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.close()
	m.closedTotal.Add(1)
	metrics.ActiveSessions.Dec()

	if err := m.bus.Publish(bus.Event{Type: pipeline.EventSessionClosed, SessionID: id}); err != nil {
		m.logger.Warn().Err(err).Str("session_id", id).Msg("failed to announce session_closed")
	}
	m.logger.Info().Str("session_id", id).Msg("session closed")
	return nil
}

// List returns info for every active session.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, infoOf(s))
	}
	m.mu.RUnlock()
	return infos
}

// Describe returns info for one session.
func (m *Manager) Describe(id string) (Info, error) {
	s, err := m.Get(id)
	if err != nil {
		return Info{}, err
	}
	return infoOf(s), nil
}

func infoOf(s *Session) Info {
	return Info{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive(),
		ChunkCount: s.ChunkCount(),
	}
}

// Stats reports registry counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := uint64(len(m.sessions))
	m.mu.RUnlock()
	return Stats{
		Active:       active,
		CreatedTotal: m.createdTotal.Load(),
		ClosedTotal:  m.closedTotal.Load(),
		SweptTotal:   m.sweptTotal.Load(),
	}
}

// Shutdown stops the sweeper and closes every remaining session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.sweepStop)
	})
	<-m.sweepDone

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Close(id)
	}
}

func (m *Manager) sweep() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		if err := m.Close(id); err == nil {
			m.sweptTotal.Add(1)
			m.logger.Info().Str("session_id", id).Msg("idle session swept")
		}
	}
}
