package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonaudio/speechd/internal/metrics"
)

// ErrClosed indicates the bus no longer accepts publishes.
var ErrClosed = errors.New("event bus is closed")

const defaultHistorySize = 1000

// EventType names one entry of the closed event taxonomy.
type EventType string

// Event is an immutable typed message broadcast to all current subscribers
// of its type. Ordering is logically significant per (session, chunk) only.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	ChunkID   uint64    `json:"chunk_id"`
	Payload   any       `json:"payload,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Handler consumes one delivered event. The context is cancelled when the
// bus shuts down; handlers performing long work should honor it.
type Handler func(ctx context.Context, ev Event)

// Subscription is the handle returned by Subscribe. Unsubscribing through
// the handle is idempotent and does not interrupt deliveries already
// dispatched to the handler.
type Subscription struct {
	eventType EventType
	handler   Handler

	mu     sync.Mutex
	active bool
}

// EventType reports the event type this subscription is bound to.
func (s *Subscription) EventType() EventType { return s.eventType }

// beginDelivery reserves one delivery slot; it fails once the
// subscription is cancelled so no new delivery starts after Unsubscribe
// returns.
func (s *Subscription) beginDelivery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Subscription) cancel() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Config controls bus diagnostics behavior.
type Config struct {
	// HistorySize bounds the in-memory diagnostic event ring. Zero means
	// the default; negative disables history.
	HistorySize int
}

// Stats reports bus counters for the control surface.
type Stats struct {
	Published     int64          `json:"published"`
	Dispatched    int64          `json:"dispatched"`
	HandlerPanics int64          `json:"handler_panics"`
	Subscribers   map[string]int `json:"subscribers"`
	HistorySize   int            `json:"history_size"`
}

// Bus is the in-process asynchronous publish/subscribe broker. Every
// handler invocation runs on its own goroutine; one handler's latency or
// fault never blocks siblings or the publisher.
type Bus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[EventType][]*Subscription
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published  atomic.Int64
	dispatched atomic.Int64
	panics     atomic.Int64

	histMu  sync.Mutex
	history []Event
	histMax int
}

// New constructs an event bus.
func New(cfg Config, logger zerolog.Logger) *Bus {
	histMax := cfg.HistorySize
	if histMax == 0 {
		histMax = defaultHistorySize
	}
	if histMax < 0 {
		histMax = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:  logger,
		subs:    make(map[EventType][]*Subscription),
		baseCtx: ctx,
		cancel:  cancel,
		histMax: histMax,
	}
}

// Subscribe registers a handler for one event type and returns its handle.
func (b *Bus) Subscribe(eventType EventType, handler Handler) *Subscription {
	sub := &Subscription{
		eventType: eventType,
		handler:   handler,
		active:    true,
	}
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription. After it returns no new delivery
// starts for the handler; a delivery already dispatched may still be
// completing. Unsubscribing twice, or a nil handle, is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	registered := b.subs[sub.eventType]
	for i, candidate := range registered {
		if candidate == sub {
			b.subs[sub.eventType] = append(registered[:i], registered[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.eventType]) == 0 {
		delete(b.subs, sub.eventType)
	}
}

// Publish schedules delivery of the event to every handler currently
// subscribed to its type and returns. It does not wait for handlers.
func (b *Bus) Publish(ev Event) error {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	// Reserve delivery slots while the lock still excludes Close, so
	// wg.Wait there can never miss an Add from a racing publish.
	started := make([]*Subscription, 0, len(b.subs[ev.Type]))
	for _, sub := range b.subs[ev.Type] {
		if !sub.beginDelivery() {
			continue
		}
		b.wg.Add(1)
		started = append(started, sub)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	b.record(ev)

	for _, sub := range started {
		go b.deliver(sub, ev)
	}
	return nil
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			metrics.BusHandlerPanicsTotal.Inc()
			b.logger.Error().
				Str("event", string(ev.Type)).
				Str("session_id", ev.SessionID).
				Uint64("chunk_id", ev.ChunkID).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	sub.handler(b.baseCtx, ev)
	b.dispatched.Add(1)
}

// Close stops accepting publishes, waits for in-flight deliveries up to
// the context deadline, then cancels the handler base context.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}

func (b *Bus) record(ev Event) {
	if b.histMax == 0 {
		return
	}
	b.histMu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.histMax {
		b.history = b.history[len(b.history)-b.histMax:]
	}
	b.histMu.Unlock()
}

// Recent returns up to limit most recent events, optionally filtered by
// type. The history is diagnostic only and bounded.
func (b *Bus) Recent(eventType EventType, limit int) []Event {
	if limit <= 0 {
		limit = 100
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()

	matched := make([]Event, 0, limit)
	for i := len(b.history) - 1; i >= 0 && len(matched) < limit; i-- {
		if eventType != "" && b.history[i].Type != eventType {
			continue
		}
		matched = append(matched, b.history[i])
	}
	// restore chronological order
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subscribers := make(map[string]int, len(b.subs))
	for eventType, registered := range b.subs {
		subscribers[string(eventType)] = len(registered)
	}
	b.mu.RUnlock()

	b.histMu.Lock()
	historySize := len(b.history)
	b.histMu.Unlock()

	return Stats{
		Published:     b.published.Load(),
		Dispatched:    b.dispatched.Load(),
		HandlerPanics: b.panics.Load(),
		Subscribers:   subscribers,
		HistorySize:   historySize,
	}
}
