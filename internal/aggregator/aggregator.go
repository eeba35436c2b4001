// Package aggregator collects per-chunk stage outcomes and emits exactly one
// chunk_finalized event per chunk, complete or not, within a bounded deadline.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonaudio/speechd/internal/bus"
	"github.com/halcyonaudio/speechd/internal/metrics"
	"github.com/halcyonaudio/speechd/internal/pipeline"
)

const (
	defaultCompletionTimeout = 10 * time.Second

	// finalizedMemory bounds how many finalized chunk keys are remembered so
	// late stage outcomes do not reopen an already finalized chunk.
	finalizedMemory = 4096
)

// Config tunes aggregation behaviour.
type Config struct {
	// CompletionTimeout bounds how long a chunk may wait for its remaining
	// stage outcomes before being finalized partial.
	CompletionTimeout time.Duration

	// Stages is the set of outcomes a chunk needs for a complete
	// finalization. Defaults to every pipeline stage.
	Stages []pipeline.Stage
}

// chunkState tracks one chunk from its first stage outcome until finalization.
type chunkState struct {
	sessionID string
	chunkID   uint64
	outcomes  map[pipeline.Stage]pipeline.StageOutcome
	timer     *time.Timer
	openedAt  time.Time
	finalized bool
}

// Stats is a point-in-time snapshot for the control surface.
type Stats struct {
	Pending          uint64 `json:"pending"`
	FinalizedTotal   uint64 `json:"finalized_total"`
	CompleteTotal    uint64 `json:"complete_total"`
	PartialTotal     uint64 `json:"partial_total"`
	TimeoutTotal     uint64 `json:"timeout_total"`
	LateOutcomeTotal uint64 `json:"late_outcome_total"`
}

// Aggregator joins the terminal stage events of each chunk into a single
// chunk_finalized event.
type Aggregator struct {
	bus    *bus.Bus
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	chunks    map[string]*chunkState
	finalized map[string]struct{}
	finOrder  []string
	subs      []*bus.Subscription
	closed    bool

	finalizedTotal   uint64
	completeTotal    uint64
	partialTotal     uint64
	timeoutTotal     uint64
	lateOutcomeTotal uint64
}

// New builds an Aggregator. Call Start to begin consuming stage events.
func New(b *bus.Bus, cfg Config, logger zerolog.Logger) *Aggregator {
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = defaultCompletionTimeout
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = pipeline.Stages()
	}
	return &Aggregator{
		bus:    b,
		cfg:    cfg,
		logger:    logger.With().Str("component", "aggregator").Logger(),
		chunks:    make(map[string]*chunkState),
		finalized: make(map[string]struct{}),
	}
}

// Start subscribes to every stage terminal event plus session_closed.
func (a *Aggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.subs) > 0 || a.closed {
		return
	}
	for _, stage := range a.cfg.Stages {
		a.subs = append(a.subs,
			a.bus.Subscribe(pipeline.CompletedEvent(stage), a.onStageEvent),
			a.bus.Subscribe(pipeline.FailedEvent(stage), a.onStageEvent),
		)
	}
	a.subs = append(a.subs, a.bus.Subscribe(pipeline.EventSessionClosed, a.onSessionClosed))
}

// Shutdown stops consuming stage events and flushes every pending chunk as a
// partial finalization so no client is left waiting.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	for _, sub := range subs {
		a.bus.Unsubscribe(sub)
	}

	a.mu.Lock()
	pending := make([]*chunkState, 0, len(a.chunks))
	for _, state := range a.chunks {
		pending = append(pending, state)
	}
	a.mu.Unlock()

	for _, state := range pending {
		a.finalize(state, "shutdown")
	}
}

func chunkKey(sessionID string, chunkID uint64) string {
	return fmt.Sprintf("%s/%d", sessionID, chunkID)
}

// rememberFinalized records a finalized chunk key, evicting the oldest entry
// once the memory is full. Caller holds a.mu.
func (a *Aggregator) rememberFinalized(key string) {
	if _, ok := a.finalized[key]; ok {
		return
	}
	a.finalized[key] = struct{}{}
	a.finOrder = append(a.finOrder, key)
	if len(a.finOrder) > finalizedMemory {
		oldest := a.finOrder[0]
		a.finOrder = a.finOrder[1:]
		delete(a.finalized, oldest)
	}
}

func (a *Aggregator) onStageEvent(_ context.Context, ev bus.Event) {
	report, ok := ev.Payload.(pipeline.StageReport)
	if !ok {
		a.logger.Warn().Str("event", string(ev.Type)).Msg("dropping stage event with unexpected payload")
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	key := chunkKey(ev.SessionID, ev.ChunkID)
	if _, done := a.finalized[key]; done {
		a.lateOutcomeTotal++
		a.mu.Unlock()
		a.logger.Debug().
			Str("session_id", ev.SessionID).
			Uint64("chunk_id", ev.ChunkID).
			Str("stage", string(report.Stage)).
			Msg("ignoring stage outcome for already finalized chunk")
		return
	}
	state, exists := a.chunks[key]
	if !exists {
		state = &chunkState{
			sessionID: ev.SessionID,
			chunkID:   ev.ChunkID,
			outcomes:  make(map[pipeline.Stage]pipeline.StageOutcome, len(a.cfg.Stages)),
			openedAt:  time.Now(),
		}
		state.timer = time.AfterFunc(a.cfg.CompletionTimeout, func() {
			a.onDeadline(state)
		})
		a.chunks[key] = state
		metrics.PendingAggregations.Inc()
	}
	state.outcomes[report.Stage] = report.Outcome

	if len(state.outcomes) < len(a.cfg.Stages) {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.finalize(state, "complete")
}

func (a *Aggregator) onDeadline(state *chunkState) {
	a.mu.Lock()
	if state.finalized {
		a.mu.Unlock()
		return
	}
	a.timeoutTotal++
	a.mu.Unlock()
	a.finalize(state, "timeout")
}

// onSessionClosed drops every pending chunk of the closed session without
// finalizing; the client is gone and must not receive further results.
// Cancellation rides the bus, so a deadline timer firing before this
// delivery is processed can still publish chunk_finalized; the gateway
// drops the closed session's connection on the same announcement, so such
// a message finds no route.
func (a *Aggregator) onSessionClosed(_ context.Context, ev bus.Event) {
	a.mu.Lock()
	var dropped int
	for key, state := range a.chunks {
		if state.sessionID != ev.SessionID || state.finalized {
			continue
		}
		state.finalized = true
		state.timer.Stop()
		delete(a.chunks, key)
		a.rememberFinalized(key)
		metrics.PendingAggregations.Dec()
		dropped++
	}
	a.mu.Unlock()

	if dropped > 0 {
		a.logger.Info().
			Str("session_id", ev.SessionID).
			Int("dropped_chunks", dropped).
			Msg("discarded pending aggregations for closed session")
	}
}

// finalize emits chunk_finalized exactly once for the given chunk. Subsequent
// callers observe state.finalized and return without publishing.
func (a *Aggregator) finalize(state *chunkState, reason string) {
	a.mu.Lock()
	if state.finalized {
		a.mu.Unlock()
		return
	}
	state.finalized = true
	state.timer.Stop()
	key := chunkKey(state.sessionID, state.chunkID)
	delete(a.chunks, key)
	a.rememberFinalized(key)
	metrics.PendingAggregations.Dec()

	outcomes := make(map[pipeline.Stage]pipeline.StageOutcome, len(state.outcomes))
	for stage, outcome := range state.outcomes {
		outcomes[stage] = outcome
	}
	var missing []pipeline.Stage
	for _, stage := range a.cfg.Stages {
		if _, ok := outcomes[stage]; !ok {
			missing = append(missing, stage)
		}
	}
	partial := len(missing) > 0
	for _, outcome := range outcomes {
		if outcome.Failed() {
			partial = true
			break
		}
	}

	a.finalizedTotal++
	if partial {
		a.partialTotal++
	} else {
		a.completeTotal++
	}
	elapsed := time.Since(state.openedAt)
	a.mu.Unlock()

	outcome := "complete"
	if partial {
		outcome = "partial"
	}
	metrics.ChunksFinalizedTotal.WithLabelValues(outcome).Inc()

	finalized := pipeline.FinalizedChunk{
		SessionID:   state.sessionID,
		ChunkID:     state.chunkID,
		Outcomes:    outcomes,
		Missing:     missing,
		Partial:     partial,
		Elapsed:     elapsed,
		FinalizedAt: time.Now(),
	}
	if err := a.bus.Publish(bus.Event{
		Type:      pipeline.EventChunkFinalized,
		SessionID: state.sessionID,
		ChunkID:   state.chunkID,
		Payload:   finalized,
	}); err != nil {
		a.logger.Error().Err(err).
			Str("session_id", state.sessionID).
			Uint64("chunk_id", state.chunkID).
			Msg("failed to publish chunk_finalized")
		return
	}

	a.logger.Debug().
		Str("session_id", state.sessionID).
		Uint64("chunk_id", state.chunkID).
		Str("reason", reason).
		Bool("partial", partial).
		Dur("elapsed", elapsed).
		Msg("chunk finalized")
}

// Stats reports aggregation counters for the control surface.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Pending:          uint64(len(a.chunks)),
		FinalizedTotal:   a.finalizedTotal,
		CompleteTotal:    a.completeTotal,
		PartialTotal:     a.partialTotal,
		TimeoutTotal:     a.timeoutTotal,
		LateOutcomeTotal: a.lateOutcomeTotal,
	}
}
