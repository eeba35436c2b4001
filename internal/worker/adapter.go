package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonaudio/speechd/internal/bus"
	"github.com/halcyonaudio/speechd/internal/metrics"
	"github.com/halcyonaudio/speechd/internal/pipeline"
)

var (
	// ErrStopping indicates Start was called while a stop is in progress.
	ErrStopping = errors.New("worker adapter is stopping")
	// ErrStopTimeout indicates in-flight invocations outlived both the
	// grace period and the caller's deadline during Stop.
	ErrStopTimeout = errors.New("worker adapter stop timed out")
)

const (
	defaultInvokeTimeout = 5 * time.Second
	defaultStopGrace     = 2 * time.Second
)

// State names one phase of the adapter lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// AnalyzeFunc runs one analysis invocation for an input event and returns
// the stage result payload.
type AnalyzeFunc func(ctx context.Context, ev bus.Event) (any, error)

// RelayFunc derives extra events to publish after a successful invocation.
// The detection stage uses it to fan speech_detected out to the downstream
// stages.
type RelayFunc func(in bus.Event, result any) []bus.Event

// Config declares one stage instantiation of the adapter.
type Config struct {
	Stage         pipeline.Stage
	Inputs        []bus.EventType
	Analyze       AnalyzeFunc
	Relay         RelayFunc
	InvokeTimeout time.Duration
	StopGrace     time.Duration
	// MaxConcurrent bounds concurrent invocations; zero means unlimited.
	MaxConcurrent int
}

// Stats reports adapter counters for the control surface.
type Stats struct {
	Stage       string `json:"stage"`
	State       string `json:"state"`
	InFlight    int    `json:"in_flight"`
	Invocations int64  `json:"invocations"`
	Succeeded   int64  `json:"succeeded"`
	Failed      int64  `json:"failed"`
}

// Adapter subscribes a stage's analysis function to its input events and
// converts every invocation into exactly one terminal stage event:
// <stage>_completed on success, <stage>_failed otherwise. One instance
// serves one stage; concurrent invocations across chunks are allowed, a
// single chunk is never submitted to the stage twice concurrently.
type Adapter struct {
	cfg    Config
	bus    *bus.Bus
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	subs         []*bus.Subscription
	inflight     map[string]struct{}
	invokeCtx    context.Context
	invokeCancel context.CancelFunc
	wg           sync.WaitGroup

	invocations atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
}

// New constructs a stopped adapter. Invalid configuration is a
// construction error, not a runtime condition.
func New(b *bus.Bus, cfg Config, logger zerolog.Logger) (*Adapter, error) {
	if b == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.Stage == "" {
		return nil, fmt.Errorf("stage is required")
	}
	if cfg.Analyze == nil {
		return nil, fmt.Errorf("analyze func is required")
	}
	if len(cfg.Inputs) == 0 {
		return nil, fmt.Errorf("at least one input event type is required")
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &Adapter{
		cfg:      cfg,
		bus:      b,
		logger:   logger.With().Str("stage", string(cfg.Stage)).Logger(),
		state:    StateStopped,
		inflight: make(map[string]struct{}),
	}, nil
}

// Stage returns the stage this adapter serves.
func (a *Adapter) Stage() pipeline.Stage { return a.cfg.Stage }

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start subscribes the adapter to its input events. Calling Start while
// already running is a no-op and never double-subscribes.
func (a *Adapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateRunning, StateStarting:
		return nil
	case StateStopping:
		return fmt.Errorf("%w: stage %s", ErrStopping, a.cfg.Stage)
	}

	a.state = StateStarting
	a.invokeCtx, a.invokeCancel = context.WithCancel(context.Background())
	for _, input := range a.cfg.Inputs {
		a.subs = append(a.subs, a.bus.Subscribe(input, a.handle))
	}
	a.state = StateRunning
	a.logger.Info().Msg("worker adapter started")
	return nil
}

// Stop unsubscribes first so no new work is accepted, waits for in-flight
// invocations up to the grace period, then cancels the remaining ones.
// The subscriptions are released unconditionally.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateStopped || a.state == StateStopping {
		a.mu.Unlock()
		return nil
	}
	a.state = StateStopping
	subs := a.subs
	a.subs = nil
	cancel := a.invokeCancel
	a.mu.Unlock()

	for _, sub := range subs {
		a.bus.Unsubscribe(sub)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(a.cfg.StopGrace):
		a.logger.Warn().Msg("grace period elapsed, cancelling in-flight invocations")
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("%w: stage %s", ErrStopTimeout, a.cfg.Stage)
		}
	}
	cancel()

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()
	a.logger.Info().Msg("worker adapter stopped")
	return err
}

// Stats returns a snapshot of adapter counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	state := a.state
	inflight := len(a.inflight)
	a.mu.Unlock()
	return Stats{
		Stage:       string(a.cfg.Stage),
		State:       string(state),
		InFlight:    inflight,
		Invocations: a.invocations.Load(),
		Succeeded:   a.succeeded.Load(),
		Failed:      a.failed.Load(),
	}
}

func (a *Adapter) handle(_ context.Context, ev bus.Event) {
	key := fmt.Sprintf("%s/%d", ev.SessionID, ev.ChunkID)

	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return
	}
	if _, dup := a.inflight[key]; dup {
		a.mu.Unlock()
		a.logger.Warn().
			Str("session_id", ev.SessionID).
			Uint64("chunk_id", ev.ChunkID).
			Msg("chunk already in flight for stage, ignoring duplicate")
		return
	}
	if a.cfg.MaxConcurrent > 0 && len(a.inflight) >= a.cfg.MaxConcurrent {
		a.mu.Unlock()
		a.reportFailure(ev, pipeline.StageFailure{
			Stage:       a.cfg.Stage,
			Reason:      "stage saturated",
			Recoverable: true,
		}, 0, "saturated")
		return
	}
	a.inflight[key] = struct{}{}
	invokeCtx := a.invokeCtx
	a.wg.Add(1)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.inflight, key)
		a.mu.Unlock()
		a.wg.Done()
	}()

	a.invoke(invokeCtx, ev)
}

func (a *Adapter) invoke(parent context.Context, ev bus.Event) {
	a.invocations.Add(1)
	metrics.StageInvocationsTotal.WithLabelValues(string(a.cfg.Stage)).Inc()

	ctx, cancel := context.WithTimeout(parent, a.cfg.InvokeTimeout)
	defer cancel()

	start := time.Now()
	result, err := a.cfg.Analyze(ctx, ev)
	elapsed := time.Since(start)

	if err != nil {
		a.reportFailure(ev, a.classify(err), elapsed, failureClass(err))
		return
	}

	a.succeeded.Add(1)
	report := pipeline.StageReport{
		Stage:   a.cfg.Stage,
		Outcome: pipeline.SuccessOutcome(result),
		Elapsed: elapsed,
	}
	if err := a.bus.Publish(bus.Event{
		Type:      pipeline.CompletedEvent(a.cfg.Stage),
		SessionID: ev.SessionID,
		ChunkID:   ev.ChunkID,
		Payload:   report,
	}); err != nil {
		a.logger.Error().Err(err).
			Str("session_id", ev.SessionID).
			Uint64("chunk_id", ev.ChunkID).
			Msg("failed to publish stage result")
		return
	}

	if a.cfg.Relay == nil {
		return
	}
	for _, relayed := range a.cfg.Relay(ev, result) {
		if err := a.bus.Publish(relayed); err != nil {
			a.logger.Error().Err(err).
				Str("event", string(relayed.Type)).
				Msg("failed to publish relayed event")
		}
	}
}

// classify converts an invocation error into the stage-failed descriptor.
// Timeouts and provider-marked transient errors leave room for a retry.
func (a *Adapter) classify(err error) pipeline.StageFailure {
	reason := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "invocation timeout"
	}
	return pipeline.StageFailure{
		Stage:       a.cfg.Stage,
		Reason:      reason,
		Recoverable: errors.Is(err, context.DeadlineExceeded) || pipeline.IsTransient(err),
	}
}

func (a *Adapter) reportFailure(ev bus.Event, failure pipeline.StageFailure, elapsed time.Duration, class string) {
	a.failed.Add(1)
	metrics.IncStageFailure(string(a.cfg.Stage), class)
	a.logger.Warn().
		Str("session_id", ev.SessionID).
		Uint64("chunk_id", ev.ChunkID).
		Str("reason", failure.Reason).
		Bool("recoverable", failure.Recoverable).
		Msg("stage invocation failed")

	report := pipeline.StageReport{
		Stage:   a.cfg.Stage,
		Outcome: pipeline.FailureOutcome(failure),
		Elapsed: elapsed,
	}
	if err := a.bus.Publish(bus.Event{
		Type:      pipeline.FailedEvent(a.cfg.Stage),
		SessionID: ev.SessionID,
		ChunkID:   ev.ChunkID,
		Payload:   report,
	}); err != nil {
		a.logger.Error().Err(err).
			Str("session_id", ev.SessionID).
			Uint64("chunk_id", ev.ChunkID).
			Msg("failed to publish stage failure")
	}
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
