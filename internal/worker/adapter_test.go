package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonaudio/speechd/internal/bus"
	"github.com/halcyonaudio/speechd/internal/pipeline"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(bus.Config{HistorySize: -1}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func collectReports(b *bus.Bus, eventType bus.EventType) <-chan pipeline.StageReport {
	reports := make(chan pipeline.StageReport, 16)
	b.Subscribe(eventType, func(_ context.Context, ev bus.Event) {
		if report, ok := ev.Payload.(pipeline.StageReport); ok {
			reports <- report
		}
	})
	return reports
}

func waitReport(t *testing.T, reports <-chan pipeline.StageReport) pipeline.StageReport {
	t.Helper()
	select {
	case report := <-reports:
		return report
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stage report")
		return pipeline.StageReport{}
	}
}

func TestAdapterPublishesCompletedReport(t *testing.T) {
	b := newTestBus(t)
	adapter, err := New(b, Config{
		Stage:  pipeline.StageTranscription,
		Inputs: []bus.EventType{pipeline.EventSpeechDetected},
		Analyze: func(_ context.Context, _ bus.Event) (any, error) {
			return pipeline.TranscriptionResult{Text: "hello world"}, nil
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
	reports := collectReports(b, pipeline.CompletedEvent(pipeline.StageTranscription))

	if err := adapter.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer func() { _ = adapter.Stop(context.Background()) }()

	if err := b.Publish(bus.Event{Type: pipeline.EventSpeechDetected, SessionID: "s1", ChunkID: 3}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	report := waitReport(t, reports)
	if report.Stage != pipeline.StageTranscription {
		t.Fatalf("unexpected stage %q", report.Stage)
	}
	if report.Outcome.Failed() {
		t.Fatalf("expected success outcome, got failure %+v", report.Outcome.Failure)
	}
	result, ok := report.Outcome.Result.(pipeline.TranscriptionResult)
	if !ok || result.Text != "hello world" {
		t.Fatalf("unexpected result payload %+v", report.Outcome.Result)
	}
}

func TestAdapterConvertsErrorsToFailureEvents(t *testing.T) {
	cases := []struct {
		name            string
		err             error
		wantRecoverable bool
	}{
		{"plain error", errors.New("model exploded"), false},
		{"transient error", pipeline.Transient(errors.New("sidecar unavailable")), true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBus(t)
			adapter, err := New(b, Config{
				Stage:  pipeline.StageDiarization,
				Inputs: []bus.EventType{pipeline.EventSpeechDetected},
				Analyze: func(_ context.Context, _ bus.Event) (any, error) {
					return nil, tc.err
				},
			}, zerolog.Nop())
			if err != nil {
				t.Fatalf("unexpected construction error: %v", err)
			}
			reports := collectReports(b, pipeline.FailedEvent(pipeline.StageDiarization))

			if err := adapter.Start(); err != nil {
				t.Fatalf("unexpected start error: %v", err)
			}
			defer func() { _ = adapter.Stop(context.Background()) }()

			if err := b.Publish(bus.Event{Type: pipeline.EventSpeechDetected, SessionID: "s1", ChunkID: 1}); err != nil {
				t.Fatalf("unexpected publish error: %v", err)
			}

			report := waitReport(t, reports)
			failure := report.Outcome.Failure
			if failure == nil {
				t.Fatal("expected failure outcome")
			}
			if failure.Stage != pipeline.StageDiarization {
				t.Fatalf("unexpected failure stage %q", failure.Stage)
			}
			if failure.Recoverable != tc.wantRecoverable {
				t.Fatalf("recoverable = %v, want %v", failure.Recoverable, tc.wantRecoverable)
			}
		})
	}
}

func TestAdapterTimeoutIsRecoverable(t *testing.T) {
	b := newTestBus(t)
	adapter, err := New(b, Config{
		Stage:         pipeline.StageDetection,
		Inputs:        []bus.EventType{pipeline.EventChunkReceived},
		InvokeTimeout: 20 * time.Millisecond,
		Analyze: func(ctx context.Context, _ bus.Event) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
	reports := collectReports(b, pipeline.FailedEvent(pipeline.StageDetection))

	if err := adapter.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer func() { _ = adapter.Stop(context.Background()) }()

	if err := b.Publish(bus.Event{Type: pipeline.EventChunkReceived, SessionID: "s1", ChunkID: 0}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	report := waitReport(t, reports)
	failure := report.Outcome.Failure
	if failure == nil || !failure.Recoverable {
		t.Fatalf("expected recoverable timeout failure, got %+v", failure)
	}
	if failure.Reason != "invocation timeout" {
		t.Fatalf("unexpected reason %q", failure.Reason)
	}
}

func TestStartIsReentrantSafe(t *testing.T) {
	b := newTestBus(t)
	var invocations atomic.Int64
	done := make(chan struct{}, 4)
	adapter, err := New(b, Config{
		Stage:  pipeline.StageDetection,
		Inputs: []bus.EventType{pipeline.EventChunkReceived},
		Analyze: func(_ context.Context, _ bus.Event) (any, error) {
			invocations.Add(1)
			done <- struct{}{}
			return pipeline.DetectionResult{}, nil
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	if err := adapter.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := adapter.Start(); err != nil {
		t.Fatalf("second start must be a no-op, got %v", err)
	}
	defer func() { _ = adapter.Stop(context.Background()) }()

	if err := b.Publish(bus.Event{Type: pipeline.EventChunkReceived, SessionID: "s1", ChunkID: 0}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	<-done

	select {
	case <-done:
		t.Fatal("double start produced a duplicate subscription")
	case <-time.After(100 * time.Millisecond):
	}
	if got := invocations.Load(); got != 1 {
		t.Fatalf("expected exactly one invocation, got %d", got)
	}
}

func TestStopPreventsFurtherInvocations(t *testing.T) {
	b := newTestBus(t)
	var invocations atomic.Int64
	adapter, err := New(b, Config{
		Stage:  pipeline.StageDetection,
		Inputs: []bus.EventType{pipeline.EventChunkReceived},
		Analyze: func(_ context.Context, _ bus.Event) (any, error) {
			invocations.Add(1)
			return pipeline.DetectionResult{}, nil
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	if err := adapter.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if got := adapter.State(); got != StateStopped {
		t.Fatalf("expected stopped state, got %q", got)
	}

	if err := b.Publish(bus.Event{Type: pipeline.EventChunkReceived, SessionID: "s1", ChunkID: 0}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := invocations.Load(); got != 0 {
		t.Fatalf("expected zero invocations after stop, got %d", got)
	}
}

func TestDuplicateChunkIsNotDoubleSubmitted(t *testing.T) {
	b := newTestBus(t)
	var invocations atomic.Int64
	block := make(chan struct{})
	started := make(chan struct{}, 2)
	adapter, err := New(b, Config{
		Stage:  pipeline.StageTranscription,
		Inputs: []bus.EventType{pipeline.EventSpeechDetected},
		Analyze: func(_ context.Context, _ bus.Event) (any, error) {
			invocations.Add(1)
			started <- struct{}{}
			<-block
			return pipeline.TranscriptionResult{}, nil
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
	reports := collectReports(b, pipeline.CompletedEvent(pipeline.StageTranscription))

	if err := adapter.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer func() { _ = adapter.Stop(context.Background()) }()

	ev := bus.Event{Type: pipeline.EventSpeechDetected, SessionID: "s1", ChunkID: 9}
	if err := b.Publish(ev); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	<-started
	// Same chunk again while the first submission is still in flight.
	if err := b.Publish(ev); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	close(block)

	waitReport(t, reports)
	if got := invocations.Load(); got != 1 {
		t.Fatalf("expected single submission for duplicate chunk, got %d", got)
	}
}

func TestRelayPublishesDerivedEvents(t *testing.T) {
	b := newTestBus(t)
	adapter, err := New(b, Config{
		Stage:  pipeline.StageDetection,
		Inputs: []bus.EventType{pipeline.EventChunkReceived},
		Analyze: func(_ context.Context, _ bus.Event) (any, error) {
			return pipeline.DetectionResult{Speech: true, Confidence: 0.9}, nil
		},
		Relay: func(in bus.Event, result any) []bus.Event {
			detection, ok := result.(pipeline.DetectionResult)
			if !ok || !detection.Speech {
				return nil
			}
			return []bus.Event{{
				Type:      pipeline.EventSpeechDetected,
				SessionID: in.SessionID,
				ChunkID:   in.ChunkID,
				Payload:   pipeline.SpeechAudio{Confidence: detection.Confidence},
			}}
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	relayed := make(chan bus.Event, 1)
	b.Subscribe(pipeline.EventSpeechDetected, func(_ context.Context, ev bus.Event) {
		relayed <- ev
	})

	if err := adapter.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer func() { _ = adapter.Stop(context.Background()) }()

	if err := b.Publish(bus.Event{Type: pipeline.EventChunkReceived, SessionID: "s1", ChunkID: 4}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	select {
	case ev := <-relayed:
		if ev.SessionID != "s1" || ev.ChunkID != 4 {
			t.Fatalf("unexpected relayed event %+v", ev)
		}
		speech, ok := ev.Payload.(pipeline.SpeechAudio)
		if !ok || speech.Confidence != 0.9 {
			t.Fatalf("unexpected relayed payload %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed speech_detected event")
	}
}
