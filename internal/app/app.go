// Package app wires the speechd components together and owns their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonaudio/speechd/internal/aggregator"
	"github.com/halcyonaudio/speechd/internal/bus"
	"github.com/halcyonaudio/speechd/internal/config"
	"github.com/halcyonaudio/speechd/internal/gateway"
	"github.com/halcyonaudio/speechd/internal/httpapi"
	"github.com/halcyonaudio/speechd/internal/pipeline"
	"github.com/halcyonaudio/speechd/internal/session"
	"github.com/halcyonaudio/speechd/internal/worker"
	"github.com/halcyonaudio/speechd/providers/detect/energy"
	"github.com/halcyonaudio/speechd/providers/diarize/pyannote"
	"github.com/halcyonaudio/speechd/providers/transcribe/whisperd"
)

// App is the assembled speechd service.
type App struct {
	cfg    config.Config
	logger zerolog.Logger

	bus        *bus.Bus
	sessions   *session.Manager
	aggregator *aggregator.Aggregator
	gateway    *gateway.Gateway
	workers    []*worker.Adapter
	httpServer *http.Server

	draining atomic.Bool
}

// New assembles the service from its configuration. Transcription and
// diarization run only when their sidecars are configured; the aggregator's
// expected stage set is fixed accordingly for the process lifetime.
func New(cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	a.bus = bus.New(bus.Config{HistorySize: cfg.Pipeline.HistorySize}, logger)
	a.sessions = session.NewManager(a.bus, session.Config{
		IdleTimeout:   cfg.Sessions.IdleTimeout.Std(),
		SweepInterval: cfg.Sessions.SweepInterval.Std(),
	}, logger)

	stages, err := a.buildWorkers()
	if err != nil {
		return nil, err
	}

	a.aggregator = aggregator.New(a.bus, aggregator.Config{
		CompletionTimeout: cfg.Pipeline.CompletionTimeout.Std(),
		Stages:            stages,
	}, logger)

	a.gateway = gateway.New(a.bus, a.sessions, gateway.Config{
		MaxChunkBytes: cfg.Audio.MaxChunkBytes,
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
	}, logger)

	api := httpapi.New(httpapi.Deps{
		Sessions: a.sessions,
		Stream:   a.gateway,
		Stats:    a.statsOverview,
		Recent: func(eventType string, limit int) any {
			return a.bus.Recent(bus.EventType(eventType), limit)
		},
		Ready: func() bool { return !a.draining.Load() },
	}, logger)
	a.httpServer = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

// buildWorkers constructs one adapter per enabled stage and returns the
// stages the aggregator should expect.
func (a *App) buildWorkers() ([]pipeline.Stage, error) {
	cfg := a.cfg
	stages := []pipeline.Stage{pipeline.StageDetection}

	detector := energy.New(energy.Config{
		Threshold:      cfg.Detection.Threshold,
		FrameMS:        cfg.Detection.FrameMS,
		HangoverFrames: cfg.Detection.HangoverFrames,
	})
	detectionWorker, err := worker.New(a.bus, worker.Config{
		Stage:         pipeline.StageDetection,
		Inputs:        []bus.EventType{pipeline.EventChunkReceived},
		InvokeTimeout: cfg.Pipeline.InvokeTimeout.Std(),
		StopGrace:     cfg.Pipeline.StopGrace.Std(),
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		Analyze: func(ctx context.Context, ev bus.Event) (any, error) {
			chunk, ok := ev.Payload.(pipeline.AudioChunk)
			if !ok {
				return nil, fmt.Errorf("unexpected payload %T", ev.Payload)
			}
			return detector.DetectSpeech(ctx, chunk)
		},
		Relay: relaySpeech,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build detection worker: %w", err)
	}
	a.workers = append(a.workers, detectionWorker)

	if cfg.Transcription.URL != "" {
		client, err := whisperd.New(whisperd.Config{
			BaseURL:  cfg.Transcription.URL,
			Language: cfg.Transcription.Language,
			Timeout:  cfg.Transcription.Timeout.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("build transcriber: %w", err)
		}
		w, err := worker.New(a.bus, worker.Config{
			Stage:         pipeline.StageTranscription,
			Inputs:        []bus.EventType{pipeline.EventSpeechDetected},
			InvokeTimeout: cfg.Pipeline.InvokeTimeout.Std(),
			StopGrace:     cfg.Pipeline.StopGrace.Std(),
			MaxConcurrent: cfg.Pipeline.MaxConcurrent,
			Analyze: analyzeSpeech(func(ctx context.Context, speech pipeline.SpeechAudio) (any, error) {
				return client.Transcribe(ctx, speech)
			}),
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("build transcription worker: %w", err)
		}
		a.workers = append(a.workers, w)
		stages = append(stages, pipeline.StageTranscription)
	}

	if cfg.Diarization.URL != "" {
		client, err := pyannote.New(pyannote.Config{
			BaseURL:     cfg.Diarization.URL,
			MaxSpeakers: cfg.Diarization.MaxSpeakers,
			Timeout:     cfg.Diarization.Timeout.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("build diarizer: %w", err)
		}
		w, err := worker.New(a.bus, worker.Config{
			Stage:         pipeline.StageDiarization,
			Inputs:        []bus.EventType{pipeline.EventSpeechDetected},
			InvokeTimeout: cfg.Pipeline.InvokeTimeout.Std(),
			StopGrace:     cfg.Pipeline.StopGrace.Std(),
			MaxConcurrent: cfg.Pipeline.MaxConcurrent,
			Analyze: analyzeSpeech(func(ctx context.Context, speech pipeline.SpeechAudio) (any, error) {
				return client.Diarize(ctx, speech)
			}),
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("build diarization worker: %w", err)
		}
		a.workers = append(a.workers, w)
		stages = append(stages, pipeline.StageDiarization)
	}

	return stages, nil
}

// relaySpeech fans a positive detection out as speech_detected so the
// downstream stages receive the audio with its confidence attached.
func relaySpeech(in bus.Event, result any) []bus.Event {
	detection, ok := result.(pipeline.DetectionResult)
	if !ok || !detection.Speech {
		return nil
	}
	chunk, ok := in.Payload.(pipeline.AudioChunk)
	if !ok {
		return nil
	}
	return []bus.Event{{
		Type:      pipeline.EventSpeechDetected,
		SessionID: in.SessionID,
		ChunkID:   in.ChunkID,
		Payload:   pipeline.SpeechAudio{AudioChunk: chunk, Confidence: detection.Confidence},
	}}
}

// analyzeSpeech adapts a speech-typed analyzer to the worker's generic
// signature.
func analyzeSpeech(fn func(context.Context, pipeline.SpeechAudio) (any, error)) worker.AnalyzeFunc {
	return func(ctx context.Context, ev bus.Event) (any, error) {
		speech, ok := ev.Payload.(pipeline.SpeechAudio)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		return fn(ctx, speech)
	}
}

// Run starts every component and blocks until ctx is cancelled or the HTTP
// listener fails.
func (a *App) Run(ctx context.Context) error {
	a.aggregator.Start()
	a.gateway.Start()
	for _, w := range a.workers {
		if err := w.Start(); err != nil {
			return fmt.Errorf("start %s worker: %w", w.Stage(), err)
		}
	}
	a.logger.Info().
		Str("listen", a.cfg.Server.Listen).
		Int("workers", len(a.workers)).
		Msg("speechd started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

// shutdown drains in dependency order: stop intake, stop workers, flush the
// aggregator while the gateway can still deliver, then drop connections.
func (a *App) shutdown() {
	a.draining.Store(true)
	a.logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	for _, w := range a.workers {
		if err := w.Stop(ctx); err != nil {
			a.logger.Warn().Err(err).Str("stage", string(w.Stage())).Msg("worker stop incomplete")
		}
	}

	a.aggregator.Shutdown()
	a.gateway.Shutdown()
	a.sessions.Shutdown()

	if err := a.bus.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("bus close incomplete")
	}
	a.logger.Info().Msg("shutdown complete")
}

func (a *App) statsOverview() httpapi.Overview {
	workers := make(map[string]worker.Stats, len(a.workers))
	for _, w := range a.workers {
		workers[string(w.Stage())] = w.Stats()
	}
	return httpapi.Overview{
		Bus:        a.bus.Stats(),
		Workers:    workers,
		Aggregator: a.aggregator.Stats(),
		Sessions:   a.sessions.Stats(),
		Gateway:    a.gateway.Stats(),
	}
}
