// Package energy implements voice activity detection with a short-term RMS
// energy gate over 16-bit PCM audio.
package energy

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/halcyonaudio/speechd/internal/pipeline"
)

const (
	defaultThreshold = 0.015
	defaultFrameMS   = 20
	defaultHangover  = 2
)

// Config tunes the detector.
type Config struct {
	// Threshold is the normalized RMS level above which a frame counts as
	// speech. Range (0,1).
	Threshold float64

	// FrameMS is the analysis frame length in milliseconds.
	FrameMS int

	// HangoverFrames keeps a segment open across this many quiet frames so
	// natural pauses do not split words.
	HangoverFrames int
}

// Detector gates audio on short-term energy. It needs no model and no
// sidecar, which makes it the default detection stage.
type Detector struct {
	cfg Config
}

// New builds a Detector.
func New(cfg Config) *Detector {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = defaultFrameMS
	}
	if cfg.HangoverFrames < 0 {
		cfg.HangoverFrames = defaultHangover
	}
	if cfg.HangoverFrames == 0 {
		cfg.HangoverFrames = defaultHangover
	}
	return &Detector{cfg: cfg}
}

// DetectSpeech reports whether the chunk contains speech and where.
func (d *Detector) DetectSpeech(ctx context.Context, chunk pipeline.AudioChunk) (pipeline.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.DetectionResult{}, err
	}
	if err := chunk.Validate(); err != nil {
		return pipeline.DetectionResult{}, fmt.Errorf("invalid chunk: %w", err)
	}
	if len(chunk.Audio)%2 != 0 {
		return pipeline.DetectionResult{}, fmt.Errorf("odd byte count %d for 16-bit pcm", len(chunk.Audio))
	}

	samples := decodePCM16(chunk.Audio)
	if len(samples) == 0 {
		return pipeline.DetectionResult{}, nil
	}

	frameLen := chunk.SampleRate * chunk.Channels * d.cfg.FrameMS / 1000
	if frameLen <= 0 {
		frameLen = len(samples)
	}

	var (
		segments  []pipeline.Span
		open      bool
		start     int
		quiet     int
		peak      float64
		voiced    int
		numFrames int
	)
	frameDur := time.Duration(d.cfg.FrameMS) * time.Millisecond
	for offset := 0; offset < len(samples); offset += frameLen {
		end := offset + frameLen
		if end > len(samples) {
			end = len(samples)
		}
		level := rms(samples[offset:end])
		if level > peak {
			peak = level
		}
		numFrames++
		frame := offset / frameLen

		if level >= d.cfg.Threshold {
			voiced++
			quiet = 0
			if !open {
				open = true
				start = frame
			}
			continue
		}
		if !open {
			continue
		}
		quiet++
		if quiet > d.cfg.HangoverFrames {
			segments = append(segments, frameSpan(start, frame-quiet+1, frameDur))
			open = false
			quiet = 0
		}
	}
	if open {
		segments = append(segments, frameSpan(start, numFrames, frameDur))
	}

	result := pipeline.DetectionResult{
		Speech:   len(segments) > 0,
		Segments: segments,
	}
	if result.Speech {
		// Blend how loud the signal peaked with how much of it was voiced.
		coverage := float64(voiced) / float64(numFrames)
		result.Confidence = math.Min(1, 0.5*math.Min(1, peak/(4*d.cfg.Threshold))+0.5*coverage)
	}
	return result, nil
}

func frameSpan(startFrame, endFrame int, frameDur time.Duration) pipeline.Span {
	return pipeline.Span{
		StartMS: int64(startFrame) * frameDur.Milliseconds(),
		EndMS:   int64(endFrame) * frameDur.Milliseconds(),
	}
}

func decodePCM16(raw []byte) []float64 {
	samples := make([]float64, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		samples[i] = float64(v) / math.MaxInt16
	}
	return samples
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}
