// Package pyannote attributes speech to speakers through a pyannote.audio
// sidecar service.
package pyannote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/halcyonaudio/speechd/internal/pipeline"
)

const defaultTimeout = 30 * time.Second

// Config locates the sidecar.
type Config struct {
	// BaseURL is the sidecar root, e.g. http://127.0.0.1:8803.
	BaseURL string

	// MaxSpeakers caps the number of speakers the model may hypothesize.
	// Zero leaves it to the model.
	MaxSpeakers int

	Timeout time.Duration
}

// Client calls the sidecar's /diarize endpoint with raw PCM audio.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pyannote: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

type diarizeRequest struct {
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	MaxSpeakers int    `json:"max_speakers,omitempty"`
	Audio       []byte `json:"audio"`
}

type diarizeResponse struct {
	Segments []struct {
		StartMS int64  `json:"start_ms"`
		EndMS   int64  `json:"end_ms"`
		Speaker string `json:"speaker"`
	} `json:"segments"`
	Speakers []string `json:"speakers"`
}

// Diarize sends one speech chunk to the sidecar and returns who spoke when.
// Connection failures and 5xx responses are tagged transient so the pipeline
// reports them as recoverable.
func (c *Client) Diarize(ctx context.Context, speech pipeline.SpeechAudio) (pipeline.DiarizationResult, error) {
	if err := speech.Validate(); err != nil {
		return pipeline.DiarizationResult{}, fmt.Errorf("pyannote: invalid chunk: %w", err)
	}

	payload, err := json.Marshal(diarizeRequest{
		SampleRate:  speech.SampleRate,
		Channels:    speech.Channels,
		MaxSpeakers: c.cfg.MaxSpeakers,
		Audio:       speech.Audio,
	})
	if err != nil {
		return pipeline.DiarizationResult{}, fmt.Errorf("pyannote: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/diarize", bytes.NewReader(payload))
	if err != nil {
		return pipeline.DiarizationResult{}, fmt.Errorf("pyannote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return pipeline.DiarizationResult{}, pipeline.Transient(fmt.Errorf("pyannote: request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("pyannote: sidecar returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
		if resp.StatusCode >= 500 {
			return pipeline.DiarizationResult{}, pipeline.Transient(err)
		}
		return pipeline.DiarizationResult{}, err
	}

	var parsed diarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return pipeline.DiarizationResult{}, fmt.Errorf("pyannote: decode response: %w", err)
	}

	result := pipeline.DiarizationResult{Speakers: parsed.Speakers}
	for _, seg := range parsed.Segments {
		result.Segments = append(result.Segments, pipeline.SpeakerSegment{
			Span:    pipeline.Span{StartMS: seg.StartMS, EndMS: seg.EndMS},
			Speaker: seg.Speaker,
		})
	}
	return result, nil
}
