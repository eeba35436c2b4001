// Package whisperd transcribes speech through a whisper.cpp server sidecar.
package whisperd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/halcyonaudio/speechd/internal/pipeline"
)

const defaultTimeout = 30 * time.Second

// Config locates the sidecar.
type Config struct {
	// BaseURL is the sidecar root, e.g. http://127.0.0.1:8802.
	BaseURL string

	// Language hints the decoder; empty lets the model detect it.
	Language string

	Timeout time.Duration
}

// Client calls the sidecar's /inference endpoint with raw PCM audio.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("whisperd: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

type inferenceResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		StartMS int64  `json:"start_ms"`
		EndMS   int64  `json:"end_ms"`
		Text    string `json:"text"`
	} `json:"segments"`
}

// Transcribe sends one speech chunk to the sidecar and returns its transcript.
// Connection failures and 5xx responses are tagged transient so the pipeline
// reports them as recoverable.
func (c *Client) Transcribe(ctx context.Context, speech pipeline.SpeechAudio) (pipeline.TranscriptionResult, error) {
	if err := speech.Validate(); err != nil {
		return pipeline.TranscriptionResult{}, fmt.Errorf("whisperd: invalid chunk: %w", err)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("audio", "chunk.pcm")
	if err != nil {
		return pipeline.TranscriptionResult{}, fmt.Errorf("whisperd: build form: %w", err)
	}
	if _, err := part.Write(speech.Audio); err != nil {
		return pipeline.TranscriptionResult{}, fmt.Errorf("whisperd: build form: %w", err)
	}
	_ = form.WriteField("sample_rate", fmt.Sprint(speech.SampleRate))
	_ = form.WriteField("channels", fmt.Sprint(speech.Channels))
	if c.cfg.Language != "" {
		_ = form.WriteField("language", c.cfg.Language)
	}
	if err := form.Close(); err != nil {
		return pipeline.TranscriptionResult{}, fmt.Errorf("whisperd: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/inference", &body)
	if err != nil {
		return pipeline.TranscriptionResult{}, fmt.Errorf("whisperd: build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return pipeline.TranscriptionResult{}, pipeline.Transient(fmt.Errorf("whisperd: request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("whisperd: sidecar returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
		if resp.StatusCode >= 500 {
			return pipeline.TranscriptionResult{}, pipeline.Transient(err)
		}
		return pipeline.TranscriptionResult{}, err
	}

	var parsed inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return pipeline.TranscriptionResult{}, fmt.Errorf("whisperd: decode response: %w", err)
	}

	result := pipeline.TranscriptionResult{Text: parsed.Text, Language: parsed.Language}
	for _, seg := range parsed.Segments {
		result.Segments = append(result.Segments, pipeline.TranscriptSegment{
			Span: pipeline.Span{StartMS: seg.StartMS, EndMS: seg.EndMS},
			Text: seg.Text,
		})
	}
	return result, nil
}
