// Package config loads speechd configuration from defaults, an optional YAML
// file, and SPEECHD_* environment overrides, in that order.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "750ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Server configures the HTTP listener.
type Server struct {
	Listen string `yaml:"listen"`
}

// Audio describes the PCM format clients stream and the frame size limit.
type Audio struct {
	MaxChunkBytes int `yaml:"max_chunk_bytes"`
	SampleRate    int `yaml:"sample_rate"`
	Channels      int `yaml:"channels"`
}

// Pipeline tunes worker invocation and result aggregation.
type Pipeline struct {
	CompletionTimeout Duration `yaml:"completion_timeout"`
	InvokeTimeout     Duration `yaml:"invoke_timeout"`
	StopGrace         Duration `yaml:"stop_grace"`
	MaxConcurrent     int      `yaml:"max_concurrent"`
	HistorySize       int      `yaml:"history_size"`
}

// Sessions tunes session lifecycle.
type Sessions struct {
	IdleTimeout   Duration `yaml:"idle_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Detection tunes the built-in energy detector.
type Detection struct {
	Threshold      float64 `yaml:"threshold"`
	FrameMS        int     `yaml:"frame_ms"`
	HangoverFrames int     `yaml:"hangover_frames"`
}

// Sidecar locates one analysis sidecar service. An empty URL disables the
// stage's network provider.
type Sidecar struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// Transcription configures the speech-to-text sidecar.
type Transcription struct {
	Sidecar  `yaml:",inline"`
	Language string `yaml:"language"`
}

// Diarization configures the speaker-attribution sidecar.
type Diarization struct {
	Sidecar     `yaml:",inline"`
	MaxSpeakers int `yaml:"max_speakers"`
}

// Config is the full speechd configuration.
type Config struct {
	Server        Server        `yaml:"server"`
	Audio         Audio         `yaml:"audio"`
	Pipeline      Pipeline      `yaml:"pipeline"`
	Sessions      Sessions      `yaml:"sessions"`
	Detection     Detection     `yaml:"detection"`
	Transcription Transcription `yaml:"transcription"`
	Diarization   Diarization   `yaml:"diarization"`
	LogLevel      string        `yaml:"log_level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: Server{Listen: ":8080"},
		Audio: Audio{
			MaxChunkBytes: 64 * 1024,
			SampleRate:    16000,
			Channels:      1,
		},
		Pipeline: Pipeline{
			CompletionTimeout: Duration(10 * time.Second),
			InvokeTimeout:     Duration(5 * time.Second),
			StopGrace:         Duration(2 * time.Second),
			MaxConcurrent:     16,
			HistorySize:       1000,
		},
		Sessions: Sessions{
			IdleTimeout:   Duration(5 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
		},
		Detection: Detection{
			Threshold:      0.015,
			FrameMS:        20,
			HangoverFrames: 2,
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays SPEECHD_* variables on the loaded configuration.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SPEECHD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("SPEECHD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SPEECHD_WHISPERD_URL"); v != "" {
		cfg.Transcription.URL = v
	}
	if v := os.Getenv("SPEECHD_PYANNOTE_URL"); v != "" {
		cfg.Diarization.URL = v
	}
	if v := os.Getenv("SPEECHD_MAX_CHUNK_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Audio.MaxChunkBytes = n
		}
	}
	if v := os.Getenv("SPEECHD_COMPLETION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.CompletionTimeout = Duration(d)
		}
	}
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Audio.MaxChunkBytes <= 0 {
		return fmt.Errorf("audio.max_chunk_bytes must be positive")
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 {
		return fmt.Errorf("audio.sample_rate and audio.channels must be positive")
	}
	if c.Pipeline.CompletionTimeout.Std() <= 0 {
		return fmt.Errorf("pipeline.completion_timeout must be positive")
	}
	if c.Pipeline.InvokeTimeout.Std() <= 0 {
		return fmt.Errorf("pipeline.invoke_timeout must be positive")
	}
	if c.Pipeline.InvokeTimeout.Std() >= c.Pipeline.CompletionTimeout.Std() {
		return fmt.Errorf("pipeline.invoke_timeout must be below pipeline.completion_timeout")
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("pipeline.max_concurrent must be positive")
	}
	if c.Detection.Threshold <= 0 || c.Detection.Threshold >= 1 {
		return fmt.Errorf("detection.threshold must be in (0,1)")
	}
	return nil
}
