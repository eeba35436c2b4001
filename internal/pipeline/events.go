package pipeline

import (
	"fmt"
	"time"

	"github.com/halcyonaudio/speechd/internal/bus"
)

// Stage names one analysis step of the pipeline.
type Stage string

const (
	StageDetection     Stage = "detection"
	StageTranscription Stage = "transcription"
	StageDiarization   Stage = "diarization"
)

// Stages returns the full stage set in canonical order.
func Stages() []Stage {
	return []Stage{StageDetection, StageTranscription, StageDiarization}
}

// Event taxonomy. Stage terminal events are derived via CompletedEvent and
// FailedEvent; everything else is a fixed name.
const (
	EventChunkReceived  bus.EventType = "chunk_received"
	EventSpeechDetected bus.EventType = "speech_detected"
	EventChunkFinalized bus.EventType = "chunk_finalized"
	EventSessionClosed  bus.EventType = "session_closed"
)

// CompletedEvent returns the terminal success event type for a stage,
// e.g. "transcription_completed".
func CompletedEvent(stage Stage) bus.EventType {
	return bus.EventType(string(stage) + "_completed")
}

// FailedEvent returns the terminal failure event type for a stage,
// e.g. "transcription_failed".
func FailedEvent(stage Stage) bus.EventType {
	return bus.EventType(string(stage) + "_failed")
}

// AudioChunk is the payload of chunk_received: one discrete unit of raw
// audio submitted within a session.
type AudioChunk struct {
	Audio      []byte
	SampleRate int
	Channels   int
}

func (c AudioChunk) Validate() error {
	if len(c.Audio) == 0 {
		return fmt.Errorf("audio payload is empty")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	return nil
}

// SpeechAudio is the payload of speech_detected: the original chunk audio
// plus the detector's confidence, fanned out to the downstream stages.
type SpeechAudio struct {
	AudioChunk
	Confidence float64
}

// Span marks one region of a chunk in milliseconds from chunk start.
type Span struct {
	StartMS int64 `json:"start_ms"`
	EndMS   int64 `json:"end_ms"`
}

// DetectionResult carries speech-activity boundaries for one chunk.
type DetectionResult struct {
	Speech     bool    `json:"speech"`
	Confidence float64 `json:"confidence"`
	Segments   []Span  `json:"segments,omitempty"`
}

// TranscriptSegment is one timed region of transcript text.
type TranscriptSegment struct {
	Span
	Text string `json:"text"`
}

// TranscriptionResult carries transcript text for one chunk.
type TranscriptionResult struct {
	Text     string              `json:"text"`
	Language string              `json:"language,omitempty"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
}

// SpeakerSegment attributes one timed region to a speaker label.
type SpeakerSegment struct {
	Span
	Speaker string `json:"speaker"`
}

// DiarizationResult carries speaker attribution for one chunk.
type DiarizationResult struct {
	Segments []SpeakerSegment `json:"segments,omitempty"`
	Speakers []string         `json:"speakers,omitempty"`
}

// StageFailure describes a stage that could not produce a result. It is
// data, not an error: failures cross the bus as events.
type StageFailure struct {
	Stage       Stage  `json:"stage"`
	Reason      string `json:"reason"`
	Recoverable bool   `json:"recoverable"`
}

// StageOutcome is the tagged terminal outcome of one stage for one chunk:
// exactly one of Result or Failure is set.
type StageOutcome struct {
	Result  any           `json:"result,omitempty"`
	Failure *StageFailure `json:"failure,omitempty"`
}

// SuccessOutcome wraps a stage result payload.
func SuccessOutcome(result any) StageOutcome {
	return StageOutcome{Result: result}
}

// FailureOutcome wraps a stage failure descriptor.
func FailureOutcome(failure StageFailure) StageOutcome {
	return StageOutcome{Failure: &failure}
}

// Failed reports whether the outcome is a failure.
func (o StageOutcome) Failed() bool { return o.Failure != nil }

// StageReport is the payload of every <stage>_completed and
// <stage>_failed event.
type StageReport struct {
	Stage   Stage
	Outcome StageOutcome
	Elapsed time.Duration
}

// FinalizedChunk is the payload of chunk_finalized: all collected stage
// outcomes for one chunk, successes and failures together.
type FinalizedChunk struct {
	SessionID   string
	ChunkID     uint64
	Outcomes    map[Stage]StageOutcome
	Missing     []Stage
	Partial     bool
	Elapsed     time.Duration
	FinalizedAt time.Time
}
