// Package stream defines the websocket wire contract between speechd and its
// streaming clients.
package stream

import (
	"fmt"
	"time"
)

// MessageType discriminates server-to-client messages.
type MessageType string

const (
	MessageConnectionEstablished MessageType = "connection_established"
	MessageChunkReceived         MessageType = "chunk_received"
	MessageChunkFinalized        MessageType = "chunk_finalized"
	MessageSessionInfo           MessageType = "session_info"
	MessagePong                  MessageType = "pong"
	MessageError                 MessageType = "error"
)

// Client text commands. Binary frames carry audio and have no command wrapper.
const (
	CommandPing        = "ping"
	CommandSessionInfo = "session_info"
)

// MaxChunkBytes is the largest binary audio frame a client may send.
const MaxChunkBytes = 64 * 1024

// Command is the envelope of a client text frame.
type Command struct {
	Command string `json:"command"`
}

// Hello is sent once after the upgrade succeeds.
type Hello struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	MaxChunkBytes int         `json:"max_chunk_bytes"`
}

// ChunkAck confirms receipt of one binary audio frame.
type ChunkAck struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ChunkID   uint64      `json:"chunk_id"`
	Size      int         `json:"size"`
}

// Span is a half-open time range in milliseconds from chunk start.
type Span struct {
	StartMS int64 `json:"start_ms"`
	EndMS   int64 `json:"end_ms"`
}

// StageError describes why one analysis stage produced no result.
type StageError struct {
	Reason      string `json:"reason"`
	Recoverable bool   `json:"recoverable"`
}

// Detection is the voice-activity result for one chunk.
type Detection struct {
	Speech     bool        `json:"speech"`
	Confidence float64     `json:"confidence"`
	Segments   []Span      `json:"segments,omitempty"`
	Error      *StageError `json:"error,omitempty"`
}

// TranscriptSegment is one timed piece of recognized text.
type TranscriptSegment struct {
	Span
	Text string `json:"text"`
}

// Transcription is the speech-to-text result for one chunk.
type Transcription struct {
	Text     string              `json:"text"`
	Language string              `json:"language,omitempty"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
	Error    *StageError         `json:"error,omitempty"`
}

// SpeakerSegment attributes a time range to a speaker label.
type SpeakerSegment struct {
	Span
	Speaker string `json:"speaker"`
}

// Diarization is the speaker-attribution result for one chunk.
type Diarization struct {
	Segments []SpeakerSegment `json:"segments,omitempty"`
	Speakers []string         `json:"speakers,omitempty"`
	Error    *StageError      `json:"error,omitempty"`
}

// Results holds whatever stage outputs were collected for a chunk. A nil
// stage means its outcome never arrived before the completion deadline.
type Results struct {
	Detection     *Detection     `json:"detection"`
	Transcription *Transcription `json:"transcription"`
	Diarization   *Diarization   `json:"diarization"`
}

// Finalized is the single terminal message for one audio chunk.
type Finalized struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ChunkID   uint64      `json:"chunk_id"`
	Results   Results     `json:"results"`
	Partial   bool        `json:"partial"`
}

// SessionInfo answers the session_info command.
type SessionInfo struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	CreatedAt  time.Time   `json:"created_at"`
	ChunkCount uint64      `json:"chunk_count"`
}

// Pong answers the ping command.
type Pong struct {
	Type MessageType `json:"type"`
}

// Error reports a client-visible failure without closing the connection.
type Error struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// Error codes sent to clients.
const (
	ErrCodeChunkTooLarge  = "chunk_too_large"
	ErrCodeEmptyChunk     = "empty_chunk"
	ErrCodeSessionClosed  = "session_closed"
	ErrCodeUnknownCommand = "unknown_command"
	ErrCodeBadCommand     = "bad_command"
	ErrCodeInternal       = "internal"
)

func (h Hello) Validate() error {
	if h.Type != MessageConnectionEstablished {
		return fmt.Errorf("invalid hello type: %q", h.Type)
	}
	if h.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if h.MaxChunkBytes <= 0 {
		return fmt.Errorf("max_chunk_bytes must be positive")
	}
	return nil
}

func (a ChunkAck) Validate() error {
	if a.Type != MessageChunkReceived {
		return fmt.Errorf("invalid ack type: %q", a.Type)
	}
	if a.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if a.Size <= 0 {
		return fmt.Errorf("size must be positive")
	}
	return nil
}

// Validate checks the finalized message's internal consistency. The expected
// stage set is a deployment property the message does not carry: a server
// with no sidecars configured legitimately finalizes detection-only chunks
// as complete. Absent stages are therefore judged loosely: a message claiming
// completion must not carry a stage error, and a partial message must have
// something to be partial about, an absent stage or a stage error.
func (f Finalized) Validate() error {
	if f.Type != MessageChunkFinalized {
		return fmt.Errorf("invalid finalized type: %q", f.Type)
	}
	if f.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	failed := false
	if f.Results.Detection != nil && f.Results.Detection.Error != nil {
		failed = true
	}
	if f.Results.Transcription != nil && f.Results.Transcription.Error != nil {
		failed = true
	}
	if f.Results.Diarization != nil && f.Results.Diarization.Error != nil {
		failed = true
	}
	absent := f.Results.Detection == nil || f.Results.Transcription == nil || f.Results.Diarization == nil
	if !f.Partial && failed {
		return fmt.Errorf("partial=false contradicts a stage error")
	}
	if f.Partial && !failed && !absent {
		return fmt.Errorf("partial=true but every stage succeeded")
	}
	for _, span := range spansOf(f.Results) {
		if span.StartMS < 0 || span.EndMS < span.StartMS {
			return fmt.Errorf("invalid span [%d,%d)", span.StartMS, span.EndMS)
		}
	}
	return nil
}

func (e Error) Validate() error {
	if e.Type != MessageError {
		return fmt.Errorf("invalid error type: %q", e.Type)
	}
	if e.Code == "" || e.Message == "" {
		return fmt.Errorf("code and message are required")
	}
	return nil
}

func spansOf(r Results) []Span {
	var spans []Span
	if r.Detection != nil {
		spans = append(spans, r.Detection.Segments...)
	}
	if r.Transcription != nil {
		for _, seg := range r.Transcription.Segments {
			spans = append(spans, seg.Span)
		}
	}
	if r.Diarization != nil {
		for _, seg := range r.Diarization.Segments {
			spans = append(spans, seg.Span)
		}
	}
	return spans
}
