package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Detector is the speech-activity analysis contract. Implementations are
// external collaborators; the orchestration layer only sees this boundary.
type Detector interface {
	DetectSpeech(ctx context.Context, chunk AudioChunk) (DetectionResult, error)
}

// Transcriber converts detected speech audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, speech SpeechAudio) (TranscriptionResult, error)
}

// Diarizer attributes detected speech audio to speakers.
type Diarizer interface {
	Diarize(ctx context.Context, speech SpeechAudio) (DiarizationResult, error)
}

// transientError marks an analysis failure as worth retrying. The worker
// adapter reports such failures with recoverable=true.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }

func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked recoverable by a provider.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
