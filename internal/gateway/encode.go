package gateway

import (
	"github.com/halcyonaudio/speechd/api/stream"
	"github.com/halcyonaudio/speechd/internal/pipeline"
)

// encodeFinalized translates an aggregated chunk into the wire message
// clients receive. Stages that never reported stay null; failed stages carry
// an error block instead of a result.
func encodeFinalized(chunk pipeline.FinalizedChunk) stream.Finalized {
	msg := stream.Finalized{
		Type:      stream.MessageChunkFinalized,
		SessionID: chunk.SessionID,
		ChunkID:   chunk.ChunkID,
		Partial:   chunk.Partial,
	}
	if outcome, ok := chunk.Outcomes[pipeline.StageDetection]; ok {
		msg.Results.Detection = encodeDetection(outcome)
	}
	if outcome, ok := chunk.Outcomes[pipeline.StageTranscription]; ok {
		msg.Results.Transcription = encodeTranscription(outcome)
	}
	if outcome, ok := chunk.Outcomes[pipeline.StageDiarization]; ok {
		msg.Results.Diarization = encodeDiarization(outcome)
	}
	return msg
}

func encodeStageError(failure *pipeline.StageFailure) *stream.StageError {
	return &stream.StageError{Reason: failure.Reason, Recoverable: failure.Recoverable}
}

func encodeDetection(outcome pipeline.StageOutcome) *stream.Detection {
	if outcome.Failed() {
		return &stream.Detection{Error: encodeStageError(outcome.Failure)}
	}
	result, ok := outcome.Result.(pipeline.DetectionResult)
	if !ok {
		return nil
	}
	out := &stream.Detection{Speech: result.Speech, Confidence: result.Confidence}
	for _, span := range result.Segments {
		out.Segments = append(out.Segments, stream.Span{StartMS: span.StartMS, EndMS: span.EndMS})
	}
	return out
}

func encodeTranscription(outcome pipeline.StageOutcome) *stream.Transcription {
	if outcome.Failed() {
		return &stream.Transcription{Error: encodeStageError(outcome.Failure)}
	}
	result, ok := outcome.Result.(pipeline.TranscriptionResult)
	if !ok {
		return nil
	}
	out := &stream.Transcription{Text: result.Text, Language: result.Language}
	for _, seg := range result.Segments {
		out.Segments = append(out.Segments, stream.TranscriptSegment{
			Span: stream.Span{StartMS: seg.StartMS, EndMS: seg.EndMS},
			Text: seg.Text,
		})
	}
	return out
}

func encodeDiarization(outcome pipeline.StageOutcome) *stream.Diarization {
	if outcome.Failed() {
		return &stream.Diarization{Error: encodeStageError(outcome.Failure)}
	}
	result, ok := outcome.Result.(pipeline.DiarizationResult)
	if !ok {
		return nil
	}
	out := &stream.Diarization{Speakers: result.Speakers}
	for _, seg := range result.Segments {
		out.Segments = append(out.Segments, stream.SpeakerSegment{
			Span:    stream.Span{StartMS: seg.StartMS, EndMS: seg.EndMS},
			Speaker: seg.Speaker,
		})
	}
	return out
}
