package stream

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func compileWireSchema(t *testing.T) *jsonschema.Schema {
	t.Helper()
	schemaPath, err := filepath.Abs(filepath.Join("..", "..", "docs", "StreamMessages.schema.json"))
	if err != nil {
		t.Fatalf("resolve schema path: %v", err)
	}
	f, err := os.Open(schemaPath)
	if err != nil {
		t.Fatalf("open schema: %v", err)
	}
	defer f.Close()
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, f); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

func assertMatchesSchema(t *testing.T, schema *jsonschema.Schema, msg any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("round trip message: %v", err)
	}
	if err := schema.Validate(payload); err != nil {
		t.Fatalf("message violates wire schema: %v\n%s", err, raw)
	}
}

func TestServerMessagesMatchWireSchema(t *testing.T) {
	t.Parallel()
	schema := compileWireSchema(t)

	complete := Finalized{
		Type:      MessageChunkFinalized,
		SessionID: "a2b5b7ff-1f5a-4b0e-9d53-8f17a7c0f001",
		ChunkID:   12,
		Results: Results{
			Detection: &Detection{
				Speech:     true,
				Confidence: 0.93,
				Segments:   []Span{{StartMS: 120, EndMS: 860}},
			},
			Transcription: &Transcription{
				Text:     "turn left at the bridge",
				Language: "en",
				Segments: []TranscriptSegment{{Span: Span{StartMS: 120, EndMS: 860}, Text: "turn left at the bridge"}},
			},
			Diarization: &Diarization{
				Segments: []SpeakerSegment{{Span: Span{StartMS: 120, EndMS: 860}, Speaker: "SPEAKER_00"}},
				Speakers: []string{"SPEAKER_00"},
			},
		},
		Partial: false,
	}

	degraded := Finalized{
		Type:      MessageChunkFinalized,
		SessionID: "a2b5b7ff-1f5a-4b0e-9d53-8f17a7c0f001",
		ChunkID:   13,
		Results: Results{
			Detection:     &Detection{Speech: true, Confidence: 0.88},
			Transcription: &Transcription{Error: &StageError{Reason: "invocation timeout", Recoverable: true}},
			Diarization:   nil,
		},
		Partial: true,
	}

	messages := []struct {
		name string
		msg  any
	}{
		{"hello", Hello{Type: MessageConnectionEstablished, SessionID: "s", MaxChunkBytes: MaxChunkBytes}},
		{"chunk ack", ChunkAck{Type: MessageChunkReceived, SessionID: "s", ChunkID: 0, Size: 3200}},
		{"finalized complete", complete},
		{"finalized degraded", degraded},
		{"session info", SessionInfo{Type: MessageSessionInfo, SessionID: "s", CreatedAt: time.Now().UTC(), ChunkCount: 14}},
		{"pong", Pong{Type: MessagePong}},
		{"error", Error{Type: MessageError, Code: ErrCodeChunkTooLarge, Message: "chunk exceeds 65536 bytes"}},
	}
	for _, tc := range messages {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assertMatchesSchema(t, schema, tc.msg)
		})
	}
}

func TestFinalizedValidate(t *testing.T) {
	t.Parallel()

	full := Results{
		Detection:     &Detection{Speech: true, Confidence: 0.9},
		Transcription: &Transcription{Text: "ok"},
		Diarization:   &Diarization{Speakers: []string{"SPEAKER_00"}},
	}

	cases := []struct {
		name    string
		msg     Finalized
		wantErr bool
	}{
		{
			name: "complete and not partial",
			msg:  Finalized{Type: MessageChunkFinalized, SessionID: "s", Results: full},
		},
		{
			name: "absent stage may be partial",
			msg: Finalized{Type: MessageChunkFinalized, SessionID: "s", Results: Results{
				Detection:     full.Detection,
				Transcription: full.Transcription,
			}, Partial: true},
		},
		{
			name: "detection only deployment is complete",
			msg:  Finalized{Type: MessageChunkFinalized, SessionID: "s", Results: Results{Detection: full.Detection}},
		},
		{
			name: "failed stage must be partial",
			msg: Finalized{Type: MessageChunkFinalized, SessionID: "s", Results: Results{
				Detection:     full.Detection,
				Transcription: &Transcription{Error: &StageError{Reason: "down", Recoverable: true}},
				Diarization:   full.Diarization,
			}, Partial: true},
		},
		{
			name: "stage error without partial flag",
			msg: Finalized{Type: MessageChunkFinalized, SessionID: "s", Results: Results{
				Detection:     full.Detection,
				Transcription: &Transcription{Error: &StageError{Reason: "down", Recoverable: true}},
				Diarization:   full.Diarization,
			}},
			wantErr: true,
		},
		{
			name:    "complete marked partial",
			msg:     Finalized{Type: MessageChunkFinalized, SessionID: "s", Results: full, Partial: true},
			wantErr: true,
		},
		{
			name:    "missing session id",
			msg:     Finalized{Type: MessageChunkFinalized, Results: full},
			wantErr: true,
		},
		{
			name: "inverted span",
			msg: Finalized{Type: MessageChunkFinalized, SessionID: "s", Results: Results{
				Detection:     &Detection{Speech: true, Confidence: 0.5, Segments: []Span{{StartMS: 900, EndMS: 100}}},
				Transcription: full.Transcription,
				Diarization:   full.Diarization,
			}},
			wantErr: true,
		},
		{
			name:    "wrong type",
			msg:     Finalized{Type: MessagePong, SessionID: "s", Results: full},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.msg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected a validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
