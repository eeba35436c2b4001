package whisperd

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/halcyonaudio/speechd/internal/pipeline"
)

func testSpeech() pipeline.SpeechAudio {
	return pipeline.SpeechAudio{
		AudioChunk: pipeline.AudioChunk{Audio: make([]byte, 3200), SampleRate: 16000, Channels: 1},
		Confidence: 0.9,
	}
}

func TestTranscribeParsesResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		reader, err := r.MultipartReader()
		if err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		fields := map[string]string{}
		var audioBytes int
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("read part: %v", err)
				break
			}
			data, _ := io.ReadAll(part)
			if part.FormName() == "audio" {
				audioBytes = len(data)
				continue
			}
			fields[part.FormName()] = string(data)
		}
		if audioBytes != 3200 {
			t.Errorf("audio bytes = %d, want 3200", audioBytes)
		}
		if fields["sample_rate"] != "16000" || fields["language"] != "en" {
			t.Errorf("unexpected form fields %v", fields)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"text": "hello there",
			"language": "en",
			"segments": [{"start_ms": 0, "end_ms": 700, "text": "hello there"}]
		}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Language: "en"})
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	result, err := client.Transcribe(context.Background(), testSpeech())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "hello there" || result.Language != "en" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(result.Segments) != 1 || result.Segments[0].EndMS != 700 {
		t.Fatalf("unexpected segments %+v", result.Segments)
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	_, err = client.Transcribe(context.Background(), testSpeech())
	if err == nil {
		t.Fatal("expected an error for 503")
	}
	if !pipeline.IsTransient(err) {
		t.Fatalf("5xx must be transient, got %v", err)
	}
}

func TestClientErrorsAreNotTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unsupported sample rate", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	_, err = client.Transcribe(context.Background(), testSpeech())
	if err == nil {
		t.Fatal("expected an error for 400")
	}
	if pipeline.IsTransient(err) {
		t.Fatalf("4xx must not be transient, got %v", err)
	}
}

func TestUnreachableSidecarIsTransient(t *testing.T) {
	t.Parallel()

	client, err := New(Config{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}

	_, err = client.Transcribe(context.Background(), testSpeech())
	if !pipeline.IsTransient(err) {
		t.Fatalf("connection refusal must be transient, got %v", err)
	}
}

func TestRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected an error without a base url")
	}
}
