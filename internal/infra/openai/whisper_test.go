package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"geminize/internal/infra/openai"
)

func TestWhisperClient_Transcribe(t *testing.T) {
	var prompt, language string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		prompt = r.FormValue("prompt")
		language = r.FormValue("language")
		json.NewEncoder(w).Encode(map[string]string{"text": " turn on the rock lights "})
	}))
	defer server.Close()

	client := openai.NewWhisperClientWithURL("test-key", "", "", server.URL)
	client.SetVocabulary([]string{"Rock Lights", "Winch", "rock lights", ""})

	text, err := client.Transcribe(context.Background(), []byte("RIFF....WAVE"))
	if err != nil {
		t.Fatalf("Transcribe error: %v", err)
	}
	if text != "turn on the rock lights" {
		t.Errorf("text: got %q", text)
	}
	if language != "en" {
		t.Errorf("language: got %q, want en", language)
	}
	if !strings.Contains(prompt, "Rock Lights, Winch.") || strings.Count(strings.ToLower(prompt), "rock lights") != 1 {
		t.Errorf("prompt: got %q", prompt)
	}
}

func TestWhisperClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := openai.NewWhisperClientWithURL("bad-key", "en", "whisper-1", server.URL)

	if _, err := client.Transcribe(context.Background(), []byte("audio")); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", calls.Load())
	}
}
