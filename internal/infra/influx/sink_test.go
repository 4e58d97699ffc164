package influx_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"geminize/internal/infra/influx"
)

func TestSink_WritesTemperature(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping", "/health":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			lines = append(lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink, err := influx.Connect(context.Background(), influx.Config{
		URL:           server.URL,
		Token:         "token",
		Org:           "garage",
		Bucket:        "telemetry",
		FlushInterval: time.Hour,
	}, "u1", logger)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if err := sink.RecordTemperature(context.Background(), "AA:BB", 21.5); err != nil {
		t.Fatalf("RecordTemperature error: %v", err)
	}
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 {
		t.Fatalf("lines: got %d, want 1 (%v)", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "accessory_temperature,device=AA:BB,user=u1 celsius=21.5 ") {
		t.Errorf("line: got %q", lines[0])
	}
}

func TestSink_ConnectFailsWhenUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := influx.Connect(context.Background(), influx.Config{URL: server.URL}, "u1", logger); err == nil {
		t.Fatal("expected error")
	}
}
