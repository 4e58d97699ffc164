package audio

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"geminize/internal/domain"
)

const (
	maxAudioBytes = 10 * 1024 * 1024
	maxTextBytes  = 1024
)

// HTTPSource queues clips and text commands posted to its handler. The
// handler is mounted by the API server; the source itself listens on nothing.
type HTTPSource struct {
	audioChan chan []byte
	logger    *slog.Logger
	authToken string
	router    chi.Router

	mu      sync.Mutex
	running bool
}

func NewHTTPSource(authToken string, queueSize int, logger *slog.Logger) *HTTPSource {
	if queueSize <= 0 {
		queueSize = 10
	}
	h := &HTTPSource{
		audioChan: make(chan []byte, queueSize),
		logger:    logger,
		authToken: authToken,
	}

	r := chi.NewRouter()
	r.Post("/audio", h.handleAudio)
	r.Post("/text", h.handleText)
	r.Post("/webhook", h.handleWebhook)
	r.Get("/health", h.handleHealth)
	h.router = r
	return h
}

func (h *HTTPSource) Name() string {
	return "http"
}

func (h *HTTPSource) Start(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = true
	return nil
}

func (h *HTTPSource) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	return nil
}

func (h *HTTPSource) NextCommand(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case audio := <-h.audioChan:
		return audio, nil
	}
}

func (h *HTTPSource) Handler() http.Handler {
	return h.router
}

// InjectText queues a transcript as if it had been posted to /text.
func (h *HTTPSource) InjectText(text string) bool {
	return h.enqueue([]byte(domain.TextCommandPrefix + text))
}

func (h *HTTPSource) InjectAudio(data []byte) bool {
	return h.enqueue(data)
}

func (h *HTTPSource) enqueue(data []byte) bool {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		return false
	}

	select {
	case h.audioChan <- data:
		return true
	default:
		return false
	}
}

func (h *HTTPSource) handleAudio(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBytes))
	if err != nil {
		h.logger.Error("reading audio body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty audio", http.StatusBadRequest)
		return
	}

	if !h.enqueue(data) {
		http.Error(w, "not listening or queue full", http.StatusServiceUnavailable)
		return
	}
	h.logger.Info("received audio via HTTP", "bytes", len(data))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "received", "bytes": len(data)})
}

func (h *HTTPSource) handleText(w http.ResponseWriter, r *http.Request) {
	text, ok := readText(w, r)
	if !ok {
		return
	}
	if !h.InjectText(text) {
		http.Error(w, "not listening or queue full", http.StatusServiceUnavailable)
		return
	}
	h.logger.Info("received text command via HTTP", "text", text)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "received", "text": text})
}

// handleWebhook accepts transcripts from third-party voice assistants.
func (h *HTTPSource) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != h.authToken {
			h.logger.Warn("unauthorized webhook request", "remote_addr", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	text, ok := readText(w, r)
	if !ok {
		return
	}
	if !h.InjectText(text) {
		http.Error(w, "not listening or queue full", http.StatusServiceUnavailable)
		return
	}
	h.logger.Info("received command from webhook", "text", text)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "message": "Command received"})
}

func (h *HTTPSource) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	queueSize := len(h.audioChan)

	status := "ok"
	statusCode := http.StatusOK
	if !running {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{"status": status, "running": running, "queue_size": queueSize})
}

func readText(w http.ResponseWriter, r *http.Request) (string, bool) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxTextBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return "", false
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		http.Error(w, "empty text", http.StatusBadRequest)
		return "", false
	}
	return text, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
