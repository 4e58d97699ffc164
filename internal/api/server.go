// Package api serves the controller over HTTP for the UI: REST routes for
// the session, accessories and voice, plus a websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"geminize/internal/application"
	"geminize/internal/domain"
	"geminize/internal/transport"
)

type AccessoryService interface {
	Accessories() []domain.Accessory
	Accessory(id string) (domain.Accessory, error)
	LoadingFlags() map[string]bool
	Refresh(ctx context.Context) error
	ToggleStatus(ctx context.Context, id string, on bool) error
	ToggleFavorite(ctx context.Context, id string, favorite bool) error
	UpdateName(ctx context.Context, id, name string, relayPosition *int) error
	SetColor(ctx context.Context, id, hex string) error
	AddAccessory(ctx context.Context, name string, kind domain.AccessoryType) (domain.Accessory, error)
}

type HardwareSession interface {
	Status() transport.Status
	Probe(ctx context.Context) error
	Connect(ctx context.Context, opts transport.ConnectOptions) error
	Disconnect(ctx context.Context) error
	SendRelay(ctx context.Context, relayPosition int, state domain.RelayState) error
	SendColor(ctx context.Context, hex string) error
	SendDirect(ctx context.Context, value domain.DirectValue) error
}

type VoiceControl interface {
	StartListening(ctx context.Context) error
	StopListening()
	IsListening() bool
	Restarts() int
}

type CommandExecutor interface {
	Execute(ctx context.Context, utterance string) (application.VoiceResult, error)
}

type TemperatureReader interface {
	Latest() (application.TemperatureReading, bool)
}

// Deps are the collaborators behind the routes. Voice, Executor, Telemetry,
// VoiceInput and Hub may be nil; their routes then answer 503 or are absent.
type Deps struct {
	Store     AccessoryService
	Session   HardwareSession
	Voice     VoiceControl
	Executor  CommandExecutor
	Telemetry TemperatureReader
	// VoiceInput is mounted at /api/voice/input (the HTTP audio source).
	VoiceInput http.Handler
	Hub        *Hub
	// Connect is used when POST /api/session/connect carries no body.
	Connect transport.ConnectOptions
}

type Options struct {
	RequestTimeout time.Duration
	RateLimit      int
	RateWindow     time.Duration
}

type API struct {
	deps    Deps
	opts    Options
	limiter *RateLimiter
	logger  *slog.Logger
}

func New(deps Deps, opts Options, logger *slog.Logger) *API {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 20 * time.Second
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	a := &API{deps: deps, opts: opts, logger: logger}
	if opts.RateLimit > 0 {
		a.limiter = NewRateLimiter(opts.RateLimit, opts.RateWindow)
	}
	return a
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	if a.deps.Hub != nil {
		r.Handle("/ws", a.deps.Hub)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Timeout(a.opts.RequestTimeout))

		api.Get("/session", a.sessionStatus)
		api.Get("/loading", a.loadingFlags)
		api.Get("/accessories", a.listAccessories)
		api.Get("/accessories/{id}", a.getAccessory)
		api.Get("/telemetry/temperature", a.latestTemperature)
		api.Get("/voice", a.voiceStatus)

		api.Group(func(mut chi.Router) {
			if a.limiter != nil {
				mut.Use(a.limiter.Middleware)
			}
			mut.Post("/session/probe", a.probe)
			mut.Post("/session/connect", a.connect)
			mut.Post("/session/disconnect", a.disconnect)
			mut.Post("/session/command", a.sendCommand)

			mut.Post("/accessories", a.addAccessory)
			mut.Post("/accessories/refresh", a.refresh)
			mut.Put("/accessories/{id}/status", a.setStatus)
			mut.Put("/accessories/{id}/favorite", a.setFavorite)
			mut.Put("/accessories/{id}/name", a.rename)
			mut.Put("/accessories/{id}/color", a.setColor)

			mut.Post("/voice/start", a.startVoice)
			mut.Post("/voice/stop", a.stopVoice)
			mut.Post("/voice/utterance", a.utterance)
			if a.deps.VoiceInput != nil {
				mut.Mount("/voice/input", a.deps.VoiceInput)
			}
		})
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.deps.Session != nil {
		body["transport"] = a.deps.Session.Status().State
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) sessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Session.Status())
}

func (a *API) probe(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Session.Probe(r.Context()); err != nil {
		a.fail(w, "probe_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Session.Status())
}

type connectRequest struct {
	DeviceName string   `json:"deviceName"`
	ServiceIDs []string `json:"serviceIds"`
}

func (a *API) connect(w http.ResponseWriter, r *http.Request) {
	opts := a.deps.Connect
	var req connectRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if req.DeviceName != "" {
		opts.DeviceName = req.DeviceName
	}
	if len(req.ServiceIDs) > 0 {
		opts.ServiceIDs = req.ServiceIDs
	}

	// A client hanging up must not abort negotiation halfway.
	ctx := context.WithoutCancel(r.Context())
	if err := a.deps.Session.Connect(ctx, opts); err != nil {
		a.fail(w, "connect_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Session.Status())
}

func (a *API) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Session.Disconnect(r.Context()); err != nil {
		a.fail(w, "disconnect_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Session.Status())
}

// commandRequest selects one of the three wire commands by Kind.
type commandRequest struct {
	Kind          string `json:"kind"`
	RelayPosition int    `json:"relayPosition"`
	State         string `json:"state"`
	Value         *int   `json:"value"`
	Color         string `json:"color"`
}

func (a *API) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}

	var err error
	switch strings.ToLower(req.Kind) {
	case "relay":
		state := domain.RelayState(strings.ToLower(req.State))
		if state != domain.RelayOn && state != domain.RelayOff {
			writeError(w, http.StatusBadRequest, "invalid_argument", "state must be on or off")
			return
		}
		err = a.deps.Session.SendRelay(r.Context(), req.RelayPosition, state)
	case "direct":
		if req.Value == nil || *req.Value < 0 || *req.Value > 255 {
			writeError(w, http.StatusBadRequest, "invalid_argument", "value must be 0..255")
			return
		}
		err = a.deps.Session.SendDirect(r.Context(), domain.DirectValue(*req.Value))
	case "color":
		err = a.deps.Session.SendColor(r.Context(), req.Color)
	default:
		writeError(w, http.StatusBadRequest, "invalid_argument", "kind must be relay, direct or color")
		return
	}
	if err != nil {
		a.fail(w, "command_failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) listAccessories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.deps.Store.Accessories()})
}

func (a *API) getAccessory(w http.ResponseWriter, r *http.Request) {
	acc, err := a.deps.Store.Accessory(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, "get_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) loadingFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"loading": a.deps.Store.LoadingFlags()})
}

type addRequest struct {
	Name string               `json:"name"`
	Type domain.AccessoryType `json:"type"`
}

func (a *API) addAccessory(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	acc, err := a.deps.Store.AddAccessory(r.Context(), req.Name, req.Type)
	if err != nil {
		a.fail(w, "add_failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	err := a.deps.Store.Refresh(r.Context())
	if errors.Is(err, domain.ErrRefreshDeferred) {
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "deferred": true})
		return
	}
	if err != nil {
		a.fail(w, "refresh_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": a.deps.Store.Accessories()})
}

func (a *API) setStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		On *bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Body must be {\"on\": bool}")
		return
	}
	id := chi.URLParam(r, "id")
	a.respondAccessory(w, id, "status_failed", a.deps.Store.ToggleStatus(r.Context(), id, *req.On))
}

func (a *API) setFavorite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Favorite *bool `json:"favorite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Favorite == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Body must be {\"favorite\": bool}")
		return
	}
	id := chi.URLParam(r, "id")
	a.respondAccessory(w, id, "favorite_failed", a.deps.Store.ToggleFavorite(r.Context(), id, *req.Favorite))
}

func (a *API) rename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		RelayPosition *int   `json:"relayPosition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	id := chi.URLParam(r, "id")
	a.respondAccessory(w, id, "rename_failed", a.deps.Store.UpdateName(r.Context(), id, req.Name, req.RelayPosition))
}

func (a *API) setColor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Color string `json:"color"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	id := chi.URLParam(r, "id")
	a.respondAccessory(w, id, "color_failed", a.deps.Store.SetColor(r.Context(), id, req.Color))
}

func (a *API) respondAccessory(w http.ResponseWriter, id, code string, err error) {
	if err != nil {
		a.fail(w, code, err)
		return
	}
	acc, err := a.deps.Store.Accessory(id)
	if err != nil {
		a.fail(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) latestTemperature(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Telemetry == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry_disabled", "Telemetry is not configured")
		return
	}
	reading, ok := a.deps.Telemetry.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no_reading", "No temperature received yet")
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (a *API) voiceStatus(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Voice == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":   true,
		"listening": a.deps.Voice.IsListening(),
		"restarts":  a.deps.Voice.Restarts(),
	})
}

func (a *API) startVoice(w http.ResponseWriter, r *http.Request) {
	if a.deps.Voice == nil {
		writeError(w, http.StatusServiceUnavailable, "voice_disabled", "Voice control is not configured")
		return
	}
	if err := a.deps.Voice.StartListening(context.WithoutCancel(r.Context())); err != nil {
		a.fail(w, "voice_start_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listening": true})
}

func (a *API) stopVoice(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Voice == nil {
		writeError(w, http.StatusServiceUnavailable, "voice_disabled", "Voice control is not configured")
		return
	}
	a.deps.Voice.StopListening()
	writeJSON(w, http.StatusOK, map[string]any{"listening": false})
}

func (a *API) utterance(w http.ResponseWriter, r *http.Request) {
	if a.deps.Executor == nil {
		writeError(w, http.StatusServiceUnavailable, "voice_disabled", "Voice control is not configured")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Body must be {\"text\": string}")
		return
	}
	result, err := a.deps.Executor.Execute(r.Context(), req.Text)
	if err != nil {
		status, code := errorStatus(err, "voice_failed")
		writeJSON(w, status, map[string]any{
			"command": result.Command,
			"error":   map[string]any{"code": code, "message": err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) fail(w http.ResponseWriter, fallback string, err error) {
	status, code := errorStatus(err, fallback)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "code", code, "error", err)
	}
	writeError(w, status, code, err.Error())
}

// errorStatus maps domain sentinels onto HTTP status codes.
func errorStatus(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidCommandArgument), errors.Is(err, domain.ErrMissingServiceID):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrNotRecognized):
		return http.StatusUnprocessableEntity, "not_recognized"
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, domain.ErrConnectInProgress):
		return http.StatusConflict, "connect_in_progress"
	case errors.Is(err, domain.ErrCapabilityUnavailable):
		return http.StatusServiceUnavailable, "transport_unavailable"
	case errors.Is(err, domain.ErrRemoteWriteFailed):
		return http.StatusBadGateway, "remote_write_failed"
	default:
		return http.StatusInternalServerError, fallback
	}
}

// decodeOptional decodes a JSON body if there is one.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func RunServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
			return err
		}
		return nil
	}
}
