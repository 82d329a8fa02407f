package app

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/intervox/internal/health"
	"github.com/MrWong99/intervox/internal/observe"
)

// statusResponse is the body of GET /status.
type statusResponse struct {
	SessionID     string        `json:"session_id"`
	Turns         int           `json:"turns"`
	Transcription string        `json:"transcription"`
	Capture       captureStatus `json:"capture"`
	Playback      playStatus    `json:"playback"`
}

type captureStatus struct {
	Recording    bool    `json:"recording"`
	DeviceActive bool    `json:"device_active"`
	Level        float64 `json:"level"`
	DurationMs   int64   `json:"duration_ms"`
}

type playStatus struct {
	State        string `json:"state"`
	Suspended    bool   `json:"suspended"`
	PendingMs    int64  `json:"pending_ms"`
	Fragments    int64  `json:"fragments"`
	DecodeErrors int64  `json:"decode_errors"`
	Starts       int64  `json:"starts"`
	Completions  int64  `json:"completions"`
	Resets       int64  `json:"resets"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// routes builds the control server: probes, metrics and playback controls.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	checkers := []health.Checker{health.TransportChecker("transcription", a.transport)}
	if a.archive != nil {
		checkers = append(checkers, health.PingChecker("archive", a.archive.Ping))
	}
	health.New(checkers...).Register(mux)

	scrape := a.scrape
	if scrape == nil {
		scrape = promhttp.Handler()
	}
	mux.Handle("GET /metrics", scrape)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("POST /interrupt", a.handleInterrupt)
	mux.HandleFunc("POST /suspend", a.handleSuspend)
	mux.HandleFunc("POST /resume", a.handleResume)

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	rec := a.recorder.Data()
	stats := a.engine.Stats()
	writeJSON(w, http.StatusOK, statusResponse{
		SessionID:     a.sessionID,
		Turns:         a.orch.Turns(),
		Transcription: a.transport.State().String(),
		Capture: captureStatus{
			Recording:    a.recorder.Recording(),
			DeviceActive: a.recorder.DeviceActive(),
			Level:        a.recorder.Level(),
			DurationMs:   rec.Duration.Milliseconds(),
		},
		Playback: playStatus{
			State:        a.engine.State().String(),
			Suspended:    a.output.Suspended(),
			PendingMs:    a.engine.PendingDuration().Milliseconds(),
			Fragments:    stats.Fragments,
			DecodeErrors: stats.DecodeErrors,
			Starts:       stats.Starts,
			Completions:  stats.Completions,
			Resets:       stats.Resets,
		},
	})
}

// handleInterrupt abandons the reply in flight and silences the speaker.
func (a *App) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.Interrupt(); err != nil {
		observe.Logger(r.Context()).Warn("interrupt failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSuspend holds playback. Fragments keep accumulating until resumed.
func (a *App) handleSuspend(w http.ResponseWriter, _ *http.Request) {
	a.output.Suspend()
	w.WriteHeader(http.StatusNoContent)
}

// handleResume restarts the output and plays anything held back.
func (a *App) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Resume(r.Context()); err != nil {
		observe.Logger(r.Context()).Warn("resume failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}
