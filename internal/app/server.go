package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/pinyin/internal/health"
	"github.com/MrWong99/pinyin/internal/observe"
	"github.com/MrWong99/pinyin/internal/output"
	"github.com/MrWong99/pinyin/internal/pipeline"
	"github.com/MrWong99/pinyin/internal/resilience"
)

// Status is the body of GET /api/status.
type Status struct {
	Mode        string          `json:"mode"`
	Generation  uint64          `json:"generation"`
	PendingJobs int             `json:"pending_jobs"`
	Clients     int             `json:"clients"`
	StartedAt   time.Time       `json:"started_at"`
	Uptime      string          `json:"uptime"`
	STT         []BackendStatus `json:"stt,omitempty"`
	LLM         []BackendStatus `json:"llm,omitempty"`
}

// BackendStatus is the circuit breaker state of one provider backend.
type BackendStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// ControlRequest is the body of POST /api/control.
type ControlRequest struct {
	Command string `json:"command"`
}

// Status reports the current state of the control loop.
func (a *App) Status() Status {
	st := Status{
		Mode:        a.controller.Mode().String(),
		Generation:  a.controller.Generation(),
		PendingJobs: a.controller.PendingJobs(),
		StartedAt:   a.startedAt,
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	if a.hub != nil {
		st.Clients = a.hub.Clients()
	}
	if a.providers.STTBreakers != nil {
		st.STT = backendStatuses(a.providers.STTBreakers())
	}
	if a.providers.LLMBreakers != nil {
		st.LLM = backendStatuses(a.providers.LLMBreakers())
	}
	return st
}

func backendStatuses(in []resilience.BreakerStatus) []BackendStatus {
	out := make([]BackendStatus, len(in))
	for i, b := range in {
		out[i] = BackendStatus{Name: b.Name, State: b.State.String()}
	}
	return out
}

// routes builds the HTTP handler. The WebSocket endpoint sits on the root
// router so the upgrade reaches the hub's connection unwrapped; everything
// else goes through the metrics middleware.
func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	if a.hub != nil {
		r.Handle("/ws", a.hub)
	}

	api := r.NewRoute().Subrouter()
	api.Use(observe.Middleware(a.metrics))

	hopts := []health.Option{health.WithLiveness(health.LoopChecker("control_loop", a.controller.Done()))}
	if a.providers.STTBreakers != nil {
		hopts = append(hopts, health.WithReadiness(health.BreakerChecker("stt", a.providers.STTBreakers)))
	}
	if a.providers.LLMBreakers != nil {
		hopts = append(hopts, health.WithReadiness(health.BreakerChecker("llm", a.providers.LLMBreakers)))
	}
	health.New(hopts...).Register(api)

	api.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	api.HandleFunc("/api/status", a.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/api/control", a.handleControl).Methods(http.MethodPost)
	return r
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *App) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, output.Message{Type: output.TypeError, Error: "invalid body: " + err.Error()})
		return
	}
	cmd, err := pipeline.ParseCommand(req.Command)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, output.Message{Type: output.TypeError, Error: err.Error()})
		return
	}
	if err := a.controller.Send(cmd); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrCommandQueueFull):
			status = http.StatusTooManyRequests
		case errors.Is(err, pipeline.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, output.Message{Type: output.TypeError, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, a.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
