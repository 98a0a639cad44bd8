// Package health serves the liveness and readiness endpoints.
//
// /healthz runs the liveness checks: is the control loop still alive.
// /readyz runs liveness and readiness checks: could a recording started now
// be transcribed and translated. Both answer with a JSON report and 503 when
// any check fails.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/MrWong99/pinyin/internal/resilience"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// Checker is one named dependency check. Check returns nil when healthy and must honour
// ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// BreakerChecker fails when every backend of a fallback group has an open
// circuit breaker, i.e. when no request could currently be served.
func BreakerChecker(name string, statuses func() []resilience.BreakerStatus) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			st := statuses()
			if len(st) == 0 {
				return errors.New("no backends configured")
			}
			open := make([]string, 0, len(st))
			for _, s := range st {
				if s.State != resilience.StateOpen {
					return nil
				}
				open = append(open, s.Name)
			}
			return fmt.Errorf("all circuit breakers open: %s", strings.Join(open, ", "))
		},
	}
}

// LoopChecker fails once done is closed, i.e. after the loop it belongs to
// has returned.
func LoopChecker(name string, done <-chan struct{}) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			select {
			case <-done:
				return errors.New("stopped")
			default:
				return nil
			}
		},
	}
}

// Report is the JSON body of both endpoints.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLiveness adds checks to /healthz (and /readyz).
func WithLiveness(c ...Checker) Option {
	return func(h *Handler) { h.live = append(h.live, c...) }
}

// WithReadiness adds checks to /readyz only.
func WithReadiness(c ...Checker) Option {
	return func(h *Handler) { h.ready = append(h.ready, c...) }
}

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler serves both endpoints. The check lists are fixed by [New].
type Handler struct {
	live    []Checker
	ready   []Checker
	timeout time.Duration
}

// New builds a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{timeout: DefaultTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz runs the liveness checks.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.live)
}

// Readyz runs the liveness and readiness checks.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, append(h.live[:len(h.live):len(h.live)], h.ready...))
}

// Register mounts /healthz and /readyz on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.Readyz).Methods(http.MethodGet)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, checks []Checker) {
	rep := h.run(r.Context(), checks)
	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rep)
}

// run evaluates checks concurrently, each under its own timeout.
func (h *Handler) run(ctx context.Context, checks []Checker) Report {
	rep := Report{Status: "ok"}
	if len(checks) == 0 {
		return rep
	}
	rep.Checks = make(map[string]string, len(checks))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Checks[c.Name] = "fail: " + err.Error()
				rep.Status = "fail"
				return
			}
			rep.Checks[c.Name] = "ok"
		}()
	}
	wg.Wait()
	return rep
}
