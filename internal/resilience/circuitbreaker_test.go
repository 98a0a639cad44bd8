package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errBackend = errors.New("backend unavailable")

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func breakerWithClock(cfg CircuitBreakerConfig) (*CircuitBreaker, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clk.now
	return cb, clk
}

// step is one action against a breaker followed by the state it must be in.
type step struct {
	op        string // "ok", "fail", "cancel", "wait"
	wantErr   error
	wantState State
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	t.Parallel()

	cfg := CircuitBreakerConfig{Name: "whisper", MaxFailures: 2, ResetTimeout: time.Second, HalfOpenMax: 2}

	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "consecutive failures open",
			steps: []step{
				{op: "fail", wantErr: errBackend, wantState: StateClosed},
				{op: "fail", wantErr: errBackend, wantState: StateOpen},
				{op: "ok", wantErr: ErrCircuitOpen, wantState: StateOpen},
			},
		},
		{
			name: "success resets the count",
			steps: []step{
				{op: "fail", wantErr: errBackend, wantState: StateClosed},
				{op: "ok", wantState: StateClosed},
				{op: "fail", wantErr: errBackend, wantState: StateClosed},
			},
		},
		{
			name: "trial calls close after reset timeout",
			steps: []step{
				{op: "fail", wantErr: errBackend},
				{op: "fail", wantErr: errBackend, wantState: StateOpen},
				{op: "wait", wantState: StateHalfOpen},
				{op: "ok", wantState: StateHalfOpen},
				{op: "ok", wantState: StateClosed},
			},
		},
		{
			name: "failed trial call reopens",
			steps: []step{
				{op: "fail", wantErr: errBackend},
				{op: "fail", wantErr: errBackend, wantState: StateOpen},
				{op: "wait", wantState: StateHalfOpen},
				{op: "fail", wantErr: errBackend, wantState: StateOpen},
				{op: "ok", wantErr: ErrCircuitOpen, wantState: StateOpen},
			},
		},
		{
			name: "cancellation never counts",
			steps: []step{
				{op: "cancel", wantErr: context.Canceled, wantState: StateClosed},
				{op: "cancel", wantErr: context.Canceled, wantState: StateClosed},
				{op: "cancel", wantErr: context.Canceled, wantState: StateClosed},
			},
		},
		{
			name: "cancelled trial call returns its slot",
			steps: []step{
				{op: "fail", wantErr: errBackend},
				{op: "fail", wantErr: errBackend, wantState: StateOpen},
				{op: "wait", wantState: StateHalfOpen},
				{op: "cancel", wantErr: context.Canceled, wantState: StateHalfOpen},
				{op: "ok", wantState: StateHalfOpen},
				{op: "ok", wantState: StateClosed},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb, clk := breakerWithClock(cfg)

			for i, s := range tt.steps {
				var err error
				switch s.op {
				case "ok":
					err = cb.Execute(func() error { return nil })
				case "fail":
					err = cb.Execute(func() error { return errBackend })
				case "cancel":
					err = cb.Execute(func() error { return fmt.Errorf("translate: %w", context.Canceled) })
				case "wait":
					clk.advance(cfg.ResetTimeout)
				}
				if !errors.Is(err, s.wantErr) || (s.wantErr == nil && err != nil) {
					t.Fatalf("step %d (%s): err = %v, want %v", i, s.op, err, s.wantErr)
				}
				if got := cb.State(); got != s.wantState {
					t.Fatalf("step %d (%s): state = %v, want %v", i, s.op, got, s.wantState)
				}
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	t.Parallel()

	cb, clk := breakerWithClock(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1})
	_ = cb.Execute(func() error { return errBackend })
	clk.advance(time.Second)

	// While the single trial call is in flight every other call is rejected.
	inTrial := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(func() error {
			close(inTrial)
			<-release
			return nil
		})
	}()
	<-inTrial
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second trial call: err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_DeadlineCounts(t *testing.T) {
	t.Parallel()

	cb, _ := breakerWithClock(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	for range 2 {
		_ = cb.Execute(func() error { return context.DeadlineExceeded })
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after two timeouts", cb.State())
	}
}

func TestCircuitBreaker_CustomIsFailure(t *testing.T) {
	t.Parallel()

	errRejected := errors.New("content rejected")
	cb, _ := breakerWithClock(CircuitBreakerConfig{
		Name:        "openai",
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errRejected) },
	})
	_ = cb.Execute(func() error { return errRejected })
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
	if cb.Name() != "openai" {
		t.Errorf("Name() = %q", cb.Name())
	}
}

func TestCircuitBreaker_ResetAndDefaults(t *testing.T) {
	t.Parallel()

	cb, _ := breakerWithClock(CircuitBreakerConfig{})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults = %d/%s/%d, want 5/30s/3", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	for range 5 {
		_ = cb.Execute(func() error { return errBackend })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	cb.Reset()
	if err := cb.Execute(func() error { return nil }); err != nil || cb.State() != StateClosed {
		t.Errorf("after Reset: err = %v, state = %v", err, cb.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
