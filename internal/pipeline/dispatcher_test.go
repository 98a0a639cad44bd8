package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// startDispatcher runs d until the test ends.
func startDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func collect(t *testing.T, d *Dispatcher, n int) []Result {
	t.Helper()
	out := make([]Result, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case r := <-d.Results():
			out = append(out, r)
		case <-timeout:
			t.Fatalf("timed out after %d of %d results", len(out), n)
		}
	}
	return out
}

func submitAll(t *testing.T, d *Dispatcher, texts ...string) {
	t.Helper()
	for i, text := range texts {
		if err := d.Submit(context.Background(), Job{SegmentID: fmt.Sprintf("s%d", i+1), Generation: 1, SourceText: text}); err != nil {
			t.Fatalf("Submit(%d) error: %v", i+1, err)
		}
	}
}

func ids(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Job.SegmentID
	}
	return out
}

// concurrencyGauge tracks how many translations run at once.
type concurrencyGauge struct {
	cur, max atomic.Int32
}

func (p *concurrencyGauge) enter() {
	n := p.cur.Add(1)
	for {
		m := p.max.Load()
		if n <= m || p.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (p *concurrencyGauge) leave() { p.cur.Add(-1) }

// ─── ordering ────────────────────────────────────────────────────────────────

func TestDispatcher_OrderWithReorderedLatencies(t *testing.T) {
	t.Parallel()

	delays := map[string]time.Duration{"a": 120 * time.Millisecond, "b": 10 * time.Millisecond, "c": 60 * time.Millisecond, "d": 0}
	var gauge concurrencyGauge
	tr := TranslatorFunc(func(ctx context.Context, text string) (string, error) {
		gauge.enter()
		defer gauge.leave()
		select {
		case <-time.After(delays[text]):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "EN:" + text, nil
	})
	d := NewDispatcher(tr, WithMaxInFlight(3), WithDispatcherMetrics(testMetrics(t)))
	startDispatcher(t, d)

	submitAll(t, d, "a", "b", "c", "d")
	got := collect(t, d, 4)

	for i, want := range []string{"a", "b", "c", "d"} {
		if got[i].Job.SourceText != want || got[i].Translated != "EN:"+want {
			t.Errorf("result %d = %q/%q, want %q", i, got[i].Job.SourceText, got[i].Translated, want)
		}
	}
	if m := gauge.max.Load(); m > 3 {
		t.Errorf("max concurrent translations = %d, bound is 3", m)
	}
	if m := gauge.max.Load(); m < 2 {
		t.Errorf("max concurrent translations = %d, expected overlap with bound 3", m)
	}
}

func TestDispatcher_SingleInFlightStartsAfterEmit(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		starts []string
		ends   []string
	)
	var gauge concurrencyGauge
	tr := TranslatorFunc(func(_ context.Context, text string) (string, error) {
		gauge.enter()
		defer gauge.leave()
		mu.Lock()
		starts = append(starts, text)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		ends = append(ends, text)
		mu.Unlock()
		return text, nil
	})
	d := NewDispatcher(tr, WithDispatcherMetrics(testMetrics(t)))
	if d.MaxInFlight() != 1 {
		t.Fatalf("MaxInFlight() = %d, want default 1", d.MaxInFlight())
	}
	startDispatcher(t, d)

	submitAll(t, d, "1", "2", "3", "4", "5")
	got := collect(t, d, 5)

	if gauge.max.Load() != 1 {
		t.Errorf("max concurrent translations = %d, want 1", gauge.max.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	for i := range starts {
		if starts[i] != ends[i] {
			t.Errorf("start/end interleaved: starts=%v ends=%v", starts, ends)
			break
		}
	}
	if fmt.Sprint(ids(got)) != "[s1 s2 s3 s4 s5]" {
		t.Errorf("order = %v", ids(got))
	}
}

// ─── failure isolation ──────────────────────────────────────────────────────

func TestDispatcher_FailureIsolation(t *testing.T) {
	t.Parallel()

	// Segment 3 of 5 fails; the others translate in order.
	boom := errors.New("upstream 500")
	tr := TranslatorFunc(func(_ context.Context, text string) (string, error) {
		if text == "三" {
			return "", boom
		}
		return "EN:" + text, nil
	})
	d := NewDispatcher(tr, WithDispatcherMetrics(testMetrics(t)))
	startDispatcher(t, d)

	submitAll(t, d, "一", "二", "三", "四", "五")
	got := collect(t, d, 5)

	if fmt.Sprint(ids(got)) != "[s1 s2 s3 s4 s5]" {
		t.Fatalf("order = %v", ids(got))
	}
	for i, r := range got {
		if i == 2 {
			continue
		}
		if r.Failed() || r.Translated != "EN:"+r.Job.SourceText {
			t.Errorf("result %d = %+v", i+1, r)
		}
	}
	if !got[2].Failed() || got[2].Translated != "" {
		t.Errorf("result 3 = %+v, want failed", got[2])
	}
	var te *TranslationError
	if !errors.As(got[2].Err, &te) || te.SegmentID != "s3" || !errors.Is(got[2].Err, boom) {
		t.Errorf("result 3 error = %v, want *TranslationError wrapping the cause", got[2].Err)
	}
}

func TestDispatcher_QueueFullKeepsOrder(t *testing.T) {
	t.Parallel()

	tr := TranslatorFunc(func(_ context.Context, text string) (string, error) { return "EN:" + text, nil })
	d := NewDispatcher(tr, WithQueueSize(1), WithDispatcherMetrics(testMetrics(t)))

	// Submitted before Run so nothing is dequeued in between.
	if err := d.Submit(context.Background(), Job{SegmentID: "s1", SourceText: "一"}); err != nil {
		t.Fatalf("Submit(s1) error: %v", err)
	}
	for _, id := range []string{"s2", "s3"} {
		if err := d.Submit(context.Background(), Job{SegmentID: id, SourceText: "多"}); !errors.Is(err, ErrQueueFull) {
			t.Fatalf("Submit(%s) error = %v, want ErrQueueFull", id, err)
		}
	}
	if d.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", d.Pending())
	}
	startDispatcher(t, d)

	got := collect(t, d, 3)
	if fmt.Sprint(ids(got)) != "[s1 s2 s3]" {
		t.Fatalf("order = %v", ids(got))
	}
	if got[0].Failed() {
		t.Errorf("s1 failed: %v", got[0].Err)
	}
	for _, r := range got[1:] {
		if !errors.Is(r.Err, ErrQueueFull) || KindOf(r.Err) != KindTranslation {
			t.Errorf("%s error = %v, want queue-full translation error", r.Job.SegmentID, r.Err)
		}
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	t.Parallel()

	tr := TranslatorFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	d := NewDispatcher(tr, WithTranslateTimeout(20*time.Millisecond), WithDispatcherMetrics(testMetrics(t)))
	startDispatcher(t, d)

	submitAll(t, d, "慢")
	r := collect(t, d, 1)[0]
	if !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want deadline exceeded", r.Err)
	}
	if errors.Is(r.Err, ErrAbandoned) {
		t.Error("timeout reported as abandonment")
	}
}

func TestDispatcher_AbandonedJob(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	tr := TranslatorFunc(func(ctx context.Context, text string) (string, error) {
		if text == "等" {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}
		return text, nil
	})
	d := NewDispatcher(tr, WithDispatcherMetrics(testMetrics(t)))
	startDispatcher(t, d)

	sessCtx, cancelSession := context.WithCancel(context.Background())
	if err := d.Submit(sessCtx, Job{SegmentID: "s1", SourceText: "等"}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := d.Submit(sessCtx, Job{SegmentID: "s2", SourceText: "后"}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	<-started
	cancelSession()

	got := collect(t, d, 2)
	for _, r := range got {
		if !errors.Is(r.Err, ErrAbandoned) {
			t.Errorf("%s error = %v, want ErrAbandoned", r.Job.SegmentID, r.Err)
		}
	}

	// A fresh session is unaffected.
	if err := d.Submit(context.Background(), Job{SegmentID: "s3", SourceText: "新"}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if r := collect(t, d, 1)[0]; r.Failed() || r.Translated != "新" {
		t.Errorf("s3 = %+v", r)
	}
}

// ─── markers and shutdown ───────────────────────────────────────────────────

func TestDispatcher_MarkerFollowsJobs(t *testing.T) {
	t.Parallel()

	tr := TranslatorFunc(func(_ context.Context, text string) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return text, nil
	})
	d := NewDispatcher(tr, WithMaxInFlight(2), WithDispatcherMetrics(testMetrics(t)))
	startDispatcher(t, d)

	submitAll(t, d, "x", "y")
	if err := d.Mark(1); err != nil {
		t.Fatalf("Mark() error: %v", err)
	}
	got := collect(t, d, 3)
	if got[0].Marker || got[1].Marker {
		t.Fatalf("marker overtook a job: %+v", got)
	}
	if !got[2].Marker || got[2].Job.Generation != 1 || got[2].Failed() {
		t.Errorf("last result = %+v, want clean marker for generation 1", got[2])
	}
}

func TestDispatcher_ClosedAfterRun(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(TranslatorFunc(func(_ context.Context, s string) (string, error) { return s, nil }),
		WithDispatcherMetrics(testMetrics(t)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
	if err := d.Submit(context.Background(), Job{SegmentID: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Run = %v, want ErrClosed", err)
	}
	if err := d.Mark(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Mark() after Run = %v, want ErrClosed", err)
	}
}
