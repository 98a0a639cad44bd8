package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/pinyin/internal/observe"
	"github.com/MrWong99/pinyin/pkg/audio"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

const testFrameDur = 20 * time.Millisecond

// testFrame returns the i-th 20 ms frame of 16 kHz mono audio. The first
// sample carries i so tests can identify frames after conversion.
func testFrame(i int, epoch uint64) audio.AudioFrame {
	data := make([]byte, 640)
	data[0] = byte(i)
	return audio.AudioFrame{
		Data:       data,
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  time.Duration(i) * testFrameDur,
		Epoch:      epoch,
	}
}

// tags builds one tagged frame per probability.
func tags(probs ...float64) []VadTag {
	out := make([]VadTag, len(probs))
	for i, p := range probs {
		out[i] = VadTag{Frame: testFrame(i, 1), Probability: p}
	}
	return out
}

// frameIndexes maps segment frames back to their indexes.
func frameIndexes(seg *Segment) []int {
	idx := make([]int, len(seg.Frames))
	for i, f := range seg.Frames {
		idx[i] = int(f.Timestamp / testFrameDur)
	}
	return idx
}

// seqIDs returns a deterministic segment ID generator: seg-1, seg-2, ...
func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("seg-%d", n)
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	return m
}

// recordingSink collects events and records and lets tests wait for them.
type recordingSink struct {
	mu      sync.Mutex
	events  []Event
	records []Record
	notify  chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 1)}
}

func (s *recordingSink) HandleEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.poke()
}

func (s *recordingSink) WriteRecord(rec Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	s.poke()
	return nil
}

func (s *recordingSink) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *recordingSink) EventsOf(kind EventKind) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor blocks until cond holds or the timeout elapses.
func (s *recordingSink) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-s.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s; events: %v", what, kinds(s.Events()))
		}
	}
}

// waitMode waits for a mode_changed event to m after the first n events.
func (s *recordingSink) waitMode(t *testing.T, m Mode, after int) {
	t.Helper()
	s.waitFor(t, "mode "+m.String(), func() bool {
		evs := s.Events()
		for _, ev := range evs[min(after, len(evs)):] {
			if ev.Kind == EventModeChanged && ev.Mode == m {
				return true
			}
		}
		return false
	})
}

func kinds(evs []Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = string(ev.Kind)
		if ev.Kind == EventModeChanged {
			out[i] += ":" + ev.Mode.String()
		}
	}
	return out
}
