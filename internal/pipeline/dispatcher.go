package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/pinyin/internal/observe"
)

const (
	// DefaultMaxInFlight translates one job at a time.
	DefaultMaxInFlight = 1

	// DefaultQueueSize bounds the jobs waiting for translation.
	DefaultQueueSize = 32

	// DefaultTranslateTimeout bounds a single translation call.
	DefaultTranslateTimeout = 30 * time.Second
)

// Dispatcher translates jobs in the background and emits their results in
// submission order. At most MaxInFlight jobs run at once; a slot is released
// only when its result has been emitted, so with the default bound of one no
// job starts before the previous job's output is out.
//
// A failed job yields a result with a *TranslationError and never holds up
// the jobs behind it.
type Dispatcher struct {
	translator  Translator
	name        string
	maxInFlight int
	queueSize   int
	timeout     time.Duration
	metrics     *observe.Metrics

	sem     *semaphore.Weighted
	results chan Result

	mu      sync.Mutex
	pending []item
	queued  int // real jobs in pending
	closed  bool
	wake    chan struct{}
}

type item struct {
	ctx    context.Context
	job    Job
	marker bool
	err    error // set when the job fails before translation
}

type slot struct {
	item     item
	acquired bool
	done     chan struct{}
	result   Result
}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithMaxInFlight sets how many translations may run concurrently.
func WithMaxInFlight(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxInFlight = n
		}
	}
}

// WithQueueSize bounds the number of jobs waiting for translation.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithTranslateTimeout bounds each translation call. Zero disables it.
func WithTranslateTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithTranslatorName labels metrics with the translation backend's name.
func WithTranslatorName(name string) DispatcherOption {
	return func(d *Dispatcher) { d.name = name }
}

// WithDispatcherMetrics overrides the metrics sink.
func WithDispatcherMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher returns a Dispatcher for t. Call [Dispatcher.Run] to start it.
func NewDispatcher(t Translator, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		translator:  t,
		name:        "llm",
		maxInFlight: DefaultMaxInFlight,
		queueSize:   DefaultQueueSize,
		timeout:     DefaultTranslateTimeout,
		wake:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.sem = semaphore.NewWeighted(int64(d.maxInFlight))
	d.results = make(chan Result, d.queueSize)
	return d
}

// Results delivers results in submission order.
func (d *Dispatcher) Results() <-chan Result { return d.results }

// MaxInFlight returns the in-flight bound.
func (d *Dispatcher) MaxInFlight() int { return d.maxInFlight }

// Pending returns the number of queued jobs not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

// Submit queues job without blocking. ctx scopes the job: once it is done the
// job is abandoned. When the queue is full Submit returns [ErrQueueFull] and
// the job still yields a failed result in its place.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	it := item{ctx: ctx, job: job}
	var err error
	if d.queued >= d.queueSize {
		err = ErrQueueFull
		it.err = &TranslationError{SegmentID: job.SegmentID, Err: ErrQueueFull}
	} else {
		d.queued++
	}
	d.pending = append(d.pending, it)
	d.mu.Unlock()
	d.signal()
	return err
}

// Mark queues a drain marker for generation. Its result is emitted after the
// results of every job submitted before it.
func (d *Dispatcher) Mark(generation uint64) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.pending = append(d.pending, item{
		ctx:    context.Background(),
		job:    Job{Generation: generation, SubmittedAt: time.Now()},
		marker: true,
	})
	d.mu.Unlock()
	d.signal()
	return nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next() (item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return item{}, false
	}
	it := d.pending[0]
	d.pending[0] = item{}
	d.pending = d.pending[1:]
	if !it.marker && it.err == nil {
		d.queued--
	}
	return it, true
}

// Run schedules queued jobs until ctx is cancelled. Results not yet emitted
// when ctx ends are dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	slots := make(chan *slot, d.maxInFlight)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.emit(ctx, slots)
	}()

	d.schedule(ctx, slots, &wg)
	wg.Wait()

	d.mu.Lock()
	d.closed = true
	d.pending = nil
	d.queued = 0
	d.mu.Unlock()
	return ctx.Err()
}

func (d *Dispatcher) schedule(ctx context.Context, slots chan<- *slot, wg *sync.WaitGroup) {
	defer close(slots)
	for {
		it, ok := d.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}

		s := &slot{item: it, done: make(chan struct{})}
		if it.marker || it.err != nil {
			s.result = Result{Job: it.job, Marker: it.marker, Err: it.err, CompletedAt: time.Now()}
			close(s.done)
		} else {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				return
			}
			s.acquired = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.translate(ctx, s)
			}()
		}

		select {
		case slots <- s:
		case <-ctx.Done():
			return
		}
	}
}

// emit publishes slots in order, releasing each slot's semaphore weight once
// its result is out.
func (d *Dispatcher) emit(ctx context.Context, slots <-chan *slot) {
	for s := range slots {
		select {
		case <-s.done:
		case <-ctx.Done():
			return
		}
		select {
		case d.results <- s.result:
		case <-ctx.Done():
			return
		}
		if s.acquired {
			d.sem.Release(1)
		}
	}
}

func (d *Dispatcher) translate(runCtx context.Context, s *slot) {
	defer close(s.done)
	job := s.item.job
	s.result.Job = job

	// A job runs until its session is abandoned or the dispatcher stops.
	ctx, cancel := context.WithCancel(s.item.ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	if err := ctx.Err(); err != nil {
		s.result.Err = &TranslationError{SegmentID: job.SegmentID, Err: fmt.Errorf("%w: %w", ErrAbandoned, err)}
		s.result.CompletedAt = time.Now()
		return
	}
	if d.timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, d.timeout)
		defer tcancel()
	}

	ctx, span := observe.SegmentSpan(ctx, "pipeline.translate", job.SegmentID, job.Generation,
		attribute.Int("source.runes", len([]rune(job.SourceText))),
	)
	defer span.End()

	start := time.Now()
	text, err := d.translator.Translate(ctx, job.SourceText)
	d.metrics.TranslationDuration.Record(ctx, time.Since(start).Seconds())
	s.result.CompletedAt = time.Now()

	if err != nil {
		reason := "error"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		case errors.Is(err, context.Canceled):
			reason = "abandoned"
			err = fmt.Errorf("%w: %w", ErrAbandoned, err)
		}
		d.metrics.RecordTranslationFailure(ctx, reason)
		d.metrics.RecordProviderRequest(ctx, d.name, "llm", "error")
		d.metrics.RecordProviderError(ctx, d.name, "llm")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.result.Err = &TranslationError{SegmentID: job.SegmentID, Err: err}
		return
	}
	d.metrics.RecordProviderRequest(ctx, d.name, "llm", "ok")
	s.result.Translated = text
}
