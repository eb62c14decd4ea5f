package event

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Policy controls how an Emitter treats a dispatch with zero subscribers.
type Policy uint8

const (
	// PolicyDefault means dispatching with no subscribers is a no-op.
	PolicyDefault Policy = iota
	// PolicyError means dispatching with no subscribers is itself a failure.
	PolicyError
)

// ErrNoSubscribers is returned by dispatch methods when the emitter has no
// subscribers and PolicyError is in effect, and always by EmitRace, which
// cannot meaningfully race zero handlers.
var ErrNoSubscribers = errors.New("event: no subscribers")

type config struct {
	policy   Policy
	parallel bool
	errSink  func(error)
}

// Option configures an Emitter at construction time.
type Option func(*config)

// WithPolicy sets the zero-subscriber policy.
func WithPolicy(p Policy) Option {
	return func(c *config) { c.policy = p }
}

// WithParallel makes EmitAll run subscriber handlers concurrently instead of
// sequentially in registration order.
func WithParallel() Option {
	return func(c *config) { c.parallel = true }
}

// WithErrorSink routes failures of fire-and-forget dispatches to fn instead
// of the default diagnostic log.
func WithErrorSink(fn func(error)) Option {
	return func(c *config) { c.errSink = fn }
}

// Handler consumes an emitted value and produces a result.
type Handler[T, R any] func(T) (R, error)

type subscription[T, R any] struct {
	handler Handler[T, R]
}

// Emitter delivers values of type T to subscribers whose handlers produce
// results of type R. The zero value is not usable; construct with New.
type Emitter[T, R any] struct {
	cfg config

	mu       sync.Mutex
	subs     []*subscription[T, R]
	queue    []T
	draining bool
}

// New creates an Emitter.
func New[T, R any](opts ...Option) *Emitter[T, R] {
	cfg := config{
		errSink: func(err error) {
			logrus.WithFields(logrus.Fields{
				"function": "Emit",
				"error":    err.Error(),
			}).Error("Unhandled event handler failure")
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Emitter[T, R]{cfg: cfg}
}

// Connect registers a handler and returns its disconnect function. Each call
// creates an independent subscription. The disconnect function is safe to
// call more than once; calls after the first are a caller error and are
// logged, not fatal.
func (e *Emitter[T, R]) Connect(h Handler[T, R]) (disconnect func()) {
	sub := &subscription[T, R]{handler: h}

	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s == sub {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
		logrus.WithField("function", "disconnect").Warn("Handler was not registered")
	}
}

// HasSubscribers reports whether at least one handler is currently connected.
func (e *Emitter[T, R]) HasSubscribers() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs) > 0
}

func (e *Emitter[T, R]) snapshot() []*subscription[T, R] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*subscription[T, R](nil), e.subs...)
}

// EmitAll invokes every subscriber and collects their results. Sequential
// dispatch keeps running remaining handlers after a failure; the joined
// failure is surfaced once all have run. Parallel dispatch waits for all
// handlers and propagates the first observed failure.
func (e *Emitter[T, R]) EmitAll(v T) ([]R, error) {
	subs := e.snapshot()
	if len(subs) == 0 {
		if e.cfg.policy == PolicyError {
			return nil, ErrNoSubscribers
		}
		return nil, nil
	}

	if e.cfg.parallel {
		return e.emitAllParallel(subs, v)
	}
	return e.emitAllSequential(subs, v)
}

func (e *Emitter[T, R]) emitAllSequential(subs []*subscription[T, R], v T) ([]R, error) {
	results := make([]R, 0, len(subs))
	var errs []error
	for _, sub := range subs {
		r, err := sub.handler(v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

func (e *Emitter[T, R]) emitAllParallel(subs []*subscription[T, R], v T) ([]R, error) {
	type outcome struct {
		result R
		err    error
	}
	outcomes := make([]outcome, len(subs))

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *subscription[T, R]) {
			defer wg.Done()
			outcomes[i].result, outcomes[i].err = sub.handler(v)
		}(i, sub)
	}
	wg.Wait()

	results := make([]R, 0, len(subs))
	var firstErr error
	for _, o := range outcomes {
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		results = append(results, o.result)
	}
	return results, firstErr
}

// EmitRace invokes every subscriber concurrently and returns the first
// settled result, whether success or failure.
func (e *Emitter[T, R]) EmitRace(v T) (R, error) {
	var zero R
	subs := e.snapshot()
	if len(subs) == 0 {
		return zero, ErrNoSubscribers
	}

	type outcome struct {
		result R
		err    error
	}
	settled := make(chan outcome, len(subs))
	for _, sub := range subs {
		go func(sub *subscription[T, R]) {
			r, err := sub.handler(v)
			settled <- outcome{result: r, err: err}
		}(sub)
	}

	first := <-settled
	return first.result, first.err
}

// Emit dispatches asynchronously and routes any resulting failure to the
// configured error sink. Values emitted on one emitter are delivered in
// emission order: they are queued and drained by a single dispatch goroutine,
// so subscribers observe the same sequence the emitting side produced.
func (e *Emitter[T, R]) Emit(v T) {
	e.mu.Lock()
	e.queue = append(e.queue, v)
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()

	go e.drainQueue()
}

// drainQueue delivers queued values FIFO until the queue is empty. Only one
// drainQueue runs per emitter at a time.
func (e *Emitter[T, R]) drainQueue() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		v := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if _, err := e.EmitAll(v); err != nil {
			e.cfg.errSink(fmt.Errorf("event dispatch failed: %w", err))
		}
	}
}

// Signal is an Emitter for notifications whose handlers produce no result.
type Signal[T any] struct {
	em *Emitter[T, struct{}]
}

// NewSignal creates a Signal.
func NewSignal[T any](opts ...Option) *Signal[T] {
	return &Signal[T]{em: New[T, struct{}](opts...)}
}

// Connect registers a notification handler.
func (s *Signal[T]) Connect(h func(T) error) (disconnect func()) {
	return s.em.Connect(func(v T) (struct{}, error) {
		return struct{}{}, h(v)
	})
}

// HasSubscribers reports whether at least one handler is connected.
func (s *Signal[T]) HasSubscribers() bool {
	return s.em.HasSubscribers()
}

// Emit dispatches asynchronously in emission order, routing failures to the
// error sink.
func (s *Signal[T]) Emit(v T) {
	s.em.Emit(v)
}

// EmitAll dispatches synchronously and reports the collected failure, if any.
func (s *Signal[T]) EmitAll(v T) error {
	_, err := s.em.EmitAll(v)
	return err
}
