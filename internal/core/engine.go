// Package core is the admission front end: callers acquire quota for a
// priority class, the engine queues them when the budget is spent and a tick
// loop wakes them as buckets refill.
package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/clock"
	"github.com/nanjiek/pixiu-ioadm/internal/config"
	"github.com/nanjiek/pixiu-ioadm/internal/metrics"
	"github.com/nanjiek/pixiu-ioadm/internal/rcu"
	"github.com/nanjiek/pixiu-ioadm/internal/scheduler"
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source. Defaults to clock.System.
func WithClock(ts clock.TimeSource) Option {
	return func(e *Engine) { e.clock = ts }
}

// WithSink sets the metrics sink. Defaults to metrics.Nop.
func WithSink(s metrics.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine is the limiter core.
type Engine struct {
	clock  clock.TimeSource
	sink   metrics.Sink
	logger *slog.Logger

	conf  *rcu.Snapshot[config.Configuration]
	sched *scheduler.Scheduler

	updateMu sync.Mutex
	nudge    chan struct{}
	closed   atomic.Bool
	done     chan struct{}

	// changed is closed and replaced on every configuration swap.
	changedMu sync.Mutex
	changed   chan struct{}
}

// NewEngine validates cfg and builds an engine with full buckets.
func NewEngine(cfg config.Configuration, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		clock:   clock.System,
		sink:    metrics.Nop{},
		logger:  slog.Default(),
		nudge:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.conf = rcu.NewSnapshot(&cfg)
	e.sched = scheduler.New(policyOf(cfg), e.clock.Now(), sinkObserver{e.sink})
	return e, nil
}

func policyOf(cfg config.Configuration) scheduler.Policy {
	p := scheduler.Policy{
		Borrowing: cfg.Borrowing,
		Interval:  cfg.RefillInterval,
	}
	for _, c := range types.Classes {
		p.Params[c] = scheduler.Params{
			Capacity: cfg.ClassCapacity(c),
			Rate:     cfg.ClassRate(c),
		}
	}
	return p
}

// Acquire blocks until amount units of class are granted. It returns
// ErrCancelled or ErrTimeout when ctx ends first, ErrStarved when the class
// max wait elapses, and an OutOfRangeError when amount exceeds the class
// capacity.
func (e *Engine) Acquire(ctx context.Context, class types.Class, amount int64) (types.Grant, error) {
	req, err := e.Submit(class, amount)
	if err != nil {
		return types.Grant{Class: class}, err
	}
	return e.Wait(ctx, req)
}

// TryAcquire grants amount units without waiting, or fails with ErrRejected.
// It never overtakes requests already queued for the class.
func (e *Engine) TryAcquire(class types.Class, amount int64) (types.Grant, error) {
	if e.closed.Load() {
		return types.Grant{Class: class}, types.ErrClosed
	}
	req, err := e.sched.Admit(class, amount, false, e.clock.Now())
	if err != nil {
		e.recordFailure(class, err)
		return types.Grant{Class: class}, err
	}
	return req.Grant(), nil
}

// Submit registers a request and returns its handle without blocking. The
// handle is either already granted or pending; pass it to Wait or Cancel.
func (e *Engine) Submit(class types.Class, amount int64) (*scheduler.Request, error) {
	if e.closed.Load() {
		return nil, types.ErrClosed
	}
	req, err := e.sched.Admit(class, amount, true, e.clock.Now())
	if err != nil {
		e.recordFailure(class, err)
		return nil, err
	}
	if e.closed.Load() {
		// Close may have drained the queue before this request joined it.
		e.sched.Cancel(req, types.ErrClosed, e.clock.Now())
	}
	return req, nil
}

// Wait blocks on a submitted request. The class max wait is re-read after
// every configuration swap, measured from the time the request was queued.
func (e *Engine) Wait(ctx context.Context, req *scheduler.Request) (types.Grant, error) {
	select {
	case <-req.Done():
		return e.outcome(req)
	default:
	}

	for {
		changed := e.configChanged()
		var timer clock.Timer
		var starve <-chan time.Time
		if maxWait := e.conf.Load().MaxWait[req.Class]; maxWait > 0 {
			timer = e.clock.NewTimer(maxWait - e.clock.Now().Sub(req.Enqueued))
			starve = timer.Chan()
		}

		select {
		case <-req.Done():
		case <-ctx.Done():
			cause := types.ErrCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				cause = types.ErrTimeout
			}
			e.sched.Cancel(req, cause, e.clock.Now())
		case <-starve:
			if _, won := e.sched.Cancel(req, types.ErrStarved, e.clock.Now()); won {
				e.logger.Warn("request starved",
					"class", req.Class.String(), "amount", req.Amount, "id", req.ID)
			}
		case <-changed:
			if timer != nil {
				timer.Stop()
			}
			continue
		}
		if timer != nil {
			timer.Stop()
		}
		return e.outcome(req)
	}
}

func (e *Engine) configChanged() <-chan struct{} {
	e.changedMu.Lock()
	defer e.changedMu.Unlock()
	return e.changed
}

// Cancel withdraws a pending request. Exactly one of the cancellation and a
// concurrent grant takes effect; the state that won is returned.
func (e *Engine) Cancel(req *scheduler.Request) types.State {
	state, _ := e.sched.Cancel(req, types.ErrCancelled, e.clock.Now())
	return state
}

// Refund returns unused units to class and wakes its waiters. It returns the
// units the bucket accepted.
func (e *Engine) Refund(class types.Class, amount int64) int64 {
	return e.sched.Refund(class, amount, e.clock.Now())
}

func (e *Engine) outcome(req *scheduler.Request) (types.Grant, error) {
	if req.State() == types.Granted {
		return req.Grant(), nil
	}
	err := req.Err()
	e.recordFailure(req.Class, err)
	return types.Grant{Class: req.Class}, err
}

func (e *Engine) recordFailure(class types.Class, err error) {
	if !class.Valid() {
		return
	}
	var reason string
	switch {
	case errors.Is(err, types.ErrRejected):
		reason = metrics.ReasonRejected
	case errors.Is(err, types.ErrOutOfRange):
		reason = metrics.ReasonOutOfRange
	case errors.Is(err, types.ErrTimeout):
		reason = metrics.ReasonTimeout
	case errors.Is(err, types.ErrStarved):
		reason = metrics.ReasonStarved
	case errors.Is(err, types.ErrClosed):
		reason = metrics.ReasonClosed
	case errors.Is(err, types.ErrCancelled):
		reason = metrics.ReasonCancelled
	default:
		return
	}
	e.sink.Rejected(class, reason)
}

// UpdateConfig validates cfg and swaps it in for every class at once.
// Pending requests stay queued and are re-evaluated on the next tick. An
// invalid cfg is rejected and the active configuration is left unchanged.
func (e *Engine) UpdateConfig(cfg config.Configuration) error {
	if err := cfg.Validate(); err != nil {
		e.logger.Warn("limiter configuration rejected", "version", cfg.Version, "err", err)
		return err
	}

	e.updateMu.Lock()
	defer e.updateMu.Unlock()
	if e.closed.Load() {
		return types.ErrClosed
	}

	var prev *config.Configuration
	e.sched.Reconfigure(policyOf(cfg), e.clock.Now(), func() {
		prev = e.conf.Replace(&cfg)
	})
	e.changedMu.Lock()
	close(e.changed)
	e.changed = make(chan struct{})
	e.changedMu.Unlock()

	select {
	case e.nudge <- struct{}{}:
	default:
	}
	e.logger.Info("limiter configuration applied",
		"version", cfg.Version,
		"previous", prev.Version,
		"total_refill_rate", cfg.TotalRefillRate,
		"total_capacity", cfg.TotalCapacity,
		"borrowing", cfg.Borrowing)
	return nil
}

// Config returns the active configuration.
func (e *Engine) Config() config.Configuration {
	return *e.conf.Load()
}

// Tick refills all buckets and wakes waiters now.
func (e *Engine) Tick() {
	e.sched.Tick(e.clock.Now())
}

// Run drives refill ticks at the configured interval until ctx ends or the
// engine is closed. A configuration change ticks at once and picks up the new
// interval.
func (e *Engine) Run(ctx context.Context) error {
	for {
		t := e.clock.NewTimer(e.conf.Load().RefillInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-e.done:
			t.Stop()
			return nil
		case <-e.nudge:
			t.Stop()
		case <-t.Chan():
		}
		e.Tick()
	}
}

// Close stops the engine. Pending requests fail with ErrClosed and later
// calls are refused.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.updateMu.Lock()
	close(e.done)
	e.updateMu.Unlock()
	if n := e.sched.Drain(types.ErrClosed, e.clock.Now()); n > 0 {
		e.logger.Info("limiter closed", "drained", n)
	}
}

// ClassStats is a point-in-time view of one class.
type ClassStats struct {
	Class      string  `json:"class"`
	Weight     int64   `json:"weight"`
	Capacity   int64   `json:"capacity"`
	Available  int64   `json:"available"`
	RatePerSec float64 `json:"ratePerSec"`
	Pending    int     `json:"pending"`
	Borrowed   int64   `json:"borrowed"`
	MaxWaitMs  int64   `json:"maxWaitMs,omitempty"`
}

// Stats describes the engine state.
type Stats struct {
	Version    string       `json:"version"`
	Generation uint64       `json:"generation"` // configuration swaps since start
	Borrowing  bool         `json:"borrowing"`
	Closed     bool         `json:"closed"`
	Classes    []ClassStats `json:"classes"`
}

// Stats returns a view of every class. Each class is consistent on its own.
func (e *Engine) Stats() Stats {
	cfg := e.conf.Load()
	lanes := e.sched.Stats()
	out := Stats{
		Version:    cfg.Version,
		Generation: e.conf.Generation(),
		Borrowing:  cfg.Borrowing,
		Closed:     e.closed.Load(),
		Classes:    make([]ClassStats, 0, types.NumClasses),
	}
	for _, c := range types.Classes {
		l := lanes[c]
		out.Classes = append(out.Classes, ClassStats{
			Class:      c.String(),
			Weight:     cfg.Weights[c],
			Capacity:   l.Capacity,
			Available:  l.Available,
			RatePerSec: l.Rate.PerSecond(),
			Pending:    l.Pending,
			Borrowed:   l.Debt,
			MaxWaitMs:  cfg.MaxWait[c].Milliseconds(),
		})
	}
	return out
}

// sinkObserver forwards scheduler events to a metrics sink.
type sinkObserver struct {
	sink metrics.Sink
}

func (o sinkObserver) Granted(req *scheduler.Request) {
	o.sink.Granted(req.Class, req.Amount, req.Waited())
}

func (o sinkObserver) Available(class types.Class, tokens int64, pending int) {
	o.sink.Available(class, tokens)
	o.sink.Pending(class, pending)
}
