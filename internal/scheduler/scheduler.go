// Package scheduler arbitrates admission across priority classes. Each class
// owns one token bucket and one FIFO wait queue guarded by its own mutex; a
// shared barrier is taken exclusively only while the bucket parameters of all
// classes are swapped together.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/limiter"
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

// Observer is told about state changes while the lane lock is held.
// Implementations must not block or call back into the scheduler.
type Observer interface {
	Granted(req *Request)
	Available(class types.Class, tokens int64, pending int)
}

type nopObserver struct{}

func (nopObserver) Granted(*Request) {}

func (nopObserver) Available(types.Class, int64, int) {}

// Params are the bucket parameters derived for one class.
type Params struct {
	Capacity int64
	Rate     limiter.Rate
}

// Policy is the scheduler-wide part of a configuration.
type Policy struct {
	Params [types.NumClasses]Params
	// Borrowing lets a class with no waiters lend to a lower class for one
	// refill interval.
	Borrowing bool
	Interval  time.Duration
}

// Scheduler owns the per-class lanes.
type Scheduler struct {
	barrier sync.RWMutex
	lanes   [types.NumClasses]*lane
	policy  Policy
	obs     Observer
	seq     atomic.Uint64
}

// New builds a scheduler with full buckets.
func New(p Policy, now time.Time, obs Observer) *Scheduler {
	if obs == nil {
		obs = nopObserver{}
	}
	s := &Scheduler{policy: p, obs: obs}
	for _, c := range types.Classes {
		s.lanes[c] = newLane(c, p.Params[c].Capacity, p.Params[c].Rate, now)
	}
	return s
}

// Admit registers a request for amount units of class. A request is granted
// on the spot when no satisfiable request of its class is queued ahead of it
// and the bucket covers it. Otherwise it is queued, unless wait is false, in
// which case it is rejected with ErrRejected. Amounts above the class
// capacity fail with an OutOfRangeError and are never queued.
func (s *Scheduler) Admit(class types.Class, amount int64, wait bool, now time.Time) (*Request, error) {
	if !class.Valid() {
		return nil, types.NewValidationError("class", "unknown class %d", uint8(class))
	}
	if amount < 0 {
		return nil, types.NewValidationError("amount", "negative amount %d", amount)
	}

	s.barrier.RLock()
	defer s.barrier.RUnlock()

	l := s.lanes[class]
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bucket.Refill(now)
	if capacity := l.bucket.Capacity(); amount > capacity {
		return nil, &types.OutOfRangeError{Class: class, Amount: amount, Capacity: capacity}
	}

	req := newRequest(s.seq.Add(1), class, amount, now)
	if !l.blocked() && l.bucket.TryConsume(amount) {
		req.resolve(types.Granted, nil, now)
		s.obs.Granted(req)
		s.obs.Available(class, l.bucket.Available(), l.queue.Len())
		return req, nil
	}
	if !wait {
		req.resolve(types.Rejected, types.ErrRejected, now)
		return req, types.ErrRejected
	}
	l.enqueue(req)
	s.obs.Available(class, l.bucket.Available(), l.queue.Len())
	return req, nil
}

// Cancel resolves a pending request with cause. Exactly one of Cancel and a
// competing grant wins; the returned state is the one that won and won
// reports whether this call made the transition.
func (s *Scheduler) Cancel(req *Request, cause error, now time.Time) (state types.State, won bool) {
	if req == nil {
		return types.Rejected, false
	}
	if cause == nil {
		cause = types.ErrCancelled
	}
	s.barrier.RLock()
	defer s.barrier.RUnlock()

	l := s.lanes[req.Class]
	l.mu.Lock()
	defer l.mu.Unlock()

	if req.State() != types.Pending {
		return req.State(), false
	}
	l.remove(req)
	req.resolve(types.Cancelled, cause, now)
	s.obs.Available(l.class, l.bucket.Available(), l.queue.Len())
	return types.Cancelled, true
}

// Refund returns unused units to a class bucket and serves its queue.
func (s *Scheduler) Refund(class types.Class, amount int64, now time.Time) int64 {
	if !class.Valid() || amount <= 0 {
		return 0
	}
	s.barrier.RLock()
	defer s.barrier.RUnlock()

	l := s.lanes[class]
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bucket.Refill(now)
	accepted := l.bucket.Deposit(amount)
	l.serve(now, s.obs)
	s.obs.Available(class, l.bucket.Available(), l.queue.Len())
	return accepted
}

// Tick refills every class and wakes waiters: first loans that fell due are
// repaid, then classes are served from highest to lowest priority, then,
// when enabled, idle higher classes lend to blocked lower classes.
func (s *Scheduler) Tick(now time.Time) {
	s.barrier.RLock()
	defer s.barrier.RUnlock()

	s.repay(now)
	for _, c := range types.Classes {
		l := s.lanes[c]
		l.mu.Lock()
		l.bucket.Refill(now)
		l.serve(now, s.obs)
		s.obs.Available(c, l.bucket.Available(), l.queue.Len())
		l.mu.Unlock()
	}
	if s.policy.Borrowing {
		s.lend(now)
	}
}

// lockPair locks two lanes in priority order.
func (s *Scheduler) lockPair(hi, lo types.Class) func() {
	a, b := s.lanes[hi], s.lanes[lo]
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

func (s *Scheduler) repay(now time.Time) {
	for _, borrower := range types.Classes[1:] {
		for _, lender := range types.Classes {
			if !lender.Higher(borrower) {
				break
			}
			unlock := s.lockPair(lender, borrower)
			s.repayLocked(s.lanes[lender], s.lanes[borrower], now)
			unlock()
		}
	}
}

// repayLocked moves tokens from the borrower back to the lender for every
// loan from lender whose interval has ended. Only what the lender is missing
// is reclaimed; a loan is settled once the lender is full again.
func (s *Scheduler) repayLocked(lender, borrower *lane, now time.Time) {
	if len(borrower.loans) == 0 {
		return
	}
	borrower.bucket.Refill(now)
	lender.bucket.Refill(now)
	kept := borrower.loans[:0]
	for _, ln := range borrower.loans {
		if ln.lender != lender.class || now.Before(ln.due) {
			kept = append(kept, ln)
			continue
		}
		room := lender.bucket.Capacity() - lender.bucket.Available()
		paid := borrower.bucket.Drain(min(ln.amount, room))
		lender.bucket.Deposit(paid)
		ln.amount -= paid
		if ln.amount > 0 && lender.bucket.Available() < lender.bucket.Capacity() {
			kept = append(kept, ln)
		}
	}
	borrower.loans = kept
}

func (s *Scheduler) lend(now time.Time) {
	for _, borrower := range types.Classes[1:] {
		for _, lender := range types.Classes {
			if !lender.Higher(borrower) {
				break
			}
			unlock := s.lockPair(lender, borrower)
			s.lendLocked(s.lanes[lender], s.lanes[borrower], now)
			unlock()
		}
	}
}

// lendLocked grants borrower's head requests from its own tokens plus a
// shortfall taken from an idle lender. A lender with waiters of its own
// never lends.
func (s *Scheduler) lendLocked(lender, borrower *lane, now time.Time) {
	if lender.queue.Len() > 0 {
		return
	}
	for {
		req := borrower.head()
		if req == nil {
			return
		}
		own := borrower.bucket.Available()
		short := req.Amount - own
		if short <= 0 {
			// Covered by the borrower's own serve pass.
			return
		}
		if !lender.bucket.TryConsume(short) {
			return
		}
		borrower.bucket.Drain(own)
		borrower.remove(req)
		req.borrowed = short
		req.resolve(types.Granted, nil, now)
		borrower.loans = append(borrower.loans, loan{
			lender: lender.class,
			amount: short,
			due:    now.Add(s.policy.Interval),
		})
		s.obs.Granted(req)
		s.obs.Available(lender.class, lender.bucket.Available(), lender.queue.Len())
		s.obs.Available(borrower.class, borrower.bucket.Available(), borrower.queue.Len())
	}
}

// Reconfigure swaps the bucket parameters of every class as one step. swap,
// if non-nil, runs while the barrier is held exclusively so callers can
// publish the matching configuration at the same instant.
func (s *Scheduler) Reconfigure(p Policy, now time.Time, swap func()) {
	s.barrier.Lock()
	defer s.barrier.Unlock()

	for _, c := range types.Classes {
		l := s.lanes[c]
		l.bucket.Reconfigure(p.Params[c].Capacity, p.Params[c].Rate, now)
	}
	if !p.Borrowing {
		// Outstanding loans are forgiven when lending is switched off.
		for _, c := range types.Classes {
			s.lanes[c].loans = nil
		}
	}
	s.policy = p
	if swap != nil {
		swap()
	}
}

// Stats returns a view of every class. Classes are read one at a time, so the
// view is consistent per class only.
func (s *Scheduler) Stats() [types.NumClasses]LaneStats {
	s.barrier.RLock()
	defer s.barrier.RUnlock()

	var out [types.NumClasses]LaneStats
	for _, c := range types.Classes {
		l := s.lanes[c]
		l.mu.Lock()
		out[c] = l.stats()
		l.mu.Unlock()
	}
	return out
}

// Drain resolves every pending request with err. Used on shutdown.
func (s *Scheduler) Drain(err error, now time.Time) int {
	s.barrier.RLock()
	defer s.barrier.RUnlock()

	n := 0
	for _, c := range types.Classes {
		l := s.lanes[c]
		l.mu.Lock()
		for e := l.queue.Front(); e != nil; {
			next := e.Next()
			req := e.Value.(*Request)
			l.remove(req)
			req.resolve(types.Cancelled, err, now)
			n++
			e = next
		}
		s.obs.Available(c, l.bucket.Available(), 0)
		l.mu.Unlock()
	}
	return n
}
