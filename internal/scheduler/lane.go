package scheduler

import (
	"container/list"
	"sync"
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/limiter"
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

// loan records tokens a higher class lent to this lane's waiters.
type loan struct {
	lender types.Class
	amount int64
	due    time.Time
}

// lane is the per-class exclusive section: one bucket and its FIFO wait queue.
type lane struct {
	class  types.Class
	mu     sync.Mutex
	bucket *limiter.Bucket
	queue  list.List
	loans  []loan
}

func newLane(class types.Class, capacity int64, rate limiter.Rate, now time.Time) *lane {
	l := &lane{
		class:  class,
		bucket: limiter.NewBucket(capacity, rate, now),
	}
	l.queue.Init()
	return l
}

func (l *lane) enqueue(req *Request) {
	req.elem = l.queue.PushBack(req)
}

func (l *lane) remove(req *Request) {
	if req.elem != nil {
		l.queue.Remove(req.elem)
		req.elem = nil
	}
}

// blocked reports whether a queued request that the current capacity could
// satisfy is waiting. Requests larger than capacity do not block the lane.
func (l *lane) blocked() bool {
	return l.head() != nil
}

// head returns the first request the current capacity could satisfy.
func (l *lane) head() *Request {
	capacity := l.bucket.Capacity()
	for e := l.queue.Front(); e != nil; e = e.Next() {
		req := e.Value.(*Request)
		if req.Amount <= capacity {
			return req
		}
	}
	return nil
}

// serve grants queued requests in arrival order while the bucket covers them.
// It stops at the first satisfiable request it cannot cover, so later or
// cheaper arrivals never overtake it.
func (l *lane) serve(now time.Time, obs Observer) {
	for {
		req := l.head()
		if req == nil || !l.bucket.TryConsume(req.Amount) {
			return
		}
		l.remove(req)
		req.resolve(types.Granted, nil, now)
		obs.Granted(req)
	}
}

func (l *lane) debt() int64 {
	var total int64
	for _, ln := range l.loans {
		total += ln.amount
	}
	return total
}

func (l *lane) stats() LaneStats {
	return LaneStats{
		Class:     l.class,
		Capacity:  l.bucket.Capacity(),
		Available: l.bucket.Available(),
		Rate:      l.bucket.Rate(),
		Pending:   l.queue.Len(),
		Debt:      l.debt(),
	}
}

// LaneStats is a point-in-time view of one class.
type LaneStats struct {
	Class     types.Class
	Capacity  int64
	Available int64
	Rate      limiter.Rate
	Pending   int
	Debt      int64
}
