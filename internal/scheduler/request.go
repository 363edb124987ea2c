package scheduler

import (
	"container/list"
	"sync/atomic"
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

// Request is a handle on one admission request. Its state moves from Pending
// to exactly one terminal state, under the lock of its class lane.
type Request struct {
	ID       uint64
	Class    types.Class
	Amount   int64
	Enqueued time.Time

	state    atomic.Uint32
	err      error
	resolved time.Time
	borrowed int64
	elem     *list.Element
	done     chan struct{}
}

func newRequest(id uint64, class types.Class, amount int64, now time.Time) *Request {
	return &Request{
		ID:       id,
		Class:    class,
		Amount:   amount,
		Enqueued: now,
		done:     make(chan struct{}),
	}
}

// Done is closed once the request reaches a terminal state.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// State returns the current state.
func (r *Request) State() types.State {
	return types.State(r.state.Load())
}

// Err returns the terminal error, or nil while pending or when granted.
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Grant describes the admission. Only meaningful once State is Granted.
func (r *Request) Grant() types.Grant {
	select {
	case <-r.done:
	default:
		return types.Grant{Class: r.Class}
	}
	return types.Grant{
		Class:    r.Class,
		Amount:   r.Amount,
		Waited:   int64(r.resolved.Sub(r.Enqueued)),
		Borrowed: r.borrowed,
	}
}

// Waited returns how long the request spent before resolution.
func (r *Request) Waited() time.Duration {
	select {
	case <-r.done:
		return r.resolved.Sub(r.Enqueued)
	default:
		return 0
	}
}

// resolve moves a pending request to a terminal state. The caller holds the
// lane lock. It reports false if the request was already resolved.
func (r *Request) resolve(state types.State, err error, now time.Time) bool {
	if r.State() != types.Pending {
		return false
	}
	r.err = err
	r.resolved = now
	r.state.Store(uint32(state))
	close(r.done)
	return true
}
