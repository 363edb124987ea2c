// Package clock abstracts time so refill accounting can be driven by a fake
// clock in tests.
package clock

import (
	"sync"
	"time"
)

// System is the TimeSource backed by the Go runtime's monotonic clock.
var System TimeSource = systemTimeSource{}

// TimeSource provides the current time and timers.
type TimeSource interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer fires once after its duration. See time.Timer.
type Timer interface {
	Chan() <-chan time.Time
	Stop() bool
}

type systemTimeSource struct{}

func (systemTimeSource) Now() time.Time {
	return time.Now()
}

func (systemTimeSource) NewTimer(d time.Duration) Timer {
	return systemTimer{time.NewTimer(d)}
}

type systemTimer struct {
	*time.Timer
}

func (t systemTimer) Chan() <-chan time.Time {
	return t.C
}

// Fake is a TimeSource whose time only moves when told to. For tests.
type Fake struct {
	mu     sync.RWMutex
	now    time.Time
	timers map[int]*fakeTimer
	nextID int
}

// NewFake returns a Fake clock reading t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t, timers: make(map[int]*fakeTimer)}
}

func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	t := &fakeTimer{f: f, id: id, when: f.now.Add(d), ch: make(chan time.Time, 1)}
	if !t.tryFire(f.now) {
		f.timers[id] = t
	}
	return t
}

// Set moves the clock to t and fires every timer that is due.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
	for id, timer := range f.timers {
		if timer.tryFire(t) {
			delete(f.timers, id)
		}
	}
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}

// Pending returns the number of timers that have not fired or been stopped.
func (f *Fake) Pending() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.timers)
}

func (f *Fake) unsubscribe(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.timers[id]
	delete(f.timers, id)
	return ok
}

type fakeTimer struct {
	f    *Fake
	id   int
	when time.Time
	ch   chan time.Time
}

func (t *fakeTimer) Chan() <-chan time.Time {
	return t.ch
}

func (t *fakeTimer) Stop() bool {
	return t.f.unsubscribe(t.id)
}

func (t *fakeTimer) tryFire(now time.Time) bool {
	if now.Before(t.when) {
		return false
	}
	select {
	case t.ch <- now:
	default:
	}
	return true
}
