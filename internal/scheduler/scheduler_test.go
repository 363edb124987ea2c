package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/limiter"
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	granted []*Request
}

func (r *recorder) Granted(req *Request) {
	r.mu.Lock()
	r.granted = append(r.granted, req)
	r.mu.Unlock()
}

func (r *recorder) Available(types.Class, int64, int) {}

func (r *recorder) order() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.granted))
	for _, req := range r.granted {
		ids = append(ids, req.ID)
	}
	return ids
}

func uniform(capacity, rate int64) Policy {
	var p Policy
	for _, c := range types.Classes {
		p.Params[c] = Params{Capacity: capacity, Rate: limiter.PerSecond(rate)}
	}
	p.Interval = 100 * time.Millisecond
	return p
}

func mustAdmit(t *testing.T, s *Scheduler, c types.Class, n int64, now time.Time) *Request {
	t.Helper()
	req, err := s.Admit(c, n, true, now)
	if err != nil {
		t.Fatalf("admit %s/%d: %v", c, n, err)
	}
	return req
}

func TestAdmitImmediateAndOutOfRange(t *testing.T) {
	s := New(uniform(100, 10), epoch, nil)

	req := mustAdmit(t, s, types.Normal, 100, epoch)
	if req.State() != types.Granted {
		t.Fatalf("expected immediate grant, got %s", req.State())
	}
	select {
	case <-req.Done():
	default:
		t.Fatalf("granted request should be done")
	}

	_, err := s.Admit(types.Normal, 101, true, epoch)
	var oor *types.OutOfRangeError
	if !errors.As(err, &oor) || oor.Capacity != 100 {
		t.Fatalf("expected out of range, got %v", err)
	}
}

func TestAdmitNoWaitRejects(t *testing.T) {
	s := New(uniform(100, 10), epoch, nil)
	mustAdmit(t, s, types.Normal, 100, epoch)

	req, err := s.Admit(types.Normal, 1, false, epoch)
	if !errors.Is(err, types.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if req.State() != types.Rejected {
		t.Fatalf("state = %s", req.State())
	}
}

func TestNoWaitDoesNotJumpQueue(t *testing.T) {
	s := New(uniform(10, 10), epoch, nil)
	mustAdmit(t, s, types.Low, 10, epoch)
	waiting := mustAdmit(t, s, types.Low, 5, epoch)

	now := epoch.Add(200 * time.Millisecond)
	if _, err := s.Admit(types.Low, 1, false, now); !errors.Is(err, types.ErrRejected) {
		t.Fatalf("nowait caller overtook a waiter: %v", err)
	}
	if waiting.State() != types.Pending {
		t.Fatalf("waiter state = %s", waiting.State())
	}
}

func TestFIFOWithinClass(t *testing.T) {
	rec := &recorder{}
	s := New(uniform(10, 10), epoch, rec)
	mustAdmit(t, s, types.Normal, 10, epoch)
	rec.granted = nil

	a := mustAdmit(t, s, types.Normal, 5, epoch)
	b := mustAdmit(t, s, types.Normal, 1, epoch)

	s.Tick(epoch.Add(100 * time.Millisecond))
	if a.State() != types.Pending || b.State() != types.Pending {
		t.Fatalf("cheaper later request overtook: a=%s b=%s", a.State(), b.State())
	}

	s.Tick(epoch.Add(500 * time.Millisecond))
	if a.State() != types.Granted {
		t.Fatalf("a should be granted, got %s", a.State())
	}
	if b.State() != types.Pending {
		t.Fatalf("b should still wait, got %s", b.State())
	}

	s.Tick(epoch.Add(600 * time.Millisecond))
	if b.State() != types.Granted {
		t.Fatalf("b should be granted, got %s", b.State())
	}
	if got := rec.order(); len(got) != 2 || got[0] != a.ID || got[1] != b.ID {
		t.Fatalf("grant order = %v", got)
	}
}

func TestHigherClassWokenFirst(t *testing.T) {
	rec := &recorder{}
	s := New(uniform(10, 10), epoch, rec)
	mustAdmit(t, s, types.Low, 10, epoch)
	mustAdmit(t, s, types.High, 10, epoch)
	rec.granted = nil

	low := mustAdmit(t, s, types.Low, 1, epoch)
	high := mustAdmit(t, s, types.High, 1, epoch)

	s.Tick(epoch.Add(100 * time.Millisecond))
	got := rec.order()
	if len(got) != 2 || got[0] != high.ID || got[1] != low.ID {
		t.Fatalf("wake order = %v, want high %d then low %d", got, high.ID, low.ID)
	}
}

func TestClassesDoNotShareTokensWithoutBorrowing(t *testing.T) {
	s := New(uniform(10, 10), epoch, nil)
	mustAdmit(t, s, types.Low, 10, epoch)
	low := mustAdmit(t, s, types.Low, 5, epoch)

	s.Tick(epoch.Add(10 * time.Millisecond))
	if low.State() != types.Pending {
		t.Fatalf("low consumed another class's tokens")
	}
}

func TestCancelPending(t *testing.T) {
	s := New(uniform(10, 10), epoch, nil)
	mustAdmit(t, s, types.Normal, 10, epoch)
	req := mustAdmit(t, s, types.Normal, 3, epoch)

	state, won := s.Cancel(req, types.ErrTimeout, epoch)
	if !won || state != types.Cancelled {
		t.Fatalf("cancel = %s,%v", state, won)
	}
	if !errors.Is(req.Err(), types.ErrTimeout) {
		t.Fatalf("err = %v", req.Err())
	}

	state, won = s.Cancel(req, nil, epoch)
	if won || state != types.Cancelled {
		t.Fatalf("second cancel = %s,%v", state, won)
	}

	s.Tick(epoch.Add(time.Second))
	if req.State() != types.Cancelled {
		t.Fatalf("cancelled request changed state: %s", req.State())
	}
	if st := s.Stats()[types.Normal]; st.Available != 10 || st.Pending != 0 {
		t.Fatalf("cancelled request consumed tokens: %+v", st)
	}
}

func TestCancelAfterGrantIsNoop(t *testing.T) {
	s := New(uniform(10, 10), epoch, nil)
	req := mustAdmit(t, s, types.Normal, 3, epoch)
	state, won := s.Cancel(req, nil, epoch)
	if won || state != types.Granted {
		t.Fatalf("cancel of granted = %s,%v", state, won)
	}
}

func TestCancelRacesGrant(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := New(uniform(10, 1000), epoch, nil)
		mustAdmit(t, s, types.Normal, 10, epoch)
		req := mustAdmit(t, s, types.Normal, 1, epoch)

		var wg sync.WaitGroup
		var cancelWon bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Tick(epoch.Add(time.Second))
		}()
		go func() {
			defer wg.Done()
			_, cancelWon = s.Cancel(req, nil, epoch)
		}()
		wg.Wait()

		<-req.Done()
		switch req.State() {
		case types.Granted:
			if cancelWon {
				t.Fatalf("both grant and cancel won")
			}
		case types.Cancelled:
			if !cancelWon {
				t.Fatalf("cancelled without cancel winning")
			}
		default:
			t.Fatalf("unexpected state %s", req.State())
		}
	}
}

func TestBorrowingAndReclaim(t *testing.T) {
	p := uniform(10, 10)
	p.Borrowing = true
	s := New(p, epoch, nil)

	mustAdmit(t, s, types.Low, 10, epoch)
	low := mustAdmit(t, s, types.Low, 6, epoch)

	now := epoch.Add(100 * time.Millisecond)
	s.Tick(now)
	if low.State() != types.Granted {
		t.Fatalf("low should borrow from idle high, got %s", low.State())
	}
	if g := low.Grant(); g.Borrowed != 5 {
		t.Fatalf("borrowed = %d, want 5", g.Borrowed)
	}
	stats := s.Stats()
	if stats[types.High].Available != 5 || stats[types.Low].Debt != 5 {
		t.Fatalf("unexpected stats after loan: %+v", stats)
	}

	// High spends what it has left, then one interval later Low has refilled
	// and pays back what High is missing.
	if req := mustAdmit(t, s, types.High, 5, epoch.Add(150*time.Millisecond)); req.State() != types.Granted {
		t.Fatalf("high should still own 5 tokens, got %s", req.State())
	}
	now = epoch.Add(700 * time.Millisecond)
	s.Tick(now)
	stats = s.Stats()
	if stats[types.Low].Debt != 0 {
		t.Fatalf("loan not settled: %+v", stats[types.Low])
	}
	if stats[types.High].Available != 10 || stats[types.Low].Available != 2 {
		t.Fatalf("unexpected balances after reclaim: high=%d low=%d", stats[types.High].Available, stats[types.Low].Available)
	}
}

func TestBusyLenderDoesNotLend(t *testing.T) {
	p := uniform(10, 10)
	p.Borrowing = true
	p.Params[types.Normal] = Params{}
	s := New(p, epoch, nil)

	mustAdmit(t, s, types.High, 5, epoch)
	highWaiter := mustAdmit(t, s, types.High, 8, epoch)
	mustAdmit(t, s, types.Low, 10, epoch)
	low := mustAdmit(t, s, types.Low, 3, epoch)

	s.Tick(epoch.Add(10 * time.Millisecond))
	if highWaiter.State() != types.Pending || low.State() != types.Pending {
		t.Fatalf("unexpected states high=%s low=%s", highWaiter.State(), low.State())
	}
}

func TestShrunkCapacitySkipsOversizedWaiter(t *testing.T) {
	s := New(uniform(100, 10), epoch, nil)
	mustAdmit(t, s, types.Normal, 100, epoch)
	big := mustAdmit(t, s, types.Normal, 80, epoch)
	small := mustAdmit(t, s, types.Normal, 5, epoch)

	swapped := false
	s.Reconfigure(uniform(50, 100), epoch, func() { swapped = true })
	if !swapped {
		t.Fatalf("swap callback not run")
	}

	s.Tick(epoch.Add(100 * time.Millisecond))
	if small.State() != types.Granted {
		t.Fatalf("small request blocked behind unsatisfiable one: %s", small.State())
	}
	if big.State() != types.Pending {
		t.Fatalf("oversized request must stay pending, got %s", big.State())
	}

	s.Reconfigure(uniform(100, 1000), epoch.Add(100*time.Millisecond), nil)
	s.Tick(epoch.Add(time.Second))
	if big.State() != types.Granted {
		t.Fatalf("request should be granted once capacity grows back, got %s", big.State())
	}
}

func TestRefundWakesWaiters(t *testing.T) {
	s := New(uniform(10, 0), epoch, nil)
	mustAdmit(t, s, types.Normal, 10, epoch)
	req := mustAdmit(t, s, types.Normal, 4, epoch)

	if got := s.Refund(types.Normal, 6, epoch); got != 6 {
		t.Fatalf("refund accepted %d", got)
	}
	if req.State() != types.Granted {
		t.Fatalf("refund did not wake waiter: %s", req.State())
	}
	if st := s.Stats()[types.Normal]; st.Available != 2 {
		t.Fatalf("available = %d, want 2", st.Available)
	}
}

func TestDrain(t *testing.T) {
	s := New(uniform(1, 0), epoch, nil)
	mustAdmit(t, s, types.Low, 1, epoch)
	a := mustAdmit(t, s, types.Low, 1, epoch)
	b := mustAdmit(t, s, types.Low, 1, epoch)

	if n := s.Drain(types.ErrClosed, epoch); n != 2 {
		t.Fatalf("drained %d", n)
	}
	for _, req := range []*Request{a, b} {
		if !errors.Is(req.Err(), types.ErrClosed) {
			t.Fatalf("err = %v", req.Err())
		}
	}
}
