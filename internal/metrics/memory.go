package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

type classCounters struct {
	grantedUnits    atomic.Int64
	grantedRequests atomic.Int64
	waitedNanos     atomic.Int64
	available       atomic.Int64
	pending         atomic.Int64

	mu       sync.Mutex
	rejected map[string]int64
}

// Memory keeps counters in process, for the admin endpoint and tests.
type Memory struct {
	classes   [types.NumClasses]classCounters
	startTime time.Time
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	m := &Memory{startTime: time.Now()}
	for i := range m.classes {
		m.classes[i].rejected = make(map[string]int64)
	}
	return m
}

func (m *Memory) Granted(class types.Class, units int64, waited time.Duration) {
	if !class.Valid() {
		return
	}
	c := &m.classes[class]
	c.grantedUnits.Add(units)
	c.grantedRequests.Add(1)
	c.waitedNanos.Add(int64(waited))
}

func (m *Memory) Rejected(class types.Class, reason string) {
	if !class.Valid() {
		return
	}
	c := &m.classes[class]
	c.mu.Lock()
	c.rejected[reason]++
	c.mu.Unlock()
}

func (m *Memory) Available(class types.Class, tokens int64) {
	if class.Valid() {
		m.classes[class].available.Store(tokens)
	}
}

func (m *Memory) Pending(class types.Class, n int) {
	if class.Valid() {
		m.classes[class].pending.Store(int64(n))
	}
}

// ClassSnapshot is a copy of one class's counters.
type ClassSnapshot struct {
	Class           string           `json:"class"`
	GrantedUnits    int64            `json:"grantedUnitsTotal"`
	GrantedRequests int64            `json:"grantedRequestsTotal"`
	RejectedTotal   int64            `json:"rejectedRequestsTotal"`
	Rejected        map[string]int64 `json:"rejectedByReason"`
	AvgWaitMs       float64          `json:"avgWaitMs"`
	Available       int64            `json:"currentAvailableTokens"`
	Pending         int64            `json:"pendingRequests"`
}

// Snapshot is a copy of all counters.
type Snapshot struct {
	Classes   []ClassSnapshot `json:"classes"`
	UptimeSec float64         `json:"uptimeSec"`
}

// Snapshot copies the current counters.
func (m *Memory) Snapshot() Snapshot {
	out := Snapshot{
		Classes:   make([]ClassSnapshot, 0, types.NumClasses),
		UptimeSec: time.Since(m.startTime).Seconds(),
	}
	for _, cl := range types.Classes {
		c := &m.classes[cl]
		s := ClassSnapshot{
			Class:           cl.String(),
			GrantedUnits:    c.grantedUnits.Load(),
			GrantedRequests: c.grantedRequests.Load(),
			Available:       c.available.Load(),
			Pending:         c.pending.Load(),
			Rejected:        make(map[string]int64),
		}
		if s.GrantedRequests > 0 {
			s.AvgWaitMs = float64(c.waitedNanos.Load()) / float64(s.GrantedRequests) / float64(time.Millisecond)
		}
		c.mu.Lock()
		for reason, n := range c.rejected {
			s.Rejected[reason] = n
			s.RejectedTotal += n
		}
		c.mu.Unlock()
		out.Classes = append(out.Classes, s)
	}
	return out
}
