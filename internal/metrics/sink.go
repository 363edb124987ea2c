// Package metrics defines the write-only sink the limiter reports to and its
// implementations.
package metrics

import (
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

// Rejection reasons.
const (
	ReasonRejected   = "rejected"
	ReasonOutOfRange = "out_of_range"
	ReasonCancelled  = "cancelled"
	ReasonTimeout    = "timeout"
	ReasonStarved    = "starved"
	ReasonClosed     = "closed"
)

// Sink receives limiter events. Calls may happen while limiter locks are
// held, so implementations must be fast and must not block.
type Sink interface {
	// Granted records units admitted for class after waiting waited.
	Granted(class types.Class, units int64, waited time.Duration)
	// Rejected records a request that ended without a grant.
	Rejected(class types.Class, reason string)
	// Available reports the current token level of class.
	Available(class types.Class, tokens int64)
	// Pending reports the current wait queue length of class.
	Pending(class types.Class, n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Granted(types.Class, int64, time.Duration) {}
func (Nop) Rejected(types.Class, string)              {}
func (Nop) Available(types.Class, int64)              {}
func (Nop) Pending(types.Class, int)                  {}

// Tee fans events out to several sinks.
type Tee []Sink

func (t Tee) Granted(class types.Class, units int64, waited time.Duration) {
	for _, s := range t {
		s.Granted(class, units, waited)
	}
}

func (t Tee) Rejected(class types.Class, reason string) {
	for _, s := range t {
		s.Rejected(class, reason)
	}
}

func (t Tee) Available(class types.Class, tokens int64) {
	for _, s := range t {
		s.Available(class, tokens)
	}
}

func (t Tee) Pending(class types.Class, n int) {
	for _, s := range t {
		s.Pending(class, n)
	}
}
