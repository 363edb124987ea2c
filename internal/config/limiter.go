package config

import (
	"math"
	"math/bits"
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/limiter"
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

const (
	DefaultWeightTotal      = 100
	DefaultRefillIntervalMs = 100
	// MaxWeightTotal keeps per-class rates exact within the bucket's
	// rational arithmetic.
	MaxWeightTotal = 1_000_000_000
)

// LimiterCfg is the wire/YAML form of a limiter configuration. Classes are
// keyed by name ("high", "normal", "low").
type LimiterCfg struct {
	TotalRefillRate  int64            `yaml:"totalRefillRate"  json:"totalRefillRate"`  // units per second
	TotalCapacity    int64            `yaml:"totalCapacity"    json:"totalCapacity"`    // burst; default one second of rate
	Weights          map[string]int64 `yaml:"weights"          json:"weights"`          // class -> share of the totals
	WeightTotal      int64            `yaml:"weightTotal"      json:"weightTotal"`      // weights must sum to this; default 100
	RefillIntervalMs int64            `yaml:"refillIntervalMs" json:"refillIntervalMs"` // default 100
	MaxWaitMs        map[string]int64 `yaml:"maxWaitMs"        json:"maxWaitMs"`        // class -> starvation bound
	Borrowing        bool             `yaml:"borrowing"        json:"borrowing"`        // lend idle higher-class tokens
	Version          string           `yaml:"version"          json:"version,omitempty"`
}

// Configuration is the immutable, validated limiter configuration. It is
// replaced wholesale and never mutated after construction.
type Configuration struct {
	TotalRefillRate int64
	TotalCapacity   int64
	Weights         [types.NumClasses]int64
	WeightTotal     int64
	RefillInterval  time.Duration
	MaxWait         [types.NumClasses]time.Duration
	Borrowing       bool
	Version         string
}

// Default returns the configuration used when none is supplied:
// 64 MiB/s split 60/30/10 across high/normal/low.
func Default() Configuration {
	return Configuration{
		TotalRefillRate: 64 << 20,
		TotalCapacity:   64 << 20,
		Weights:         [types.NumClasses]int64{60, 30, 10},
		WeightTotal:     DefaultWeightTotal,
		RefillInterval:  DefaultRefillIntervalMs * time.Millisecond,
		Version:         "default",
	}
}

// Configuration converts and validates the wire form, applying defaults.
func (c LimiterCfg) Configuration() (Configuration, error) {
	out := Configuration{
		TotalRefillRate: c.TotalRefillRate,
		TotalCapacity:   c.TotalCapacity,
		WeightTotal:     c.WeightTotal,
		RefillInterval:  time.Duration(c.RefillIntervalMs) * time.Millisecond,
		Borrowing:       c.Borrowing,
		Version:         c.Version,
	}
	if out.TotalCapacity == 0 {
		out.TotalCapacity = out.TotalRefillRate
	}
	if out.WeightTotal == 0 {
		out.WeightTotal = DefaultWeightTotal
	}
	if c.RefillIntervalMs == 0 {
		out.RefillInterval = DefaultRefillIntervalMs * time.Millisecond
	}
	for name, w := range c.Weights {
		cl, err := types.ParseClass(name)
		if err != nil {
			return Configuration{}, types.NewValidationError("weights", "%v", err)
		}
		out.Weights[cl] = w
	}
	for name, ms := range c.MaxWaitMs {
		cl, err := types.ParseClass(name)
		if err != nil {
			return Configuration{}, types.NewValidationError("maxWaitMs", "%v", err)
		}
		out.MaxWait[cl] = time.Duration(ms) * time.Millisecond
	}
	if err := out.Validate(); err != nil {
		return Configuration{}, err
	}
	return out, nil
}

// Validate checks the configuration as a whole. A configuration that fails
// validation must never be activated.
func (c Configuration) Validate() error {
	if c.TotalRefillRate < 0 {
		return types.NewValidationError("totalRefillRate", "negative rate %d", c.TotalRefillRate)
	}
	if c.TotalCapacity < 0 {
		return types.NewValidationError("totalCapacity", "negative capacity %d", c.TotalCapacity)
	}
	if c.WeightTotal <= 0 {
		return types.NewValidationError("weightTotal", "must be positive, got %d", c.WeightTotal)
	}
	if c.WeightTotal > MaxWeightTotal {
		return types.NewValidationError("weightTotal", "must be at most %d, got %d", MaxWeightTotal, c.WeightTotal)
	}
	if c.RefillInterval <= 0 {
		return types.NewValidationError("refillIntervalMs", "must be positive, got %v", c.RefillInterval)
	}
	var sum int64
	positive := false
	for _, cl := range types.Classes {
		w := c.Weights[cl]
		if w < 0 {
			return types.NewValidationError("weights", "class %s has negative weight %d", cl, w)
		}
		if w > 0 {
			positive = true
		}
		sum += w
		if c.MaxWait[cl] < 0 {
			return types.NewValidationError("maxWaitMs", "class %s has negative max wait", cl)
		}
	}
	if !positive {
		return types.NewValidationError("weights", "at least one class needs a positive weight")
	}
	if sum != c.WeightTotal {
		return types.NewValidationError("weights", "weights sum to %d, expected %d", sum, c.WeightTotal)
	}
	for _, cl := range types.Classes {
		if c.Weights[cl] > 0 && c.ClassCapacity(cl) == 0 {
			return types.NewValidationError("totalCapacity", "class %s has weight %d but zero capacity", cl, c.Weights[cl])
		}
	}
	return nil
}

// ClassCapacity is the burst capacity of class: its weighted share of
// TotalCapacity, rounded down.
func (c Configuration) ClassCapacity(cl types.Class) int64 {
	if !cl.Valid() {
		return 0
	}
	return mulDiv(c.TotalCapacity, c.Weights[cl], c.WeightTotal)
}

// ClassRate is the exact weighted share of TotalRefillRate for class.
func (c Configuration) ClassRate(cl types.Class) limiter.Rate {
	if !cl.Valid() {
		return limiter.Rate{}
	}
	return limiter.Fraction(c.TotalRefillRate, c.Weights[cl], c.WeightTotal)
}

// Cfg converts back to the wire form.
func (c Configuration) Cfg() LimiterCfg {
	out := LimiterCfg{
		TotalRefillRate:  c.TotalRefillRate,
		TotalCapacity:    c.TotalCapacity,
		Weights:          make(map[string]int64, types.NumClasses),
		WeightTotal:      c.WeightTotal,
		RefillIntervalMs: c.RefillInterval.Milliseconds(),
		Borrowing:        c.Borrowing,
		Version:          c.Version,
	}
	for _, cl := range types.Classes {
		if c.Weights[cl] != 0 {
			out.Weights[cl.String()] = c.Weights[cl]
		}
		if c.MaxWait[cl] != 0 {
			if out.MaxWaitMs == nil {
				out.MaxWaitMs = make(map[string]int64, types.NumClasses)
			}
			out.MaxWaitMs[cl.String()] = c.MaxWait[cl].Milliseconds()
		}
	}
	return out
}

func mulDiv(a, b, d int64) int64 {
	if a <= 0 || b <= 0 || d <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(d) {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(d))
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}
