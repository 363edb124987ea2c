package limiter

import (
	"math"
	"math/bits"
	"time"
)

// Rate is a refill rate of Num/Den units per second.
// Keeping it rational lets weighted shares of a total rate refill exactly.
type Rate struct {
	Num int64
	Den int64
}

// MaxRateDen bounds Rate.Den so that Den*1e9 fits the 64-bit refill divisor.
// Finer rates are rounded down to this denominator.
const MaxRateDen = 1 << 33

// PerSecond returns a rate of n units per second.
func PerSecond(n int64) Rate {
	return Rate{Num: n, Den: 1}
}

// Fraction returns total*part/whole units per second, reduced.
func Fraction(total, part, whole int64) Rate {
	if whole <= 0 || part <= 0 || total <= 0 {
		return Rate{Den: 1}
	}
	hi, lo := bits.Mul64(uint64(total), uint64(part))
	if hi != 0 || lo > math.MaxInt64 {
		// Too large to keep exact; fall back to the truncated quotient.
		return Rate{Num: int64(float64(total) * float64(part) / float64(whole)), Den: 1}
	}
	num, den := int64(lo), whole
	g := gcd(num, den)
	return clampDen(Rate{Num: num / g, Den: den / g})
}

// clampDen rounds r down to a rate whose denominator is at most MaxRateDen.
func clampDen(r Rate) Rate {
	if r.Den <= MaxRateDen || r.Num <= 0 {
		return r
	}
	hi, lo := bits.Mul64(uint64(r.Num), MaxRateDen)
	q, _ := bits.Div64(hi, lo, uint64(r.Den))
	num := int64(q)
	if num == 0 {
		return Rate{Den: 1}
	}
	g := gcd(num, MaxRateDen)
	return Rate{Num: num / g, Den: MaxRateDen / g}
}

// IsZero reports whether the rate never refills.
func (r Rate) IsZero() bool {
	return r.Num <= 0 || r.Den <= 0
}

// PerSecond returns the rate as a float, for display and metrics.
func (r Rate) PerSecond() float64 {
	if r.IsZero() {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

// Bucket is a single-owner token bucket. It is not safe for concurrent use;
// the owner serializes access.
type Bucket struct {
	capacity  int64
	available int64
	rate      Rate
	// rem is the fractional token carried between refills, in units of
	// 1/(rate.Den * 1e9) tokens.
	rem  uint64
	last time.Time
}

// NewBucket returns a full bucket.
func NewBucket(capacity int64, rate Rate, now time.Time) *Bucket {
	if capacity < 0 {
		capacity = 0
	}
	return &Bucket{
		capacity:  capacity,
		available: capacity,
		rate:      normalize(rate),
		last:      now,
	}
}

func normalize(r Rate) Rate {
	if r.IsZero() {
		return Rate{Den: 1}
	}
	return clampDen(r)
}

func (b *Bucket) Capacity() int64 { return b.capacity }

func (b *Bucket) Available() int64 { return b.available }

func (b *Bucket) Rate() Rate { return b.rate }

func (b *Bucket) LastRefill() time.Time { return b.last }

func (b *Bucket) divisor() uint64 {
	return uint64(b.rate.Den) * uint64(time.Second)
}

// Refill adds rate*elapsed tokens since the previous refill, capped at
// capacity, and moves the refill timestamp to now. A clock that steps
// backwards adds nothing.
func (b *Bucket) Refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now
	if b.available >= b.capacity {
		b.available = b.capacity
		b.rem = 0
		return
	}
	if b.rate.IsZero() {
		return
	}

	div := b.divisor()
	hi, lo := bits.Mul64(uint64(b.rate.Num), uint64(elapsed))
	var carry uint64
	lo, carry = bits.Add64(lo, b.rem, 0)
	hi += carry
	if hi >= div {
		b.fill()
		return
	}
	q, r := bits.Div64(hi, lo, div)
	if q >= uint64(b.capacity-b.available) {
		b.fill()
		return
	}
	b.available += int64(q)
	b.rem = r
}

func (b *Bucket) fill() {
	b.available = b.capacity
	b.rem = 0
}

// TryConsume removes n tokens if at least n are available. It never blocks
// and has no effect on failure.
func (b *Bucket) TryConsume(n int64) bool {
	if n < 0 || n > b.available {
		return false
	}
	b.available -= n
	return true
}

// Drain removes up to n tokens and returns how many were removed.
func (b *Bucket) Drain(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if n > b.available {
		n = b.available
	}
	b.available -= n
	return n
}

// Deposit returns n tokens to the bucket, capped at capacity. It returns the
// number actually accepted.
func (b *Bucket) Deposit(n int64) int64 {
	if n <= 0 {
		return 0
	}
	room := b.capacity - b.available
	if n > room {
		n = room
	}
	b.available += n
	return n
}

// Reconfigure settles the bucket at its old rate up to now, then switches to
// the new capacity and rate. Available tokens are clamped to the new capacity.
func (b *Bucket) Reconfigure(capacity int64, rate Rate, now time.Time) {
	b.Refill(now)
	if capacity < 0 {
		capacity = 0
	}
	rate = normalize(rate)
	if rate != b.rate {
		b.rem = 0
	}
	b.capacity = capacity
	b.rate = rate
	if b.available > capacity {
		b.available = capacity
	}
}

// Wait returns how long until n tokens are available at the current rate.
// ok is false when n can never be reached.
func (b *Bucket) Wait(n int64) (d time.Duration, ok bool) {
	need := n - b.available
	if need <= 0 {
		return 0, true
	}
	if n > b.capacity || b.rate.IsZero() {
		return 0, false
	}
	div := b.divisor()
	hi, lo := bits.Mul64(uint64(need), div)
	var borrow uint64
	lo, borrow = bits.Sub64(lo, b.rem, 0)
	hi -= borrow
	num := uint64(b.rate.Num)
	var carry uint64
	lo, carry = bits.Add64(lo, num-1, 0)
	hi += carry
	if hi >= num {
		return time.Duration(math.MaxInt64), true
	}
	q, _ := bits.Div64(hi, lo, num)
	if q > math.MaxInt64 {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(q), true
}
