package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

// Sample accumulates the I/O cost of a unit of work so it can be charged
// after the work is done. Foreground samples are charged to High, background
// samples to Low.
type Sample struct {
	foreground bool
	read       atomic.Int64
	write      atomic.Int64
}

// NewSample starts an empty sample.
func NewSample(foreground bool) *Sample {
	return &Sample{foreground: foreground}
}

func (s *Sample) AddReadBytes(n int64) {
	if n > 0 {
		s.read.Add(n)
	}
}

func (s *Sample) AddWriteBytes(n int64) {
	if n > 0 {
		s.write.Add(n)
	}
}

// Units is the total cost recorded so far.
func (s *Sample) Units() int64 {
	return s.read.Load() + s.write.Load()
}

// Class is the class the sample is charged to.
func (s *Sample) Class() types.Class {
	if s.foreground {
		return types.High
	}
	return types.Low
}

// ConsumeSample charges the cost recorded in s and returns how long the
// caller was throttled. Costs above the class capacity are charged in
// capacity-sized chunks. On error the delay accrued so far is returned.
func (e *Engine) ConsumeSample(ctx context.Context, s *Sample) (time.Duration, error) {
	class := s.Class()
	remaining := s.Units()
	var delay time.Duration
	for remaining > 0 {
		capacity := e.conf.Load().ClassCapacity(class)
		if capacity <= 0 {
			return delay, &types.OutOfRangeError{Class: class, Amount: remaining, Capacity: capacity}
		}
		chunk := min(remaining, capacity)
		g, err := e.Acquire(ctx, class, chunk)
		if err != nil {
			// A shrink between reading capacity and acquiring; retry smaller.
			if errors.Is(err, types.ErrOutOfRange) {
				continue
			}
			return delay, err
		}
		delay += time.Duration(g.Waited)
		remaining -= chunk
	}
	return delay, nil
}
