package rcu

import (
	"sync"
	"testing"
)

type budget struct {
	Rate     int64
	Capacity int64
}

func TestReplaceReturnsPrevious(t *testing.T) {
	first := &budget{Rate: 10, Capacity: 100}
	snap := NewSnapshot(first)

	if got := snap.Load(); got != first {
		t.Fatalf("Load() = %+v, want initial", got)
	}
	prev := snap.Replace(&budget{Rate: 20, Capacity: 200})
	if prev != first {
		t.Fatalf("Replace() returned %+v, want initial", prev)
	}
	if got := snap.Load(); got.Rate != 20 || got.Capacity != 200 {
		t.Fatalf("Load() after replace = %+v", got)
	}
	if g := snap.Generation(); g != 1 {
		t.Fatalf("Generation() = %d, want 1", g)
	}
}

// 读者只能看到完整写入的值：Capacity 恒为 Rate 的 10 倍
func TestReadersSeeWholeValues(t *testing.T) {
	snap := NewSnapshot(&budget{Rate: 1, Capacity: 10})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				b := snap.Load()
				if b.Capacity != b.Rate*10 {
					t.Errorf("torn read: %+v", b)
					return
				}
			}
		}()
	}
	for r := int64(2); r < 2000; r++ {
		snap.Replace(&budget{Rate: r, Capacity: r * 10})
	}
	close(stop)
	wg.Wait()
}

func BenchmarkLoad(b *testing.B) {
	snap := NewSnapshot(&budget{Rate: 1})
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = snap.Load()
		}
	})
}
