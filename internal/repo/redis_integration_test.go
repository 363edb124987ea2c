package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

import (
	"github.com/google/uuid"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/config"
)

// newLiveRepo connects to IOADM_TEST_REDIS_ADDR under a throwaway prefix and
// channel. Tests are skipped when the variable is unset.
func newLiveRepo(t *testing.T, prefix, channel, node string) *RedisRepo {
	t.Helper()
	addr := os.Getenv("IOADM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("IOADM_TEST_REDIS_ADDR not set")
	}
	r, err := NewRedis(config.RedisCfg{Addr: addr, Prefix: prefix, UpdatesChannel: channel}, nil, WithNodeID(node))
	if err != nil {
		t.Fatalf("connect %s: %v", addr, err)
	}
	t.Cleanup(func() {
		_ = r.Cli.Del(context.Background(), r.KeyConfig(), r.KeyHistory()).Err()
		_ = r.Close()
	})
	return r
}

func limiterCfg(version string, rate int64) config.LimiterCfg {
	return config.LimiterCfg{
		TotalRefillRate: rate,
		Weights:         map[string]int64{"high": 60, "normal": 30, "low": 10},
		Version:         version,
	}
}

func TestRedisSaveLoadHistory(t *testing.T) {
	prefix := "ioadm-test-" + uuid.NewString()
	r := newLiveRepo(t, prefix, prefix+":updates", "node-a")
	ctx := context.Background()

	if _, err := r.LoadConfig(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadConfig on empty store = %v, want ErrNotFound", err)
	}

	for i := 1; i <= historyLen+2; i++ {
		if err := r.SaveConfig(ctx, limiterCfg(fmt.Sprintf("v%d", i), int64(i*100))); err != nil {
			t.Fatalf("SaveConfig v%d: %v", i, err)
		}
	}
	got, err := r.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := fmt.Sprintf("v%d", historyLen+2)
	if got.Version != want || got.TotalRefillRate != int64((historyLen+2)*100) {
		t.Fatalf("LoadConfig = %+v, want version %s", got, want)
	}

	hist, err := r.History(ctx, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Version != want || hist[1].Version != fmt.Sprintf("v%d", historyLen+1) {
		t.Fatalf("History(2) = %+v", hist)
	}
	if hist, _ = r.History(ctx, 0); len(hist) != historyLen {
		t.Fatalf("history not trimmed: %d entries", len(hist))
	}
}

func TestRedisSubscribeSkipsOwnNode(t *testing.T) {
	prefix := "ioadm-test-" + uuid.NewString()
	channel := prefix + ":updates"
	local := newLiveRepo(t, prefix, channel, "node-a")
	remote := newLiveRepo(t, prefix, channel, "node-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []Update
	done := make(chan error, 1)
	go func() {
		done <- local.Subscribe(ctx, func(u Update) {
			mu.Lock()
			seen = append(seen, u)
			mu.Unlock()
		})
	}()

	// The subscription becomes active asynchronously; keep publishing until
	// a remote update arrives.
	deadline := time.Now().Add(3 * time.Second)
	for i := 0; ; i++ {
		if err := local.SaveConfig(ctx, limiterCfg(fmt.Sprintf("own-%d", i), 100)); err != nil {
			t.Fatalf("local SaveConfig: %v", err)
		}
		if err := remote.SaveConfig(ctx, limiterCfg(fmt.Sprintf("remote-%d", i), 200)); err != nil {
			t.Fatalf("remote SaveConfig: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no update received from the remote node")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, u := range seen {
		if u.Node != "node-b" {
			t.Fatalf("received update from %q, own updates must be skipped", u.Node)
		}
	}
}
