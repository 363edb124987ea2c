package repo

import (
	"testing"
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/config"
)

func TestNormalizeAddrs(t *testing.T) {
	cfg := config.RedisCfg{Addr: "127.0.0.1:6379, 127.0.0.2:6379"}
	addrs := normalizeAddrs(cfg)
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addrs, got %d", len(addrs))
	}
	if addrs[0] != "127.0.0.1:6379" || addrs[1] != "127.0.0.2:6379" {
		t.Fatalf("unexpected addrs: %#v", addrs)
	}
	if got := normalizeAddrs(config.RedisCfg{Addrs: []string{"a:1"}, Addr: "b:2"}); len(got) != 1 || got[0] != "a:1" {
		t.Fatalf("explicit addrs should win, got %#v", got)
	}
}

func TestKeyTemplates(t *testing.T) {
	r := &RedisRepo{Prefix: "ioadm"}
	if got := r.KeyConfig(); got != "ioadm:{limiter}:config" {
		t.Fatalf("KeyConfig = %s", got)
	}
	if got := r.KeyHistory(); got != "ioadm:{limiter}:history" {
		t.Fatalf("KeyHistory = %s", got)
	}
}

func TestUniversalOptionsDefaults(t *testing.T) {
	opts := buildUniversalOptions(config.RedisCfg{Addr: "127.0.0.1:6379", DB: 3, ReadTimeoutMs: 50})
	if len(opts.Addrs) != 1 || opts.DB != 3 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.PoolSize != 10 || opts.MaxRetries != 2 {
		t.Fatalf("defaults not applied: pool=%d retries=%d", opts.PoolSize, opts.MaxRetries)
	}
	if opts.ReadTimeout != 50*time.Millisecond || opts.DialTimeout != 800*time.Millisecond {
		t.Fatalf("timeouts = %v/%v", opts.ReadTimeout, opts.DialTimeout)
	}
}

func TestUpdateEncoding(t *testing.T) {
	msg, err := encodeUpdate(Update{Node: "n1", Version: "v7"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	u, err := decodeUpdate(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Node != "n1" || u.Version != "v7" {
		t.Fatalf("decoded %+v", u)
	}

	u, err = decodeUpdate(" v8 ")
	if err != nil || u.Version != "v8" || u.Node != "" {
		t.Fatalf("bare version: %+v, %v", u, err)
	}
	if _, err := decodeUpdate(""); err == nil {
		t.Fatalf("empty payload should fail")
	}
	if _, err := decodeUpdate("{bad"); err == nil {
		t.Fatalf("malformed json should fail")
	}
}

func TestNewRedisWithoutAddrs(t *testing.T) {
	if _, err := NewRedis(config.RedisCfg{}, nil); err == nil {
		t.Fatalf("expected error without addresses")
	}
}
