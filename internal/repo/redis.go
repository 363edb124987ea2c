package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

import (
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/config"
)

// Key templates. The hash tag keeps config and history in one cluster slot
// so the save script can touch both.
const (
	keyConfigTmpl  = "%s:{limiter}:config"
	keyHistoryTmpl = "%s:{limiter}:history"

	defaultChannel = "ioadm:limiter:updates"
	historyLen     = 16
)

// ErrNotFound is returned when no configuration has been stored yet.
var ErrNotFound = errors.New("repo: configuration not found")

// Update is the message published after a configuration is stored.
type Update struct {
	Node    string    `json:"node"`
	Version string    `json:"version"`
	At      time.Time `json:"at"`
}

// Repo stores the cluster-wide limiter configuration.
type Repo interface {
	NodeID() string
	KeyConfig() string
	KeyHistory() string
	SaveConfig(ctx context.Context, cfg config.LimiterCfg) error
	LoadConfig(ctx context.Context) (config.LimiterCfg, error)
	History(ctx context.Context, n int64) ([]config.LimiterCfg, error)
	Subscribe(ctx context.Context, fn func(Update)) error
	Close() error
}

type RedisRepo struct {
	Prefix         string
	UpdateChannel  string
	Cli            redis.UniversalClient
	node           string
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// NewRedis connects to a single node or a cluster depending on how many
// addresses are configured.
func NewRedis(cfg config.RedisCfg, logger *slog.Logger, opts ...Option) (*RedisRepo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RedisRepo{
		Prefix:         cfg.Prefix,
		UpdateChannel:  cfg.UpdatesChannel,
		node:           uuid.NewString(),
		logger:         logger,
		defaultTimeout: 500 * time.Millisecond,
	}
	if r.Prefix == "" {
		r.Prefix = "ioadm"
	}
	if r.UpdateChannel == "" {
		r.UpdateChannel = defaultChannel
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(normalizeAddrs(cfg)) == 0 {
		return nil, errors.New("no redis addresses configured")
	}
	r.Cli = redis.NewUniversalClient(buildUniversalOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Cli.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "err", err)
		_ = r.Cli.Close()
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}
	return r, nil
}

// Option customizes a RedisRepo.
type Option func(*RedisRepo)

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *RedisRepo) { r.defaultTimeout = d }
}

// WithNodeID fixes the node id used to tag published updates.
func WithNodeID(id string) Option {
	return func(r *RedisRepo) { r.node = id }
}

func (r *RedisRepo) withTimeout(ctx context.Context, opTimeout time.Duration) (context.Context, context.CancelFunc) {
	if opTimeout == 0 {
		opTimeout = r.defaultTimeout
	}
	return context.WithTimeout(ctx, opTimeout)
}

// NodeID identifies this process on the update channel.
func (r *RedisRepo) NodeID() string {
	return r.node
}

func (r *RedisRepo) KeyConfig() string {
	return fmt.Sprintf(keyConfigTmpl, r.Prefix)
}

func (r *RedisRepo) KeyHistory() string {
	return fmt.Sprintf(keyHistoryTmpl, r.Prefix)
}

// SaveConfig stores cfg, appends it to the bounded history and announces it
// on the update channel.
func (r *RedisRepo) SaveConfig(parentCtx context.Context, cfg config.LimiterCfg) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	msg, err := encodeUpdate(Update{Node: r.node, Version: cfg.Version, At: time.Now().UTC()})
	if err != nil {
		return err
	}

	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	keys := []string{r.KeyConfig(), r.KeyHistory()}
	if err := saveConfigScript.Run(ctx, r.Cli, keys, payload, historyLen).Err(); err != nil {
		return fmt.Errorf("save configuration %q failed: %w", cfg.Version, err)
	}
	if err := r.Cli.Publish(ctx, r.UpdateChannel, msg).Err(); err != nil {
		return fmt.Errorf("publish update for configuration %q failed: %w", cfg.Version, err)
	}
	return nil
}

// LoadConfig returns the stored configuration or ErrNotFound.
func (r *RedisRepo) LoadConfig(parentCtx context.Context) (config.LimiterCfg, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	b, err := r.Cli.Get(ctx, r.KeyConfig()).Bytes()
	if errors.Is(err, redis.Nil) {
		return config.LimiterCfg{}, ErrNotFound
	}
	if err != nil {
		return config.LimiterCfg{}, fmt.Errorf("load configuration failed: %w", err)
	}
	var cfg config.LimiterCfg
	if err := json.Unmarshal(b, &cfg); err != nil {
		return config.LimiterCfg{}, fmt.Errorf("decode stored configuration: %w", err)
	}
	return cfg, nil
}

// History returns up to n of the most recently saved configurations, newest
// first.
func (r *RedisRepo) History(parentCtx context.Context, n int64) ([]config.LimiterCfg, error) {
	if n <= 0 || n > historyLen {
		n = historyLen
	}
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	raw, err := r.Cli.LRange(ctx, r.KeyHistory(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("load configuration history failed: %w", err)
	}
	out := make([]config.LimiterCfg, 0, len(raw))
	for _, s := range raw {
		var cfg config.LimiterCfg
		if err := json.Unmarshal([]byte(s), &cfg); err != nil {
			r.logger.Warn("skip undecodable history entry", "err", err)
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Subscribe calls fn for every update published by other nodes until ctx
// ends.
func (r *RedisRepo) Subscribe(ctx context.Context, fn func(Update)) error {
	sub := r.Cli.Subscribe(ctx, r.UpdateChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s failed: %w", r.UpdateChannel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			u, err := decodeUpdate(msg.Payload)
			if err != nil {
				r.logger.Warn("ignore malformed update", "payload", msg.Payload, "err", err)
				continue
			}
			if u.Node == r.node {
				continue
			}
			fn(u)
		}
	}
}

func (r *RedisRepo) Close() error {
	return r.Cli.Close()
}

func encodeUpdate(u Update) (string, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("encode update: %w", err)
	}
	return string(b), nil
}

// decodeUpdate accepts JSON messages and, for hand-published messages, a bare
// version string.
func decodeUpdate(payload string) (Update, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Update{}, errors.New("empty update")
	}
	if !strings.HasPrefix(payload, "{") {
		return Update{Version: payload}, nil
	}
	var u Update
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		return Update{}, err
	}
	return u, nil
}

func normalizeAddrs(cfg config.RedisCfg) []string {
	if len(cfg.Addrs) > 0 {
		return cfg.Addrs
	}
	if cfg.Addr == "" {
		return nil
	}
	parts := strings.Split(cfg.Addr, ",")
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func buildUniversalOptions(cfg config.RedisCfg) *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           normalizeAddrs(cfg),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        atLeast(cfg.PoolSize, 10),
		MinIdleConns:    atLeast(cfg.MinIdleConns, 2),
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSec) * time.Second,
		DialTimeout:     durationOrDefault(cfg.DialTimeoutMs, 800),
		ReadTimeout:     durationOrDefault(cfg.ReadTimeoutMs, 800),
		WriteTimeout:    durationOrDefault(cfg.WriteTimeoutMs, 800),
		MaxRetries:      atLeast(cfg.MaxRetries, 2),
	}
}

func atLeast(val, def int) int {
	if val > def {
		return val
	}
	return def
}

func durationOrDefault(ms int, defMs int) time.Duration {
	if ms <= 0 {
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}

var _ Repo = (*RedisRepo)(nil)
