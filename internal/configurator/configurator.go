// Package configurator is the control surface for limiter configuration:
// local updates, distribution through Redis and pulling from external
// sources.
package configurator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

import (
	"github.com/google/uuid"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/config"
	"github.com/nanjiek/pixiu-ioadm/internal/repo"
)

// Applier activates a validated configuration. core.Engine implements it.
type Applier interface {
	UpdateConfig(cfg config.Configuration) error
	Config() config.Configuration
}

// Store persists and distributes configurations. repo.RedisRepo implements
// it.
type Store interface {
	SaveConfig(ctx context.Context, cfg config.LimiterCfg) error
	LoadConfig(ctx context.Context) (config.LimiterCfg, error)
	Subscribe(ctx context.Context, fn func(repo.Update)) error
	History(ctx context.Context, n int64) ([]config.LimiterCfg, error)
}

var (
	// ErrNotDistributed wraps store failures after the configuration was
	// already applied locally.
	ErrNotDistributed = errors.New("configuration applied locally but not distributed")
	// ErrNoStore is returned by operations that need a configuration store
	// on a single-node setup.
	ErrNoStore = errors.New("no configuration store")
)

// Configurator validates and applies configurations.
type Configurator struct {
	engine Applier
	store  Store
	log    *slog.Logger

	// mu 保证本地更新与远端下发的顺序一致
	mu sync.Mutex
}

// New builds a configurator. store may be nil for a single-node setup.
func New(engine Applier, store Store, logger *slog.Logger) *Configurator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Configurator{engine: engine, store: store, log: logger}
}

// Current returns the active configuration.
func (c *Configurator) Current() config.Configuration {
	return c.engine.Config()
}

// History returns up to n previously distributed configurations, newest
// first.
func (c *Configurator) History(ctx context.Context, n int64) ([]config.LimiterCfg, error) {
	if c.store == nil {
		return nil, ErrNoStore
	}
	return c.store.History(ctx, n)
}

// Apply validates cfg and activates it on this node only.
func (c *Configurator) Apply(cfg config.LimiterCfg) (config.Configuration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(cfg)
}

func (c *Configurator) applyLocked(cfg config.LimiterCfg) (config.Configuration, error) {
	if cfg.Version == "" {
		cfg.Version = uuid.NewString()
	}
	conf, err := cfg.Configuration()
	if err != nil {
		return config.Configuration{}, err
	}
	if err := c.engine.UpdateConfig(conf); err != nil {
		return config.Configuration{}, err
	}
	return conf, nil
}

// Update applies cfg locally and then stores and announces it so other
// nodes follow. A store failure is reported as ErrNotDistributed; the local
// change stays in effect.
func (c *Configurator) Update(ctx context.Context, cfg config.LimiterCfg) (config.Configuration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conf, err := c.applyLocked(cfg)
	if err != nil {
		return config.Configuration{}, err
	}
	if c.store == nil {
		return conf, nil
	}
	if err := c.store.SaveConfig(ctx, conf.Cfg()); err != nil {
		c.log.Warn("limiter configuration not distributed", "version", conf.Version, "err", err)
		return conf, fmt.Errorf("%w: %v", ErrNotDistributed, err)
	}
	return conf, nil
}

// Bootstrap adopts the stored configuration if there is one, or seeds the
// store with the active configuration otherwise.
func (c *Configurator) Bootstrap(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, err := c.store.LoadConfig(ctx)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if err := c.store.SaveConfig(ctx, c.engine.Config().Cfg()); err != nil {
			return fmt.Errorf("seed limiter configuration: %w", err)
		}
		c.log.Info("seeded limiter configuration", "version", c.engine.Config().Version)
		return nil
	case err != nil:
		return fmt.Errorf("load limiter configuration: %w", err)
	}
	if _, err := c.applyLocked(stored); err != nil {
		return fmt.Errorf("apply stored configuration %q: %w", stored.Version, err)
	}
	return nil
}

// Watch follows updates published by other nodes until ctx ends.
func (c *Configurator) Watch(ctx context.Context) error {
	if c.store == nil {
		<-ctx.Done()
		return nil
	}
	return c.store.Subscribe(ctx, func(u repo.Update) {
		if u.Version != "" && u.Version == c.engine.Config().Version {
			return
		}
		if err := c.reload(ctx); err != nil {
			c.log.Warn("failed to follow limiter update", "version", u.Version, "node", u.Node, "err", err)
		}
	})
}

func (c *Configurator) reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, err := c.store.LoadConfig(ctx)
	if err != nil {
		return err
	}
	_, err = c.applyLocked(stored)
	return err
}
