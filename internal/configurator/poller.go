package configurator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/configurator/source"
)

const (
	FailOpen   = "fail-open"
	FailClosed = "fail-closed"
)

// PollerConfig controls the pull loop behavior.
type PollerConfig struct {
	Interval   time.Duration
	FailPolicy string // fail-open | fail-closed
}

// Poller periodically pulls the configuration from an external source and
// applies it on this node. Sources that implement source.Watcher are also
// pulled on change.
//
// Both fail policies keep the last good configuration when a pull fails or
// returns an invalid configuration; a limiter has no safe empty state.
// fail-closed logs at error level and makes SyncOnce failures fatal to the
// caller, fail-open only warns.
type Poller struct {
	source     source.ConfigSource
	conf       *Configurator
	interval   time.Duration
	failPolicy string
	lastVer    string
	log        *slog.Logger
	mu         sync.Mutex
}

func NewPoller(src source.ConfigSource, conf *Configurator, cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	policy := strings.ToLower(strings.TrimSpace(cfg.FailPolicy))
	if policy != FailOpen {
		policy = FailClosed
	}
	return &Poller{
		source:     src,
		conf:       conf,
		interval:   interval,
		failPolicy: policy,
		log:        slog.Default(),
	}
}

// SyncOnce pulls the configuration once and applies it.
func (p *Poller) SyncOnce(ctx context.Context) error {
	_, err := p.pull(ctx)
	return err
}

// Start runs the polling loop until ctx is done.
func (p *Poller) Start(ctx context.Context) {
	p.pullAndLog(ctx)

	var changes <-chan struct{}
	if w, ok := p.source.(source.Watcher); ok {
		ch, err := w.Watch(ctx)
		if err != nil {
			p.log.Warn("config source watch unavailable, polling only", "err", err)
		} else {
			changes = ch
		}
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pullAndLog(ctx)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			p.pullAndLog(ctx)
		}
	}
}

func (p *Poller) pullAndLog(ctx context.Context) {
	if _, err := p.pull(ctx); err != nil && ctx.Err() == nil {
		if p.failPolicy == FailClosed {
			p.log.Error("config pull failed, keeping last good configuration", "err", err)
		} else {
			p.log.Warn("config pull failed", "err", err)
		}
	}
}

func (p *Poller) pull(ctx context.Context) (bool, error) {
	payload, err := p.source.Fetch(ctx)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if payload.Version != "" && payload.Version == p.lastVer {
		return false, nil
	}
	conf, err := p.conf.Apply(payload.Config)
	if err != nil {
		return false, err
	}
	p.lastVer = payload.Version
	p.log.Info("pulled limiter configuration", "version", conf.Version)
	return true, nil
}

// LastVersion returns the source version last applied.
func (p *Poller) LastVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastVer
}
