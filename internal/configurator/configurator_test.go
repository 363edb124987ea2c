package configurator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/config"
	"github.com/nanjiek/pixiu-ioadm/internal/core"
	"github.com/nanjiek/pixiu-ioadm/internal/repo"
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

type fakeStore struct {
	mu       sync.Mutex
	cfg      *config.LimiterCfg
	saved    []string
	history  []config.LimiterCfg
	saveErr  error
	updates  chan repo.Update
	loadHits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{updates: make(chan repo.Update, 4)}
}

func (s *fakeStore) SaveConfig(_ context.Context, cfg config.LimiterCfg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.cfg = &cfg
	s.saved = append(s.saved, cfg.Version)
	s.history = append([]config.LimiterCfg{cfg}, s.history...)
	return nil
}

func (s *fakeStore) History(_ context.Context, n int64) ([]config.LimiterCfg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > int64(len(s.history)) {
		n = int64(len(s.history))
	}
	return append([]config.LimiterCfg(nil), s.history[:n]...), nil
}

func (s *fakeStore) LoadConfig(context.Context) (config.LimiterCfg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadHits++
	if s.cfg == nil {
		return config.LimiterCfg{}, repo.ErrNotFound
	}
	return *s.cfg, nil
}

func (s *fakeStore) Subscribe(ctx context.Context, fn func(repo.Update)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-s.updates:
			fn(u)
		}
	}
}

// publishRemote stores cfg as if another node had saved it.
func (s *fakeStore) publishRemote(cfg config.LimiterCfg) {
	s.mu.Lock()
	s.cfg = &cfg
	s.mu.Unlock()
	s.updates <- repo.Update{Node: "other", Version: cfg.Version}
}

func newEngine(t *testing.T) *core.Engine {
	t.Helper()
	e, err := core.NewEngine(config.Default())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func limiterCfg(rate int64, version string) config.LimiterCfg {
	return config.LimiterCfg{
		TotalRefillRate: rate,
		Weights:         map[string]int64{"high": 50, "normal": 50},
		Version:         version,
	}
}

func TestUpdateAppliesAndDistributes(t *testing.T) {
	e := newEngine(t)
	store := newFakeStore()
	c := New(e, store, nil)

	conf, err := c.Update(context.Background(), limiterCfg(1000, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", conf.Version)
	assert.Equal(t, int64(1000), e.Config().TotalRefillRate)
	assert.Equal(t, []string{"v2"}, store.saved)
	assert.Equal(t, int64(500), e.Config().ClassCapacity(types.High))
}

func TestUpdateRejectsInvalid(t *testing.T) {
	e := newEngine(t)
	store := newFakeStore()
	c := New(e, store, nil)

	_, err := c.Update(context.Background(), limiterCfg(-1, "bad"))
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
	assert.Equal(t, "default", e.Config().Version)
	assert.Empty(t, store.saved, "invalid configurations are never distributed")
}

func TestUpdateStoreFailureKeepsLocalChange(t *testing.T) {
	e := newEngine(t)
	store := newFakeStore()
	store.saveErr = errors.New("redis down")
	c := New(e, store, nil)

	_, err := c.Update(context.Background(), limiterCfg(1000, "v3"))
	assert.ErrorIs(t, err, ErrNotDistributed)
	assert.Equal(t, "v3", e.Config().Version)
}

func TestApplyAssignsVersion(t *testing.T) {
	e := newEngine(t)
	c := New(e, nil, nil)

	conf, err := c.Apply(limiterCfg(1000, ""))
	require.NoError(t, err)
	assert.NotEmpty(t, conf.Version)
	assert.Equal(t, conf.Version, c.Current().Version)
}

func TestBootstrapSeedsOrAdopts(t *testing.T) {
	e := newEngine(t)
	store := newFakeStore()
	c := New(e, store, nil)

	require.NoError(t, c.Bootstrap(context.Background()))
	assert.Equal(t, []string{"default"}, store.saved)

	other := newEngine(t)
	store.cfg = ptr(limiterCfg(2000, "shared"))
	require.NoError(t, New(other, store, nil).Bootstrap(context.Background()))
	assert.Equal(t, "shared", other.Config().Version)
}

func TestWatchFollowsRemoteUpdates(t *testing.T) {
	e := newEngine(t)
	store := newFakeStore()
	c := New(e, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	store.publishRemote(limiterCfg(3000, "remote"))
	require.Eventually(t, func() bool {
		return e.Config().Version == "remote"
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchWithoutStore(t *testing.T) {
	c := New(newEngine(t), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.Watch(ctx))
}

func ptr[T any](v T) *T { return &v }

func TestHistoryNewestFirst(t *testing.T) {
	e := newEngine(t)
	store := newFakeStore()
	c := New(e, store, nil)

	for _, v := range []string{"v2", "v3", "v4"} {
		_, err := c.Update(context.Background(), limiterCfg(1000, v))
		require.NoError(t, err)
	}
	got, err := c.History(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "v4", got[0].Version)
	assert.Equal(t, "v3", got[1].Version)

	_, err = New(e, nil, nil).History(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNoStore)
}
