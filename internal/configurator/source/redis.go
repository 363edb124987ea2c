package source

import (
	"context"
	"encoding/json"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/config"
)

// ConfigLoader is the part of the repository a RedisSource reads from.
type ConfigLoader interface {
	LoadConfig(ctx context.Context) (config.LimiterCfg, error)
}

// RedisSource reads the configuration other nodes stored in Redis.
type RedisSource struct {
	repo ConfigLoader
}

func NewRedisSource(repo ConfigLoader) *RedisSource {
	return &RedisSource{repo: repo}
}

func (s *RedisSource) Fetch(ctx context.Context) (Payload, error) {
	cfg, err := s.repo.LoadConfig(ctx)
	if err != nil {
		return Payload{}, err
	}
	version := cfg.Version
	if version == "" {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return Payload{}, err
		}
		version = contentVersion(raw)
	}
	return Payload{Config: cfg, Version: version}, nil
}
