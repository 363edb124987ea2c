package source

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

import (
	"gopkg.in/yaml.v3"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/config"
)

// Payload is a limiter configuration fetched from an external source.
type Payload struct {
	Config  config.LimiterCfg
	Version string
}

// ConfigSource fetches the limiter configuration from an external system.
type ConfigSource interface {
	Fetch(ctx context.Context) (Payload, error)
}

// Watcher is implemented by sources that can signal changes instead of
// waiting for the next poll. The channel is closed when ctx ends.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// contentVersion 用内容摘要作为版本号
func contentVersion(raw []byte) string {
	sum := md5.Sum(raw)
	return fmt.Sprintf("%x", sum[:])
}

// decodePayload parses raw and versions it. An empty version falls back to
// the content digest, which also names configs that carry no version.
func decodePayload(raw []byte, format, version string) (Payload, error) {
	cfg, err := parseConfig(raw, format)
	if err != nil {
		return Payload{}, err
	}
	if version == "" {
		version = contentVersion(raw)
	}
	if cfg.Version == "" {
		cfg.Version = version
	}
	return Payload{Config: cfg, Version: version}, nil
}

// parseConfig accepts the configuration either bare or under a "limiter"
// key, as JSON or YAML. An empty format tries JSON first.
func parseConfig(raw []byte, format string) (config.LimiterCfg, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return config.LimiterCfg{}, errors.New("empty configuration payload")
	}

	format = strings.ToLower(strings.TrimSpace(format))

	if format == "json" || format == "" {
		if cfg, ok := tryParseJSON(trimmed); ok {
			return cfg, nil
		}
		if format == "json" {
			return config.LimiterCfg{}, errors.New("invalid json configuration payload")
		}
	}

	if format == "yaml" || format == "yml" || format == "" {
		if cfg, ok := tryParseYAML(trimmed); ok {
			return cfg, nil
		}
		if format != "" {
			return config.LimiterCfg{}, errors.New("invalid yaml configuration payload")
		}
	}

	slog.Warn("failed to parse configuration payload; unknown format", "format", format)
	return config.LimiterCfg{}, errors.New("unsupported configuration payload format")
}

func tryParseJSON(raw []byte) (config.LimiterCfg, bool) {
	var wrapper struct {
		Limiter *config.LimiterCfg `json:"limiter"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Limiter != nil {
		return *wrapper.Limiter, true
	}
	var cfg config.LimiterCfg
	if err := json.Unmarshal(raw, &cfg); err == nil {
		return cfg, true
	}
	return config.LimiterCfg{}, false
}

func tryParseYAML(raw []byte) (config.LimiterCfg, bool) {
	var wrapper struct {
		Limiter *config.LimiterCfg `yaml:"limiter"`
	}
	if err := yaml.Unmarshal(raw, &wrapper); err == nil && wrapper.Limiter != nil {
		return *wrapper.Limiter, true
	}
	var cfg config.LimiterCfg
	if err := yaml.Unmarshal(raw, &cfg); err == nil {
		return cfg, true
	}
	return config.LimiterCfg{}, false
}
