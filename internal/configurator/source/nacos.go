package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/config"
)

// maxNacosBody caps a fetched configuration; a limiter config is a few
// hundred bytes.
const maxNacosBody = 1 << 20

// NacosSource pulls the limiter configuration from the Nacos config center
// over its v1 HTTP API.
type NacosSource struct {
	endpoint string
	format   string
	client   *http.Client
}

// NewNacosSource resolves the config endpoint for cfg.DataID once.
func NewNacosSource(cfg config.NacosCfg) (*NacosSource, error) {
	if !cfg.Enabled() {
		return nil, errors.New("nacos addr and dataId are required")
	}
	base, err := url.Parse(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("parse nacos addr %q: %w", cfg.Addr, err)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/nacos/v1/cs/configs"

	q := url.Values{"dataId": {cfg.DataID}, "group": {"DEFAULT_GROUP"}}
	if cfg.Group != "" {
		q.Set("group", cfg.Group)
	}
	if cfg.Namespace != "" {
		q.Set("tenant", cfg.Namespace)
	}
	if cfg.Username != "" {
		q.Set("username", cfg.Username)
		q.Set("password", cfg.Password)
	}
	base.RawQuery = q.Encode()

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NacosSource{
		endpoint: base.String(),
		format:   cfg.Format,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Fetch reads the current configuration. The Content-MD5 header Nacos sends
// is used as the version when present.
func (s *NacosSource) Fetch(ctx context.Context) (Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Payload{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("nacos fetch: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxNacosBody))
	if err != nil {
		return Payload{}, fmt.Errorf("nacos fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Payload{}, fmt.Errorf("nacos fetch: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return decodePayload(raw, s.format, resp.Header.Get("Content-MD5"))
}
