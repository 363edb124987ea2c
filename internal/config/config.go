package config

import (
	"os"
)

import (
	"gopkg.in/yaml.v3"
)

// ServerCfg —— 管理端 HTTP 监听配置
type ServerCfg struct {
	HTTPAddr string `yaml:"httpAddr"` // 监听地址，例如 ":8080"
}

// RedisCfg —— Redis 连接与命名空间配置（用于多节点下发限流配置）
type RedisCfg struct {
	Addr               string   `yaml:"addr"`               // Redis address, e.g. "127.0.0.1:6379"
	Addrs              []string `yaml:"addrs"`              // Optional cluster addresses
	Password           string   `yaml:"password"`           // Redis password
	DB                 int      `yaml:"db"`                 // Redis DB index (single node only)
	Prefix             string   `yaml:"prefix"`             // Key prefix
	UpdatesChannel     string   `yaml:"updatesChannel"`     // Pub/Sub channel for configuration updates
	PoolSize           int      `yaml:"poolSize"`           // Connection pool size
	MinIdleConns       int      `yaml:"minIdleConns"`       // Minimum idle connections
	ConnMaxIdleTimeSec int      `yaml:"connMaxIdleTimeSec"` // Max idle time (sec)
	MaxRetries         int      `yaml:"maxRetries"`         // Command retry count
	ReadTimeoutMs      int      `yaml:"readTimeoutMs"`      // Read timeout (ms)
	WriteTimeoutMs     int      `yaml:"writeTimeoutMs"`     // Write timeout (ms)
	DialTimeoutMs      int      `yaml:"dialTimeoutMs"`      // Dial timeout (ms)
}

// Enabled reports whether a Redis address was configured.
func (r RedisCfg) Enabled() bool {
	return r.Addr != "" || len(r.Addrs) > 0
}

// NacosCfg - Nacos config center (pull mode)
type NacosCfg struct {
	Addr      string `yaml:"addr"`      // Nacos address, e.g. "http://127.0.0.1:8848"
	Namespace string `yaml:"namespace"` // tenant/namespace
	Group     string `yaml:"group"`     // group, default DEFAULT_GROUP
	DataID    string `yaml:"dataId"`    // config dataId
	Username  string `yaml:"username"`  // optional
	Password  string `yaml:"password"`  // optional
	TimeoutMs int    `yaml:"timeoutMs"` // default 2000
	Format    string `yaml:"format"`    // json | yaml (auto-detect if empty)
}

func (n NacosCfg) Enabled() bool {
	return n.Addr != "" && n.DataID != ""
}

// SourceCfg —— 限流配置的外部来源（拉取模式）
type SourceCfg struct {
	Kind           string `yaml:"kind"`           // none | file | nacos | redis
	Path           string `yaml:"path"`           // file source path
	Watch          bool   `yaml:"watch"`          // file source: reload on change
	PollIntervalMs int    `yaml:"pollIntervalMs"` // default 5000
	FailPolicy     string `yaml:"failPolicy"`     // fail-open | fail-closed
}

// LogCfg controls the process-wide slog handler.
type LogCfg struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// MetricsCfg controls the Prometheus exporter.
type MetricsCfg struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`      // default /metrics
	Namespace string `yaml:"namespace"` // metric name prefix
}

// Config —— 全量配置
type Config struct {
	Server  ServerCfg  `yaml:"server"`
	Redis   RedisCfg   `yaml:"redis"`
	Nacos   NacosCfg   `yaml:"nacos"`
	Source  SourceCfg  `yaml:"source"`
	Log     LogCfg     `yaml:"log"`
	Metrics MetricsCfg `yaml:"metrics"`
	Limiter LimiterCfg `yaml:"limiter"` // 启动时生效的限流配置
}

// Load —— 从 YAML 文件加载配置
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML after expanding ${ENV} references.
func Parse(b []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(b))
	var c Config
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, err
	}
	return &c, nil
}
