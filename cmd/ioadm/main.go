package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"
)

import (
	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/api"
	"github.com/nanjiek/pixiu-ioadm/internal/config"
	"github.com/nanjiek/pixiu-ioadm/internal/configurator"
	"github.com/nanjiek/pixiu-ioadm/internal/configurator/source"
	"github.com/nanjiek/pixiu-ioadm/internal/core"
	"github.com/nanjiek/pixiu-ioadm/internal/metrics"
	"github.com/nanjiek/pixiu-ioadm/internal/repo"
)

type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the admission controller with its admin endpoint."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file and exit."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config   string   `short:"c" help:"Path to config file." type:"path" default:"configs/ioadm.yaml"`
	EnvFile  []string `name:"env-file" help:"Dotenv files loaded before the config is expanded." default:".env"`
	LogLevel string   `help:"Override the configured log level (debug, info, warn, error)."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("ioadm %s\n", version)
	return nil
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	conf, err := cfg.Limiter.Configuration()
	if err != nil {
		return err
	}
	fmt.Printf("ok: rate=%d/s capacity=%d weights=%v interval=%s borrowing=%t\n",
		conf.TotalRefillRate, conf.TotalCapacity, conf.Weights, conf.RefillInterval, conf.Borrowing)
	return nil
}

type ServeCmd struct {
	Addr string `help:"Override server.httpAddr."`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("ioadm"),
		kong.Description("Priority-aware I/O admission controller."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}

func loadConfig(cli *CLI) (*config.Config, error) {
	for _, f := range cli.EnvFile {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cli.Config, err)
	}
	return cfg, nil
}

func setupLogger(cfg config.LogCfg, override string) {
	level := cfg.Level
	if override != "" {
		level = override
	}
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func (c *ServeCmd) Run(cli *CLI) error {
	// 加载配置
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log, cli.LogLevel)
	if c.Addr != "" {
		cfg.Server.HTTPAddr = c.Addr
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":8080"
	}

	limiterConf, err := cfg.Limiter.Configuration()
	if err != nil {
		return fmt.Errorf("invalid limiter configuration: %w", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 指标：内存快照 + 可选 Prometheus
	mem := metrics.NewMemory()
	var sink metrics.Sink = mem
	var promHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		namespace := cfg.Metrics.Namespace
		if namespace == "" {
			namespace = "ioadm"
		}
		prom, err := metrics.NewPrometheus(reg, namespace)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		sink = metrics.Tee{mem, prom}
		promHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	engine, err := core.NewEngine(limiterConf, core.WithSink(sink), core.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer engine.Close()

	// Redis 用于多节点间下发限流配置（可选）
	var store configurator.Store
	var rdb *repo.RedisRepo
	if cfg.Redis.Enabled() {
		rdb, err = repo.NewRedis(cfg.Redis, slog.Default())
		if err != nil {
			return err
		}
		defer rdb.Close()
		store = rdb
	}
	conf := configurator.New(engine, store, slog.Default())

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return engine.Run(gctx) })

	// 外部配置源（拉取模式）
	src, err := buildSource(cfg, rdb)
	if err != nil {
		return err
	}
	if src != nil {
		poller := configurator.NewPoller(src, conf, configurator.PollerConfig{
			Interval:   time.Duration(cfg.Source.PollIntervalMs) * time.Millisecond,
			FailPolicy: cfg.Source.FailPolicy,
		})
		if err := poller.SyncOnce(gctx); err != nil {
			if !strings.EqualFold(cfg.Source.FailPolicy, configurator.FailOpen) {
				return fmt.Errorf("initial config pull failed: %w", err)
			}
			slog.Warn("initial config pull failed, using file configuration", "err", err)
		}
		g.Go(func() error {
			poller.Start(gctx)
			return nil
		})
	} else if store != nil {
		if err := conf.Bootstrap(gctx); err != nil {
			return err
		}
		g.Go(func() error { return conf.Watch(gctx) })
	}

	// 初始化HTTP服务
	httpServer := api.NewServer(cfg.Server, engine, conf, mem)
	if promHandler != nil {
		httpServer.HandleMetrics(cfg.Metrics.Path, promHandler)
	}
	g.Go(func() error {
		slog.Info("admin server listening", "addr", cfg.Server.HTTPAddr, "pid", os.Getpid())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 优雅退出
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		engine.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("exited properly")
	return nil
}

func buildSource(cfg *config.Config, rdb *repo.RedisRepo) (source.ConfigSource, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Source.Kind)) {
	case "", "none":
		return nil, nil
	case "file":
		if cfg.Source.Path == "" {
			return nil, errors.New("source.path is required for a file source")
		}
		fs, err := source.NewFileSource(cfg.Source.Path)
		if err != nil {
			return nil, err
		}
		if !cfg.Source.Watch {
			return pollOnly{fs}, nil
		}
		return fs, nil
	case "nacos":
		return source.NewNacosSource(cfg.Nacos)
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis source selected but redis is not configured")
		}
		return source.NewRedisSource(rdb), nil
	}
	return nil, fmt.Errorf("unknown config source kind %q", cfg.Source.Kind)
}

// pollOnly hides the Watch method of a source.
type pollOnly struct {
	source.ConfigSource
}
