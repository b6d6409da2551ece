// timegraphd is the per-object metric caching and graphing daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timegraph/timegraph/internal/archive"
	"github.com/timegraph/timegraph/internal/cache"
	"github.com/timegraph/timegraph/internal/collector"
	"github.com/timegraph/timegraph/internal/config"
	"github.com/timegraph/timegraph/internal/export"
	"github.com/timegraph/timegraph/internal/logging"
	"github.com/timegraph/timegraph/internal/queue"
	"github.com/timegraph/timegraph/internal/registry"
	"github.com/timegraph/timegraph/internal/render"
	"github.com/timegraph/timegraph/internal/report"
	"github.com/timegraph/timegraph/internal/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "archive directory (overrides config)")
	registryPath := flag.String("registry", "", "registry database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			logging.Init(slog.LevelError, false)
			logging.Error("load config", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
	}

	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *registryPath != "" {
		cfg.RegistryPath = *registryPath
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log := logging.Component("main")
	log.Info("timegraphd starting", "version", Version)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Error("prepare directories", "error", err)
		os.Exit(1)
	}

	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		log.Error("open registry", "path", cfg.RegistryPath, "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	store := archive.NewStore(cfg.DataDir, cfg.Archive.BaseStep, cfg.Archive.Heartbeat)

	transport := cache.NewRedisTransport(redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
		PoolSize: cfg.Cache.Redis.PoolSize,
	}), cfg.Cache.Timeout)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := transport.Ping(pingCtx); err != nil {
		log.Warn("shared cache unreachable at startup", "addr", cfg.Cache.Redis.Addr, "error", err)
	}
	cancelPing()

	values := cache.New(transport, store, cfg.Cache.Prefix)
	queues := queue.NewSet(values, cfg.Queue.Capacity)

	var reports *report.Service
	if cfg.Report.Dir != "" {
		reports, err = report.NewService(cfg.ReportDir(), cfg.Report.MemoryLimit)
		if err != nil {
			log.Error("open report service", "error", err)
			os.Exit(1)
		}
		defer reports.Close()
	}

	srv := server.New(server.Options{
		Registry: reg,
		Cache:    values,
		Queues:   queues,
		Exports:  export.NewEngine(store),
		Builder:  render.NewBuilder(store, values),
		Reports:  reports,
		SnapDir:  cfg.ReportDir(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Collector.Enabled {
		coll := collector.New(cfg.Collector, reg, queues)
		go coll.Run(ctx)
		log.Info("collector started", "targets", len(cfg.Collector.Targets))
	}

	log.Info("listening", "addr", cfg.Server.Listen)
	if err := srv.Run(ctx, cfg.Server.Listen); err != nil {
		log.Error("server stopped", "error", err)
	}

	// Drain whatever the HTTP side still holds.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := queues.FlushAll(drainCtx); err != nil {
		log.Error("final queue drain failed", "error", err)
	}
	log.Info("timegraphd stopped")
}
