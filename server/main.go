// Package main implements the minerwatch daemon.
//
// The daemon runs two halves in one process: the uptime reconciliation job,
// triggered by cron every 15 minutes, which polls each supported mining
// pool and reconciles worker uptime and status into the miners database;
// and the status read service, a small HTTP API answering per-miner status
// queries on demand.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"minerwatch/config"
	"minerwatch/kv"
	"minerwatch/logger"
	"minerwatch/pool"
	"minerwatch/slot"
	"minerwatch/status"
	"minerwatch/store"
	"minerwatch/uptime"
)

var configPath string

// scrubProxyEnv clears every proxy-related environment variable. The F2Pool
// API rejects requests routed through the datacenter proxies some hosts
// inject, and the pool clients must always connect directly.
func scrubProxyEnv() {
	for _, key := range []string{
		"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY",
		"http_proxy", "https_proxy", "all_proxy", "no_proxy",
	} {
		os.Unsetenv(key)
	}
}

func main() {
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.Parse()

	scrubProxyEnv()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Set(logger.NewFromConfig(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := store.Open(ctx, store.Config{
		URL:            cfg.Database.URL,
		MaxConnections: cfg.Database.MaxConnections,
		IdleTimeout:    cfg.Database.IdleTimeout,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		Retries:        cfg.Database.Retries,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	side, err := kv.Open(ctx, cfg.KV.URL)
	if err != nil {
		return fmt.Errorf("open key-value store: %w", err)
	}
	defer side.Close()

	hc := pool.NewHTTPClient(cfg.Pools.HTTPTimeout)
	registry := pool.DefaultRegistry(hc, cfg.Pools.BinanceBase)

	feed := status.NewFeed()
	go feed.Run(ctx)

	engine := uptime.New(db, side, registry, slot.NewCoordinator(), uptime.Config{
		Grace:            cfg.Uptime.Grace,
		OfflineConfirm:   cfg.Uptime.OfflineConfirm,
		GroupConcurrency: cfg.Uptime.Concurrency,
	}, feed)

	// Hot reload applies the tunables that are safe to change mid-flight:
	// log level and the confirmation tuning. Ports and store URLs need a
	// restart.
	if err := config.Watch(ctx, configPath, func(newCfg *config.Config) {
		logger.Set(logger.NewFromConfig(newCfg))
		engine.Retune(uptime.Config{
			Grace:            newCfg.Uptime.Grace,
			OfflineConfirm:   newCfg.Uptime.OfflineConfirm,
			GroupConcurrency: newCfg.Uptime.Concurrency,
		})
	}, logger.Get()); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	loc, err := time.LoadLocation(cfg.Uptime.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	scheduler := cron.New(cron.WithLocation(loc))
	if _, err := scheduler.AddFunc(cfg.Uptime.CronSpec, func() {
		engine.RunAll(ctx)
	}); err != nil {
		return fmt.Errorf("schedule uptime job: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	svc := status.New(db, registry, cfg.Status.Concurrency, cfg.Status.CacheTTL)
	router := status.NewRouter(svc, feed, status.APIConfig{
		ServiceName: "minerwatch",
		CronSpec:    cfg.Uptime.CronSpec,
		Pools:       registry.Names(),
		DB:          db,
		KV:          side,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Status.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status service listening",
			"port", cfg.Status.Port,
			"cron", cfg.Uptime.CronSpec,
			"timezone", cfg.Uptime.Timezone,
			"pools", registry.Names())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status service: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
