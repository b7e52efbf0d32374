// Command leadcached runs the local lead cache daemon: it owns the
// SQLite cache, drains the pending-change queue against the remote
// lead base, and serves a localhost HTTP/WebSocket API for agents and
// operators.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leadstack/leadcache/internal/cache"
	"github.com/leadstack/leadcache/internal/config"
	"github.com/leadstack/leadcache/internal/db"
	"github.com/leadstack/leadcache/internal/logging"
	"github.com/leadstack/leadcache/internal/remote"
	syncpkg "github.com/leadstack/leadcache/internal/sync"
	"github.com/leadstack/leadcache/internal/sync/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("invalid configuration", err, nil)
		os.Exit(1)
	}

	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	logging.Info("leadcached starting", map[string]interface{}{
		"data_dir": cfg.DataDir,
		"table":    cfg.RemoteTable,
		"addr":     cfg.ListenAddr,
	})

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logging.Error("failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		logging.Error("failed to initialize migrations", err, nil)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logging.Error("failed to apply migrations", err, nil)
		os.Exit(1)
	}

	queue := db.NewQueue(database.DB, db.BackoffPolicy{
		Base:   cfg.BackoffBase,
		Factor: 2,
		Cap:    cfg.BackoffCap,
	}, cfg.MaxAttempts)
	store := db.NewStore(database.DB, queue)
	meta := db.NewMeta(database.DB)

	// Entries claimed by a previous run that died mid-push go back to
	// pending before anything else touches the queue.
	if n, err := queue.RequeueStuck(); err != nil {
		logging.Error("failed to requeue stuck changes", err, nil)
		os.Exit(1)
	} else if n > 0 {
		logging.Info("requeued stuck changes", map[string]interface{}{"count": n})
	}

	remoteClient := remote.NewClient(remote.Config{
		BaseURL: cfg.RemoteBaseURL,
		APIKey:  cfg.RemoteAPIKey,
		BaseID:  cfg.RemoteBaseID,
		Table:   cfg.RemoteTable,
		Timeout: cfg.RequestTimeout,
	})

	engine := syncpkg.NewEngine(store, queue, meta, remoteClient)

	hub := NewWSHub()
	engine.SetEventHandler(hub)

	fresh := cache.NewFreshnessPolicy(cfg.CacheTTL)
	leadCache := cache.New(store, queue, meta, engine, fresh, cfg.RefreshTimeout)

	// First run against an empty cache: populate before serving so the
	// first read does not race the initial pull. Bounded; a failure is
	// logged and the facade retries on first access.
	if m, err := meta.Get(); err == nil && m.LastFullPullTime().IsZero() {
		logging.Info("cache empty, running initial pull", nil)
		pullCtx, cancel := context.WithTimeout(context.Background(), cfg.RefreshTimeout)
		if count, err := engine.FullPull(pullCtx); err != nil {
			logging.Error("initial pull failed", err, nil)
		} else {
			logging.Info("initial pull completed", map[string]interface{}{"records": count})
		}
		cancel()
	}

	sched := scheduler.New(engine, meta, fresh, scheduler.Config{
		DrainInterval: cfg.DrainInterval,
		PullInterval:  cfg.PullInterval,
		CycleTimeout:  cfg.RefreshTimeout,
	})
	sched.Start(context.Background())

	api := NewAPIHandler(leadCache, queue, sched)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Routes(hub),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("http server listening", map[string]interface{}{"addr": cfg.ListenAddr})
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		logging.Error("http server failed", err, nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	sched.Stop()
	logging.Info("leadcached stopped", nil)
}
