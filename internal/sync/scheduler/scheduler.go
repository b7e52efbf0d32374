// Package scheduler runs the sync engine's pull and drain cycles on
// background timers, off every caller's goroutine.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/leadstack/leadcache/internal/cache"
	"github.com/leadstack/leadcache/internal/db"
	"github.com/leadstack/leadcache/internal/logging"
	syncpkg "github.com/leadstack/leadcache/internal/sync"
)

// Config holds scheduler intervals and per-cycle timeouts.
type Config struct {
	DrainInterval time.Duration // how often the pending queue is drained
	PullInterval  time.Duration // how often remote changes are pulled
	CycleTimeout  time.Duration // bound on any single pull or drain
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		DrainInterval: 15 * time.Second,
		PullInterval:  5 * time.Minute,
		CycleTimeout:  2 * time.Minute,
	}
}

// Scheduler drives periodic drains and pulls. A tick that finds the
// cache stale past its TTL upgrades the incremental pull to a full one.
type Scheduler struct {
	engine *syncpkg.Engine
	meta   *db.Meta
	fresh  *cache.FreshnessPolicy
	config Config

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	lastDrain time.Time
	lastPull  time.Time
	lastErr   error
}

// New creates a Scheduler.
func New(engine *syncpkg.Engine, meta *db.Meta, fresh *cache.FreshnessPolicy, config Config) *Scheduler {
	if config.DrainInterval <= 0 {
		config.DrainInterval = DefaultConfig().DrainInterval
	}
	if config.PullInterval <= 0 {
		config.PullInterval = DefaultConfig().PullInterval
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = DefaultConfig().CycleTimeout
	}
	return &Scheduler{
		engine: engine,
		meta:   meta,
		fresh:  fresh,
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Start launches the background loops. A second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.drainLoop(ctx)
	go s.pullLoop(ctx)

	logging.Info("sync scheduler started", map[string]interface{}{
		"drain_interval": s.config.DrainInterval.String(),
		"pull_interval":  s.config.PullInterval.String(),
	})
}

// Stop shuts the loops down and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("sync scheduler stopped", nil)
}

func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runDrain(ctx)
		}
	}
}

func (s *Scheduler) pullLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runPull(ctx)
		}
	}
}

func (s *Scheduler) runDrain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
	defer cancel()

	result, err := s.engine.DrainQueue(drainCtx)

	s.mu.Lock()
	s.lastDrain = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		logging.Error("queue drain failed", err, nil)
		return
	}
	if result.Pushed > 0 || result.Retried > 0 || result.Failed > 0 {
		logging.Info("queue drain completed", map[string]interface{}{
			"pushed":    result.Pushed,
			"retried":   result.Retried,
			"failed":    result.Failed,
			"conflicts": result.Conflicts,
		})
	}
}

func (s *Scheduler) runPull(ctx context.Context) {
	pullCtx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
	defer cancel()

	var err error
	meta, metaErr := s.meta.Get()
	switch {
	case metaErr != nil:
		err = metaErr
	case s.fresh.IsStale(time.Now(), meta.LastFullPullTime()):
		_, err = s.engine.FullPull(pullCtx)
	default:
		_, err = s.engine.IncrementalPull(pullCtx)
	}

	s.mu.Lock()
	s.lastPull = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		logging.Error("scheduled pull failed", err, nil)
	}
}

// TriggerDrain starts an immediate drain off the caller's goroutine.
func (s *Scheduler) TriggerDrain(ctx context.Context) {
	go s.runDrain(ctx)
}

// Status describes the scheduler for inspection endpoints.
type Status struct {
	IsRunning bool       `json:"is_running"`
	LastDrain *time.Time `json:"last_drain,omitempty"`
	LastPull  *time.Time `json:"last_pull,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// GetStatus returns the scheduler state.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{IsRunning: s.isRunning}
	if !s.lastDrain.IsZero() {
		t := s.lastDrain
		status.LastDrain = &t
	}
	if !s.lastPull.IsZero() {
		t := s.lastPull
		status.LastPull = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// IsRunning reports whether the loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
