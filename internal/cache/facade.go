// Package cache exposes the lead cache to consumer agents: reads serve
// from the local store, writes land locally and propagate to the remote
// source of truth asynchronously.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/leadstack/leadcache/internal/db"
	apperr "github.com/leadstack/leadcache/internal/errors"
	"github.com/leadstack/leadcache/internal/logging"
	"github.com/leadstack/leadcache/internal/models"
	syncpkg "github.com/leadstack/leadcache/internal/sync"
)

// outcomeKey is accepted in UpdateLead payloads alongside a stage
// change; its value is consumed into the engagement history entry
// rather than stored as a field.
const outcomeKey = "engagement_outcome"

// Cache is the facade consumer agents call. Reads never block on the
// network; the only synchronous network paths are the mandatory first
// pull of a fresh store and RefreshCache(force), both bounded by
// refreshTimeout.
type Cache struct {
	store  *db.Store
	queue  *db.Queue
	meta   *db.Meta
	engine *syncpkg.Engine
	fresh  *FreshnessPolicy

	refreshTimeout time.Duration

	mu      sync.Mutex
	checked bool // freshness consulted this process lifetime
}

// New creates the facade.
func New(store *db.Store, queue *db.Queue, meta *db.Meta, engine *syncpkg.Engine, fresh *FreshnessPolicy, refreshTimeout time.Duration) *Cache {
	if refreshTimeout <= 0 {
		refreshTimeout = 2 * time.Minute
	}
	return &Cache{
		store:          store,
		queue:          queue,
		meta:           meta,
		engine:         engine,
		fresh:          fresh,
		refreshTimeout: refreshTimeout,
	}
}

// ensureFresh runs the freshness check once per process lifetime. A
// store that has never completed a full pull blocks the first read on
// a bounded synchronous pull; a merely stale store triggers a
// background pull while the current data keeps serving.
func (c *Cache) ensureFresh(ctx context.Context) error {
	c.mu.Lock()
	if c.checked {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	meta, err := c.meta.Get()
	if err != nil {
		return err
	}
	last := meta.LastFullPullTime()

	if last.IsZero() {
		pullCtx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
		defer cancel()
		if _, err := c.engine.FullPull(pullCtx); err != nil {
			// Not marked checked: the next read retries the pull.
			return err
		}
	} else if c.fresh.IsStale(time.Now(), last) {
		go c.backgroundPull()
	}

	c.mu.Lock()
	c.checked = true
	c.mu.Unlock()
	return nil
}

func (c *Cache) backgroundPull() {
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()
	if _, err := c.engine.FullPull(ctx); err != nil {
		logging.Error("background refresh failed", err, nil)
	}
}

// GetAllLeads returns every cached lead.
func (c *Cache) GetAllLeads(ctx context.Context) ([]*models.LeadRecord, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	return c.store.List(db.ListFilter{})
}

// GetLeadsByStatus returns leads whose status field matches.
func (c *Cache) GetLeadsByStatus(ctx context.Context, status string) ([]*models.LeadRecord, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	return c.store.List(db.ListFilter{Status: status})
}

// GetLeadByID returns a single lead.
func (c *Cache) GetLeadByID(ctx context.Context, id string) (*models.LeadRecord, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	return c.store.Get(id)
}

// SearchLeads returns leads whose name, company, or email contains the
// query, case-insensitive.
func (c *Cache) SearchLeads(ctx context.Context, query string) ([]*models.LeadRecord, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	return c.store.Search(query)
}

// UpdateLead applies a partial field update. The local write and its
// pending-change entry commit atomically; the call returns once they
// are durable, with remote propagation left to the sync engine.
//
// A payload containing engagement_stage is validated against the stage
// machine inside the write transaction: an invalid transition returns
// STAGE_VIOLATION and leaves the record untouched. A valid transition
// also sets last_contacted and appends one engagement history entry,
// and all three fields travel in the same pending change.
//
// engagement_history and last_contacted are maintained by that
// transition path only; a payload naming either directly is rejected,
// since a caller-supplied history could truncate or reorder the
// append-only trail.
func (c *Cache) UpdateLead(ctx context.Context, id string, partial models.Fields) (*models.LeadRecord, error) {
	if len(partial) == 0 {
		return nil, apperr.New(apperr.ErrInvalid, "empty lead update")
	}
	for _, reserved := range []string{models.FieldEngagementHistory, models.FieldLastContacted} {
		if _, ok := partial[reserved]; ok {
			return nil, apperr.Newf(apperr.ErrInvalid, "%s cannot be set directly", reserved)
		}
	}

	return c.store.Mutate(id, func(rec *models.LeadRecord) (models.Fields, error) {
		enriched := partial.Clone()

		rawStage, hasStage := enriched[models.FieldEngagementStage]
		if !hasStage {
			delete(enriched, outcomeKey)
			return enriched, nil
		}

		stageStr, ok := rawStage.(string)
		if !ok {
			return nil, apperr.New(apperr.ErrStageViolation, "engagement_stage must be a string")
		}
		next := models.EngagementStage(stageStr)

		if err := syncpkg.ValidateTransition(rec.Stage(), next); err != nil {
			return nil, err
		}

		outcome, _ := enriched[outcomeKey].(string)
		delete(enriched, outcomeKey)

		now := time.Now()
		enriched[models.FieldLastContacted] = now.UTC().Format(time.RFC3339)
		enriched[models.FieldEngagementHistory] = rec.HistoryWith(models.EngagementEvent{
			Timestamp: now.Unix(),
			Stage:     next,
			Outcome:   outcome,
		})
		return enriched, nil
	})
}

// AddLead creates a lead locally. The record carries a placeholder id
// until its first successful push assigns the remote one.
func (c *Cache) AddLead(ctx context.Context, fields models.Fields) (*models.LeadRecord, error) {
	if len(fields) == 0 {
		return nil, apperr.New(apperr.ErrInvalid, "empty lead")
	}
	return c.store.InsertLocal(fields)
}

// RefreshCache refreshes the store from remote. When force is set the
// pull runs synchronously for this caller, bounded by the refresh
// timeout; otherwise it runs in the background and only when the cache
// is stale.
func (c *Cache) RefreshCache(ctx context.Context, force bool) error {
	if force {
		pullCtx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
		defer cancel()
		_, err := c.engine.FullPull(pullCtx)
		return err
	}

	meta, err := c.meta.Get()
	if err != nil {
		return err
	}
	if c.fresh.IsStale(time.Now(), meta.LastFullPullTime()) {
		go c.backgroundPull()
	}
	return nil
}

// PendingFailures returns pending changes that exhausted their retries.
// A stuck change is surfaced here, never silently dropped.
func (c *Cache) PendingFailures() ([]*models.PendingChange, error) {
	return c.queue.ListFailed()
}

// RetryFailure puts a permanently failed change back in the queue.
func (c *Cache) RetryFailure(id string) error {
	return c.queue.Retry(id)
}

// Status describes the cache for inspection endpoints.
type Status struct {
	Leads   *db.Stats         `json:"leads"`
	Queue   map[string]int    `json:"queue"`
	Meta    *models.CacheMeta `json:"meta"`
	StaleAt time.Time         `json:"stale_at"`
}

// GetStatus reports store, queue, and freshness state.
func (c *Cache) GetStatus() (*Status, error) {
	stats, err := c.store.GetStats()
	if err != nil {
		return nil, err
	}
	counts, err := c.queue.Counts()
	if err != nil {
		return nil, err
	}
	meta, err := c.meta.Get()
	if err != nil {
		return nil, err
	}
	return &Status{
		Leads:   stats,
		Queue:   counts,
		Meta:    meta,
		StaleAt: meta.LastFullPullTime().Add(c.fresh.TTL()),
	}, nil
}
