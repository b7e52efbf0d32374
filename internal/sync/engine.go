// Package sync orchestrates propagation between the local cache and
// the remote source of truth: full and incremental pulls, push drains,
// and field-level conflict resolution.
package sync

import (
	"context"
	"time"

	"github.com/leadstack/leadcache/internal/db"
	apperr "github.com/leadstack/leadcache/internal/errors"
	"github.com/leadstack/leadcache/internal/logging"
	"github.com/leadstack/leadcache/internal/models"
	"github.com/leadstack/leadcache/internal/remote"
)

// RemoteAPI is the surface of the remote source of truth the engine
// depends on. Implemented by remote.Client; tests substitute a fake.
type RemoteAPI interface {
	List(ctx context.Context, since time.Time) ([]remote.Record, error)
	Get(ctx context.Context, id string) (remote.Record, error)
	Create(ctx context.Context, fields models.Fields) (remote.Record, error)
	Update(ctx context.Context, id string, fields models.Fields) (remote.Record, error)
}

// SyncEventType identifies a sync lifecycle event.
type SyncEventType string

const (
	EventPullStarted      SyncEventType = "pull.started"
	EventPullCompleted    SyncEventType = "pull.completed"
	EventPushCompleted    SyncEventType = "push.completed"
	EventConflictResolved SyncEventType = "sync.conflict_resolved"
	EventChangeFailed     SyncEventType = "change.failed"
)

// SyncEvent is a sync lifecycle notification.
type SyncEvent struct {
	Type      SyncEventType          `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// EventHandler receives sync lifecycle events.
type EventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// Engine performs pulls and push drains. Pulls are serialized against
// each other, as are drains; neither runs on a facade caller's
// goroutine except a forced refresh.
type Engine struct {
	store  *db.Store
	queue  *db.Queue
	meta   *db.Meta
	remote RemoteAPI

	handler EventHandler

	pullCh  chan struct{}
	drainCh chan struct{}
}

// NewEngine creates an Engine.
func NewEngine(store *db.Store, queue *db.Queue, meta *db.Meta, remoteAPI RemoteAPI) *Engine {
	e := &Engine{
		store:   store,
		queue:   queue,
		meta:    meta,
		remote:  remoteAPI,
		pullCh:  make(chan struct{}, 1),
		drainCh: make(chan struct{}, 1),
	}
	e.pullCh <- struct{}{}
	e.drainCh <- struct{}{}
	return e
}

// SetEventHandler registers a handler for sync lifecycle events.
func (e *Engine) SetEventHandler(h EventHandler) {
	e.handler = h
}

func (e *Engine) emitEvent(eventType SyncEventType, data map[string]interface{}) {
	h := e.handler
	if h == nil {
		return
	}
	event := SyncEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	go h.OnSyncEvent(event)
}

// acquire takes a serialization slot, honoring context cancellation.
func acquire(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.ErrRemoteTransient, "cancelled waiting for sync slot", ctx.Err())
	}
}

// FullPull fetches all remote records and installs them as the new
// baseline. Local-only records awaiting their first push survive, and
// records with active pending changes keep their local intent applied
// on top of the remote values.
func (e *Engine) FullPull(ctx context.Context) (int, error) {
	if err := acquire(ctx, e.pullCh); err != nil {
		return 0, err
	}
	defer func() { e.pullCh <- struct{}{} }()

	started := time.Now()
	e.emitEvent(EventPullStarted, map[string]interface{}{"mode": "full"})

	records, err := e.remote.List(ctx, time.Time{})
	if err != nil {
		return 0, err
	}

	for _, rec := range records {
		if err := e.store.ApplyRemote(rec.ID, rec.Fields, rec.ModifiedAt); err != nil {
			return 0, err
		}
	}

	// The watermark is the pull start, so edits made while the pull ran
	// are re-fetched by the next incremental pull.
	if err := e.meta.SetLastFullPull(started); err != nil {
		return 0, err
	}

	logging.Info("full pull completed", map[string]interface{}{
		"records":  len(records),
		"duration": time.Since(started).String(),
	})
	e.emitEvent(EventPullCompleted, map[string]interface{}{
		"mode":    "full",
		"records": len(records),
	})
	return len(records), nil
}

// IncrementalPull fetches records modified since the watermark and
// applies them. The watermark advances only after the whole batch has
// been applied. Falls back to a full pull when no pull has happened.
func (e *Engine) IncrementalPull(ctx context.Context) (int, error) {
	meta, err := e.meta.Get()
	if err != nil {
		return 0, err
	}
	since := meta.LastIncrementalPullTime()
	if since.IsZero() {
		return e.FullPull(ctx)
	}

	if err := acquire(ctx, e.pullCh); err != nil {
		return 0, err
	}
	defer func() { e.pullCh <- struct{}{} }()

	started := time.Now()
	e.emitEvent(EventPullStarted, map[string]interface{}{"mode": "incremental"})

	records, err := e.remote.List(ctx, since)
	if err != nil {
		return 0, err
	}

	for _, rec := range records {
		if err := e.store.ApplyRemote(rec.ID, rec.Fields, rec.ModifiedAt); err != nil {
			return 0, err
		}
	}

	if err := e.meta.SetLastIncrementalPull(started); err != nil {
		return 0, err
	}

	if len(records) > 0 {
		logging.Info("incremental pull completed", map[string]interface{}{
			"records": len(records),
		})
	}
	e.emitEvent(EventPullCompleted, map[string]interface{}{
		"mode":    "incremental",
		"records": len(records),
	})
	return len(records), nil
}

// DrainResult summarizes one queue drain.
type DrainResult struct {
	Pushed    int `json:"pushed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

// DrainQueue claims all due pending changes and pushes each against the
// remote API. Transient failures reschedule with backoff, permanent
// rejections park the entry as failed, storage errors abort the drain.
func (e *Engine) DrainQueue(ctx context.Context) (*DrainResult, error) {
	if err := acquire(ctx, e.drainCh); err != nil {
		return nil, err
	}
	defer func() { e.drainCh <- struct{}{} }()

	entries, err := e.queue.DequeueReady(time.Now())
	if err != nil {
		return nil, err
	}

	result := &DrainResult{}
	for i, entry := range entries {
		select {
		case <-ctx.Done():
			// Release unattempted claims so they do not sit in pushing
			// until the next restart.
			for _, rest := range entries[i:] {
				if relErr := e.queue.Release(rest.ID); relErr != nil {
					return result, relErr
				}
			}
			return result, nil
		default:
		}

		conflicts, pushErr := e.push(ctx, entry)
		result.Conflicts += conflicts

		switch {
		case pushErr == nil:
			result.Pushed++
			e.emitEvent(EventPushCompleted, map[string]interface{}{
				"record_id": entry.RecordID,
			})
		case apperr.Retryable(pushErr):
			if err := e.queue.Fail(entry.ID, pushErr); err != nil {
				return result, err
			}
			result.Retried++
		case apperr.Is(pushErr, apperr.ErrStorage):
			return result, pushErr
		default:
			// Validation and other permanent rejections: surfaced, not
			// retried indefinitely.
			if err := e.queue.MarkFailedPermanent(entry.ID, pushErr); err != nil {
				return result, err
			}
			result.Failed++
			e.emitEvent(EventChangeFailed, map[string]interface{}{
				"record_id": entry.RecordID,
				"change_id": entry.ID,
				"error":     pushErr.Error(),
			})
		}
	}
	return result, nil
}

// push propagates one claimed entry. Returns the number of field-level
// conflicts resolved in the remote's favor.
func (e *Engine) push(ctx context.Context, entry *models.PendingChange) (int, error) {
	if entry.ChangeType == models.ChangeTypeUpsert {
		return 0, e.pushCreate(ctx, entry)
	}
	return e.pushUpdate(ctx, entry)
}

// pushCreate pushes a locally created record. The remote id is recorded
// on the queue entry before the local ack, so replaying the entry after
// a crash adopts the existing remote record instead of duplicating it.
func (e *Engine) pushCreate(ctx context.Context, entry *models.PendingChange) error {
	var rec remote.Record
	var err error

	if entry.RemoteID != "" {
		// A previous attempt already created the record remotely.
		rec, err = e.remote.Get(ctx, entry.RemoteID)
		if err != nil {
			return err
		}
	} else {
		rec, err = e.remote.Create(ctx, entry.Payload)
		if err != nil {
			return err
		}
		if err := e.queue.SetRemoteID(entry.ID, rec.ID); err != nil {
			return err
		}
	}

	_, err = e.store.CompletePush(entry.ID, entry.PayloadRev, rec.ID, rec.Fields, rec.ModifiedAt)
	return err
}

// pushUpdate pushes a field update with the remote-wins conflict rule:
// payload fields whose remote value no longer matches the local
// baseline are dropped and logged; the remaining unambiguous fields
// still push. The comparison runs against every payload field rather
// than being gated on the remote's modified timestamp, because some
// tables expose no last_modified column and the fallback timestamp is
// the record's creation time, which never moves.
func (e *Engine) pushUpdate(ctx context.Context, entry *models.PendingChange) (int, error) {
	local, err := e.store.Get(entry.RecordID)
	if err != nil {
		return 0, err
	}

	remoteRec, err := e.remote.Get(ctx, entry.RecordID)
	if err != nil {
		return 0, err
	}

	pushFields := entry.Payload.Clone()
	conflicts := 0

	for field := range entry.Payload {
		if models.Equal(remoteRec.Fields[field], local.RemoteSnapshot[field]) {
			continue
		}
		// Remote edited this field concurrently: remote wins, the
		// local change is dropped.
		delete(pushFields, field)
		conflicts++
		logging.Warn("dropped conflicting field change, remote wins", map[string]interface{}{
			"record_id": entry.RecordID,
			"field":     field,
		})
		e.emitEvent(EventConflictResolved, map[string]interface{}{
			"record_id": entry.RecordID,
			"field":     field,
		})
	}

	resp := remoteRec
	if len(pushFields) > 0 {
		resp, err = e.remote.Update(ctx, entry.RecordID, pushFields)
		if err != nil {
			return conflicts, err
		}
	}

	// Installs the remote response as the new baseline; conflicting
	// fields come back carrying the remote's value.
	_, err = e.store.CompletePush(entry.ID, entry.PayloadRev, "", resp.Fields, resp.ModifiedAt)
	return conflicts, err
}
