// Package db provides the durable Pending-Change Queue.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperr "github.com/leadstack/leadcache/internal/errors"
	"github.com/leadstack/leadcache/internal/logging"
	"github.com/leadstack/leadcache/internal/models"
	"github.com/leadstack/leadcache/internal/uuid"
)

// BackoffPolicy computes retry delays for failed pushes.
type BackoffPolicy struct {
	Base   time.Duration
	Factor int
	Cap    time.Duration
}

// DefaultBackoff matches the configured retry schedule: base 2s,
// doubling, capped at 10 minutes.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 2 * time.Second, Factor: 2, Cap: 10 * time.Minute}
}

// Delay returns the backoff delay after the given number of failed
// attempts. Delays are non-decreasing in the attempt count.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= time.Duration(p.Factor)
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Queue manages pending changes in the pending_changes table. Entries
// are never silently dropped: success removes them, exhausted retries
// park them in the failed state for operator inspection.
type Queue struct {
	db          *sql.DB
	policy      BackoffPolicy
	maxAttempts int
}

// NewQueue creates a Queue. maxAttempts bounds retries before an entry
// is marked permanently failed.
func NewQueue(db *sql.DB, policy BackoffPolicy, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &Queue{db: db, policy: policy, maxAttempts: maxAttempts}
}

const changeColumns = `id, record_id, change_type, payload, payload_rev, attempt_count,
	next_attempt_at, status, last_error, remote_id, created_at, updated_at`

func scanChange(scan func(dest ...interface{}) error) (*models.PendingChange, error) {
	var c models.PendingChange
	var payloadJSON string
	err := scan(&c.ID, &c.RecordID, &c.ChangeType, &payloadJSON, &c.PayloadRev,
		&c.AttemptCount, &c.NextAttemptAt, &c.Status, &c.LastError, &c.RemoteID,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &c.Payload); err != nil {
		return nil, fmt.Errorf("corrupt payload for change %s: %w", c.ID, err)
	}
	return &c, nil
}

// EnqueueTx records a local mutation inside the caller's transaction.
// When the record already has a non-terminal entry the payload merges
// into it, last write wins per field, so a record never carries more
// than one in-flight push.
func (q *Queue) EnqueueTx(tx *sql.Tx, recordID string, changeType models.ChangeType, payload models.Fields) (*models.PendingChange, error) {
	now := time.Now().Unix()

	existing, err := q.activeForRecordTx(tx, recordID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		merged := existing.Payload.Clone()
		merged.Merge(payload)
		// A pending create stays a create; its payload must keep the
		// full field set.
		ct := existing.ChangeType
		if changeType == models.ChangeTypeUpsert {
			ct = models.ChangeTypeUpsert
		}
		payloadJSON, err := marshalFields(merged)
		if err != nil {
			return nil, err
		}
		query := `UPDATE pending_changes SET payload = ?, payload_rev = payload_rev + 1,
			change_type = ?, updated_at = ? WHERE id = ?`
		if _, err := tx.Exec(query, payloadJSON, ct, now, existing.ID); err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "failed to coalesce pending change", err)
		}
		existing.Payload = merged
		existing.PayloadRev++
		existing.ChangeType = ct
		existing.UpdatedAt = now
		return existing, nil
	}

	c := &models.PendingChange{
		ID:            uuid.New(),
		RecordID:      recordID,
		ChangeType:    changeType,
		Payload:       payload.Clone(),
		PayloadRev:    1,
		NextAttemptAt: now,
		Status:        models.ChangeStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	payloadJSON, err := marshalFields(c.Payload)
	if err != nil {
		return nil, err
	}
	query := `INSERT INTO pending_changes (` + changeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.Exec(query, c.ID, c.RecordID, c.ChangeType, payloadJSON, c.PayloadRev,
		c.AttemptCount, c.NextAttemptAt, c.Status, c.LastError, c.RemoteID,
		c.CreatedAt, c.UpdatedAt); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to enqueue pending change", err)
	}
	return c, nil
}

// activeForRecordTx returns the record's non-terminal entry, or nil.
func (q *Queue) activeForRecordTx(tx *sql.Tx, recordID string) (*models.PendingChange, error) {
	query := `SELECT ` + changeColumns + ` FROM pending_changes
		WHERE record_id = ? AND status IN ('pending', 'pushing')`
	c, err := scanChange(tx.QueryRow(query, recordID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to read pending change", err)
	}
	return c, nil
}

// ActiveForRecord returns the record's non-terminal entry, or nil.
func (q *Queue) ActiveForRecord(recordID string) (*models.PendingChange, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()
	return q.activeForRecordTx(tx, recordID)
}

func (q *Queue) getTx(tx *sql.Tx, id string) (*models.PendingChange, error) {
	query := `SELECT ` + changeColumns + ` FROM pending_changes WHERE id = ?`
	c, err := scanChange(tx.QueryRow(query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.ErrNotFound, "pending change not found: %s", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to read pending change", err)
	}
	return c, nil
}

// Get returns a single queue entry by id.
func (q *Queue) Get(id string) (*models.PendingChange, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()
	return q.getTx(tx, id)
}

// DequeueReady claims entries whose next attempt is due, ordered by
// creation time, marking them pushing so a concurrent drain cannot
// claim them again.
func (q *Queue) DequeueReady(now time.Time) ([]*models.PendingChange, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + changeColumns + ` FROM pending_changes
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY created_at, id`
	rows, err := tx.Query(query, now.Unix())
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to query ready changes", err)
	}

	var ready []*models.PendingChange
	for rows.Next() {
		c, err := scanChange(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.ErrStorage, "failed to scan pending change", err)
		}
		ready = append(ready, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to iterate ready changes", err)
	}
	rows.Close()

	for _, c := range ready {
		if _, err := tx.Exec(`UPDATE pending_changes SET status = 'pushing', updated_at = ? WHERE id = ?`,
			now.Unix(), c.ID); err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "failed to claim pending change", err)
		}
		c.Status = models.ChangeStatusPushing
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to commit claim", err)
	}
	return ready, nil
}

// Fail records a transient push failure and schedules the retry with
// exponential backoff. Once the attempt count passes the configured
// maximum the entry is parked as permanently failed instead.
func (q *Queue) Fail(id string, cause error) error {
	tx, err := q.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	c, err := q.getTx(tx, id)
	if err != nil {
		return err
	}

	now := time.Now()
	c.AttemptCount++

	if c.AttemptCount > q.maxAttempts {
		if err := q.markFailedTx(tx, c, cause, now); err != nil {
			return err
		}
		return tx.Commit()
	}

	delay := q.policy.Delay(c.AttemptCount)
	query := `UPDATE pending_changes SET status = 'pending', attempt_count = ?,
		next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.Exec(query, c.AttemptCount, now.Add(delay).Unix(), cause.Error(), now.Unix(), id); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to schedule retry", err)
	}

	logging.Warn("push failed, retry scheduled", map[string]interface{}{
		"change_id": id,
		"record_id": c.RecordID,
		"attempt":   c.AttemptCount,
		"retry_in":  delay.String(),
		"error":     cause.Error(),
	})
	return tx.Commit()
}

// MarkFailedPermanent parks an entry as failed without further retries.
// The entry stays in the table for operator visibility.
func (q *Queue) MarkFailedPermanent(id string, cause error) error {
	tx, err := q.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	c, err := q.getTx(tx, id)
	if err != nil {
		return err
	}
	if err := q.markFailedTx(tx, c, cause, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *Queue) markFailedTx(tx *sql.Tx, c *models.PendingChange, cause error, now time.Time) error {
	query := `UPDATE pending_changes SET status = 'failed', attempt_count = ?,
		last_error = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.Exec(query, c.AttemptCount, cause.Error(), now.Unix(), c.ID); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to mark change failed", err)
	}

	// The record keeps its local view; only propagation is stuck.
	if _, err := tx.Exec(`UPDATE leads SET sync_state = 'conflict', updated_at = ? WHERE id = ?`,
		now.Unix(), c.RecordID); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to flag record", err)
	}

	logging.Error("push failed permanently", cause, map[string]interface{}{
		"change_id": c.ID,
		"record_id": c.RecordID,
		"attempts":  c.AttemptCount,
	})
	return nil
}

// SetRemoteID durably records the remote identifier returned by a
// create before the entry is acked, so a replay after a crash adopts
// the id instead of creating a duplicate remote record.
func (q *Queue) SetRemoteID(id, remoteID string) error {
	query := `UPDATE pending_changes SET remote_id = ?, updated_at = ? WHERE id = ?`
	res, err := q.db.Exec(query, remoteID, time.Now().Unix(), id)
	if err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to record remote id", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.ErrNotFound, "pending change not found: %s", id)
	}
	return nil
}

// Release returns a claimed entry to the ready state without counting
// a failed attempt. Used when a drain stops before reaching the entry.
func (q *Queue) Release(id string) error {
	now := time.Now().Unix()
	query := `UPDATE pending_changes SET status = 'pending', next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pushing'`
	if _, err := q.db.Exec(query, now, now, id); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to release pending change", err)
	}
	return nil
}

// Retry resets a failed entry back to ready, clearing its attempts.
// When the record gained a new active entry while the old one sat
// failed, the failed payload coalesces underneath the active one
// instead, newer intent winning per field, so the record never
// carries two in-flight pushes.
func (q *Queue) Retry(id string) error {
	tx, err := q.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	c, err := q.getTx(tx, id)
	if err != nil {
		return err
	}
	if c.Status != models.ChangeStatusFailed {
		return apperr.Newf(apperr.ErrNotFound, "no failed change: %s", id)
	}

	now := time.Now().Unix()

	active, err := q.activeForRecordTx(tx, c.RecordID)
	if err != nil {
		return err
	}
	if active != nil {
		merged := c.Payload.Clone()
		merged.Merge(active.Payload)
		// A create stays a create; its payload must keep the full
		// field set.
		ct := active.ChangeType
		if c.ChangeType == models.ChangeTypeUpsert {
			ct = models.ChangeTypeUpsert
		}
		payloadJSON, err := marshalFields(merged)
		if err != nil {
			return err
		}
		query := `UPDATE pending_changes SET payload = ?, payload_rev = payload_rev + 1,
			change_type = ?, updated_at = ? WHERE id = ?`
		if _, err := tx.Exec(query, payloadJSON, ct, now, active.ID); err != nil {
			return apperr.Wrap(apperr.ErrStorage, "failed to coalesce retried change", err)
		}
		if _, err := tx.Exec(`DELETE FROM pending_changes WHERE id = ?`, c.ID); err != nil {
			return apperr.Wrap(apperr.ErrStorage, "failed to remove retried change", err)
		}
	} else {
		query := `UPDATE pending_changes SET status = 'pending', attempt_count = 0,
			next_attempt_at = ?, last_error = '', updated_at = ? WHERE id = ?`
		if _, err := tx.Exec(query, now, now, id); err != nil {
			return apperr.Wrap(apperr.ErrStorage, "failed to retry change", err)
		}
	}

	// The record is propagating again, so the stuck flag comes off.
	if _, err := tx.Exec(`UPDATE leads SET sync_state = 'dirty', updated_at = ?
		WHERE id = ? AND sync_state = 'conflict'`, now, c.RecordID); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to unflag record", err)
	}

	return tx.Commit()
}

// RequeueStuck demotes entries left in the pushing state by a previous
// process back to ready. Called once at startup.
func (q *Queue) RequeueStuck() (int, error) {
	now := time.Now().Unix()
	query := `UPDATE pending_changes SET status = 'pending', next_attempt_at = ?, updated_at = ?
		WHERE status = 'pushing'`
	res, err := q.db.Exec(query, now, now)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrStorage, "failed to requeue stuck changes", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("requeued changes left pushing by previous run", map[string]interface{}{
			"count": n,
		})
	}
	return int(n), nil
}

// ListFailed returns permanently failed entries for inspection.
func (q *Queue) ListFailed() ([]*models.PendingChange, error) {
	return q.list(`SELECT ` + changeColumns + ` FROM pending_changes WHERE status = 'failed' ORDER BY created_at, id`)
}

// ListAll returns every queue entry.
func (q *Queue) ListAll() ([]*models.PendingChange, error) {
	return q.list(`SELECT ` + changeColumns + ` FROM pending_changes ORDER BY created_at, id`)
}

func (q *Queue) list(query string, args ...interface{}) ([]*models.PendingChange, error) {
	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to query pending changes", err)
	}
	defer rows.Close()

	var changes []*models.PendingChange
	for rows.Next() {
		c, err := scanChange(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "failed to scan pending change", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// Counts returns entry counts per status.
func (q *Queue) Counts() (map[string]int, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM pending_changes GROUP BY status`)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to count pending changes", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "failed to scan counts", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
