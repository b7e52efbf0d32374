// Package db provides the Record Store: durable lead persistence with
// write-through change queueing.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	apperr "github.com/leadstack/leadcache/internal/errors"
	"github.com/leadstack/leadcache/internal/models"
	"github.com/leadstack/leadcache/internal/uuid"
)

// Store provides lead record persistence. Every mutating operation is a
// single transaction covering both the record row and its pending-change
// entry, so a crash can never leave one applied without the other.
type Store struct {
	db    *sql.DB
	queue *Queue

	// Prepared statement cache for hot read paths.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a Store writing change entries through queue.
func NewStore(db *sql.DB, queue *Queue) *Store {
	return &Store{db: db, queue: queue}
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

const leadColumns = `id, fields, local_version, remote_version, remote_snapshot, sync_state, created_at, updated_at`

func scanLead(scan func(dest ...interface{}) error) (*models.LeadRecord, error) {
	var rec models.LeadRecord
	var fieldsJSON, snapshotJSON string
	err := scan(&rec.ID, &fieldsJSON, &rec.LocalVersion, &rec.RemoteVersion,
		&snapshotJSON, &rec.SyncState, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("corrupt fields for lead %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &rec.RemoteSnapshot); err != nil {
		return nil, fmt.Errorf("corrupt remote snapshot for lead %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func marshalFields(f models.Fields) (string, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrStorage, "failed to encode fields", err)
	}
	return string(data), nil
}

// Get retrieves a lead by id.
func (s *Store) Get(id string) (*models.LeadRecord, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = ?`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to prepare lead lookup", err)
	}

	rec, err := scanLead(stmt.QueryRow(id).Scan)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.ErrNotFound, "lead not found: %s", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to read lead", err)
	}
	return rec, nil
}

func getLeadTx(tx *sql.Tx, id string) (*models.LeadRecord, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = ?`
	rec, err := scanLead(tx.QueryRow(query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.ErrNotFound, "lead not found: %s", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to read lead", err)
	}
	return rec, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status    string
	Stage     models.EngagementStage
	SyncState models.SyncState
}

// List returns leads matching the filter, ordered by creation time.
func (s *Store) List(filter ListFilter) ([]*models.LeadRecord, error) {
	query := `SELECT ` + leadColumns + ` FROM leads`
	var conds []string
	var args []interface{}

	if filter.Status != "" {
		conds = append(conds, `json_extract(fields, '$.status') = ?`)
		args = append(args, filter.Status)
	}
	if filter.Stage != "" {
		conds = append(conds, `COALESCE(json_extract(fields, '$.engagement_stage'), 'none') = ?`)
		args = append(args, string(filter.Stage))
	}
	if filter.SyncState != "" {
		conds = append(conds, `sync_state = ?`)
		args = append(args, string(filter.SyncState))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"

	return s.queryLeads(query, args...)
}

// Search returns leads whose name, company, or email contains the text,
// case-insensitive.
func (s *Store) Search(text string) ([]*models.LeadRecord, error) {
	pattern := "%" + strings.ToLower(text) + "%"
	query := `SELECT ` + leadColumns + ` FROM leads WHERE
		LOWER(COALESCE(json_extract(fields, '$.name'), '')) LIKE ?
		OR LOWER(COALESCE(json_extract(fields, '$.company'), '')) LIKE ?
		OR LOWER(COALESCE(json_extract(fields, '$.email'), '')) LIKE ?
		ORDER BY created_at, id`
	return s.queryLeads(query, pattern, pattern, pattern)
}

func (s *Store) queryLeads(query string, args ...interface{}) ([]*models.LeadRecord, error) {
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to prepare lead query", err)
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to query leads", err)
	}
	defer rows.Close()

	var leads []*models.LeadRecord
	for rows.Next() {
		rec, err := scanLead(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "failed to scan lead", err)
		}
		leads = append(leads, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to iterate leads", err)
	}
	return leads, nil
}

// InsertLocal creates a lead from a local write. The record receives a
// cache-local placeholder id and an upsert entry in the pending queue;
// both commit in one transaction.
func (s *Store) InsertLocal(fields models.Fields) (*models.LeadRecord, error) {
	now := time.Now().Unix()
	rec := &models.LeadRecord{
		ID:           models.LocalIDPrefix + uuid.New(),
		Fields:       fields.Clone(),
		LocalVersion: 1,
		SyncState:    models.SyncStateDirty,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO leads (` + leadColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.Exec(query, rec.ID, fieldsJSON, rec.LocalVersion, "", "{}",
		rec.SyncState, rec.CreatedAt, rec.UpdatedAt); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to insert lead", err)
	}

	if _, err := s.queue.EnqueueTx(tx, rec.ID, models.ChangeTypeUpsert, rec.Fields); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to commit lead insert", err)
	}
	return rec, nil
}

// UpdateFields merges a partial field update into a lead and enqueues
// (or coalesces into) its pending change, all in one transaction. The
// returned record reflects the post-update state.
func (s *Store) UpdateFields(id string, partial models.Fields) (*models.LeadRecord, error) {
	return s.Mutate(id, func(*models.LeadRecord) (models.Fields, error) {
		return partial, nil
	})
}

// Mutate applies a partial field update computed from the record's
// current state, inside the write transaction. The mutate callback sees
// the record as of this transaction and returns the fields to apply;
// returning an error rolls everything back with the record untouched.
func (s *Store) Mutate(id string, mutate func(*models.LeadRecord) (models.Fields, error)) (*models.LeadRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	rec, err := getLeadTx(tx, id)
	if err != nil {
		return nil, err
	}

	partial, err := mutate(rec)
	if err != nil {
		return nil, err
	}
	if len(partial) == 0 {
		return nil, apperr.New(apperr.ErrInvalid, "empty field update")
	}

	rec.Fields.Merge(partial)
	rec.Touch()
	rec.SyncState = models.SyncStateDirty

	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return nil, err
	}

	query := `UPDATE leads SET fields = ?, local_version = ?, sync_state = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.Exec(query, fieldsJSON, rec.LocalVersion, rec.SyncState, rec.UpdatedAt, rec.ID); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to update lead", err)
	}

	changeType := models.ChangeTypeFieldUpdate
	payload := partial
	if rec.IsLocalOnly() {
		// Still unknown remotely: the coalesced change stays a create
		// carrying the full field set.
		changeType = models.ChangeTypeUpsert
		payload = rec.Fields
	}
	if _, err := s.queue.EnqueueTx(tx, rec.ID, changeType, payload); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to commit lead update", err)
	}
	return rec, nil
}

// ApplyRemote upserts a record from a pull. Remote values become the
// new baseline; a record with an active pending change keeps its local
// payload applied on top and stays dirty.
func (s *Store) ApplyRemote(id string, remoteFields models.Fields, modifiedAt string) error {
	now := time.Now().Unix()

	snapshotJSON, err := marshalFields(remoteFields)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	rec, err := getLeadTx(tx, id)
	if apperr.Is(err, apperr.ErrNotFound) {
		query := `INSERT INTO leads (` + leadColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.Exec(query, id, snapshotJSON, 0, modifiedAt, snapshotJSON,
			models.SyncStateClean, now, now); err != nil {
			return apperr.Wrap(apperr.ErrStorage, "failed to insert pulled lead", err)
		}
		if err := tx.Commit(); err != nil {
			return apperr.Wrap(apperr.ErrStorage, "failed to commit pull", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	fields := remoteFields.Clone()
	state := models.SyncStateClean

	active, err := s.queue.activeForRecordTx(tx, id)
	if err != nil {
		return err
	}
	if active != nil {
		// Local intent wins in the local view until pushed; the push
		// itself arbitrates field-level conflicts.
		fields.Merge(active.Payload)
		state = rec.SyncState
		if state == models.SyncStateClean {
			state = models.SyncStateDirty
		}
	}

	fieldsJSON, err := marshalFields(fields)
	if err != nil {
		return err
	}

	query := `UPDATE leads SET fields = ?, remote_version = ?, remote_snapshot = ?, sync_state = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.Exec(query, fieldsJSON, modifiedAt, snapshotJSON, state, now, id); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to apply pulled lead", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to commit pull", err)
	}
	return nil
}

// SetSyncState updates only the sync_state column.
func (s *Store) SetSyncState(id string, state models.SyncState) error {
	query := `UPDATE leads SET sync_state = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.Exec(query, state, time.Now().Unix(), id)
	if err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to set sync state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.ErrNotFound, "lead not found: %s", id)
	}
	return nil
}

// CompletePush finalizes a successful push in one transaction: acks the
// queue entry if its payload was not coalesced into meanwhile, adopts
// the remote id for locally created records, and installs the remote
// response as the new baseline. Returns whether the entry was acked; a
// false return means new local writes arrived during the push and the
// entry was requeued, leaving the record dirty.
func (s *Store) CompletePush(entryID string, payloadRev int64, remoteID string, remoteFields models.Fields, modifiedAt string) (bool, error) {
	now := time.Now().Unix()

	snapshotJSON, err := marshalFields(remoteFields)
	if err != nil {
		return false, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, apperr.Wrap(apperr.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	entry, err := s.queue.getTx(tx, entryID)
	if err != nil {
		return false, err
	}

	recordID := entry.RecordID
	if remoteID != "" && recordID != remoteID {
		// First push of a locally created record: replace the
		// placeholder id everywhere.
		if _, err := tx.Exec(`UPDATE leads SET id = ? WHERE id = ?`, remoteID, recordID); err != nil {
			return false, apperr.Wrap(apperr.ErrStorage, "failed to adopt remote id", err)
		}
		if _, err := tx.Exec(`UPDATE pending_changes SET record_id = ? WHERE record_id = ?`, remoteID, recordID); err != nil {
			return false, apperr.Wrap(apperr.ErrStorage, "failed to adopt remote id in queue", err)
		}
		recordID = remoteID
	}

	acked := entry.PayloadRev == payloadRev
	if acked {
		if _, err := tx.Exec(`DELETE FROM pending_changes WHERE id = ?`, entryID); err != nil {
			return false, apperr.Wrap(apperr.ErrStorage, "failed to ack pending change", err)
		}
	} else {
		// Coalesced while pushing: the entry carries newer intent, so
		// it goes straight back to ready. A record that was created
		// remotely continues as a field update.
		query := `UPDATE pending_changes SET status = ?, change_type = ?, attempt_count = 0,
			next_attempt_at = ?, last_error = '', updated_at = ? WHERE id = ?`
		if _, err := tx.Exec(query, models.ChangeStatusPending, models.ChangeTypeFieldUpdate, now, now, entryID); err != nil {
			return false, apperr.Wrap(apperr.ErrStorage, "failed to requeue pending change", err)
		}
	}

	rec, err := getLeadTx(tx, recordID)
	if err != nil {
		return false, err
	}

	fields := rec.Fields.Clone()
	fields.Merge(remoteFields)
	state := models.SyncStateClean
	if !acked {
		entryNow, err := s.queue.getTx(tx, entryID)
		if err != nil {
			return false, err
		}
		fields.Merge(entryNow.Payload)
		state = models.SyncStateDirty
	}

	fieldsJSON, err := marshalFields(fields)
	if err != nil {
		return false, err
	}

	query := `UPDATE leads SET fields = ?, remote_version = ?, remote_snapshot = ?, sync_state = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.Exec(query, fieldsJSON, modifiedAt, snapshotJSON, state, now, recordID); err != nil {
		return false, apperr.Wrap(apperr.ErrStorage, "failed to finalize push", err)
	}

	if err := tx.Commit(); err != nil {
		return false, apperr.Wrap(apperr.ErrStorage, "failed to commit push", err)
	}
	return acked, nil
}

// Stats summarizes the store for inspection endpoints.
type Stats struct {
	Leads   int            `json:"leads"`
	ByState map[string]int `json:"by_state"`
}

// GetStats returns lead counts per sync state.
func (s *Store) GetStats() (*Stats, error) {
	rows, err := s.db.Query(`SELECT sync_state, COUNT(*) FROM leads GROUP BY sync_state`)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to count leads", err)
	}
	defer rows.Close()

	stats := &Stats{ByState: make(map[string]int)}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "failed to scan counts", err)
		}
		stats.ByState[state] = n
		stats.Leads += n
	}
	return stats, rows.Err()
}
