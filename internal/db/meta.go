// Package db provides access to the cache_meta singleton row.
package db

import (
	"database/sql"
	"time"

	apperr "github.com/leadstack/leadcache/internal/errors"
	"github.com/leadstack/leadcache/internal/models"
)

// Meta reads and writes the process-wide cache metadata row.
type Meta struct {
	db *sql.DB
}

// NewMeta creates a Meta accessor.
func NewMeta(db *sql.DB) *Meta {
	return &Meta{db: db}
}

// Get reads the singleton metadata row.
func (m *Meta) Get() (*models.CacheMeta, error) {
	var meta models.CacheMeta
	query := `SELECT last_full_pull_at, last_incremental_pull_at, schema_version FROM cache_meta WHERE id = 1`
	err := m.db.QueryRow(query).Scan(&meta.LastFullPullAt, &meta.LastIncrementalPullAt, &meta.SchemaVersion)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "failed to read cache meta", err)
	}
	return &meta, nil
}

// SetLastFullPull records a completed full pull. A full pull also
// establishes the incremental watermark.
func (m *Meta) SetLastFullPull(t time.Time) error {
	query := `UPDATE cache_meta SET last_full_pull_at = ?, last_incremental_pull_at = ? WHERE id = 1`
	if _, err := m.db.Exec(query, t.Unix(), t.Unix()); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to record full pull", err)
	}
	return nil
}

// SetLastIncrementalPull advances the incremental watermark. Called
// only after the whole pulled batch has been applied.
func (m *Meta) SetLastIncrementalPull(t time.Time) error {
	query := `UPDATE cache_meta SET last_incremental_pull_at = ? WHERE id = 1`
	if _, err := m.db.Exec(query, t.Unix()); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "failed to advance pull watermark", err)
	}
	return nil
}
