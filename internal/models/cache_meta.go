// Package models provides data model definitions for the lead cache.
package models

import "time"

// CacheMeta is the process-wide singleton row describing cache
// freshness. Read at startup to decide whether a full pull must run
// before serving reads.
type CacheMeta struct {
	LastFullPullAt        int64 `db:"last_full_pull_at" json:"last_full_pull_at"`
	LastIncrementalPullAt int64 `db:"last_incremental_pull_at" json:"last_incremental_pull_at"`
	SchemaVersion         int   `db:"schema_version" json:"schema_version"`
}

// TableName returns the table name for CacheMeta.
func (CacheMeta) TableName() string {
	return "cache_meta"
}

// LastFullPullTime returns LastFullPullAt as time.Time; zero when no
// full pull has completed yet.
func (m *CacheMeta) LastFullPullTime() time.Time {
	if m.LastFullPullAt == 0 {
		return time.Time{}
	}
	return time.Unix(m.LastFullPullAt, 0)
}

// LastIncrementalPullTime returns LastIncrementalPullAt as time.Time.
func (m *CacheMeta) LastIncrementalPullTime() time.Time {
	if m.LastIncrementalPullAt == 0 {
		return time.Time{}
	}
	return time.Unix(m.LastIncrementalPullAt, 0)
}
