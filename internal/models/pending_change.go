// Package models provides data model definitions for the lead cache.
package models

import "time"

// ChangeType distinguishes a first push of a locally created record from
// a partial update of an already-synced one.
type ChangeType string

const (
	ChangeTypeUpsert      ChangeType = "upsert"
	ChangeTypeFieldUpdate ChangeType = "field_update"
)

// ChangeStatus is the lifecycle state of a pending change.
type ChangeStatus string

const (
	ChangeStatusPending ChangeStatus = "pending"
	ChangeStatusPushing ChangeStatus = "pushing"
	ChangeStatusFailed  ChangeStatus = "failed"
)

// PendingChange is one durable queue entry: a local mutation awaiting
// propagation to the remote source of truth. A record has at most one
// non-terminal entry; further local writes coalesce into it.
type PendingChange struct {
	ID           string       `db:"id" json:"id"`
	RecordID     string       `db:"record_id" json:"record_id"`
	ChangeType   ChangeType   `db:"change_type" json:"change_type"`
	Payload      Fields       `db:"payload" json:"payload"`
	PayloadRev   int64        `db:"payload_rev" json:"payload_rev"`
	AttemptCount int          `db:"attempt_count" json:"attempt_count"`
	NextAttemptAt int64       `db:"next_attempt_at" json:"next_attempt_at"`
	Status       ChangeStatus `db:"status" json:"status"`
	LastError    string       `db:"last_error" json:"last_error,omitempty"`
	// RemoteID is written after a remote create succeeds but before the
	// entry is acked. Replaying the entry after a crash then adopts the
	// id instead of creating a duplicate remote record.
	RemoteID  string `db:"remote_id" json:"remote_id,omitempty"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for PendingChange.
func (PendingChange) TableName() string {
	return "pending_changes"
}

// NextAttemptTime returns NextAttemptAt as time.Time.
func (c *PendingChange) NextAttemptTime() time.Time {
	return time.Unix(c.NextAttemptAt, 0)
}

// Terminal reports whether the entry no longer participates in
// coalescing or dequeue.
func (c *PendingChange) Terminal() bool {
	return c.Status == ChangeStatusFailed
}
