// Package models provides data model definitions for the lead cache.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// LocalIDPrefix marks a record created locally that has not been pushed
// to the remote source of truth yet. Once the first push succeeds the
// placeholder is replaced by the remote identifier.
const LocalIDPrefix = "local-"

// EngagementStage represents the outreach degree of a lead.
type EngagementStage string

const (
	StageNone         EngagementStage = "none"
	StageFirstDegree  EngagementStage = "first_degree"
	StageSecondDegree EngagementStage = "second_degree"
	StageThirdDegree  EngagementStage = "third_degree"
	StageRetry        EngagementStage = "retry"
	StageMaxed        EngagementStage = "maxed"
)

// SyncState represents a record's relation to the remote source of truth.
// Push progress is tracked on the record's queue entry, not here, so a
// record stays dirty while its entry is claimed; pushing is accepted by
// the schema but not written by current code.
type SyncState string

const (
	SyncStateClean    SyncState = "clean"
	SyncStateDirty    SyncState = "dirty"
	SyncStatePushing  SyncState = "pushing"
	SyncStateConflict SyncState = "conflict"
)

// Well-known field names. The field set is open: anything else the remote
// defines rides along untouched.
const (
	FieldName              = "name"
	FieldCompany           = "company"
	FieldEmail             = "email"
	FieldLinkedInURL       = "linkedin_url"
	FieldStatus            = "status"
	FieldEngagementStage   = "engagement_stage"
	FieldLastContacted     = "last_contacted"
	FieldEngagementHistory = "engagement_history"
)

// Fields is the open mapping of remote-defined field names to values.
// Values are whatever JSON decoding produced (string, float64, bool,
// []interface{}, map[string]interface{}).
type Fields map[string]interface{}

// Clone returns a shallow copy of the field map.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge applies other on top of f, last write wins per field.
func (f Fields) Merge(other Fields) {
	for k, v := range other {
		f[k] = v
	}
}

// Equal compares two field values through their JSON encoding. Remote
// values arrive as decoded JSON, so byte-level comparison of the
// re-encoded forms is the only comparison that treats 1 and 1.0 alike.
func Equal(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// EngagementEvent is one entry of a lead's append-only engagement history.
type EngagementEvent struct {
	Timestamp int64           `json:"timestamp"`
	Stage     EngagementStage `json:"stage"`
	Outcome   string          `json:"outcome,omitempty"`
}

// LeadRecord represents a cached lead with its sync metadata.
type LeadRecord struct {
	ID             string    `db:"id" json:"id"`
	Fields         Fields    `db:"fields" json:"fields"`
	LocalVersion   int64     `db:"local_version" json:"local_version"`
	RemoteVersion  string    `db:"remote_version" json:"remote_version,omitempty"`
	RemoteSnapshot Fields    `db:"remote_snapshot" json:"-"`
	SyncState      SyncState `db:"sync_state" json:"sync_state"`
	CreatedAt      int64     `db:"created_at" json:"created_at"`
	UpdatedAt      int64     `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for LeadRecord.
func (LeadRecord) TableName() string {
	return "leads"
}

// IsLocalOnly reports whether the record still carries a cache-local
// placeholder identifier.
func (r *LeadRecord) IsLocalOnly() bool {
	return strings.HasPrefix(r.ID, LocalIDPrefix)
}

// stringField returns a known field as a string, or "" when absent.
func (r *LeadRecord) stringField(key string) string {
	if r.Fields == nil {
		return ""
	}
	if s, ok := r.Fields[key].(string); ok {
		return s
	}
	return ""
}

// Name returns the lead's name field.
func (r *LeadRecord) Name() string { return r.stringField(FieldName) }

// Company returns the lead's company field.
func (r *LeadRecord) Company() string { return r.stringField(FieldCompany) }

// Email returns the lead's email field.
func (r *LeadRecord) Email() string { return r.stringField(FieldEmail) }

// Status returns the lead's status field.
func (r *LeadRecord) Status() string { return r.stringField(FieldStatus) }

// Stage returns the lead's engagement stage, defaulting to StageNone.
func (r *LeadRecord) Stage() EngagementStage {
	if s := r.stringField(FieldEngagementStage); s != "" {
		return EngagementStage(s)
	}
	return StageNone
}

// LastContacted returns the last_contacted timestamp, or nil when the
// lead has never been contacted.
func (r *LeadRecord) LastContacted() *time.Time {
	s := r.stringField(FieldLastContacted)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

// History decodes the engagement_history field. Entries the cache did
// not write itself (remote edits, older encodings) decode on a best
// effort basis; undecodable input yields an empty history rather than
// an error because history is advisory on read.
func (r *LeadRecord) History() []EngagementEvent {
	if r.Fields == nil {
		return nil
	}
	raw, ok := r.Fields[FieldEngagementHistory]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var events []EngagementEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil
	}
	return events
}

// HistoryWith returns the history value with one event appended, in the
// generic form stored inside Fields. The stored history is never
// truncated or reordered.
func (r *LeadRecord) HistoryWith(ev EngagementEvent) interface{} {
	events := append(r.History(), ev)
	data, err := json.Marshal(events)
	if err != nil {
		return events
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return events
	}
	return generic
}

// Touch bumps the local version and updated timestamp after a local
// mutation.
func (r *LeadRecord) Touch() {
	r.LocalVersion++
	r.UpdatedAt = time.Now().Unix()
}
