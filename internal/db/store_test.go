// Package db tests for the lead record store.
package db

import (
	"testing"
	"time"

	apperr "github.com/leadstack/leadcache/internal/errors"
	"github.com/leadstack/leadcache/internal/models"
)

func newTestStore(t *testing.T) (*Store, *Queue) {
	t.Helper()
	database := openTestDB(t)
	queue := NewQueue(database.DB, DefaultBackoff(), 3)
	store := NewStore(database.DB, queue)
	t.Cleanup(func() { store.Close() })
	return store, queue
}

func TestStore_InsertLocal(t *testing.T) {
	store, queue := newTestStore(t)

	rec, err := store.InsertLocal(models.Fields{"name": "Ada Lovelace", "status": "new"})
	if err != nil {
		t.Fatalf("InsertLocal() failed: %v", err)
	}

	if !rec.IsLocalOnly() {
		t.Errorf("New record id %q should carry the local placeholder prefix", rec.ID)
	}
	if rec.SyncState != models.SyncStateDirty {
		t.Errorf("SyncState = %s, want dirty", rec.SyncState)
	}

	// The record and its queue entry commit together
	got, err := store.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name() != "Ada Lovelace" {
		t.Errorf("Name() = %q, want Ada Lovelace", got.Name())
	}

	active, err := queue.ActiveForRecord(rec.ID)
	if err != nil {
		t.Fatalf("ActiveForRecord() failed: %v", err)
	}
	if active == nil {
		t.Fatal("InsertLocal() did not enqueue a pending change")
	}
	if active.ChangeType != models.ChangeTypeUpsert {
		t.Errorf("ChangeType = %s, want upsert", active.ChangeType)
	}
	if active.Payload["name"] != "Ada Lovelace" {
		t.Errorf("Payload = %v, want full field set", active.Payload)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get("missing")
	if !apperr.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want NOT_FOUND", err)
	}
}

func TestStore_UpdateFieldsMergesAndEnqueues(t *testing.T) {
	store, queue := newTestStore(t)

	if err := store.ApplyRemote("rec1", models.Fields{"name": "Jo", "status": "new"}, "2026-08-01T00:00:00.000Z"); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}

	rec, err := store.UpdateFields("rec1", models.Fields{"status": "contacted"})
	if err != nil {
		t.Fatalf("UpdateFields() failed: %v", err)
	}

	if rec.Status() != "contacted" {
		t.Errorf("Status() = %q, want contacted", rec.Status())
	}
	if rec.Name() != "Jo" {
		t.Errorf("Untouched field lost: Name() = %q, want Jo", rec.Name())
	}
	if rec.SyncState != models.SyncStateDirty {
		t.Errorf("SyncState = %s, want dirty", rec.SyncState)
	}
	if rec.LocalVersion != 1 {
		t.Errorf("LocalVersion = %d, want 1", rec.LocalVersion)
	}

	active, err := queue.ActiveForRecord("rec1")
	if err != nil {
		t.Fatalf("ActiveForRecord() failed: %v", err)
	}
	if active == nil {
		t.Fatal("UpdateFields() did not enqueue a pending change")
	}
	if active.ChangeType != models.ChangeTypeFieldUpdate {
		t.Errorf("ChangeType = %s, want field_update", active.ChangeType)
	}
	if _, ok := active.Payload["name"]; ok {
		t.Error("Payload carries untouched field name; should hold only the delta")
	}
}

func TestStore_UpdateFieldsCoalesces(t *testing.T) {
	store, queue := newTestStore(t)

	if err := store.ApplyRemote("rec1", models.Fields{"status": "new"}, "2026-08-01T00:00:00.000Z"); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}

	if _, err := store.UpdateFields("rec1", models.Fields{"status": "contacted"}); err != nil {
		t.Fatalf("First UpdateFields() failed: %v", err)
	}
	if _, err := store.UpdateFields("rec1", models.Fields{"company": "Acme"}); err != nil {
		t.Fatalf("Second UpdateFields() failed: %v", err)
	}

	all, err := queue.ListAll()
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("Queue has %d entries after two updates, want 1", len(all))
	}
	if all[0].Payload["status"] != "contacted" || all[0].Payload["company"] != "Acme" {
		t.Errorf("Coalesced payload = %v, want both deltas", all[0].Payload)
	}
}

func TestStore_UpdateLocalOnlyKeepsUpsert(t *testing.T) {
	store, queue := newTestStore(t)

	rec, err := store.InsertLocal(models.Fields{"name": "Jo"})
	if err != nil {
		t.Fatalf("InsertLocal() failed: %v", err)
	}
	if _, err := store.UpdateFields(rec.ID, models.Fields{"status": "new"}); err != nil {
		t.Fatalf("UpdateFields() failed: %v", err)
	}

	active, err := queue.ActiveForRecord(rec.ID)
	if err != nil {
		t.Fatalf("ActiveForRecord() failed: %v", err)
	}
	if active.ChangeType != models.ChangeTypeUpsert {
		t.Errorf("ChangeType = %s, want upsert while unsynced", active.ChangeType)
	}
	// A create must push the full field set, not just the delta
	if active.Payload["name"] != "Jo" || active.Payload["status"] != "new" {
		t.Errorf("Payload = %v, want full field set", active.Payload)
	}
}

func TestStore_MutateCallbackError(t *testing.T) {
	store, queue := newTestStore(t)

	if err := store.ApplyRemote("rec1", models.Fields{"status": "new"}, "2026-08-01T00:00:00.000Z"); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}

	_, err := store.Mutate("rec1", func(*models.LeadRecord) (models.Fields, error) {
		return nil, apperr.New(apperr.ErrStageViolation, "rejected")
	})
	if !apperr.Is(err, apperr.ErrStageViolation) {
		t.Fatalf("Mutate() = %v, want STAGE_VIOLATION", err)
	}

	// Neither the record nor the queue was touched
	rec, err := store.Get("rec1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.SyncState != models.SyncStateClean {
		t.Errorf("SyncState = %s, want clean after rolled-back mutate", rec.SyncState)
	}
	active, err := queue.ActiveForRecord("rec1")
	if err != nil {
		t.Fatalf("ActiveForRecord() failed: %v", err)
	}
	if active != nil {
		t.Error("Rolled-back mutate left a pending change behind")
	}
}

func TestStore_ApplyRemoteInsertsClean(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.ApplyRemote("rec1", models.Fields{"name": "Jo"}, "2026-08-01T00:00:00.000Z"); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}

	rec, err := store.Get("rec1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.SyncState != models.SyncStateClean {
		t.Errorf("SyncState = %s, want clean", rec.SyncState)
	}
	if rec.RemoteVersion != "2026-08-01T00:00:00.000Z" {
		t.Errorf("RemoteVersion = %q, want modification marker", rec.RemoteVersion)
	}
	if !models.Equal(rec.RemoteSnapshot["name"], "Jo") {
		t.Errorf("RemoteSnapshot = %v, want remote fields", rec.RemoteSnapshot)
	}
}

func TestStore_ApplyRemoteKeepsLocalIntent(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.ApplyRemote("rec1", models.Fields{"status": "new", "company": "Acme"}, "v1"); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if _, err := store.UpdateFields("rec1", models.Fields{"status": "contacted"}); err != nil {
		t.Fatalf("UpdateFields() failed: %v", err)
	}

	// A pull arrives while the local change is still queued
	if err := store.ApplyRemote("rec1", models.Fields{"status": "qualified", "company": "Acme Corp"}, "v2"); err != nil {
		t.Fatalf("Second ApplyRemote() failed: %v", err)
	}

	rec, err := store.Get("rec1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	// Unqueued fields take the remote value, queued intent stays on top
	if rec.Status() != "contacted" {
		t.Errorf("Status() = %q, want local intent contacted", rec.Status())
	}
	if rec.Company() != "Acme Corp" {
		t.Errorf("Company() = %q, want remote value Acme Corp", rec.Company())
	}
	if rec.SyncState != models.SyncStateDirty {
		t.Errorf("SyncState = %s, want dirty while change is queued", rec.SyncState)
	}
	if !models.Equal(rec.RemoteSnapshot["status"], "qualified") {
		t.Errorf("RemoteSnapshot status = %v, want remote baseline qualified", rec.RemoteSnapshot["status"])
	}
}

func TestStore_CompletePushAcks(t *testing.T) {
	store, queue := newTestStore(t)

	rec, err := store.InsertLocal(models.Fields{"name": "Jo"})
	if err != nil {
		t.Fatalf("InsertLocal() failed: %v", err)
	}
	active, err := queue.ActiveForRecord(rec.ID)
	if err != nil {
		t.Fatalf("ActiveForRecord() failed: %v", err)
	}

	acked, err := store.CompletePush(active.ID, active.PayloadRev, "recR1",
		models.Fields{"name": "Jo", "status": "new"}, "2026-08-01T00:00:00.000Z")
	if err != nil {
		t.Fatalf("CompletePush() failed: %v", err)
	}
	if !acked {
		t.Fatal("CompletePush() = false, want acked")
	}

	// The placeholder id was adopted and the entry deleted
	if _, err := store.Get(rec.ID); !apperr.Is(err, apperr.ErrNotFound) {
		t.Errorf("Placeholder id still resolves after adoption")
	}
	got, err := store.Get("recR1")
	if err != nil {
		t.Fatalf("Get(remote id) failed: %v", err)
	}
	if got.SyncState != models.SyncStateClean {
		t.Errorf("SyncState = %s, want clean", got.SyncState)
	}
	if got.Status() != "new" {
		t.Errorf("Remote response field missing: Status() = %q", got.Status())
	}

	all, err := queue.ListAll()
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Queue has %d entries after ack, want 0", len(all))
	}
}

func TestStore_CompletePushRequeuesWhenCoalesced(t *testing.T) {
	store, queue := newTestStore(t)

	if err := store.ApplyRemote("rec1", models.Fields{"status": "new"}, "v1"); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if _, err := store.UpdateFields("rec1", models.Fields{"status": "contacted"}); err != nil {
		t.Fatalf("UpdateFields() failed: %v", err)
	}
	active, err := queue.ActiveForRecord("rec1")
	if err != nil {
		t.Fatalf("ActiveForRecord() failed: %v", err)
	}
	claimedRev := active.PayloadRev

	// A new local write lands while the push is in flight
	if _, err := store.UpdateFields("rec1", models.Fields{"company": "Acme"}); err != nil {
		t.Fatalf("Concurrent UpdateFields() failed: %v", err)
	}

	acked, err := store.CompletePush(active.ID, claimedRev, "",
		models.Fields{"status": "contacted"}, "v2")
	if err != nil {
		t.Fatalf("CompletePush() failed: %v", err)
	}
	if acked {
		t.Fatal("CompletePush() acked an entry that was coalesced into mid-push")
	}

	// The entry went back to ready carrying the newer intent
	requeued, err := queue.Get(active.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if requeued.Status != models.ChangeStatusPending {
		t.Errorf("Status = %s, want pending", requeued.Status)
	}
	if requeued.Payload["company"] != "Acme" {
		t.Errorf("Requeued payload = %v, want newer intent", requeued.Payload)
	}

	rec, err := store.Get("rec1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.SyncState != models.SyncStateDirty {
		t.Errorf("SyncState = %s, want dirty while requeued change exists", rec.SyncState)
	}
	if rec.Company() != "Acme" {
		t.Errorf("Company() = %q, want local view to keep newer intent", rec.Company())
	}
}

func TestStore_ListAndSearch(t *testing.T) {
	store, _ := newTestStore(t)

	seed := []struct {
		id     string
		fields models.Fields
	}{
		{"rec1", models.Fields{"name": "Ada Lovelace", "company": "Analytical", "status": "new"}},
		{"rec2", models.Fields{"name": "Grace Hopper", "company": "Navy", "status": "contacted"}},
		{"rec3", models.Fields{"name": "Alan Kay", "email": "alan@parc.example", "status": "new"}},
	}
	for _, s := range seed {
		if err := store.ApplyRemote(s.id, s.fields, "v1"); err != nil {
			t.Fatalf("ApplyRemote(%s) failed: %v", s.id, err)
		}
	}

	all, err := store.List(ListFilter{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List() returned %d leads, want 3", len(all))
	}

	byStatus, err := store.List(ListFilter{Status: "new"})
	if err != nil {
		t.Fatalf("List(status) failed: %v", err)
	}
	if len(byStatus) != 2 {
		t.Errorf("List(status=new) returned %d leads, want 2", len(byStatus))
	}

	// Search is case-insensitive over name, company, email
	found, err := store.Search("hopper")
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != "rec2" {
		t.Errorf("Search(hopper) = %v, want rec2 only", found)
	}

	found, err = store.Search("PARC")
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != "rec3" {
		t.Errorf("Search(PARC) = %v, want rec3 only", found)
	}
}

func TestStore_ListByStage(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.ApplyRemote("rec1", models.Fields{"engagement_stage": "first_degree"}, "v1"); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if err := store.ApplyRemote("rec2", models.Fields{"name": "no stage yet"}, "v1"); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}

	staged, err := store.List(ListFilter{Stage: models.StageFirstDegree})
	if err != nil {
		t.Fatalf("List(stage) failed: %v", err)
	}
	if len(staged) != 1 || staged[0].ID != "rec1" {
		t.Errorf("List(stage=first_degree) = %d leads, want rec1 only", len(staged))
	}

	// A record without the field counts as stage none
	unstaged, err := store.List(ListFilter{Stage: models.StageNone})
	if err != nil {
		t.Fatalf("List(stage none) failed: %v", err)
	}
	if len(unstaged) != 1 || unstaged[0].ID != "rec2" {
		t.Errorf("List(stage=none) = %d leads, want rec2 only", len(unstaged))
	}
}

func TestStore_GetStats(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.ApplyRemote("rec1", models.Fields{"status": "new"}, "v1"); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if _, err := store.InsertLocal(models.Fields{"name": "Jo"}); err != nil {
		t.Fatalf("InsertLocal() failed: %v", err)
	}

	stats, err := store.GetStats()
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	if stats.Leads != 2 {
		t.Errorf("Leads = %d, want 2", stats.Leads)
	}
	if stats.ByState["clean"] != 1 || stats.ByState["dirty"] != 1 {
		t.Errorf("ByState = %v, want one clean and one dirty", stats.ByState)
	}
}

func TestMeta_Watermarks(t *testing.T) {
	database := openTestDB(t)
	meta := NewMeta(database.DB)

	m, err := meta.Get()
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !m.LastFullPullTime().IsZero() {
		t.Error("Fresh store should have a zero full-pull time")
	}

	now := time.Now().Truncate(time.Second)
	if err := meta.SetLastFullPull(now); err != nil {
		t.Fatalf("SetLastFullPull() failed: %v", err)
	}

	m, err = meta.Get()
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !m.LastFullPullTime().Equal(now) {
		t.Errorf("LastFullPullTime = %v, want %v", m.LastFullPullTime(), now)
	}
	// A full pull establishes the incremental watermark too
	if !m.LastIncrementalPullTime().Equal(now) {
		t.Errorf("LastIncrementalPullTime = %v, want %v", m.LastIncrementalPullTime(), now)
	}

	later := now.Add(time.Minute)
	if err := meta.SetLastIncrementalPull(later); err != nil {
		t.Fatalf("SetLastIncrementalPull() failed: %v", err)
	}
	m, err = meta.Get()
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !m.LastIncrementalPullTime().Equal(later) {
		t.Errorf("LastIncrementalPullTime = %v, want %v", m.LastIncrementalPullTime(), later)
	}
	if !m.LastFullPullTime().Equal(now) {
		t.Errorf("Incremental pull moved the full-pull time to %v", m.LastFullPullTime())
	}
}
