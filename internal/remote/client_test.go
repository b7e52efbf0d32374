// Package remote tests for the remote API client.
package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperr "github.com/leadstack/leadcache/internal/errors"
	"github.com/leadstack/leadcache/internal/models"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(Config{
		BaseURL: server.URL,
		APIKey:  "key-test",
		BaseID:  "appBASE",
		Table:   "Leads",
		Timeout: 5 * time.Second,
	})
	return client, server
}

func TestClient_ListFollowsPagination(t *testing.T) {
	var pages []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/appBASE/Leads" {
			t.Errorf("Path = %s, want /appBASE/Leads", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-test" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		if got := r.URL.Query().Get("pageSize"); got != "100" {
			t.Errorf("pageSize = %q, want 100", got)
		}

		offset := r.URL.Query().Get("offset")
		pages = append(pages, offset)
		w.Header().Set("Content-Type", "application/json")
		if offset == "" {
			json.NewEncoder(w).Encode(listResponse{
				Records: []apiRecord{{ID: "rec1", CreatedTime: "2026-08-01T00:00:00.000Z",
					Fields: map[string]interface{}{"name": "Ada"}}},
				Offset: "page2",
			})
			return
		}
		json.NewEncoder(w).Encode(listResponse{
			Records: []apiRecord{{ID: "rec2", CreatedTime: "2026-08-02T00:00:00.000Z",
				Fields: map[string]interface{}{"name": "Grace"}}},
		})
	})
	client, server := newTestClient(handler)
	defer server.Close()

	records, err := client.List(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("List() = %d records, want 2", len(records))
	}
	if records[0].ID != "rec1" || records[1].ID != "rec2" {
		t.Errorf("Record ids = %s, %s", records[0].ID, records[1].ID)
	}
	if len(pages) != 2 || pages[1] != "page2" {
		t.Errorf("Pagination offsets = %v, want two pages", pages)
	}
}

func TestClient_ListSinceSetsFilter(t *testing.T) {
	var formula string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		formula = r.URL.Query().Get("filterByFormula")
		json.NewEncoder(w).Encode(listResponse{})
	})
	client, server := newTestClient(handler)
	defer server.Close()

	since := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
	if _, err := client.List(context.Background(), since); err != nil {
		t.Fatalf("List() failed: %v", err)
	}

	want := "IS_AFTER(LAST_MODIFIED_TIME(), '2026-08-15T10:00:00Z')"
	if formula != want {
		t.Errorf("filterByFormula = %q, want %q", formula, want)
	}
}

func TestClient_ModifiedAtFallsBackToCreatedTime(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(listResponse{Records: []apiRecord{
			{ID: "rec1", CreatedTime: "2026-08-01T00:00:00.000Z",
				Fields: map[string]interface{}{"last_modified": "2026-08-20T00:00:00.000Z"}},
			{ID: "rec2", CreatedTime: "2026-08-02T00:00:00.000Z",
				Fields: map[string]interface{}{"name": "no marker"}},
		}})
	})
	client, server := newTestClient(handler)
	defer server.Close()

	records, err := client.List(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if records[0].ModifiedAt != "2026-08-20T00:00:00.000Z" {
		t.Errorf("ModifiedAt = %q, want the last_modified field", records[0].ModifiedAt)
	}
	if records[1].ModifiedAt != "2026-08-02T00:00:00.000Z" {
		t.Errorf("ModifiedAt = %q, want createdTime fallback", records[1].ModifiedAt)
	}
}

func TestClient_CreateAndUpdate(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req recordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if !req.Typecast {
			t.Error("Request did not set typecast")
		}

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/appBASE/Leads":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(apiRecord{ID: "recNEW",
				CreatedTime: "2026-08-30T00:00:00.000Z", Fields: req.Fields})
		case r.Method == http.MethodPatch && r.URL.Path == "/appBASE/Leads/rec1":
			merged := map[string]interface{}{"name": "Ada"}
			for k, v := range req.Fields {
				merged[k] = v
			}
			json.NewEncoder(w).Encode(apiRecord{ID: "rec1",
				CreatedTime: "2026-08-01T00:00:00.000Z", Fields: merged})
		default:
			t.Errorf("Unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	client, server := newTestClient(handler)
	defer server.Close()

	created, err := client.Create(context.Background(), models.Fields{"name": "Jo"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if created.ID != "recNEW" {
		t.Errorf("Created id = %q, want recNEW", created.ID)
	}

	updated, err := client.Update(context.Background(), "rec1", models.Fields{"status": "contacted"})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.Fields["name"] != "Ada" || updated.Fields["status"] != "contacted" {
		t.Errorf("Updated fields = %v, want full post-update record", updated.Fields)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  apperr.ErrorCode
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, apperr.ErrRemoteTransient, true},
		{"server error", http.StatusInternalServerError, apperr.ErrRemoteTransient, true},
		{"bad gateway", http.StatusBadGateway, apperr.ErrRemoteTransient, true},
		{"not found", http.StatusNotFound, apperr.ErrNotFound, false},
		{"unprocessable", http.StatusUnprocessableEntity, apperr.ErrRemoteRejected, false},
		{"unauthorized", http.StatusUnauthorized, apperr.ErrRemoteRejected, false},
	}
	for _, tt := range tests {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":"nope"}`))
		})
		client, server := newTestClient(handler)

		_, err := client.Get(context.Background(), "rec1")
		if err == nil {
			t.Errorf("%s: Get() = nil error", tt.name)
			server.Close()
			continue
		}
		if !apperr.Is(err, tt.wantCode) {
			t.Errorf("%s: error = %v, want code %s", tt.name, err, tt.wantCode)
		}
		if got := apperr.Retryable(err); got != tt.retryable {
			t.Errorf("%s: Retryable() = %v, want %v", tt.name, got, tt.retryable)
		}
		server.Close()
	}
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	_, err := client.Get(context.Background(), "rec1")
	if !apperr.Is(err, apperr.ErrRemoteTransient) {
		t.Errorf("Transport error = %v, want REMOTE_TRANSIENT", err)
	}
}
