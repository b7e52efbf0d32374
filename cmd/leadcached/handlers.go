package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/leadstack/leadcache/internal/cache"
	"github.com/leadstack/leadcache/internal/db"
	"github.com/leadstack/leadcache/internal/errors"
	"github.com/leadstack/leadcache/internal/models"
	"github.com/leadstack/leadcache/internal/sync/scheduler"
)

// APIHandler serves the daemon's inspection and lead endpoints.
type APIHandler struct {
	cache     *cache.Cache
	queue     *db.Queue
	scheduler *scheduler.Scheduler
}

// NewAPIHandler creates an APIHandler.
func NewAPIHandler(c *cache.Cache, q *db.Queue, s *scheduler.Scheduler) *APIHandler {
	return &APIHandler{cache: c, queue: q, scheduler: s}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps error codes to HTTP status codes.
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrInvalid, errors.ErrStageViolation:
		return http.StatusBadRequest
	case errors.ErrRemoteTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]interface{}{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
}

// Status handles GET /status
func (h *APIHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.cache.GetStatus()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache":     status,
		"scheduler": h.scheduler.GetStatus(),
	})
}

// Leads handles GET /leads and POST /leads
func (h *APIHandler) Leads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listLeads(w, r)
	case http.MethodPost:
		h.createLead(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *APIHandler) listLeads(w http.ResponseWriter, r *http.Request) {
	var (
		leads []*models.LeadRecord
		err   error
	)

	query := r.URL.Query()
	switch {
	case query.Get("q") != "":
		leads, err = h.cache.SearchLeads(r.Context(), query.Get("q"))
	case query.Get("status") != "":
		leads, err = h.cache.GetLeadsByStatus(r.Context(), query.Get("status"))
	default:
		leads, err = h.cache.GetAllLeads(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leads": leads,
		"total": len(leads),
	})
}

func (h *APIHandler) createLead(w http.ResponseWriter, r *http.Request) {
	var fields models.Fields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(fields) == 0 {
		http.Error(w, "At least one field is required", http.StatusBadRequest)
		return
	}

	lead, err := h.cache.AddLead(r.Context(), fields)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, lead)
}

// LeadByID handles GET /leads/{id} and PATCH /leads/{id}
func (h *APIHandler) LeadByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/leads/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Invalid lead id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		lead, err := h.cache.GetLeadByID(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lead)

	case http.MethodPatch:
		var partial models.Fields
		if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if len(partial) == 0 {
			http.Error(w, "At least one field is required", http.StatusBadRequest)
			return
		}

		lead, err := h.cache.UpdateLead(r.Context(), id, partial)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lead)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Pending handles GET /pending
func (h *APIHandler) Pending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		entries []*models.PendingChange
		err     error
	)
	if r.URL.Query().Get("status") == "failed" {
		entries, err = h.cache.PendingFailures()
	} else {
		entries, err = h.queue.ListAll()
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changes": entries,
		"total":   len(entries),
	})
}

// Retry handles POST /pending/retry?id=<entry>
func (h *APIHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id query parameter is required", http.StatusBadRequest)
		return
	}

	if err := h.cache.RetryFailure(id); err != nil {
		writeError(w, err)
		return
	}

	// Pick the requeued entry up without waiting for the next tick. The
	// drain outlives this request, so it cannot ride the request context.
	h.scheduler.TriggerDrain(context.Background())

	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": id})
}

// Refresh handles POST /refresh. With force=true the pull runs
// synchronously and the response reports its outcome.
func (h *APIHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	force := r.URL.Query().Get("force") == "true"
	if err := h.cache.RefreshCache(r.Context(), force); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"refreshed": true,
		"forced":    force,
	})
}

// Routes registers all endpoints on a fresh mux.
func (h *APIHandler) Routes(hub *WSHub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"leadcached"}`))
	})

	mux.HandleFunc("/status", h.Status)
	mux.HandleFunc("/leads", h.Leads)
	mux.HandleFunc("/leads/", h.LeadByID)
	mux.HandleFunc("/pending", h.Pending)
	mux.HandleFunc("/pending/retry", h.Retry)
	mux.HandleFunc("/refresh", h.Refresh)
	mux.HandleFunc("/ws", hub.ServeWS)

	return mux
}
