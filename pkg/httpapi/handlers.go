package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sandboxbroker/broker/pkg/types"
)

type allocateRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	LabTag         string `json:"lab_tag,omitempty"`
	NamePrefix     string `json:"name_prefix,omitempty"`
}

type allocateResponse struct {
	SandboxID  string `json:"sandbox_id"`
	Name       string `json:"name"`
	ExternalID string `json:"external_id"`
	AllocatedAt int64  `json:"allocated_at"`
	Idempotent bool   `json:"idempotent"`
}

func sandboxToAllocateResponse(sbx *types.Sandbox, idempotent bool) allocateResponse {
	return allocateResponse{
		SandboxID:   sbx.SandboxID,
		Name:        sbx.Name,
		ExternalID:  sbx.ExternalID,
		AllocatedAt: sbx.AllocatedAt,
		Idempotent:  idempotent,
	}
}

// handleAllocate implements POST /v1/sandboxes/allocate.
func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	requestID := requestIDFrom(r.Context())

	var body allocateRequest
	if r.Body != nil && r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = body.IdempotencyKey
	}

	res, err := s.allocator.Allocate(r.Context(), owner, idempotencyKey, body.LabTag, body.NamePrefix)
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	status := http.StatusCreated
	if res.Idempotent {
		status = http.StatusOK
	}
	writeJSON(w, status, sandboxToAllocateResponse(res.Sandbox, res.Idempotent))
}

// handleRelease implements POST /v1/sandboxes/{id}/release.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	requestID := requestIDFrom(r.Context())
	sandboxID := chi.URLParam(r, "id")

	sbx, err := s.releaser.Release(r.Context(), sandboxID, owner)
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sandbox_id":            sbx.SandboxID,
		"status":                sbx.Status,
		"deletion_requested_at": sbx.DeletionRequestedAt,
	})
}

// handleGet implements GET /v1/sandboxes/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	requestID := requestIDFrom(r.Context())
	sandboxID := chi.URLParam(r, "id")

	sbx, err := s.releaser.Get(r.Context(), sandboxID, owner)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, sbx)
}

// handleAdminList implements GET /v1/admin/sandboxes.
func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	statusFilter := types.Status(r.URL.Query().Get("status"))
	cursor := r.URL.Query().Get("cursor")
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}

	records, next, err := s.admin.ListSandboxes(r.Context(), statusFilter, cursor, limit)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sandboxes": records,
		"cursor":    next,
	})
}

// handleAdminStats implements GET /v1/admin/stats.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	stats, err := s.admin.Stats(r.Context())
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAdminSync implements POST /v1/admin/sync.
func (s *Server) handleAdminSync(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	res, err := s.admin.TriggerSync(r.Context())
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"synced":       res.Synced,
		"marked_stale": res.MarkedStale,
		"duration_ms":  res.Duration.Milliseconds(),
	})
}

// handleAdminCleanup implements POST /v1/admin/cleanup.
func (s *Server) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	res, err := s.admin.TriggerCleanup(r.Context())
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":     res.Deleted,
		"failed":      res.Failed,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

type bulkDeleteRequest struct {
	Status string `json:"status"`
}

// handleAdminBulkDelete implements POST /v1/admin/bulk-delete.
func (s *Server) handleAdminBulkDelete(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	var body bulkDeleteRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	deleted, err := s.admin.BulkDeleteByStatus(r.Context(), types.Status(body.Status))
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

type autoDeleteStaleRequest struct {
	GracePeriodHours int `json:"grace_period_hours"`
}

// handleAdminAutoDeleteStale implements POST /v1/admin/auto-delete-stale.
func (s *Server) handleAdminAutoDeleteStale(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	var body autoDeleteStaleRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.GracePeriodHours <= 0 {
		body.GracePeriodHours = 24
	}

	deleted, err := s.admin.AutoDeleteStale(r.Context(), body.GracePeriodHours)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}
