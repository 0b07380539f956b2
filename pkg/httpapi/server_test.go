package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxbroker/broker/pkg/breaker"
	"github.com/sandboxbroker/broker/pkg/broker"
	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/types"
	"github.com/sandboxbroker/broker/pkg/upstream/mock"
)

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store := storage.NewMemStore()
	require.NoError(t, store.Put(context.Background(), &types.Sandbox{
		SandboxID:  "sbx-1",
		Name:       "sbx-1",
		ExternalID: "sbx-1",
		Status:     types.StatusAvailable,
	}))

	up := mock.New(3, types.Now())
	b := breaker.New(5, time.Minute)
	allocator := broker.NewAllocator(store, broker.AllocatorConfig{KCandidates: 15, LabDurationHours: 1})
	releaser := broker.NewReleaser(store, 1)
	admin := broker.NewAdmin(store, up, b, broker.CleanupConfig{})

	srv := NewServer(":0", allocator, releaser, admin, Config{ClientToken: "client-tok", AdminToken: "admin-tok"})
	return srv, store
}

func TestHTTP_AllocateRequiresBearerAndTrackID(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/sandboxes/allocate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/sandboxes/allocate", nil)
	req.Header.Set("Authorization", "Bearer client-tok")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing X-Track-ID must be rejected")
}

func TestHTTP_AllocateSucceeds(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/sandboxes/allocate", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer client-tok")
	req.Header.Set("X-Track-ID", "owner-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var body allocateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "sbx-1", body.SandboxID)
}

func TestHTTP_ReleaseWrongOwnerForbidden(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.routes()

	require.NoError(t, store.Put(context.Background(), &types.Sandbox{
		SandboxID:        "sbx-allocated",
		ExternalID:       "sbx-allocated",
		Status:           types.StatusAllocated,
		AllocatedToOwner: "owner-1",
		AllocatedAt:      types.Now(),
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/sandboxes/sbx-allocated/release", nil)
	req.Header.Set("Authorization", "Bearer client-tok")
	req.Header.Set("X-Track-ID", "owner-2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHTTP_AdminRequiresAdminToken(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer client-tok")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "the client token must not grant admin access")

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer admin-tok")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTP_Healthz(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusNotFound, rec.Code)
}
