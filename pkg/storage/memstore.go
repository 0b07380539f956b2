package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/sandboxbroker/broker/pkg/types"
)

// MemStore is an in-memory Store guarded by a single mutex. It gives the
// same linearizability guarantee as BoltStore for conditional operations
// (a single mutex instead of bbolt's single-writer transaction). The
// shared suite in store_test.go runs against both implementations; the
// allocator's concurrency tests run against MemStore.
type MemStore struct {
	mu   sync.Mutex
	data map[string]*types.Sandbox
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]*types.Sandbox)}
}

func (s *MemStore) Close() error { return nil }

func clone(sbx *types.Sandbox) *types.Sandbox {
	c := *sbx
	return &c
}

func (s *MemStore) Get(_ context.Context, sandboxID string) (*types.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sbx, ok := s.data[sandboxID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sbx), nil
}

func (s *MemStore) Put(_ context.Context, sbx *types.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sbx.UpdatedAt = types.Now()
	s.data[sbx.SandboxID] = clone(sbx)
	return nil
}

func (s *MemStore) Delete(_ context.Context, sandboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sandboxID)
	return nil
}

func (s *MemStore) QueryByStatus(_ context.Context, status types.Status, limit int) ([]*types.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Sandbox
	for _, sbx := range s.data {
		if sbx.Status == status {
			out = append(out, clone(sbx))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AllocatedAt != out[j].AllocatedAt {
			return out[i].AllocatedAt < out[j].AllocatedAt
		}
		return out[i].SandboxID < out[j].SandboxID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) QueryByIdempotency(_ context.Context, key string) (*types.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sbx := range s.data {
		if sbx.IdempotencyKey == key {
			return clone(sbx), nil
		}
	}
	return nil, nil
}

func (s *MemStore) ConditionalAllocate(_ context.Context, sandboxID, owner, idemKey string, now int64, labTag string) (*types.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sbx, ok := s.data[sandboxID]
	if !ok || sbx.Status != types.StatusAvailable {
		return nil, ErrConditionFailed
	}
	sbx.Status = types.StatusAllocated
	sbx.AllocatedToOwner = owner
	sbx.AllocatedAt = now
	sbx.IdempotencyKey = idemKey
	if labTag != "" {
		sbx.LabTag = labTag
	}
	sbx.UpdatedAt = now
	return clone(sbx), nil
}

func (s *MemStore) ConditionalMarkForDeletion(_ context.Context, sandboxID, owner string, now, minValidAllocatedAt int64) (*types.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sbx, ok := s.data[sandboxID]
	if !ok || sbx.Status != types.StatusAllocated || sbx.AllocatedToOwner != owner || sbx.AllocatedAt <= minValidAllocatedAt {
		return nil, ErrConditionFailed
	}
	sbx.Status = types.StatusPendingDeletion
	sbx.DeletionRequestedAt = now
	sbx.UpdatedAt = now
	return clone(sbx), nil
}

func (s *MemStore) Enumerate(_ context.Context, cursor string, limit int) ([]*types.Sandbox, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if cursor != "" {
		i := sort.SearchStrings(ids, cursor)
		if i < len(ids) && ids[i] == cursor {
			i++
		}
		start = i
	}

	var out []*types.Sandbox
	var next string
	for i := start; i < len(ids); i++ {
		out = append(out, clone(s.data[ids[i]]))
		if limit > 0 && len(out) >= limit {
			if i+1 < len(ids) {
				next = ids[i]
			}
			break
		}
	}
	return out, next, nil
}
