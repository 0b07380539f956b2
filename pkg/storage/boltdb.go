package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sandboxbroker/broker/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSandboxes     = []byte("sandboxes")
	bucketIdxStatus     = []byte("idx_status")
	bucketIdxIdempotent = []byte("idx_idempotency")
)

// BoltStore implements Store on top of go.etcd.io/bbolt. bbolt has no
// native secondary index, so idx_status and idx_idempotency are maintained
// as pointer-key buckets updated in the same transaction as the primary
// record. bbolt serializes all writers, which makes the read-modify-write
// inside each conditional operation linearizable per record without any
// server-side conditional expression.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt database at dataDir
// and ensures all three buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := ensureParentDir(dataDir); err != nil {
		return nil, err
	}

	db, err := bolt.Open(dataDir, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSandboxes, bucketIdxStatus, bucketIdxIdempotent} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func ensureParentDir(dataDir string) error {
	dir := filepath.Dir(dataDir)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// statusIndexKey builds the composite idx_status key: status \x00
// <20-digit zero-padded allocated_at> \x00 sandbox_id, so a bucket
// cursor scan over a status prefix yields records ordered by
// allocated_at ascending.
func statusIndexKey(status types.Status, allocatedAt int64, sandboxID string) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d\x00%s", status, allocatedAt, sandboxID))
}

func statusPrefix(status types.Status) []byte {
	return []byte(fmt.Sprintf("%s\x00", status))
}

func (s *BoltStore) Get(_ context.Context, sandboxID string) (*types.Sandbox, error) {
	var sbx types.Sandbox
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSandboxes).Get([]byte(sandboxID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &sbx)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &sbx, nil
}

// Put is an unconditional upsert. It removes any stale idx_status pointer
// (looked up via the previous record, if one existed) before writing the
// new one, so the index never accumulates orphaned entries for a record
// whose status or allocated_at changed.
func (s *BoltStore) Put(_ context.Context, sbx *types.Sandbox) error {
	sbx.UpdatedAt = types.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putLocked(tx, sbx)
	})
}

func (s *BoltStore) putLocked(tx *bolt.Tx, sbx *types.Sandbox) error {
	sb := tx.Bucket(bucketSandboxes)
	idx := tx.Bucket(bucketIdxStatus)

	if prev := sb.Get([]byte(sbx.SandboxID)); prev != nil {
		var old types.Sandbox
		if err := json.Unmarshal(prev, &old); err == nil {
			if err := idx.Delete(statusIndexKey(old.Status, old.AllocatedAt, old.SandboxID)); err != nil {
				return err
			}
			if old.IdempotencyKey != "" && old.IdempotencyKey != sbx.IdempotencyKey {
				if err := tx.Bucket(bucketIdxIdempotent).Delete([]byte(old.IdempotencyKey)); err != nil {
					return err
				}
			}
		}
	}

	data, err := json.Marshal(sbx)
	if err != nil {
		return err
	}
	if err := sb.Put([]byte(sbx.SandboxID), data); err != nil {
		return err
	}
	if err := idx.Put(statusIndexKey(sbx.Status, sbx.AllocatedAt, sbx.SandboxID), []byte(sbx.SandboxID)); err != nil {
		return err
	}
	if sbx.IdempotencyKey != "" {
		if err := tx.Bucket(bucketIdxIdempotent).Put([]byte(sbx.IdempotencyKey), []byte(sbx.SandboxID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) Delete(_ context.Context, sandboxID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSandboxes)
		data := sb.Get([]byte(sandboxID))
		if data == nil {
			return nil
		}
		var sbx types.Sandbox
		if err := json.Unmarshal(data, &sbx); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIdxStatus).Delete(statusIndexKey(sbx.Status, sbx.AllocatedAt, sbx.SandboxID)); err != nil {
			return err
		}
		if sbx.IdempotencyKey != "" {
			if err := tx.Bucket(bucketIdxIdempotent).Delete([]byte(sbx.IdempotencyKey)); err != nil {
				return err
			}
		}
		return sb.Delete([]byte(sandboxID))
	})
}

func (s *BoltStore) QueryByStatus(_ context.Context, status types.Status, limit int) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	prefix := statusPrefix(status)
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIdxStatus)
		sb := tx.Bucket(bucketSandboxes)
		c := idx.Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			data := sb.Get(v)
			if data == nil {
				continue
			}
			var sbx types.Sandbox
			if err := json.Unmarshal(data, &sbx); err != nil {
				return err
			}
			out = append(out, &sbx)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) QueryByIdempotency(_ context.Context, key string) (*types.Sandbox, error) {
	var sbx *types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketIdxIdempotent).Get([]byte(key))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketSandboxes).Get(id)
		if data == nil {
			return nil
		}
		var found types.Sandbox
		if err := json.Unmarshal(data, &found); err != nil {
			return err
		}
		sbx = &found
		return nil
	})
	return sbx, err
}

func (s *BoltStore) ConditionalAllocate(_ context.Context, sandboxID, owner, idemKey string, now int64, labTag string) (*types.Sandbox, error) {
	var result *types.Sandbox
	err := s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSandboxes)
		data := sb.Get([]byte(sandboxID))
		if data == nil {
			return ErrConditionFailed
		}
		var sbx types.Sandbox
		if err := json.Unmarshal(data, &sbx); err != nil {
			return err
		}
		if sbx.Status != types.StatusAvailable {
			return ErrConditionFailed
		}

		sbx.Status = types.StatusAllocated
		sbx.AllocatedToOwner = owner
		sbx.AllocatedAt = now
		sbx.IdempotencyKey = idemKey
		if labTag != "" {
			sbx.LabTag = labTag
		}
		sbx.UpdatedAt = now

		if err := s.putLocked(tx, &sbx); err != nil {
			return err
		}
		result = &sbx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) ConditionalMarkForDeletion(_ context.Context, sandboxID, owner string, now, minValidAllocatedAt int64) (*types.Sandbox, error) {
	var result *types.Sandbox
	err := s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSandboxes)
		data := sb.Get([]byte(sandboxID))
		if data == nil {
			return ErrConditionFailed
		}
		var sbx types.Sandbox
		if err := json.Unmarshal(data, &sbx); err != nil {
			return err
		}
		if sbx.Status != types.StatusAllocated || sbx.AllocatedToOwner != owner || sbx.AllocatedAt <= minValidAllocatedAt {
			return ErrConditionFailed
		}

		sbx.Status = types.StatusPendingDeletion
		sbx.DeletionRequestedAt = now
		sbx.UpdatedAt = now

		if err := s.putLocked(tx, &sbx); err != nil {
			return err
		}
		result = &sbx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Enumerate walks the primary bucket in key (sandbox_id) order. The cursor
// is simply the last sandbox_id returned; bbolt keys are stored sorted, so
// Seek(cursor) plus skipping the first match resumes deterministically
// even if records are deleted between pages.
func (s *BoltStore) Enumerate(_ context.Context, cursor string, limit int) ([]*types.Sandbox, string, error) {
	var out []*types.Sandbox
	var next string
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSandboxes)
		c := sb.Cursor()

		var k, v []byte
		if cursor == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(cursor))
			if k != nil && string(k) == cursor {
				k, v = c.Next()
			}
		}

		for ; k != nil; k, v = c.Next() {
			var sbx types.Sandbox
			if err := json.Unmarshal(v, &sbx); err != nil {
				return err
			}
			out = append(out, &sbx)
			if limit > 0 && len(out) >= limit {
				if nk, _ := c.Next(); nk != nil {
					next = sbx.SandboxID
				}
				break
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].SandboxID < out[j].SandboxID })
	return out, next, err
}
