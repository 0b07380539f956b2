// Package mock provides an in-process Upstream used for local development
// and tests: rather than call a real provider, it manufactures a fixed
// pool of sandbox-shaped accounts so the broker is runnable with no cloud
// credentials at all.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/sandboxbroker/broker/pkg/upstream"
)

// Upstream is a fixed-size, thread-safe fake account pool.
type Upstream struct {
	mu       sync.Mutex
	accounts map[string]upstream.Account
}

// New manufactures a pool of n synthetic accounts, named sbx-mock-0001
// onward, each with a stable external id.
func New(n int, createdAt int64) *Upstream {
	u := &Upstream{accounts: make(map[string]upstream.Account, n)}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("mock-account-%04d", i+1)
		u.accounts[id] = upstream.Account{
			ExternalID: id,
			Name:       fmt.Sprintf("sbx-mock-%04d", i+1),
			CreatedAt:  createdAt,
		}
	}
	return u
}

func (u *Upstream) ListActive(_ context.Context) ([]upstream.Account, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]upstream.Account, 0, len(u.accounts))
	for _, a := range u.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (u *Upstream) Delete(_ context.Context, externalID string) (upstream.DeleteResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.accounts[externalID]; !ok {
		return upstream.DeleteResultAlreadyAbsent, nil
	}
	delete(u.accounts, externalID)
	return upstream.DeleteResultDeleted, nil
}

// CreateSandbox is intentionally unimplemented: provisioning new upstream
// accounts is out of scope, the pool is externally populated.
func (u *Upstream) CreateSandbox(context.Context) error {
	return fmt.Errorf("mock upstream: create_sandbox not implemented, the pool is externally populated")
}
