package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxbroker/broker/pkg/upstream"
)

func TestMock_ListActiveReturnsFullPool(t *testing.T) {
	u := New(5, 1_700_000_000)
	accounts, err := u.ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 5)
	for _, a := range accounts {
		assert.NotEmpty(t, a.ExternalID)
		assert.Equal(t, int64(1_700_000_000), a.CreatedAt)
	}
}

func TestMock_DeleteRemovesAndReportsAbsent(t *testing.T) {
	u := New(2, 0)
	ctx := context.Background()

	accounts, err := u.ListActive(ctx)
	require.NoError(t, err)
	target := accounts[0].ExternalID

	res, err := u.Delete(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, upstream.DeleteResultDeleted, res)

	res, err = u.Delete(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, upstream.DeleteResultAlreadyAbsent, res, "a second delete of the same account reports already-absent")

	remaining, err := u.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
