package reconcile

import (
	"testing"

	"bitget-ledger-sync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalGuard(t *testing.T) {
	g := NewLocalGuard()

	release, ok, err := g.TryAcquire(t.Context(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, g.InProgress(1))

	_, ok, _ = g.TryAcquire(t.Context(), 1)
	assert.False(t, ok, "same user is skipped while in progress")

	other, ok, _ := g.TryAcquire(t.Context(), 2)
	assert.True(t, ok, "other users are independent")
	other()

	release()
	release() // releasing twice is harmless
	assert.False(t, g.InProgress(1))

	_, ok, _ = g.TryAcquire(t.Context(), 1)
	assert.True(t, ok)
}

func TestRedisGuard_UnreachableServer(t *testing.T) {
	_, err := NewRedisClient(t.Context(), config.Redis{Address: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestLayeredGuard(t *testing.T) {
	local := NewLocalGuard()
	remote := NewLocalGuard()
	g := NewLayeredGuard(local, remote)

	// Another instance holds the remote lease.
	releaseRemote, ok, _ := remote.TryAcquire(t.Context(), 7)
	require.True(t, ok)

	_, ok, err := g.TryAcquire(t.Context(), 7)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, local.InProgress(7), "local slot is released when the remote lease is taken")

	releaseRemote()
	release, ok, err := g.TryAcquire(t.Context(), 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, local.InProgress(7))
	release()
	assert.False(t, local.InProgress(7))
	assert.False(t, remote.InProgress(7))
}
