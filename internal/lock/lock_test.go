package lock

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
)

func newTestManager(t *testing.T) (*Manager, *blob.MemoryStore) {
	t.Helper()
	store := blob.NewMemoryStore()
	return NewManager(store), store
}

func TestLockStoresHashedToken(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	token := NewSessionToken()

	require.NoError(t, m.Lock(ctx, "test", "blob", "v1", token, "alice"))

	var info model.Lock
	found, err := blob.GetJSON(ctx, store, keys.Lock("test"), &info)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, HashToken(token), info.SessionHash)
	assert.NotEqual(t, token, info.SessionHash)
	assert.Equal(t, "blob", info.Asset)
	assert.Equal(t, "v1", info.Version)
	assert.Equal(t, "alice", info.UserID)
}

func TestLockConflict(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, "test", "blob", "v1", NewSessionToken(), "alice"))

	// Project-wide: a different asset is still blocked.
	err := m.Lock(ctx, "test", "other", "v9", NewSessionToken(), "bob")
	assert.ErrorIs(t, err, apierr.ErrConflict)
	assert.Equal(t, http.StatusForbidden, apierr.StatusOf(err))
	assert.Contains(t, err.Error(), "locked")

	// Other projects are unaffected.
	assert.NoError(t, m.Lock(ctx, "elsewhere", "blob", "v1", NewSessionToken(), "bob"))
}

func TestCheck(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	token := NewSessionToken()
	require.NoError(t, m.Lock(ctx, "test", "blob", "v1", token, "alice"))

	assert.NoError(t, m.Check(ctx, "test", "blob", "v1", token))

	tests := []struct {
		name    string
		project string
		asset   string
		version string
		token   string
		reason  string
	}{
		{"not locked", "nothing", "blob", "v1", token, "not been previously locked"},
		{"not a uuid", "test", "blob", "v1", "not-a-token", "invalid session token"},
		{"uuid v1 rejected", "test", "blob", "v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "invalid session token"},
		{"wrong token", "test", "blob", "v1", NewSessionToken(), "different session token"},
		{"wrong asset", "test", "other", "v1", token, "asset name differs"},
		{"wrong version", "test", "blob", "v2", token, "version name differs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Check(ctx, tt.project, tt.asset, tt.version, tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, apierr.ErrForbidden)
			assert.Equal(t, http.StatusForbidden, apierr.StatusOf(err))
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx, "test", "blob", "v1", NewSessionToken(), "alice"))

	locked, err := m.IsLocked(ctx, "test")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, m.Unlock(ctx, "test"))
	require.NoError(t, m.Unlock(ctx, "test"))

	locked, err = m.IsLocked(ctx, "test")
	require.NoError(t, err)
	assert.False(t, locked)

	holder, err := m.Holder(ctx, "test")
	require.NoError(t, err)
	assert.Nil(t, holder)

	// Lock can be taken again once released.
	assert.NoError(t, m.Lock(ctx, "test", "blob", "v2", NewSessionToken(), "bob"))
}

func TestNewSessionTokenIsUUIDv4(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.True(t, validSessionToken(NewSessionToken()))
	}
	assert.False(t, validSessionToken("{"+NewSessionToken()+"}"))
}
