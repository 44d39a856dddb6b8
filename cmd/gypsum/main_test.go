package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/config"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/lock"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
	"github.com/ArtifactDB/gypsum-worker-sub000/testutil"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "secret"
	cfg.Storage.Backend = config.BackendMemory
	return cfg
}

func TestNewApp_Memory(t *testing.T) {
	a, err := newApp(context.Background(), testConfig())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.uploads)
	assert.NotNil(t, a.versions)
	assert.NotNil(t, a.latest)
	assert.NotNil(t, a.metrics)
	assert.Empty(t, a.closers)
}

func TestNewApp_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Cache.Backend = config.CacheRedis
	cfg.Cache.Redis.Addr = mr.Addr()

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, a.closers, 1)
	a.Close()
}

func TestNewApp_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig()
	cfg.Cache.Backend = config.CacheRedis
	cfg.Cache.Redis.Addr = addr

	_, err := newApp(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewApp_UnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "tape"

	_, err := newApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown storage backend")
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestMaintenanceCommands(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfgPath := testutil.TempFile(t, dir, "gypsum.yaml",
		"log_level: warn\nauth:\n  jwt_secret: secret\nstorage:\n  backend: filesystem\n  dir: "+dir+"/data\n")

	store, err := blob.NewFilesystemStore(dir + "/data")
	require.NoError(t, err)

	require.NoError(t, blob.PutJSON(ctx, store, keys.Usage("test"), model.Usage{}))
	require.NoError(t, store.Put(ctx, keys.File("test", "blob", "v1", "data.txt"), []byte("hello world"), nil))
	finished := time.Now().UTC()
	require.NoError(t, blob.PutJSON(ctx, store, keys.Summary("test", "blob", "v1"), model.Summary{
		UploadUserID: "alice",
		UploadStart:  finished.Add(-time.Minute),
		UploadFinish: &finished,
	}))

	locks := lock.NewManager(store)
	require.NoError(t, locks.Lock(ctx, "test", "blob", "v2", lock.NewSessionToken(), "alice"))

	t.Run("usage refuses while locked", func(t *testing.T) {
		assert.Error(t, runCommand(t, "refresh-usage", "test", "--config", cfgPath))
	})

	t.Run("unlock", func(t *testing.T) {
		require.NoError(t, runCommand(t, "unlock", "test", "--config", cfgPath))
		locked, err := locks.IsLocked(ctx, "test")
		require.NoError(t, err)
		assert.False(t, locked)
	})

	t.Run("refresh usage", func(t *testing.T) {
		require.NoError(t, runCommand(t, "refresh-usage", "test", "--config", cfgPath))
		var usage model.Usage
		found, err := blob.GetJSON(ctx, store, keys.Usage("test"), &usage)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(len("hello world")), usage.Total)
	})

	t.Run("refresh latest", func(t *testing.T) {
		require.NoError(t, runCommand(t, "refresh-latest", "test", "blob", "--config", cfgPath))
		var l model.Latest
		found, err := blob.GetJSON(ctx, store, keys.Latest("test", "blob"), &l)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "v1", l.Version)
	})

	t.Run("missing config", func(t *testing.T) {
		assert.Error(t, runCommand(t, "unlock", "test", "--config", dir+"/missing.yaml"))
	})
}
