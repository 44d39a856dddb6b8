package changelog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
)

func TestLogAndList(t *testing.T) {
	store := blob.NewMemoryStore()
	w := NewWriter(store)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	w.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	require.NoError(t, w.Log(ctx, Entry{Type: TypeAddVersion, Project: "p", Asset: "a", Version: "v1", Latest: model.Bool(true)}))
	require.NoError(t, w.Log(ctx, Entry{Type: TypeDeleteVersion, Project: "p", Asset: "a", Version: "v0"}))
	require.NoError(t, w.Log(ctx, Entry{Type: TypeApproveProbation, Project: "p", Asset: "a", Version: "v2"}))

	objects, _, err := blob.ListAll(ctx, store, keys.LogPrefix, "")
	require.NoError(t, err)
	require.Len(t, objects, 3)
	for _, o := range objects {
		assert.True(t, strings.HasPrefix(o.Key, "..logs/2024-05-01T10:00:0"), o.Key)
		assert.Len(t, o.Key[strings.LastIndex(o.Key, "_")+1:], 6)
	}

	all, err := w.List(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, TypeAddVersion, all[0].Type)
	require.NotNil(t, all[0].Latest)
	assert.True(t, *all[0].Latest)
	assert.Equal(t, TypeApproveProbation, all[2].Type)

	recent, err := w.List(ctx, base.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "v0", recent[0].Version)
}
