// Package testutil provides shared fixtures for gypsum tests.
package testutil

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
)

// Epoch is the fixed upload time used by seeded versions.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// TempFile creates a file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// MD5Hex returns the hex-encoded MD5 checksum of data.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SeedProject writes the permissions, quota and an empty usage document of
// project.
func SeedProject(t *testing.T, store blob.Store, project string, perms model.Permissions, quota model.Quota) {
	t.Helper()
	ctx := context.Background()
	put(t, ctx, store, keys.Permissions(project), perms)
	put(t, ctx, store, keys.Quota(project), quota)
	put(t, ctx, store, keys.Usage(project), model.Usage{})
}

// SeedVersion stores a completed version holding files and returns its
// manifest. Entries in links are added as link entries without objects.
// Pass probation to leave the version on probation.
func SeedVersion(t *testing.T, store blob.Store, project, asset, version string, files map[string][]byte, links model.Manifest, probation bool) model.Manifest {
	t.Helper()
	ctx := context.Background()

	manifest := make(model.Manifest, len(files)+len(links))
	for p, data := range files {
		if err := store.Put(ctx, keys.File(project, asset, version, p), data, nil); err != nil {
			t.Fatalf("failed to seed %s: %v", p, err)
		}
		manifest[p] = model.ManifestEntry{Size: uint64(len(data)), MD5Sum: MD5Hex(data)}
	}
	for p, e := range links {
		manifest[p] = e
	}
	put(t, ctx, store, keys.Manifest(project, asset, version), manifest)

	finish := Epoch.Add(time.Hour)
	summary := model.Summary{
		UploadUserID: "seeder",
		UploadStart:  Epoch,
		UploadFinish: &finish,
	}
	if probation {
		summary.OnProbation = model.Bool(true)
	}
	put(t, ctx, store, keys.Summary(project, asset, version), summary)
	return manifest
}

// SetLatest points the latest alias of project/asset at version.
func SetLatest(t *testing.T, store blob.Store, project, asset, version string) {
	t.Helper()
	put(t, context.Background(), store, keys.Latest(project, asset), model.Latest{Version: version})
}

// Keys returns every key stored under prefix.
func Keys(t *testing.T, store blob.Store, prefix string) []string {
	t.Helper()
	objects, _, err := blob.ListAll(context.Background(), store, prefix, "")
	if err != nil {
		t.Fatalf("failed to list %s: %v", prefix, err)
	}
	out := make([]string, 0, len(objects))
	for _, o := range objects {
		out = append(out, o.Key)
	}
	return out
}

func put(t *testing.T, ctx context.Context, store blob.Store, key string, v any) {
	t.Helper()
	if err := blob.PutJSON(ctx, store, key, v); err != nil {
		t.Fatalf("failed to seed %s: %v", key, err)
	}
}
