package versions

import (
	"context"
	"errors"
	"io"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/dedup"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/latest"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
)

// File is an open file of a version.
type File struct {
	io.ReadCloser
	Info *blob.ObjectInfo
	// Entry is the manifest entry the file was resolved from.
	Entry model.ManifestEntry
}

// readAt runs read against version, or against the latest version when
// version is LatestAlias. It returns the resolved version name.
func readAt[T any](ctx context.Context, s *Service, project, asset, version string, read func(ctx context.Context, version string) (*T, error)) (string, *T, error) {
	if err := dedup.ValidateName("project", project); err != nil {
		return "", nil, err
	}
	if err := dedup.ValidateName("asset", asset); err != nil {
		return "", nil, err
	}

	if version != LatestAlias {
		if err := dedup.ValidateName("version", version); err != nil {
			return "", nil, err
		}
		v, err := read(ctx, version)
		return version, v, err
	}

	res, err := latest.AttemptOnLatest(ctx, s.latest, project, asset, read)
	if err != nil {
		return "", nil, err
	}
	return res.Version, res.Value, nil
}

func getJSON[T any](ctx context.Context, store blob.Store, key string) (*T, error) {
	var v T
	found, err := blob.GetJSON(ctx, store, key, &v)
	if err != nil {
		return nil, apierr.Internal(err, "failed to read '%s'", key)
	}
	if !found {
		return nil, nil
	}
	return &v, nil
}

// Latest returns the latest version of an asset.
func (s *Service) Latest(ctx context.Context, project, asset string) (string, error) {
	if err := dedup.ValidateName("project", project); err != nil {
		return "", err
	}
	if err := dedup.ValidateName("asset", asset); err != nil {
		return "", err
	}
	return s.latest.Get(ctx, project, asset)
}

// GetSummary returns the summary of a version and the resolved version
// name.
func (s *Service) GetSummary(ctx context.Context, project, asset, version string) (string, *model.Summary, error) {
	resolved, summary, err := readAt(ctx, s, project, asset, version, func(ctx context.Context, v string) (*model.Summary, error) {
		return getJSON[model.Summary](ctx, s.store, keys.Summary(project, asset, v))
	})
	if err != nil {
		return "", nil, err
	}
	if summary == nil {
		return "", nil, apierr.NotFound("version '%s' of asset '%s' in project '%s' does not exist", resolved, asset, project)
	}
	return resolved, summary, nil
}

// GetManifest returns the manifest of a version and the resolved version
// name.
func (s *Service) GetManifest(ctx context.Context, project, asset, version string) (string, model.Manifest, error) {
	resolved, manifest, err := readAt(ctx, s, project, asset, version, func(ctx context.Context, v string) (*model.Manifest, error) {
		return getJSON[model.Manifest](ctx, s.store, keys.Manifest(project, asset, v))
	})
	if err != nil {
		return "", nil, err
	}
	if manifest == nil {
		return "", nil, apierr.NotFound("version '%s' of asset '%s' in project '%s' does not exist", resolved, asset, project)
	}
	return resolved, *manifest, nil
}

// OpenFile opens a file of a version. Link entries are read from the
// version that owns the bytes.
func (s *Service) OpenFile(ctx context.Context, project, asset, version, path string) (*File, error) {
	if err := dedup.ValidatePath(path); err != nil {
		return nil, apierr.Validation("invalid path '%s': %v", path, err)
	}
	resolved, manifest, err := s.GetManifest(ctx, project, asset, version)
	if err != nil {
		return nil, err
	}

	entry, ok := manifest[path]
	if !ok {
		return nil, apierr.NotFound("path '%s' does not exist in version '%s' of asset '%s'", path, resolved, asset)
	}

	key := keys.File(project, asset, resolved, path)
	if entry.IsLink() {
		origin := entry.Link.Origin()
		key = keys.File(origin.Project, origin.Asset, origin.Version, origin.Path)
	}

	rc, info, err := s.store.Open(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, apierr.NotFound("file '%s' of version '%s' of asset '%s' is missing", path, resolved, asset)
	}
	if err != nil {
		return nil, apierr.Internal(err, "failed to open '%s'", key)
	}
	return &File{ReadCloser: rc, Info: info, Entry: entry}, nil
}
