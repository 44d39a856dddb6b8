// Package dedup turns the file descriptors of an upload request into
// manifest entries. dedup descriptors are matched by MD5 checksum and size
// against the latest version of the asset, and every link, explicit or
// derived, is validated against its target and flattened so that its
// ancestor is always the file that owns the bytes.
package dedup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/fanout"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/latest"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
)

// File is a file that must be uploaded.
type File struct {
	Path   string
	MD5Sum string
	Size   uint64
}

// LinkedFile is a file served from another version.
type LinkedFile struct {
	Path  string
	Entry model.ManifestEntry
}

// Result splits the request into files to upload and resolved links.
type Result struct {
	Simple []File
	Links  []LinkedFile
	// Deduplicated counts the dedup descriptors that became links.
	Deduplicated int
}

// SimpleBytes returns the bytes the request will add to the project. The
// sum saturates at math.MaxUint64.
func (r *Result) SimpleBytes() uint64 {
	var total uint64
	for _, f := range r.Simple {
		if f.Size > math.MaxUint64-total {
			return math.MaxUint64
		}
		total += f.Size
	}
	return total
}

// Manifest builds the manifest of the new version.
func (r *Result) Manifest() model.Manifest {
	m := make(model.Manifest, len(r.Simple)+len(r.Links))
	for _, f := range r.Simple {
		m[f.Path] = model.ManifestEntry{Size: f.Size, MD5Sum: f.MD5Sum}
	}
	for _, l := range r.Links {
		m[l.Path] = l.Entry
	}
	return m
}

// Manifests caches manifests for the duration of one request. It is safe
// for concurrent use.
type Manifests struct {
	store blob.Store
	mu    sync.Mutex
	byKey map[string]model.Manifest
}

// NewManifests creates an empty request-scoped manifest cache.
func NewManifests(store blob.Store) *Manifests {
	return &Manifests{store: store, byKey: make(map[string]model.Manifest)}
}

// Get returns the manifest of a version, or nil if it does not exist.
// Missing manifests are not cached.
func (m *Manifests) Get(ctx context.Context, project, asset, version string) (model.Manifest, error) {
	key := keys.Manifest(project, asset, version)

	m.mu.Lock()
	cached, ok := m.byKey[key]
	m.mu.Unlock()
	if ok {
		return cached, nil
	}

	var manifest model.Manifest
	found, err := blob.GetJSON(ctx, m.store, key, &manifest)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	m.mu.Lock()
	m.byKey[key] = manifest
	m.mu.Unlock()
	return manifest, nil
}

// Resolver classifies and resolves descriptors.
type Resolver struct {
	store  blob.Store
	latest *latest.Resolver
}

// NewResolver creates a resolver reading from store.
func NewResolver(store blob.Store, lr *latest.Resolver) *Resolver {
	return &Resolver{store: store, latest: lr}
}

// Resolve validates files and resolves them for an upload of
// project/asset/version.
func (r *Resolver) Resolve(ctx context.Context, project, asset, version string, files []Descriptor) (*Result, error) {
	if err := Validate(files); err != nil {
		return nil, err
	}

	manifests := NewManifests(r.store)
	res := &Result{}

	var links []Descriptor
	var dedups []Descriptor
	for _, f := range files {
		switch f.Type {
		case TypeSimple:
			res.Simple = append(res.Simple, File{Path: f.Path, MD5Sum: f.MD5Sum, Size: *f.Size})
		case TypeDedup:
			dedups = append(dedups, f)
		case TypeLink:
			links = append(links, f)
		}
	}

	if len(dedups) > 0 {
		derived, simple, err := r.deduplicate(ctx, manifests, project, asset, dedups)
		if err != nil {
			return nil, err
		}
		res.Simple = append(res.Simple, simple...)
		res.Deduplicated = len(derived)
		links = append(links, derived...)
	}

	resolved, err := r.resolveLinks(ctx, manifests, project, asset, version, links)
	if err != nil {
		return nil, err
	}
	res.Links = resolved

	log.Debug().
		Str("project", project).
		Str("asset", asset).
		Str("version", version).
		Int("simple", len(res.Simple)).
		Int("links", len(res.Links)).
		Int("deduplicated", res.Deduplicated).
		Msg("Resolved upload files")
	return res, nil
}

func dedupKey(md5sum string, size uint64) string {
	return fmt.Sprintf("%s_%d", md5sum, size)
}

// deduplicate matches dedup descriptors against the latest version of the
// asset. Matches become link descriptors, the rest become simple files.
func (r *Resolver) deduplicate(ctx context.Context, manifests *Manifests, project, asset string, files []Descriptor) ([]Descriptor, []File, error) {
	degrade := func() []File {
		out := make([]File, 0, len(files))
		for _, f := range files {
			out = append(out, File{Path: f.Path, MD5Sum: f.MD5Sum, Size: *f.Size})
		}
		return out
	}

	attempt, err := latest.AttemptOnLatest(ctx, r.latest, project, asset,
		func(ctx context.Context, v string) (*model.Manifest, error) {
			m, err := manifests.Get(ctx, project, asset, v)
			if err != nil {
				return nil, apierr.Internal(err, "failed to read manifest of '%s/%s/%s'", project, asset, v)
			}
			if m == nil {
				return nil, nil
			}
			return &m, nil
		})
	if latest.IsMissing(err) {
		return nil, degrade(), nil
	}
	if err != nil {
		return nil, nil, err
	}
	if attempt.Value == nil {
		return nil, degrade(), nil
	}

	// Sorted so that the same content always links to the same path.
	prior := *attempt.Value
	paths := make([]string, 0, len(prior))
	for p := range prior {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	lookup := make(map[string]string, len(prior))
	for _, p := range paths {
		e := prior[p]
		k := dedupKey(e.MD5Sum, e.Size)
		if _, ok := lookup[k]; !ok {
			lookup[k] = p
		}
	}

	var derived []Descriptor
	var simple []File
	for _, f := range files {
		if p, ok := lookup[dedupKey(f.MD5Sum, *f.Size)]; ok {
			derived = append(derived, LinkTo(f.Path, Target{
				Project: project,
				Asset:   asset,
				Version: attempt.Version,
				Path:    p,
			}))
			continue
		}
		simple = append(simple, File{Path: f.Path, MD5Sum: f.MD5Sum, Size: *f.Size})
	}
	return derived, simple, nil
}

// targetState is what link validation needs to know about a target version.
type targetState struct {
	summary  *model.Summary
	manifest model.Manifest
}

// resolveLinks validates link descriptors against their targets and
// builds their manifest entries. Targets are fetched concurrently.
func (r *Resolver) resolveLinks(ctx context.Context, manifests *Manifests, project, asset, version string, links []Descriptor) ([]LinkedFile, error) {
	if len(links) == 0 {
		return nil, nil
	}

	for _, l := range links {
		t := l.Link
		if t.Project == project && t.Asset == asset && t.Version == version {
			return nil, apierr.Validation("detected circular link from '%s' to '%s' in the same version", l.Path, t.Path)
		}
	}

	g := fanout.New[*targetState](ctx)
	launched := make(map[string]struct{})
	for _, l := range links {
		t := *l.Link
		label := keys.VersionPrefix(t.Project, t.Asset, t.Version)
		if _, ok := launched[label]; ok {
			continue
		}
		launched[label] = struct{}{}
		g.Go(label, func(ctx context.Context) (*targetState, error) {
			var summary model.Summary
			found, err := blob.GetJSON(ctx, r.store, keys.Summary(t.Project, t.Asset, t.Version), &summary)
			if err != nil {
				return nil, apierr.Internal(err, "failed to read summary of '%s/%s/%s'", t.Project, t.Asset, t.Version)
			}
			if !found {
				return &targetState{}, nil
			}
			m, err := manifests.Get(ctx, t.Project, t.Asset, t.Version)
			if err != nil {
				return nil, apierr.Internal(err, "failed to read manifest of '%s/%s/%s'", t.Project, t.Asset, t.Version)
			}
			return &targetState{summary: &summary, manifest: m}, nil
		})
	}
	states, err := g.Wait()
	if err != nil {
		return nil, err
	}

	out := make([]LinkedFile, 0, len(links))
	for _, l := range links {
		t := l.Link
		state := states[keys.VersionPrefix(t.Project, t.Asset, t.Version)]

		switch {
		case state == nil || state.summary == nil:
			return nil, apierr.NotFoundBadRequest("cannot find version summary for link from '%s' to '%s/%s/%s'",
				l.Path, t.Project, t.Asset, t.Version)
		case state.summary.Probational():
			return nil, apierr.Validation("cannot refer to probational version '%s/%s/%s' in link from '%s'",
				t.Project, t.Asset, t.Version, l.Path)
		case !state.summary.Complete():
			return nil, apierr.Validation("cannot refer to incomplete upload '%s/%s/%s' in link from '%s'",
				t.Project, t.Asset, t.Version, l.Path)
		}

		target, ok := state.manifest[t.Path]
		if !ok {
			return nil, apierr.Validation("failed to link from '%s' to '%s/%s/%s/%s'",
				l.Path, t.Project, t.Asset, t.Version, t.Path)
		}

		link := &model.Link{Project: t.Project, Asset: t.Asset, Version: t.Version, Path: t.Path}
		if target.Link != nil {
			if target.Link.Ancestor != nil {
				link.Ancestor = target.Link.Ancestor.Strip()
			} else {
				link.Ancestor = target.Link.Strip()
			}
		}

		out = append(out, LinkedFile{
			Path:  l.Path,
			Entry: model.ManifestEntry{Size: target.Size, MD5Sum: target.MD5Sum, Link: link},
		})
	}
	return out, nil
}
