// Package upload implements the upload session of a version:
//
//	initialize -> files uploaded by the client -> complete | abort
//
// Initialization takes the project lock, records the version summary,
// resolves deduplication and links, reserves quota, writes the manifest and
// hands out one upload URL per file that needs bytes. Any failure after the
// lock is taken rolls the version back and releases the lock. Completion
// checks the uploaded objects against the manifest before committing usage
// and moving the latest pointer.
package upload

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/auth"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/changelog"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/dedup"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/fanout"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/latest"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/lock"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/metrics"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/quota"
)

// Authorizer decides whether a caller may upload a version.
type Authorizer interface {
	CheckUploadPermissions(ctx context.Context, project, asset, version, token string) (*auth.UploadAccess, error)
}

// Changelog receives version-level events.
type Changelog interface {
	Log(ctx context.Context, e changelog.Entry) error
}

// InitRequest is the body of an upload initialization.
type InitRequest struct {
	Files       []dedup.Descriptor `json:"files"`
	OnProbation bool               `json:"on_probation,omitempty"`
}

// FileURL is where the client uploads one file.
type FileURL struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// InitResponse tells the client where to send its files.
type InitResponse struct {
	FileURLs     []FileURL `json:"file_urls"`
	CompleteURL  string    `json:"complete_url"`
	AbortURL     string    `json:"abort_url"`
	SessionToken string    `json:"session_token"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     blob.Store
	Locks     *lock.Manager
	Quota     *quota.Enforcer
	Resolver  *dedup.Resolver
	Latest    *latest.Resolver
	Auth      Authorizer
	Presigner Presigner
	Changelog Changelog
	Metrics   *metrics.Metrics
}

// Service runs upload sessions.
type Service struct {
	store     blob.Store
	locks     *lock.Manager
	quota     *quota.Enforcer
	resolver  *dedup.Resolver
	latest    *latest.Resolver
	auth      Authorizer
	presigner Presigner
	changelog Changelog
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService creates an upload service.
func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		locks:     d.Locks,
		quota:     d.Quota,
		resolver:  d.Resolver,
		latest:    d.Latest,
		auth:      d.Auth,
		presigner: d.Presigner,
		changelog: d.Changelog,
		metrics:   d.Metrics,
		now:       time.Now,
	}
}

// ValidateNames checks the names of a version and its parents.
func ValidateNames(project, asset, version string) error {
	if err := dedup.ValidateName("project", project); err != nil {
		return err
	}
	if err := dedup.ValidateName("asset", asset); err != nil {
		return err
	}
	return dedup.ValidateName("version", version)
}

// Initialize starts an upload of project/asset/version on behalf of the
// caller identified by userToken.
func (s *Service) Initialize(ctx context.Context, project, asset, version string, req InitRequest, userToken string) (*InitResponse, error) {
	if err := ValidateNames(project, asset, version); err != nil {
		return nil, err
	}

	access, err := s.auth.CheckUploadPermissions(ctx, project, asset, version, userToken)
	if err != nil {
		return nil, err
	}
	probation := req.OnProbation || !access.IsTrusted

	session := lock.NewSessionToken()
	if err := s.locks.Lock(ctx, project, asset, version, session, access.User.Login); err != nil {
		if errors.Is(err, apierr.ErrConflict) {
			s.metrics.RecordLockConflict()
		}
		return nil, err
	}

	// Versions are immutable: an existing version must survive this
	// failure, so only the lock is released.
	exists, err := blob.Exists(ctx, s.store, keys.Summary(project, asset, version))
	if err == nil && exists {
		err = apierr.Conflict(http.StatusConflict, "version '%s' already exists for asset '%s' in project '%s'", version, asset, project)
	}
	if err != nil {
		s.release(ctx, project)
		s.metrics.RecordUpload(metrics.StageFailed)
		return nil, err
	}

	var pending fanout.Pending
	resp, err := s.initialize(ctx, &pending, project, asset, version, req, access, probation, session)
	if err != nil {
		s.rollback(ctx, &pending, project, asset, version, err)
		s.metrics.RecordUpload(metrics.StageFailed)
		return nil, err
	}

	s.metrics.RecordUpload(metrics.StageInitialized)
	log.Info().
		Str("project", project).
		Str("asset", asset).
		Str("version", version).
		Str("user", access.User.Login).
		Bool("probation", probation).
		Int("files", len(resp.FileURLs)).
		Msg("Upload initialized")
	return resp, nil
}

func (s *Service) initialize(ctx context.Context, pending *fanout.Pending, project, asset, version string, req InitRequest, access *auth.UploadAccess, probation bool, session string) (*InitResponse, error) {
	summary := model.Summary{
		UploadUserID: access.User.Login,
		UploadStart:  s.now().UTC(),
		OnProbation:  model.Bool(probation),
	}
	pending.Go(func() error {
		return blob.PutJSON(ctx, s.store, keys.Summary(project, asset, version), summary)
	})

	res, err := s.resolver.Resolve(ctx, project, asset, version, req.Files)
	if err != nil {
		return nil, err
	}

	incoming := res.SimpleBytes()
	if err := s.quota.CheckAndReserve(ctx, project, incoming); err != nil {
		return nil, err
	}
	s.metrics.RecordReserved(incoming)
	s.metrics.RecordDedupLinks(res.Deduplicated)

	manifest := res.Manifest()
	pending.Go(func() error {
		return blob.PutJSON(ctx, s.store, keys.Manifest(project, asset, version), manifest)
	})

	urls := make([]FileURL, 0, len(res.Simple))
	for _, f := range res.Simple {
		u, err := s.presigner.PresignUpload(ctx, project, asset, version, f.Path, f.MD5Sum)
		if err != nil {
			return nil, apierr.Internal(err, "failed to create upload URL for '%s'", f.Path)
		}
		urls = append(urls, FileURL{Path: f.Path, URL: u})
	}

	if err := pending.Wait(); err != nil {
		return nil, apierr.Internal(err, "failed to record version '%s/%s/%s'", project, asset, version)
	}

	base := VersionURL(project, asset, version)
	return &InitResponse{
		FileURLs:     urls,
		CompleteURL:  base + "/complete",
		AbortURL:     base + "/abort",
		SessionToken: session,
	}, nil
}

// rollback undoes a failed initialization. Secondary failures are logged
// and dropped so that the caller sees the error that caused the rollback.
func (s *Service) rollback(ctx context.Context, pending *fanout.Pending, project, asset, version string, cause error) {
	_ = pending.Wait()

	ctx = context.WithoutCancel(ctx)
	if err := blob.DeletePrefix(ctx, s.store, keys.VersionPrefix(project, asset, version)); err != nil {
		log.Warn().Err(err).Str("project", project).Str("asset", asset).Str("version", version).
			Msg("Failed to remove partial version during rollback")
	}
	s.release(ctx, project)

	log.Info().Err(cause).Str("project", project).Str("asset", asset).Str("version", version).
		Msg("Upload initialization rolled back")
}

func (s *Service) release(ctx context.Context, project string) {
	if err := s.locks.Unlock(context.WithoutCancel(ctx), project); err != nil {
		log.Warn().Err(err).Str("project", project).Msg("Failed to release upload lock")
	}
}

// Complete finalizes an upload once every file has been sent.
//
// Failures while checking the uploaded files keep the lock so that the
// client can fix its uploads and try again. Once usage is committed the
// lock is released whatever happens next.
func (s *Service) Complete(ctx context.Context, project, asset, version, session string) error {
	if err := s.locks.Check(ctx, project, asset, version, session); err != nil {
		return err
	}

	var manifest model.Manifest
	var summary model.Summary
	present := make(map[string]int64)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		found, err := blob.GetJSON(gctx, s.store, keys.Manifest(project, asset, version), &manifest)
		if err != nil {
			return apierr.Internal(err, "failed to read manifest")
		}
		if !found {
			return apierr.Integrity(http.StatusInternalServerError, "manifest of '%s/%s/%s' is missing", project, asset, version)
		}
		return nil
	})
	g.Go(func() error {
		found, err := blob.GetJSON(gctx, s.store, keys.Summary(project, asset, version), &summary)
		if err != nil {
			return apierr.Internal(err, "failed to read summary")
		}
		if !found {
			return apierr.Integrity(http.StatusInternalServerError, "summary of '%s/%s/%s' is missing", project, asset, version)
		}
		return nil
	})
	g.Go(func() error {
		prefix := keys.VersionPrefix(project, asset, version)
		objects, _, err := blob.ListAll(gctx, s.store, prefix, "")
		if err != nil {
			return apierr.Internal(err, "failed to list uploaded files")
		}
		for _, o := range objects {
			if keys.IsInternal(o.Key) {
				continue
			}
			present[strings.TrimPrefix(o.Key, prefix)] = o.Size
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	links, err := verify(manifest, present)
	if err != nil {
		return err
	}

	if err := s.writeLinks(ctx, project, asset, version, links); err != nil {
		return err
	}
	if err := s.quota.Commit(ctx, project); err != nil {
		return err
	}

	defer s.release(ctx, project)
	return s.finish(ctx, project, asset, version, &summary)
}

// verify checks the uploaded objects against the manifest and groups the
// link entries by directory.
func verify(manifest model.Manifest, present map[string]int64) (map[string]map[string]*model.Link, error) {
	paths := make([]string, 0, len(manifest))
	for p := range manifest {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	links := make(map[string]map[string]*model.Link)
	for _, p := range paths {
		entry := manifest[p]
		size, uploaded := present[p]

		if entry.IsLink() {
			if uploaded {
				return nil, apierr.Integrity(http.StatusInternalServerError, "linked file '%s' should not have an uploaded object", p)
			}
			dir, name := keys.SplitDir(p)
			if links[dir] == nil {
				links[dir] = make(map[string]*model.Link)
			}
			links[dir][name] = entry.Link
			continue
		}

		if !uploaded {
			return nil, apierr.Integrity(http.StatusBadRequest, "path '%s' should have a file", p)
		}
		if uint64(size) != entry.Size {
			return nil, apierr.Integrity(http.StatusBadRequest, "actual size (%d) of '%s' differs from its reported size (%d)", size, p, entry.Size)
		}
	}
	return links, nil
}

// writeLinks stores one ..links object per directory holding links.
func (s *Service) writeLinks(ctx context.Context, project, asset, version string, links map[string]map[string]*model.Link) error {
	g, gctx := errgroup.WithContext(ctx)
	for dir, entries := range links {
		g.Go(func() error {
			return blob.PutJSON(gctx, s.store, keys.Links(project, asset, version, dir), entries)
		})
	}
	if err := g.Wait(); err != nil {
		return apierr.Internal(err, "failed to write link listings")
	}
	return nil
}

// finish marks the version complete and, outside probation, makes it the
// latest version of its asset.
func (s *Service) finish(ctx context.Context, project, asset, version string, summary *model.Summary) error {
	finished := s.now().UTC()
	summary.UploadFinish = &finished

	probational := summary.Probational()
	if !probational {
		summary.OnProbation = nil
	}
	if err := blob.PutJSON(ctx, s.store, keys.Summary(project, asset, version), summary); err != nil {
		return apierr.Internal(err, "failed to update summary")
	}

	if !probational {
		if err := s.latest.Set(ctx, project, asset, version); err != nil {
			return err
		}
		entry := changelog.Entry{
			Type:    changelog.TypeAddVersion,
			Project: project,
			Asset:   asset,
			Version: version,
			Latest:  model.Bool(true),
		}
		if err := s.changelog.Log(ctx, entry); err != nil {
			log.Warn().Err(err).Str("project", project).Str("asset", asset).Str("version", version).
				Msg("Failed to write changelog entry")
		}
	}

	s.metrics.RecordUpload(metrics.StageCompleted)
	log.Info().
		Str("project", project).
		Str("asset", asset).
		Str("version", version).
		Bool("probation", probational).
		Msg("Upload completed")
	return nil
}

// Abort discards an upload in progress.
func (s *Service) Abort(ctx context.Context, project, asset, version, session string) error {
	if err := s.locks.Check(ctx, project, asset, version, session); err != nil {
		return err
	}

	if err := blob.DeletePrefix(ctx, s.store, keys.VersionPrefix(project, asset, version)); err != nil {
		return apierr.Internal(err, "failed to remove version '%s/%s/%s'", project, asset, version)
	}
	if err := s.locks.Unlock(ctx, project); err != nil {
		return err
	}

	s.metrics.RecordUpload(metrics.StageAborted)
	log.Info().Str("project", project).Str("asset", asset).Str("version", version).Msg("Upload aborted")
	return nil
}
