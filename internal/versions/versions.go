// Package versions implements the maintenance operations on stored
// versions and projects: probation review, deletion, pointer and usage
// repair, project administration and read access with the "latest" alias.
package versions

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/auth"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/changelog"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/dedup"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/latest"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/lock"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/quota"
)

// LatestAlias names the latest version of an asset in read paths.
const LatestAlias = "latest"

// Changelog receives version-level events.
type Changelog interface {
	Log(ctx context.Context, e changelog.Entry) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     blob.Store
	Auth      *auth.Authorizer
	Locks     *lock.Manager
	Quota     *quota.Enforcer
	Latest    *latest.Resolver
	Changelog Changelog
}

// Service runs maintenance operations.
type Service struct {
	store     blob.Store
	auth      *auth.Authorizer
	locks     *lock.Manager
	quota     *quota.Enforcer
	latest    *latest.Resolver
	changelog Changelog
}

// NewService creates a versions service.
func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		auth:      d.Auth,
		locks:     d.Locks,
		quota:     d.Quota,
		latest:    d.Latest,
		changelog: d.Changelog,
	}
}

func validateVersion(project, asset, version string) error {
	if err := dedup.ValidateName("project", project); err != nil {
		return err
	}
	if err := dedup.ValidateName("asset", asset); err != nil {
		return err
	}
	return dedup.ValidateName("version", version)
}

// readSummary returns the summary of a version or a NotFound error.
func (s *Service) readSummary(ctx context.Context, project, asset, version string) (*model.Summary, error) {
	var summary model.Summary
	found, err := blob.GetJSON(ctx, s.store, keys.Summary(project, asset, version), &summary)
	if err != nil {
		return nil, apierr.Internal(err, "failed to read summary of '%s/%s/%s'", project, asset, version)
	}
	if !found {
		return nil, apierr.NotFound("version '%s' of asset '%s' in project '%s' does not exist", version, asset, project)
	}
	return &summary, nil
}

func (s *Service) emit(ctx context.Context, e changelog.Entry) {
	if err := s.changelog.Log(ctx, e); err != nil {
		log.Warn().Err(err).Str("type", e.Type).Str("project", e.Project).Str("asset", e.Asset).Str("version", e.Version).
			Msg("Failed to write changelog entry")
	}
}

// ApproveProbation takes a version off probation. The version becomes the
// latest of its asset if it finished after the current latest version.
func (s *Service) ApproveProbation(ctx context.Context, project, asset, version, token string) error {
	if err := validateVersion(project, asset, version); err != nil {
		return err
	}
	if _, err := s.auth.CheckManagementPermissions(ctx, project, token); err != nil {
		return err
	}

	summary, err := s.readSummary(ctx, project, asset, version)
	if err != nil {
		return err
	}
	if !summary.Probational() {
		return apierr.Validation("version '%s' of asset '%s' is not on probation", version, asset)
	}

	summary.OnProbation = nil
	if err := blob.PutJSON(ctx, s.store, keys.Summary(project, asset, version), summary); err != nil {
		return apierr.Internal(err, "failed to update summary of '%s/%s/%s'", project, asset, version)
	}

	promoted := false
	if summary.Complete() {
		promoted, err = s.promote(ctx, project, asset, version, summary)
		if err != nil {
			return err
		}
	}

	s.emit(ctx, changelog.Entry{
		Type:    changelog.TypeApproveProbation,
		Project: project,
		Asset:   asset,
		Version: version,
		Latest:  model.Bool(promoted),
	})
	log.Info().Str("project", project).Str("asset", asset).Str("version", version).Bool("latest", promoted).
		Msg("Probation approved")
	return nil
}

// promote points the latest alias at version unless the current latest
// version finished later.
func (s *Service) promote(ctx context.Context, project, asset, version string, summary *model.Summary) (bool, error) {
	current, err := s.latest.Get(ctx, project, asset)
	if err != nil && !latest.IsMissing(err) {
		return false, err
	}

	if current != "" && current != version {
		var other model.Summary
		found, err := blob.GetJSON(ctx, s.store, keys.Summary(project, asset, current), &other)
		if err != nil {
			return false, apierr.Internal(err, "failed to read summary of '%s/%s/%s'", project, asset, current)
		}
		if found && other.Complete() && !other.UploadFinish.Before(*summary.UploadFinish) {
			return false, nil
		}
	}

	if err := s.latest.Set(ctx, project, asset, version); err != nil {
		return false, err
	}
	return true, nil
}

// RejectProbation deletes a version that is on probation.
func (s *Service) RejectProbation(ctx context.Context, project, asset, version, token string) error {
	if err := validateVersion(project, asset, version); err != nil {
		return err
	}
	if _, err := s.auth.CheckManagementPermissions(ctx, project, token); err != nil {
		return err
	}

	summary, err := s.readSummary(ctx, project, asset, version)
	if err != nil {
		return err
	}
	if !summary.Probational() {
		return apierr.Validation("version '%s' of asset '%s' is not on probation", version, asset)
	}
	return s.deleteVersion(ctx, project, asset, version, summary)
}

// DeleteVersion removes a version and returns its bytes to the project.
func (s *Service) DeleteVersion(ctx context.Context, project, asset, version, token string) error {
	if err := validateVersion(project, asset, version); err != nil {
		return err
	}
	if _, err := s.auth.CheckManagementPermissions(ctx, project, token); err != nil {
		return err
	}

	summary, err := s.readSummary(ctx, project, asset, version)
	if err != nil {
		return err
	}
	return s.deleteVersion(ctx, project, asset, version, summary)
}

func (s *Service) deleteVersion(ctx context.Context, project, asset, version string, summary *model.Summary) error {
	holder, err := s.locks.Holder(ctx, project)
	if err != nil {
		return err
	}
	if holder != nil && holder.Asset == asset && holder.Version == version {
		return apierr.Conflict(http.StatusConflict, "version '%s' of asset '%s' is currently being uploaded", version, asset)
	}

	// Bytes of an unfinished upload were never added to the usage.
	var freed uint64
	if summary.Complete() {
		var manifest model.Manifest
		found, err := blob.GetJSON(ctx, s.store, keys.Manifest(project, asset, version), &manifest)
		if err != nil {
			return apierr.Internal(err, "failed to read manifest of '%s/%s/%s'", project, asset, version)
		}
		if found {
			freed = manifest.OwnedBytes()
		}
	}

	if err := blob.DeletePrefix(ctx, s.store, keys.VersionPrefix(project, asset, version)); err != nil {
		return apierr.Internal(err, "failed to delete version '%s/%s/%s'", project, asset, version)
	}
	if freed > 0 {
		if err := s.quota.Release(ctx, project, freed); err != nil {
			return err
		}
	}

	// The cached pointer may be stale, so the stored one decides.
	s.latest.Invalidate(ctx, project, asset)
	current, err := s.latest.Get(ctx, project, asset)
	if err != nil && !latest.IsMissing(err) {
		return err
	}
	wasLatest := current == version
	if wasLatest {
		if _, err := s.latest.Refresh(ctx, project, asset); err != nil {
			return err
		}
	}

	s.emit(ctx, changelog.Entry{
		Type:    changelog.TypeDeleteVersion,
		Project: project,
		Asset:   asset,
		Version: version,
		Latest:  model.Bool(wasLatest),
	})
	log.Info().
		Str("project", project).
		Str("asset", asset).
		Str("version", version).
		Uint64("bytes", freed).
		Msg("Version deleted")
	return nil
}

// RefreshLatest recomputes the latest pointer of an asset from its
// version summaries. It returns an empty string when no version qualifies.
func (s *Service) RefreshLatest(ctx context.Context, project, asset, token string) (string, error) {
	if err := dedup.ValidateName("project", project); err != nil {
		return "", err
	}
	if err := dedup.ValidateName("asset", asset); err != nil {
		return "", err
	}
	if _, err := s.auth.CheckAdmin(ctx, token); err != nil {
		return "", err
	}
	return s.latest.Refresh(ctx, project, asset)
}
