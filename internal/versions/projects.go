package versions

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/auth"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/dedup"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
)

// CreateRequest is the body of a project creation.
type CreateRequest struct {
	Permissions model.Permissions `json:"permissions"`
	Quota       *QuotaUpdate      `json:"quota,omitempty"`
}

// QuotaUpdate overrides parts of a quota. Absent fields keep their value.
type QuotaUpdate struct {
	Baseline   *uint64 `json:"baseline,omitempty"`
	GrowthRate *uint64 `json:"growth_rate,omitempty"`
	Year       *int    `json:"year,omitempty"`
}

func (u *QuotaUpdate) apply(q *model.Quota) {
	if u == nil {
		return
	}
	if u.Baseline != nil {
		q.Baseline = *u.Baseline
	}
	if u.GrowthRate != nil {
		q.GrowthRate = *u.GrowthRate
	}
	if u.Year != nil {
		q.Year = *u.Year
	}
}

// PermissionsUpdate replaces the lists that are present.
type PermissionsUpdate struct {
	Owners    *[]string         `json:"owners,omitempty"`
	Uploaders *[]model.Uploader `json:"uploaders,omitempty"`
}

// CreateProject registers a new project with its permissions, a quota
// derived from the configured defaults and an empty usage.
func (s *Service) CreateProject(ctx context.Context, project string, req CreateRequest, token string) error {
	if err := dedup.ValidateName("project", project); err != nil {
		return err
	}
	if _, err := s.auth.CheckAdmin(ctx, token); err != nil {
		return err
	}
	if err := auth.ValidatePermissions(req.Permissions); err != nil {
		return err
	}

	exists, err := blob.Exists(ctx, s.store, keys.Permissions(project))
	if err != nil {
		return apierr.Internal(err, "failed to check project '%s'", project)
	}
	if exists {
		return apierr.Validation("project '%s' already exists", project)
	}

	q := s.quota.DefaultQuota()
	req.Quota.apply(&q)
	if err := s.quota.SetQuota(ctx, project, q); err != nil {
		return err
	}
	if err := s.quota.SetUsage(ctx, project, model.Usage{}); err != nil {
		return err
	}
	// Permissions go last: their presence is what makes the project exist.
	if err := s.auth.SetPermissions(ctx, project, req.Permissions); err != nil {
		return err
	}

	log.Info().Str("project", project).Uint64("baseline", q.Baseline).Msg("Project created")
	return nil
}

// GetPermissions returns the permissions of a project.
func (s *Service) GetPermissions(ctx context.Context, project string) (*model.Permissions, error) {
	if err := dedup.ValidateName("project", project); err != nil {
		return nil, err
	}
	return s.auth.GetPermissions(ctx, project)
}

// SetPermissions updates the owners and uploaders of a project.
func (s *Service) SetPermissions(ctx context.Context, project string, update PermissionsUpdate, token string) error {
	if err := dedup.ValidateName("project", project); err != nil {
		return err
	}
	if _, err := s.auth.CheckManagementPermissions(ctx, project, token); err != nil {
		return err
	}

	perms, err := s.auth.GetPermissions(ctx, project)
	if err != nil {
		return err
	}
	if update.Owners != nil {
		perms.Owners = *update.Owners
	}
	if update.Uploaders != nil {
		perms.Uploaders = *update.Uploaders
	}
	if err := s.auth.SetPermissions(ctx, project, *perms); err != nil {
		return err
	}

	log.Info().Str("project", project).Int("owners", len(perms.Owners)).Int("uploaders", len(perms.Uploaders)).
		Msg("Permissions updated")
	return nil
}

// GetQuota returns the stored quota of a project.
func (s *Service) GetQuota(ctx context.Context, project string) (*model.Quota, error) {
	if err := dedup.ValidateName("project", project); err != nil {
		return nil, err
	}
	return s.quota.GetQuota(ctx, project)
}

// SetQuota updates the quota of a project.
func (s *Service) SetQuota(ctx context.Context, project string, update QuotaUpdate, token string) error {
	if err := dedup.ValidateName("project", project); err != nil {
		return err
	}
	if _, err := s.auth.CheckAdmin(ctx, token); err != nil {
		return err
	}

	q, err := s.quota.GetQuota(ctx, project)
	if err != nil {
		return err
	}
	update.apply(q)
	if err := s.quota.SetQuota(ctx, project, *q); err != nil {
		return err
	}

	log.Info().Str("project", project).Uint64("baseline", q.Baseline).Uint64("growth_rate", q.GrowthRate).
		Int("year", q.Year).Msg("Quota updated")
	return nil
}

// GetUsage returns the stored usage of a project.
func (s *Service) GetUsage(ctx context.Context, project string) (*model.Usage, error) {
	if err := dedup.ValidateName("project", project); err != nil {
		return nil, err
	}
	return s.quota.GetUsage(ctx, project)
}

// RefreshUsage recomputes the usage of a project on behalf of an
// administrator.
func (s *Service) RefreshUsage(ctx context.Context, project, token string) (*model.Usage, error) {
	if err := dedup.ValidateName("project", project); err != nil {
		return nil, err
	}
	if _, err := s.auth.CheckAdmin(ctx, token); err != nil {
		return nil, err
	}
	return s.RecomputeUsage(ctx, project)
}

// RecomputeUsage sets the usage of a project to the total size of its
// user files. It refuses to run during an upload.
func (s *Service) RecomputeUsage(ctx context.Context, project string) (*model.Usage, error) {
	if err := dedup.ValidateName("project", project); err != nil {
		return nil, err
	}
	locked, err := s.locks.IsLocked(ctx, project)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, apierr.Conflict(http.StatusForbidden, "project '%s' is currently locked for upload", project)
	}
	if _, err := s.quota.GetUsage(ctx, project); err != nil {
		return nil, err
	}

	objects, _, err := blob.ListAll(ctx, s.store, keys.ProjectPrefix(project), "")
	if err != nil {
		return nil, apierr.Internal(err, "failed to list project '%s'", project)
	}
	var usage model.Usage
	for _, o := range objects {
		if !keys.IsInternal(o.Key) {
			usage.Total += uint64(o.Size)
		}
	}
	if err := s.quota.SetUsage(ctx, project, usage); err != nil {
		return nil, err
	}

	log.Info().Str("project", project).Uint64("total", usage.Total).Msg("Usage recomputed")
	return &usage, nil
}

// Unlock removes the upload lock of a project on behalf of an
// administrator.
func (s *Service) Unlock(ctx context.Context, project, token string) error {
	if _, err := s.auth.CheckAdmin(ctx, token); err != nil {
		return err
	}
	return s.ForceUnlock(ctx, project)
}

// ForceUnlock removes the upload lock of a project. The files of an
// interrupted upload stay in place until its version is deleted.
func (s *Service) ForceUnlock(ctx context.Context, project string) error {
	if err := dedup.ValidateName("project", project); err != nil {
		return err
	}
	holder, err := s.locks.Holder(ctx, project)
	if err != nil {
		return err
	}
	if holder == nil {
		return nil
	}
	if err := s.locks.Unlock(ctx, project); err != nil {
		return err
	}
	log.Warn().Str("project", project).Str("asset", holder.Asset).Str("version", holder.Version).
		Str("user", holder.UserID).Msg("Upload lock removed by operator")
	return nil
}
