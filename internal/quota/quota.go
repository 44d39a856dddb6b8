// Package quota enforces per-project storage quotas.
//
// Usage is persisted next to the project as {total, pending_on_complete_only}.
// Initialization writes the incoming bytes to the pending field only; the
// completion step folds it into total. This two-step update stands in for
// the transaction the blob store cannot offer.
package quota

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
	"github.com/ArtifactDB/gypsum-worker-sub000/pkg/bytesize"
)

// Defaults are applied to newly created projects.
type Defaults struct {
	Baseline   uint64
	GrowthRate uint64
}

// Enforcer reads and updates quota and usage documents.
type Enforcer struct {
	store    blob.Store
	defaults Defaults
	now      func() time.Time
}

// NewEnforcer creates a quota enforcer on store.
func NewEnforcer(store blob.Store, defaults Defaults) *Enforcer {
	return &Enforcer{store: store, defaults: defaults, now: time.Now}
}

// DefaultQuota returns the quota for a project created now.
func (e *Enforcer) DefaultQuota() model.Quota {
	return model.Quota{
		Baseline:   e.defaults.Baseline,
		GrowthRate: e.defaults.GrowthRate,
		Year:       e.now().Year(),
	}
}

// GetQuota returns the stored quota of project.
func (e *Enforcer) GetQuota(ctx context.Context, project string) (*model.Quota, error) {
	var q model.Quota
	found, err := blob.GetJSON(ctx, e.store, keys.Quota(project), &q)
	if err != nil {
		return nil, apierr.Internal(err, "failed to read quota for project '%s'", project)
	}
	if !found {
		return nil, apierr.NotFound("cannot find quota for project '%s'", project)
	}
	return &q, nil
}

// SetQuota replaces the quota of project.
func (e *Enforcer) SetQuota(ctx context.Context, project string, q model.Quota) error {
	if err := blob.PutJSON(ctx, e.store, keys.Quota(project), q); err != nil {
		return apierr.Internal(err, "failed to write quota for project '%s'", project)
	}
	return nil
}

// ComputeQuota returns the effective quota of project for the current year.
func (e *Enforcer) ComputeQuota(ctx context.Context, project string) (uint64, error) {
	q, err := e.GetQuota(ctx, project)
	if err != nil {
		return 0, err
	}
	return q.Effective(e.now().Year()), nil
}

// GetUsage returns the stored usage of project.
func (e *Enforcer) GetUsage(ctx context.Context, project string) (*model.Usage, error) {
	var u model.Usage
	found, err := blob.GetJSON(ctx, e.store, keys.Usage(project), &u)
	if err != nil {
		return nil, apierr.Internal(err, "failed to read usage for project '%s'", project)
	}
	if !found {
		return nil, apierr.NotFound("cannot find usage for project '%s'", project)
	}
	return &u, nil
}

// SetUsage replaces the usage of project.
func (e *Enforcer) SetUsage(ctx context.Context, project string, u model.Usage) error {
	if err := blob.PutJSON(ctx, e.store, keys.Usage(project), u); err != nil {
		return apierr.Internal(err, "failed to write usage for project '%s'", project)
	}
	return nil
}

// CheckAndReserve fails if incoming bytes would reach the quota of project.
// On success the bytes are recorded as pending; total is left unchanged.
// Nothing is written when the check fails.
func (e *Enforcer) CheckAndReserve(ctx context.Context, project string, incoming uint64) error {
	limit, err := e.ComputeQuota(ctx, project)
	if err != nil {
		return err
	}
	usage, err := e.GetUsage(ctx, project)
	if err != nil {
		return err
	}

	// Written to avoid wrapping: total + incoming >= limit.
	if incoming >= limit || usage.Total >= limit-incoming {
		return apierr.QuotaExceeded("upload of %s exceeds storage quota for project '%s' (%s of %s used)",
			bytesize.Format(incoming), project, bytesize.Format(usage.Total), bytesize.Format(limit))
	}

	usage.PendingOnCompleteOnly = &incoming
	if err := e.SetUsage(ctx, project, *usage); err != nil {
		return err
	}

	log.Debug().
		Str("project", project).
		Uint64("bytes", incoming).
		Uint64("total", usage.Total).
		Uint64("quota", limit).
		Msg("Reserved quota for upload")
	return nil
}

// Commit folds the pending reservation of project into its total.
func (e *Enforcer) Commit(ctx context.Context, project string) error {
	usage, err := e.GetUsage(ctx, project)
	if err != nil {
		return err
	}
	if usage.PendingOnCompleteOnly == nil {
		return nil
	}

	usage.Total += *usage.PendingOnCompleteOnly
	usage.PendingOnCompleteOnly = nil
	return e.SetUsage(ctx, project, *usage)
}

// Release subtracts freed bytes from the total of project, stopping at zero.
func (e *Enforcer) Release(ctx context.Context, project string, freed uint64) error {
	usage, err := e.GetUsage(ctx, project)
	if err != nil {
		return err
	}

	if freed >= usage.Total {
		usage.Total = 0
	} else {
		usage.Total -= freed
	}
	return e.SetUsage(ctx, project, *usage)
}
