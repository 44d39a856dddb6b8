// Package auth identifies callers and decides what they may do with a
// project. Administrators may do anything; owners listed in a project's
// permissions may manage it and upload to it as trusted uploaders; other
// uploaders are granted per asset or version, optionally until a deadline,
// and are untrusted unless marked otherwise.
package auth

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/logging/audit"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
)

// UploadAccess is the outcome of an upload permission check.
type UploadAccess struct {
	CanManage bool
	IsTrusted bool
	User      *Identity
}

// Authorizer evaluates project permissions.
type Authorizer struct {
	store      blob.Store
	identities IdentityProvider
	admins     []string
	audit      *audit.Logger
	now        func() time.Time
}

// NewAuthorizer creates an authorizer. admins are logins with full access.
func NewAuthorizer(store blob.Store, identities IdentityProvider, admins []string) *Authorizer {
	return &Authorizer{store: store, identities: identities, admins: admins, now: time.Now}
}

// SetAuditLogger records every identity and permission decision to l.
func (a *Authorizer) SetAuditLogger(l *audit.Logger) {
	a.audit = l
}

// Identify resolves a bearer token.
func (a *Authorizer) Identify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, apierr.Unauthorized("no user identity supplied")
	}
	id, err := a.identities.Identify(ctx, token)
	if err != nil {
		a.audit.LogAuth("", audit.Denied, err.Error())
		return nil, err
	}
	return id, nil
}

// IsAdmin reports whether id is an administrator.
func (a *Authorizer) IsAdmin(id *Identity) bool {
	return slices.Contains(a.admins, id.Login)
}

// CheckAdmin requires the caller to be an administrator.
func (a *Authorizer) CheckAdmin(ctx context.Context, token string) (*Identity, error) {
	id, err := a.Identify(ctx, token)
	if err != nil {
		return nil, err
	}
	if !a.IsAdmin(id) {
		a.audit.LogAuthz(id.Login, "admin", "", "", audit.Denied, "not an administrator")
		return nil, apierr.Forbidden("user does not have administrative privileges")
	}
	a.audit.LogAuthz(id.Login, "admin", "", "", audit.Allowed, "")
	return id, nil
}

// GetPermissions returns the permissions of project.
func (a *Authorizer) GetPermissions(ctx context.Context, project string) (*model.Permissions, error) {
	var perms model.Permissions
	found, err := blob.GetJSON(ctx, a.store, keys.Permissions(project), &perms)
	if err != nil {
		return nil, apierr.Internal(err, "failed to read permissions for project '%s'", project)
	}
	if !found {
		return nil, apierr.NotFound("project '%s' does not exist", project)
	}
	return &perms, nil
}

// SetPermissions validates and stores the permissions of project.
func (a *Authorizer) SetPermissions(ctx context.Context, project string, perms model.Permissions) error {
	if err := ValidatePermissions(perms); err != nil {
		return err
	}
	if perms.Owners == nil {
		perms.Owners = []string{}
	}
	if perms.Uploaders == nil {
		perms.Uploaders = []model.Uploader{}
	}
	if err := blob.PutJSON(ctx, a.store, keys.Permissions(project), perms); err != nil {
		return apierr.Internal(err, "failed to write permissions for project '%s'", project)
	}
	return nil
}

// ValidatePermissions checks a permissions document.
func ValidatePermissions(perms model.Permissions) error {
	for i, o := range perms.Owners {
		if o == "" {
			return apierr.Field(fieldName("owners", i, ""), "expected a non-empty string")
		}
	}
	for i, u := range perms.Uploaders {
		if u.ID == "" {
			return apierr.Field(fieldName("uploaders", i, "id"), "expected a non-empty string")
		}
		if u.Version != "" && u.Asset == "" {
			return apierr.Field(fieldName("uploaders", i, "version"), "requires 'asset' to be set")
		}
	}
	return nil
}

func isOwner(perms *model.Permissions, id *Identity) bool {
	return slices.ContainsFunc(perms.Owners, id.Matches)
}

// CheckManagementPermissions requires the caller to be an administrator
// or an owner of project.
func (a *Authorizer) CheckManagementPermissions(ctx context.Context, project, token string) (*Identity, error) {
	id, err := a.Identify(ctx, token)
	if err != nil {
		return nil, err
	}
	if a.IsAdmin(id) {
		a.audit.LogAuthz(id.Login, "manage", project, "", audit.Allowed, "")
		return id, nil
	}

	perms, err := a.GetPermissions(ctx, project)
	if err != nil {
		return nil, err
	}
	if !isOwner(perms, id) {
		a.audit.LogAuthz(id.Login, "manage", project, "", audit.Denied, "not an owner")
		return nil, apierr.Forbidden("user is not an owner of project '%s'", project)
	}
	a.audit.LogAuthz(id.Login, "manage", project, "", audit.Allowed, "")
	return id, nil
}

// CheckUploadPermissions decides whether the caller may upload
// project/asset/version.
func (a *Authorizer) CheckUploadPermissions(ctx context.Context, project, asset, version, token string) (*UploadAccess, error) {
	id, err := a.Identify(ctx, token)
	if err != nil {
		return nil, err
	}

	perms, err := a.GetPermissions(ctx, project)
	if err != nil {
		return nil, err
	}
	scope := asset + "/" + version
	if a.IsAdmin(id) || isOwner(perms, id) {
		a.audit.LogAuthz(id.Login, "upload", project, scope, audit.Allowed, "")
		return &UploadAccess{CanManage: true, IsTrusted: true, User: id}, nil
	}

	now := a.now()
	for _, u := range perms.Uploaders {
		if !id.Matches(u.ID) {
			continue
		}
		if u.Asset != "" && u.Asset != asset {
			continue
		}
		if u.Version != "" && u.Version != version {
			continue
		}
		if u.Until != nil && !now.Before(*u.Until) {
			continue
		}
		a.audit.LogAuthz(id.Login, "upload", project, scope, audit.Allowed, "")
		return &UploadAccess{IsTrusted: u.Trusted, User: id}, nil
	}

	a.audit.LogAuthz(id.Login, "upload", project, scope, audit.Denied, "not an uploader")
	return nil, apierr.Forbidden("user is not authorized to upload to project '%s'", project)
}

func fieldName(list string, i int, sub string) string {
	name := fmt.Sprintf("%s[%d]", list, i)
	if sub != "" {
		name += "." + sub
	}
	return name
}
