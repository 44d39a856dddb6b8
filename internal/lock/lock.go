// Package lock serializes uploads to a project.
//
// The blob store has no compare-and-swap, so Lock is a read followed by a
// write. Two concurrent Lock calls for the same project can both observe an
// absent lock and both succeed; the later write wins and the other session
// fails its next Check. This window is accepted at the expected upload rate.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
)

// Manager acquires, checks and releases project upload locks.
type Manager struct {
	store blob.Store
}

// NewManager creates a lock manager on store.
func NewManager(store blob.Store) *Manager {
	return &Manager{store: store}
}

// HashToken returns the digest stored in place of a session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewSessionToken returns a random UUIDv4 session token.
func NewSessionToken() string {
	return uuid.NewString()
}

// validSessionToken reports whether token looks like a UUIDv4.
func validSessionToken(token string) bool {
	id, err := uuid.Parse(token)
	if err != nil || len(token) != 36 {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// Lock acquires the upload lock of project for asset/version.
func (m *Manager) Lock(ctx context.Context, project, asset, version, token, userID string) error {
	locked, err := m.IsLocked(ctx, project)
	if err != nil {
		return err
	}
	if locked {
		return apierr.Conflict(http.StatusForbidden, "project '%s' is currently locked for upload", project)
	}

	info := model.Lock{
		SessionHash: HashToken(token),
		Asset:       asset,
		Version:     version,
		UserID:      userID,
	}
	if err := blob.PutJSON(ctx, m.store, keys.Lock(project), info); err != nil {
		return apierr.Internal(err, "failed to lock project '%s'", project)
	}

	log.Info().
		Str("project", project).
		Str("asset", asset).
		Str("version", version).
		Str("user", userID).
		Msg("Project locked for upload")
	return nil
}

// Check verifies that token holds the lock of project for asset/version.
func (m *Manager) Check(ctx context.Context, project, asset, version, token string) error {
	var info model.Lock
	found, err := blob.GetJSON(ctx, m.store, keys.Lock(project), &info)
	if err != nil {
		return apierr.Internal(err, "failed to read lock for project '%s'", project)
	}
	if !found {
		return apierr.Forbidden("project '%s' has not been previously locked for upload", project)
	}

	if !validSessionToken(token) {
		return apierr.Forbidden("invalid session token")
	}
	if info.SessionHash != HashToken(token) {
		return apierr.Forbidden("different session token from that used to lock project '%s'", project)
	}
	if info.Asset != asset {
		return apierr.Forbidden("asset name differs from that used to lock project '%s'", project)
	}
	if info.Version != version {
		return apierr.Forbidden("version name differs from that used to lock project '%s'", project)
	}
	return nil
}

// Unlock releases the lock of project. It is not an error if the project
// is not locked.
func (m *Manager) Unlock(ctx context.Context, project string) error {
	if err := m.store.Delete(ctx, keys.Lock(project)); err != nil {
		return apierr.Internal(err, "failed to unlock project '%s'", project)
	}
	log.Info().Str("project", project).Msg("Project unlocked")
	return nil
}

// IsLocked reports whether project holds a lock.
func (m *Manager) IsLocked(ctx context.Context, project string) (bool, error) {
	ok, err := blob.Exists(ctx, m.store, keys.Lock(project))
	if err != nil {
		return false, apierr.Internal(err, "failed to check lock for project '%s'", project)
	}
	return ok, nil
}

// Holder returns the current lock of project, or nil if unlocked.
func (m *Manager) Holder(ctx context.Context, project string) (*model.Lock, error) {
	var info model.Lock
	found, err := blob.GetJSON(ctx, m.store, keys.Lock(project), &info)
	if err != nil {
		return nil, apierr.Internal(err, "failed to read lock for project '%s'", project)
	}
	if !found {
		return nil, nil
	}
	return &info, nil
}
