package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/cache"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/logging/audit"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
	"github.com/ArtifactDB/gypsum-worker-sub000/testutil"
)

func TestJWTProvider(t *testing.T) {
	p := NewJWTProvider("test-secret-key")
	ctx := context.Background()

	token, err := p.GenerateToken(Identity{Login: "alice", Organizations: []string{"lab"}}, time.Hour)
	require.NoError(t, err)

	id, err := p.Identify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Login)
	assert.Equal(t, []string{"lab"}, id.Organizations)

	_, err = NewJWTProvider("other-secret").Identify(ctx, token)
	assert.ErrorIs(t, err, apierr.ErrUnauthorized)

	_, err = p.Identify(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, apierr.ErrUnauthorized)

	expired, err := p.GenerateToken(Identity{Login: "alice"}, -time.Minute)
	require.NoError(t, err)
	_, err = p.Identify(ctx, expired)
	assert.Equal(t, http.StatusUnauthorized, apierr.StatusOf(err))
}

type countingProvider struct {
	calls int
	next  IdentityProvider
}

func (c *countingProvider) Identify(ctx context.Context, token string) (*Identity, error) {
	c.calls++
	return c.next.Identify(ctx, token)
}

func TestCachingProvider(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache(context.Background(), cache.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	jwtp := NewJWTProvider("secret")
	counter := &countingProvider{next: jwtp}
	p := NewCachingProvider(counter, rc, time.Minute)
	ctx := context.Background()

	token, err := jwtp.GenerateToken(Identity{Login: "bob"}, time.Hour)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		id, err := p.Identify(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "bob", id.Login)
	}
	assert.Equal(t, 1, counter.calls)

	// The raw token never appears in the cache.
	for _, k := range mr.Keys() {
		assert.NotContains(t, k, token)
	}

	mr.FastForward(2 * time.Minute)
	_, err = p.Identify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 2, counter.calls)

	// Failures are not cached.
	_, err = p.Identify(ctx, "garbage")
	assert.Error(t, err)
	_, err = p.Identify(ctx, "garbage")
	assert.Error(t, err)
	assert.Equal(t, 4, counter.calls)
}

func TestCachingProviderHonorsTokenExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache(context.Background(), cache.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	jwtp := NewJWTProvider("secret")
	jwtp.now = clock
	counter := &countingProvider{next: jwtp}
	p := NewCachingProvider(counter, rc, time.Hour)
	p.now = clock
	ctx := context.Background()

	token, err := jwtp.GenerateToken(Identity{Login: "bob"}, 30*time.Second)
	require.NoError(t, err)

	id, err := p.Identify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.Login)
	require.NotNil(t, id.ExpiresAt)
	assert.True(t, now.Add(30*time.Second).Equal(*id.ExpiresAt))

	// The cache entry lives no longer than the token.
	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.LessOrEqual(t, mr.TTL(keys[0]), 30*time.Second)
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))

	now = now.Add(10 * time.Second)
	_, err = p.Identify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 1, counter.calls)

	// Past expiry the cached entry is ignored even though redis still holds it.
	now = now.Add(time.Minute)
	_, err = p.Identify(ctx, token)
	assert.ErrorIs(t, err, apierr.ErrUnauthorized)
	assert.Equal(t, 2, counter.calls)
}

func TestCachingProviderSkipsExpiredIdentity(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	counter := &countingProvider{next: staticProvider{
		"stale": {Login: "carol", ExpiresAt: &past},
	}}
	c := cache.NewMemoryCache()
	p := NewCachingProvider(counter, c, time.Hour)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id, err := p.Identify(ctx, "stale")
		require.NoError(t, err)
		assert.Equal(t, "carol", id.Login)
	}
	assert.Equal(t, 2, counter.calls)

	_, ok, err := c.Match(ctx, identityKey("stale"))
	require.NoError(t, err)
	assert.False(t, ok)
}

type staticProvider map[string]*Identity

func (s staticProvider) Identify(_ context.Context, token string) (*Identity, error) {
	id, ok := s[token]
	if !ok {
		return nil, apierr.Unauthorized("unknown token")
	}
	return id, nil
}

func newTestAuthorizer(t *testing.T) *Authorizer {
	t.Helper()
	store := blob.NewMemoryStore()
	until := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	testutil.SeedProject(t, store, "test", model.Permissions{
		Owners: []string{"owner", "owning-org"},
		Uploaders: []model.Uploader{
			{ID: "anyone"},
			{ID: "asset-only", Asset: "blob"},
			{ID: "version-only", Asset: "blob", Version: "v1", Trusted: true},
			{ID: "expired", Until: &until},
			{ID: "uploading-org"},
		},
	}, model.Quota{})

	ids := staticProvider{
		"admin":        {Login: "root"},
		"owner":        {Login: "owner"},
		"org-member":   {Login: "carol", Organizations: []string{"owning-org"}},
		"anyone":       {Login: "anyone"},
		"asset-only":   {Login: "asset-only"},
		"version-only": {Login: "version-only"},
		"expired":      {Login: "expired"},
		"uploader-org": {Login: "dave", Organizations: []string{"uploading-org"}},
		"stranger":     {Login: "stranger"},
	}
	a := NewAuthorizer(store, ids, []string{"root"})
	a.now = func() time.Time { return time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC) }
	return a
}

func TestCheckUploadPermissions(t *testing.T) {
	a := newTestAuthorizer(t)
	ctx := context.Background()

	tests := []struct {
		token   string
		asset   string
		version string
		manage  bool
		trusted bool
		allowed bool
	}{
		{"admin", "blob", "v1", true, true, true},
		{"owner", "blob", "v1", true, true, true},
		{"org-member", "blob", "v1", true, true, true},
		{"anyone", "other", "v9", false, false, true},
		{"asset-only", "blob", "v2", false, false, true},
		{"asset-only", "other", "v2", false, false, false},
		{"version-only", "blob", "v1", false, true, true},
		{"version-only", "blob", "v2", false, false, false},
		{"expired", "blob", "v1", false, false, false},
		{"uploader-org", "blob", "v1", false, false, true},
		{"stranger", "blob", "v1", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.token+"/"+tt.asset+"/"+tt.version, func(t *testing.T) {
			access, err := a.CheckUploadPermissions(ctx, "test", tt.asset, tt.version, tt.token)
			if !tt.allowed {
				require.Error(t, err)
				assert.ErrorIs(t, err, apierr.ErrForbidden)
				assert.Contains(t, err.Error(), "not authorized to upload")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.manage, access.CanManage)
			assert.Equal(t, tt.trusted, access.IsTrusted)
			require.NotNil(t, access.User)
		})
	}
}

func TestCheckUploadPermissionsErrors(t *testing.T) {
	a := newTestAuthorizer(t)
	ctx := context.Background()

	_, err := a.CheckUploadPermissions(ctx, "test", "blob", "v1", "")
	assert.ErrorIs(t, err, apierr.ErrUnauthorized)

	_, err = a.CheckUploadPermissions(ctx, "test", "blob", "v1", "bogus")
	assert.ErrorIs(t, err, apierr.ErrUnauthorized)

	_, err = a.CheckUploadPermissions(ctx, "missing", "blob", "v1", "owner")
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestCheckManagementPermissions(t *testing.T) {
	a := newTestAuthorizer(t)
	ctx := context.Background()

	for _, token := range []string{"admin", "owner", "org-member"} {
		_, err := a.CheckManagementPermissions(ctx, "test", token)
		assert.NoError(t, err, token)
	}

	_, err := a.CheckManagementPermissions(ctx, "test", "anyone")
	assert.ErrorIs(t, err, apierr.ErrForbidden)

	// Admins can manage projects that do not exist yet.
	_, err = a.CheckManagementPermissions(ctx, "missing", "admin")
	assert.NoError(t, err)
}

func TestCheckAdmin(t *testing.T) {
	a := newTestAuthorizer(t)
	ctx := context.Background()

	id, err := a.CheckAdmin(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "root", id.Login)

	_, err = a.CheckAdmin(ctx, "owner")
	assert.ErrorIs(t, err, apierr.ErrForbidden)
}

func TestAuditEvents(t *testing.T) {
	a := newTestAuthorizer(t)
	var buf bytes.Buffer
	a.SetAuditLogger(audit.NewLogger(zerolog.New(&buf)))
	ctx := context.Background()

	_, _ = a.CheckAdmin(ctx, "admin")
	_, _ = a.CheckManagementPermissions(ctx, "test", "anyone")
	_, _ = a.CheckUploadPermissions(ctx, "test", "blob", "v1", "asset-only")
	_, _ = a.CheckUploadPermissions(ctx, "test", "blob", "v1", "bogus")

	var events []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var e map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		events = append(events, e)
	}
	require.Len(t, events, 4)

	assert.Equal(t, "admin", events[0]["action"])
	assert.Equal(t, audit.Allowed, events[0]["result"])

	assert.Equal(t, "manage", events[1]["action"])
	assert.Equal(t, audit.Denied, events[1]["result"])
	assert.Equal(t, "anyone", events[1]["user_id"])

	assert.Equal(t, "upload", events[2]["action"])
	assert.Equal(t, "blob/v1", events[2]["scope"])
	assert.Equal(t, audit.Allowed, events[2]["result"])

	assert.Equal(t, "auth", events[3]["event_type"])
	assert.Equal(t, audit.Denied, events[3]["result"])
}

func TestSetPermissions(t *testing.T) {
	a := newTestAuthorizer(t)
	ctx := context.Background()

	err := a.SetPermissions(ctx, "test", model.Permissions{Owners: []string{""}})
	var ae *apierr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "owners[0]", ae.Field)

	err = a.SetPermissions(ctx, "test", model.Permissions{Uploaders: []model.Uploader{{ID: "x", Version: "v1"}}})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "uploaders[0].version", ae.Field)

	require.NoError(t, a.SetPermissions(ctx, "test", model.Permissions{Owners: []string{"new-owner"}}))
	perms, err := a.GetPermissions(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"new-owner"}, perms.Owners)
	assert.NotNil(t, perms.Uploaders)
}
