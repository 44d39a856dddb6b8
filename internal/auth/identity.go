package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/cache"
)

// Issuer is the issuer claim of tokens minted by this service.
const Issuer = "gypsum"

// IdentityCacheTTL is how long a resolved identity is reused.
const IdentityCacheTTL = 10 * time.Minute

// Identity is the user behind a bearer token.
type Identity struct {
	Login         string   `json:"login"`
	Organizations []string `json:"organizations"`
	// ExpiresAt is when the credential behind the identity stops being
	// valid. Nil means the provider gave no expiry.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the identity's credential has expired at now.
func (id *Identity) Expired(now time.Time) bool {
	return id.ExpiresAt != nil && !now.Before(*id.ExpiresAt)
}

// Matches reports whether principal names the user or one of their
// organizations.
func (id *Identity) Matches(principal string) bool {
	if principal == id.Login {
		return true
	}
	for _, org := range id.Organizations {
		if principal == org {
			return true
		}
	}
	return false
}

// IdentityProvider resolves bearer tokens to identities.
type IdentityProvider interface {
	Identify(ctx context.Context, token string) (*Identity, error)
}

// Claims are the JWT claims carried by identity tokens. Login falls back
// to the subject when absent.
type Claims struct {
	Login         string   `json:"login,omitempty"`
	Organizations []string `json:"organizations,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider validates HS256 identity tokens.
type JWTProvider struct {
	secret []byte
	now    func() time.Time
}

// NewJWTProvider creates a provider verifying tokens with secret.
func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret), now: time.Now}
}

// GenerateToken mints a token for id that expires after ttl.
func (p *JWTProvider) GenerateToken(id Identity, ttl time.Duration) (string, error) {
	now := p.now()
	claims := Claims{
		Login:         id.Login,
		Organizations: id.Organizations,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Login,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Identify validates token and returns its identity.
func (p *JWTProvider) Identify(ctx context.Context, token string) (*Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(p.now))
	if err != nil {
		return nil, apierr.Unauthorized("invalid identity token: %v", err)
	}

	login := claims.Login
	if login == "" {
		login = claims.Subject
	}
	if login == "" {
		return nil, apierr.Unauthorized("identity token has no login")
	}
	id := &Identity{Login: login, Organizations: claims.Organizations}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		id.ExpiresAt = &exp
	}
	return id, nil
}

// CachingProvider remembers identities resolved by another provider.
// Tokens are cached by digest, never verbatim. An identity is never served
// from the cache past its own expiry.
type CachingProvider struct {
	next  IdentityProvider
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewCachingProvider wraps next with a cache. A zero ttl uses
// IdentityCacheTTL.
func NewCachingProvider(next IdentityProvider, c cache.Cache, ttl time.Duration) *CachingProvider {
	if ttl <= 0 {
		ttl = IdentityCacheTTL
	}
	return &CachingProvider{next: next, cache: c, ttl: ttl, now: time.Now}
}

func identityKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "identity:" + hex.EncodeToString(sum[:])
}

func (p *CachingProvider) Identify(ctx context.Context, token string) (*Identity, error) {
	key := identityKey(token)

	if raw, ok, err := p.cache.Match(ctx, key); err != nil {
		log.Warn().Err(err).Msg("Identity cache lookup failed")
	} else if ok {
		var id Identity
		if err := json.Unmarshal(raw, &id); err == nil && !id.Expired(p.now()) {
			return &id, nil
		}
	}

	id, err := p.next.Identify(ctx, token)
	if err != nil {
		return nil, err
	}

	ttl := p.ttl
	if id.ExpiresAt != nil {
		if left := id.ExpiresAt.Sub(p.now()); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return id, nil
	}

	raw, err := json.Marshal(id)
	if err == nil {
		err = p.cache.Put(ctx, key, raw, ttl)
	}
	if err != nil {
		log.Warn().Err(err).Str("user", id.Login).Msg("Failed to cache identity")
	}
	return id, nil
}
