// ABOUTME: JWT-backed Resolver: mints an HS256 provider/profile credential.
// ABOUTME: Adapted from the teacher's auth.JWTVerifier token minting path.
package authcache

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTResolver resolves a credential by minting a short-lived HS256 token
// scoped to (provider, profileID), the same signing shape the teacher's
// internal/auth.JWTVerifier uses for principal tokens.
type JWTResolver struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTResolver creates a resolver signing with secret. ttl controls the
// minted token's own expiry, independent of the cache entry's TTL.
func NewJWTResolver(secret []byte, ttl time.Duration) *JWTResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWTResolver{secret: secret, ttl: ttl}
}

// Resolve implements Resolver.
func (r *JWTResolver) Resolve(ctx context.Context, provider, profileID string) (any, string, error) {
	claims := jwt.MapClaims{
		"provider": provider,
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(r.ttl).Unix(),
	}
	if profileID != "" {
		claims["profile"] = profileID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return nil, "", fmt.Errorf("signing provider token: %w", err)
	}
	return signed, "jwt", nil
}
