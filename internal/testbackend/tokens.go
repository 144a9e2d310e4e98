package testbackend

import (
	"fmt"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// DefaultAccessTokenTTL is the lifetime of issued access tokens.
const DefaultAccessTokenTTL = 15 * time.Minute

// TokenIssuer mints HS256 access tokens and tracks revocations by jti.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration

	mu      sync.RWMutex
	issued  map[string]time.Time // jti -> exp
	revoked map[string]time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	return &TokenIssuer{
		secret:  []byte(secret),
		ttl:     ttl,
		issued:  make(map[string]time.Time),
		revoked: make(map[string]time.Time),
	}
}

type accessClaims struct {
	jwtlib.RegisteredClaims
	TokenType string `json:"token_type"`
}

// Issue signs an access token for userID.
func (ti *TokenIssuer) Issue(userID string) (string, error) {
	now := NowTimeFunc()
	claims := accessClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ti.ttl)),
			ID:        uuid.NewString(),
		},
		TokenType: "user",
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("[TokenIssuer Issue] failed to sign token: %w", err)
	}

	ti.mu.Lock()
	ti.issued[claims.ID] = claims.ExpiresAt.Time
	ti.mu.Unlock()
	return signed, nil
}

// Verify checks signature, expiry and revocation and returns the subject.
func (ti *TokenIssuer) Verify(token string) (string, error) {
	claims := accessClaims{}
	_, err := jwtlib.ParseWithClaims(token, &claims, ti.verificationKey,
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithTimeFunc(NowTimeFunc),
	)
	if err != nil {
		return "", fmt.Errorf("[TokenIssuer Verify] %w", err)
	}
	if ti.IsRevoked(claims.ID) {
		return "", fmt.Errorf("[TokenIssuer Verify] token %s revoked", claims.ID)
	}
	return claims.Subject, nil
}

// Revoke invalidates a single token. Unparseable tokens are ignored.
func (ti *TokenIssuer) Revoke(token string) {
	claims := accessClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, &claims); err != nil {
		return
	}
	exp := time.Time{}
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.revoked[claims.ID] = exp
}

// RevokeAll invalidates every token issued so far.
func (ti *TokenIssuer) RevokeAll() {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	for jti, exp := range ti.issued {
		ti.revoked[jti] = exp
	}
}

func (ti *TokenIssuer) IsRevoked(jti string) bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	_, ok := ti.revoked[jti]
	return ok
}

// Cleanup forgets revocations of tokens that have expired anyway.
func (ti *TokenIssuer) Cleanup() {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	now := NowTimeFunc()
	for jti, exp := range ti.revoked {
		if now.After(exp) {
			delete(ti.revoked, jti)
			delete(ti.issued, jti)
		}
	}
}

func (ti *TokenIssuer) verificationKey(token *jwtlib.Token) (any, error) {
	if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return ti.secret, nil
}
