package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL      = 15 * time.Minute
	defaultRefreshTTL     = 24 * time.Hour * 14
	defaultRefreshEntropy = 32
	minRefreshEntropy     = 32
)

// AccessClaims is the JWT payload of an access token.
type AccessClaims struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs access tokens, mints opaque refresh tokens and verifies
// access tokens against a fixed per-issuer algorithm and key.
type TokenIssuer struct {
	issuer         string
	key            SigningKey
	trusted        map[string]SigningKey
	accessTTL      time.Duration
	refreshEntropy int
	now            func() time.Time
}

// TokenOption configures TokenIssuer.
type TokenOption func(*TokenIssuer) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(t *TokenIssuer) error {
		if ttl > 0 {
			t.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshEntropy sets the number of random bytes in a refresh token.
func WithRefreshEntropy(n int) TokenOption {
	return func(t *TokenIssuer) error {
		if n == 0 {
			return nil
		}
		if n < minRefreshEntropy {
			return fmt.Errorf("auth: refresh entropy must be at least %d bytes", minRefreshEntropy)
		}
		t.refreshEntropy = n
		return nil
	}
}

// WithTrustedIssuer accepts access tokens from another issuer, pinned to key.
func WithTrustedIssuer(issuer string, key SigningKey) TokenOption {
	return func(t *TokenIssuer) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return errors.New("auth: trusted issuer name is required")
		}
		if key.method() == nil {
			return fmt.Errorf("auth: trusted issuer %s has no usable key", issuer)
		}
		t.trusted[issuer] = key
		return nil
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *TokenIssuer) error {
		if fn != nil {
			t.now = fn
		}
		return nil
	}
}

// NewTokenIssuer returns an issuer that signs as issuer with key.
func NewTokenIssuer(issuer string, key SigningKey, opts ...TokenOption) (*TokenIssuer, error) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if key.method() == nil || !key.CanSign() {
		return nil, errors.New("auth: a signing key is required")
	}
	t := &TokenIssuer{
		issuer:         issuer,
		key:            key,
		trusted:        map[string]SigningKey{},
		accessTTL:      defaultAccessTTL,
		refreshEntropy: defaultRefreshEntropy,
		now:            time.Now,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	t.trusted[issuer] = key
	return t, nil
}

// Issuer returns the iss claim written into issued tokens.
func (t *TokenIssuer) Issuer() string { return t.issuer }

// AccessTTL returns the configured access token lifetime.
func (t *TokenIssuer) AccessTTL() time.Duration { return t.accessTTL }

// IssueAccess signs an access token for id. Issuer, timestamps and token id
// are set by the issuer.
func (t *TokenIssuer) IssueAccess(id Identity) (string, time.Time, error) {
	if id.UserID == "" || id.TenantID == "" {
		return "", time.Time{}, errors.New("auth: identity requires user and tenant")
	}
	now := t.now().UTC().Truncate(time.Second)
	exp := now.Add(t.accessTTL)
	claims := AccessClaims{
		UserID:   id.UserID,
		TenantID: id.TenantID,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(t.key.method(), claims)
	if t.key.KeyID != "" {
		token.Header["kid"] = t.key.KeyID
	}
	signed, err := token.SignedString(t.key.private)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// IssueRefresh returns a new opaque refresh token and the hash to persist.
func (t *TokenIssuer) IssueRefresh() (raw, hash string, err error) {
	buf := make([]byte, t.refreshEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashRefreshToken(raw), nil
}

// HashRefreshToken is the lookup key stored in place of a refresh token.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// VerifyAccess checks signature, issuer and expiry of raw and returns the
// identity it carries. The alg header is only accepted when it equals the
// algorithm pinned for the token's issuer.
func (t *TokenIssuer) VerifyAccess(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, newAuthError(KindMalformed, errors.New("empty token"))
	}

	var peek AccessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &peek); err != nil {
		return Identity{}, newAuthError(KindMalformed, err)
	}
	key, ok := t.trusted[peek.Issuer]
	if !ok {
		return Identity{}, newAuthError(KindIssuerMismatch, fmt.Errorf("untrusted issuer %q", peek.Issuer))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{key.Algorithm}),
		jwt.WithIssuer(peek.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	var claims AccessClaims
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return key.public, nil
	})
	if err != nil {
		return Identity{}, classifyJWTError(err)
	}
	if claims.UserID == "" || claims.TenantID == "" || claims.Subject != claims.UserID || !claims.Role.Valid() {
		return Identity{}, newAuthError(KindMalformed, errors.New("incomplete claims"))
	}

	id := Identity{
		UserID:   claims.UserID,
		TenantID: claims.TenantID,
		Role:     claims.Role,
		TokenID:  claims.ID,
		Issuer:   claims.Issuer,
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func classifyJWTError(err error) *AuthError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newAuthError(KindMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return newAuthError(KindBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return newAuthError(KindExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return newAuthError(KindIssuerMismatch, err)
	}
	return newAuthError(KindMalformed, err)
}
