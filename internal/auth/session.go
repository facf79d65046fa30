package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"docgate.io/internal/ids"
	"docgate.io/internal/obs"
)

// revocation must complete even when the caller has gone away
const revokeTimeout = 3 * time.Second

// UserLookup is the slice of Store the session manager needs.
type UserLookup interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
}

// SessionManager creates token pairs and rotates refresh tokens. Each
// refresh token is single use; presenting a consumed token revokes the
// whole chain it belongs to.
type SessionManager struct {
	tokens     *TokenIssuer
	refresh    RefreshTokenStore
	users      UserLookup
	refreshTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewSessionManager wires a session manager. refreshTTL <= 0 selects the
// default of fourteen days.
func NewSessionManager(tokens *TokenIssuer, refresh RefreshTokenStore, users UserLookup, refreshTTL time.Duration, now func() time.Time, logger *slog.Logger) *SessionManager {
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = obs.Logger()
	}
	return &SessionManager{
		tokens:     tokens,
		refresh:    refresh,
		users:      users,
		refreshTTL: refreshTTL,
		now:        now,
		logger:     logger,
	}
}

// Create starts a new session for u and returns its first token pair.
func (m *SessionManager) Create(ctx context.Context, u User) (TokenPair, error) {
	now := m.now().UTC()
	access, accessExp, err := m.tokens.IssueAccess(identityOf(u))
	if err != nil {
		return TokenPair{}, newAuthError(KindUnavailable, err)
	}
	raw, hash, err := m.tokens.IssueRefresh()
	if err != nil {
		return TokenPair{}, newAuthError(KindUnavailable, err)
	}
	rec := &RefreshToken{
		ID:        ids.New(),
		SessionID: uuid.NewString(),
		UserID:    u.ID,
		TenantID:  u.TenantID,
		TokenHash: hash,
		Status:    TokenActive,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.refreshTTL),
	}
	if err := m.refresh.Insert(ctx, rec); err != nil {
		return TokenPair{}, newAuthError(KindUnavailable, fmt.Errorf("store refresh token: %w", err))
	}
	return pairOf(access, accessExp, raw, rec), nil
}

// Rotate consumes raw and issues the next pair of the same session.
func (m *SessionManager) Rotate(ctx context.Context, raw string) (TokenPair, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TokenPair{}, ErrInvalidCredentials
	}
	hash := HashRefreshToken(raw)

	rec, err := m.refresh.Find(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, newAuthError(KindUnavailable, fmt.Errorf("find refresh token: %w", err))
	}
	if rec.Status != TokenActive {
		m.reuseDetected(ctx, rec)
		return TokenPair{}, ErrReusedToken
	}
	now := m.now().UTC()
	if !now.Before(rec.ExpiresAt) {
		return TokenPair{}, ErrExpired
	}

	user, err := m.users.FindUserByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, newAuthError(KindUnavailable, fmt.Errorf("load user: %w", err))
	}
	if !user.IsActive {
		return TokenPair{}, ErrAccountDisabled
	}
	if user.TenantID != rec.TenantID {
		return TokenPair{}, ErrInvalidCredentials
	}

	// sign before consuming so a signing failure leaves the token usable
	access, accessExp, err := m.tokens.IssueAccess(identityOf(*user))
	if err != nil {
		return TokenPair{}, newAuthError(KindUnavailable, err)
	}
	nextRaw, nextHash, err := m.tokens.IssueRefresh()
	if err != nil {
		return TokenPair{}, newAuthError(KindUnavailable, err)
	}
	next := &RefreshToken{
		ID:        ids.New(),
		SessionID: rec.SessionID,
		ParentID:  rec.ID,
		UserID:    rec.UserID,
		TenantID:  rec.TenantID,
		TokenHash: nextHash,
		Status:    TokenActive,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.refreshTTL),
	}
	if _, err := m.refresh.MarkUsedAndIssueSuccessor(ctx, hash, next); err != nil {
		switch {
		case errors.Is(err, ErrTokenNotActive):
			m.reuseDetected(ctx, rec)
			return TokenPair{}, ErrReusedToken
		case errors.Is(err, ErrNotFound):
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, newAuthError(KindUnavailable, fmt.Errorf("rotate refresh token: %w", err))
	}
	return pairOf(access, accessExp, nextRaw, next), nil
}

// Revoke ends a session. Revoking an unknown or already revoked session
// succeeds.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	if err := m.refresh.RevokeChain(ctx, sessionID); err != nil {
		return newAuthError(KindUnavailable, fmt.Errorf("revoke session: %w", err))
	}
	return nil
}

// RevokeToken ends the session raw belongs to. Unknown tokens are ignored.
func (m *SessionManager) RevokeToken(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	rec, err := m.refresh.Find(ctx, HashRefreshToken(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return newAuthError(KindUnavailable, fmt.Errorf("find refresh token: %w", err))
	}
	return m.Revoke(ctx, rec.SessionID)
}

func (m *SessionManager) reuseDetected(ctx context.Context, rec *RefreshToken) {
	obs.RecordRefreshReuse()
	m.logger.Warn("refresh token reuse detected; revoking session",
		slog.String("event", "refresh_token_reuse"),
		slog.String("session_id", rec.SessionID),
		slog.String("user_id", rec.UserID),
		slog.String("tenant_id", rec.TenantID),
	)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()
	if err := m.refresh.RevokeChain(rctx, rec.SessionID); err != nil {
		m.logger.Error("revoke session after reuse failed",
			slog.String("session_id", rec.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

func identityOf(u User) Identity {
	return Identity{UserID: u.ID, TenantID: u.TenantID, Role: u.Role}
}

func pairOf(access string, accessExp time.Time, refresh string, rec *RefreshToken) TokenPair {
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "bearer",
		SessionID:        rec.SessionID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}
}
