package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docgate.io/internal/auth"
)

const tokenColumns = `id, session_id, parent_id, user_id, tenant_id, token_hash, status, issued_at, expires_at, used_at`

func scanToken(row rowScanner) (*auth.RefreshToken, error) {
	var (
		tok    auth.RefreshToken
		parent sql.NullString
		status string
		usedAt sql.NullTime
	)
	err := row.Scan(&tok.ID, &tok.SessionID, &parent, &tok.UserID, &tok.TenantID, &tok.TokenHash,
		&status, &tok.IssuedAt, &tok.ExpiresAt, &usedAt)
	if err != nil {
		return nil, translate(err)
	}
	tok.ParentID = parent.String
	tok.Status = auth.TokenStatus(status)
	if usedAt.Valid {
		t := usedAt.Time
		tok.UsedAt = &t
	}
	return &tok, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, db execer, tok *auth.RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		insert into refresh_tokens (`+tokenColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tok.ID, tok.SessionID, nullIfEmpty(tok.ParentID), tok.UserID, tok.TenantID, tok.TokenHash,
		string(tok.Status), tok.IssuedAt, tok.ExpiresAt, tok.UsedAt)
	return translate(err)
}

func (s *Store) Insert(ctx context.Context, tok *auth.RefreshToken) error {
	return insertToken(ctx, s.db, tok)
}

func (s *Store) Find(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `select `+tokenColumns+` from refresh_tokens where token_hash = $1`, tokenHash)
	return scanToken(row)
}

// MarkUsedAndIssueSuccessor flips the token to rotated only while it is
// still active; the row lock taken by the update serialises racing callers.
func (s *Store) MarkUsedAndIssueSuccessor(ctx context.Context, oldHash string, successor *auth.RefreshToken) (*auth.RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		update refresh_tokens
		set status = 'rotated', used_at = $2
		where token_hash = $1 and status = 'active'
		returning `+tokenColumns,
		oldHash, time.Now().UTC())
	consumed, err := scanToken(row)
	if errors.Is(err, auth.ErrNotFound) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from refresh_tokens where token_hash = $1)`, oldHash).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, auth.ErrTokenNotActive
		}
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := insertToken(ctx, tx, successor); err != nil {
		return nil, fmt.Errorf("insert successor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return consumed, nil
}

func (s *Store) RevokeChain(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set status = 'revoked'
		where session_id = $1 and status = 'active'
	`, sessionID)
	return err
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
