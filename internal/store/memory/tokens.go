package memory

import (
	"context"
	"errors"

	"docgate.io/internal/auth"
)

func (s *Store) Insert(ctx context.Context, tok *auth.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tok == nil || tok.TokenHash == "" {
		return errors.New("memory: refresh token hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.TokenHash]; ok {
		return errors.New("memory: duplicate refresh token hash")
	}
	s.tokens[tok.TokenHash] = *tok
	return nil
}

func (s *Store) Find(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenHash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &tok, nil
}

// MarkUsedAndIssueSuccessor is a compare-and-swap on the token status; the
// successor is stored under the same lock.
func (s *Store) MarkUsedAndIssueSuccessor(ctx context.Context, oldHash string, successor *auth.RefreshToken) (*auth.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldHash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if old.Status != auth.TokenActive {
		return nil, auth.ErrTokenNotActive
	}
	if _, dup := s.tokens[successor.TokenHash]; dup {
		return nil, errors.New("memory: duplicate refresh token hash")
	}
	usedAt := s.now().UTC()
	old.Status = auth.TokenRotated
	old.UsedAt = &usedAt
	s.tokens[oldHash] = old
	s.tokens[successor.TokenHash] = *successor
	return &old, nil
}

func (s *Store) RevokeChain(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, tok := range s.tokens {
		if tok.SessionID == sessionID && tok.Status == auth.TokenActive {
			tok.Status = auth.TokenRevoked
			s.tokens[hash] = tok
		}
	}
	return nil
}

// ChainStatuses returns the status of every token of a session. Tests use it
// to assert chain revocation.
func (s *Store) ChainStatuses(sessionID string) []auth.TokenStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.TokenStatus
	for _, tok := range s.tokens {
		if tok.SessionID == sessionID {
			out = append(out, tok.Status)
		}
	}
	return out
}
