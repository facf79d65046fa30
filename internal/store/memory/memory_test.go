package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docgate.io/internal/auth"
)

func register(t *testing.T, s *Store, tenantName, email string) error {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.FindTenantByName(ctx, tenantName); err == nil {
		return auth.ErrTenantExists
	}
	tenant := &auth.Tenant{ID: tenantName + "-id", Name: tenantName}
	require.NoError(t, tx.CreateTenant(ctx, tenant))
	require.NoError(t, tx.CreateUser(ctx, &auth.User{ID: email, TenantID: tenant.ID, Email: email, Role: auth.RoleOwner, IsActive: true}))
	return tx.Commit(ctx)
}

func TestCommitEnforcesUniqueness(t *testing.T) {
	s := New()
	require.NoError(t, register(t, s, "acme", "a@acme.io"))

	err := register(t, s, "acme", "b@acme.io")
	assert.ErrorIs(t, err, auth.ErrTenantExists)

	err = register(t, s, "globex", "A@acme.io ")
	assert.ErrorIs(t, err, auth.ErrEmailExists)

	tenants, users := s.Counts()
	assert.Equal(t, 1, tenants)
	assert.Equal(t, 1, users)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateTenant(ctx, &auth.Tenant{ID: "t1", Name: "acme"}))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Commit(ctx))

	_, err = s.FindTenantByName(ctx, "acme")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestConcurrentRegistrationSingleWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	const n = 16

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := s.Begin(ctx)
			if err != nil {
				return
			}
			<-start
			_ = tx.CreateTenant(ctx, &auth.Tenant{ID: string(rune('a' + i)), Name: "race"})
			if tx.Commit(ctx) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	tenants, _ := s.Counts()
	assert.Equal(t, 1, tenants)
}

func TestCommitRespectsCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateTenant(ctx, &auth.Tenant{ID: "t1", Name: "acme"}))
	cancel()

	assert.ErrorIs(t, tx.Commit(ctx), context.Canceled)
	tenants, _ := s.Counts()
	assert.Zero(t, tenants)
}

func TestFailNextCommit(t *testing.T) {
	s := New()
	boom := errors.New("disk full")
	s.FailNextCommit(boom)
	assert.ErrorIs(t, register(t, s, "acme", "a@acme.io"), boom)
	require.NoError(t, register(t, s, "acme", "a@acme.io"))
}

func TestRotationCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	first := &auth.RefreshToken{ID: "r1", SessionID: "s1", TokenHash: "h1", Status: auth.TokenActive, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.Insert(ctx, first))

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		lost int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := &auth.RefreshToken{ID: "n", SessionID: "s1", TokenHash: "next-" + string(rune('a'+i)), Status: auth.TokenActive}
			_, err := s.MarkUsedAndIssueSuccessor(ctx, "h1", next)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, auth.ErrTokenNotActive):
				lost++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, lost)

	got, err := s.Find(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, auth.TokenRotated, got.Status)
	require.NotNil(t, got.UsedAt)

	_, err = s.MarkUsedAndIssueSuccessor(ctx, "missing", &auth.RefreshToken{TokenHash: "x"})
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRevokeChainIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, &auth.RefreshToken{ID: "r1", SessionID: "s1", TokenHash: "h1", Status: auth.TokenRotated}))
	require.NoError(t, s.Insert(ctx, &auth.RefreshToken{ID: "r2", SessionID: "s1", TokenHash: "h2", Status: auth.TokenActive}))
	require.NoError(t, s.Insert(ctx, &auth.RefreshToken{ID: "r3", SessionID: "s2", TokenHash: "h3", Status: auth.TokenActive}))

	require.NoError(t, s.RevokeChain(ctx, "s1"))
	require.NoError(t, s.RevokeChain(ctx, "s1"))
	require.NoError(t, s.RevokeChain(ctx, "unknown"))

	got, _ := s.Find(ctx, "h2")
	assert.Equal(t, auth.TokenRevoked, got.Status)
	got, _ = s.Find(ctx, "h1")
	assert.Equal(t, auth.TokenRotated, got.Status)
	got, _ = s.Find(ctx, "h3")
	assert.Equal(t, auth.TokenActive, got.Status)
}
