//go:build integration

package pg

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"docgate.io/internal/auth"
	"docgate.io/internal/migrate"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true")
	}
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("docgate_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(dsn, PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Ping(ctx))

	_, err = migrate.NewManager(store.DB(), Migrations()).Up(ctx)
	require.NoError(t, err)
	return store
}

func seedOwner(t *testing.T, s *Store, tenant, email string) (*auth.Tenant, *auth.User) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tn := &auth.Tenant{ID: uuid.NewString(), Name: tenant, CreatedAt: now}
	require.NoError(t, tx.CreateTenant(ctx, tn))
	u := &auth.User{ID: uuid.NewString(), TenantID: tn.ID, Email: email, PasswordHash: "x", Role: auth.RoleOwner, IsActive: true, CreatedAt: now}
	require.NoError(t, tx.CreateUser(ctx, u))
	require.NoError(t, tx.Commit(ctx))
	return tn, u
}

func TestPostgresRegistrationConstraints(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	_, owner := seedOwner(t, s, "acme", "owner@acme.io")

	got, err := s.FindUserByEmail(ctx, "OWNER@acme.io")
	require.NoError(t, err)
	assert.Equal(t, owner.ID, got.ID)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	err = tx.CreateTenant(ctx, &auth.Tenant{ID: uuid.NewString(), Name: "acme", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, auth.ErrTenantExists)
	require.NoError(t, tx.Rollback(ctx))

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	tn := &auth.Tenant{ID: uuid.NewString(), Name: "globex", CreatedAt: time.Now()}
	require.NoError(t, tx.CreateTenant(ctx, tn))
	err = tx.CreateUser(ctx, &auth.User{ID: uuid.NewString(), TenantID: tn.ID, Email: "owner@acme.io", PasswordHash: "x", Role: auth.RoleOwner})
	assert.ErrorIs(t, err, auth.ErrEmailExists)
	require.NoError(t, tx.Rollback(ctx))

	_, err = s.FindTenantByName(ctx, "globex")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestPostgresRotationSingleWinner(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	tn, u := seedOwner(t, s, "acme", "owner@acme.io")

	session := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, s.Insert(ctx, &auth.RefreshToken{ID: uuid.NewString(), SessionID: session, UserID: u.ID, TenantID: tn.ID,
		TokenHash: "h0", Status: auth.TokenActive, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			succ := &auth.RefreshToken{ID: uuid.NewString(), SessionID: session, UserID: u.ID, TenantID: tn.ID,
				TokenHash: "h1-" + uuid.NewString(), Status: auth.TokenActive, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
			_, err := s.MarkUsedAndIssueSuccessor(ctx, "h0", succ)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, auth.ErrTokenNotActive), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	require.NoError(t, s.RevokeChain(ctx, session))
	var active int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`select count(*) from refresh_tokens where session_id = $1 and status = 'active'`, session).Scan(&active))
	assert.Zero(t, active)
}

func TestPostgresWithTenantScopesRows(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	acme, _ := seedOwner(t, s, "acme", "owner@acme.io")
	seedOwner(t, s, "globex", "owner@globex.io")

	// RLS is bypassed by table owners, so run as a plain role.
	for _, stmt := range []string{`create role docgate_app nologin`, `grant select on users to docgate_app`} {
		_, err := s.DB().ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	var count int
	err := s.WithTenant(ctx, acme.ID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `set local role docgate_app`); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `select count(*) from users`).Scan(&count)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
