package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"docgate.io/internal/auth"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"

	constraintTenantName = "tenants_name_key"
	constraintUserEmail  = "users_email_key"
)

// PoolConfig tunes the database/sql connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store implements auth.Store on PostgreSQL through the pgx stdlib driver.
type Store struct {
	db *sql.DB
}

var (
	_ auth.Store             = (*Store)(nil)
	_ auth.RefreshTokenStore = (*Store)(nil)
	_ auth.PasswordUpdater   = (*Store)(nil)
)

// Open connects to dsn and applies pool settings. Zero values keep the
// defaults below.
func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns == 0 {
		pool.MaxOpenConns = 20
	}
	if pool.MaxIdleConns == 0 {
		pool.MaxIdleConns = 10
	}
	if pool.ConnMaxLifetime == 0 {
		pool.ConnMaxLifetime = 15 * time.Minute
	}
	if pool.ConnMaxIdleTime == 0 {
		pool.ConnMaxIdleTime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// RefreshTokens returns the store itself; refresh tokens share the database.
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return s }

// WithTenant runs fn in a transaction whose row-level-security context is
// bound to tenantID. The binding ends with the transaction.
func (s *Store) WithTenant(ctx context.Context, tenantID string, fn func(*sql.Tx) error) error {
	if tenantID == "" {
		return errors.New("pg: tenant id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select set_config('app.current_tenant', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("bind tenant: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// translate maps constraint violations onto the auth store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		switch pgErr.ConstraintName {
		case constraintTenantName:
			return fmt.Errorf("%w: %s", auth.ErrTenantExists, pgErr.ConstraintName)
		case constraintUserEmail:
			return fmt.Errorf("%w: %s", auth.ErrEmailExists, pgErr.ConstraintName)
		}
	case pgErrForeignKeyViolation:
		return fmt.Errorf("%w: %s", auth.ErrNotFound, pgErr.ConstraintName)
	}
	return err
}
