package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"docgate.io/internal/auth"
)

const userColumns = `id, tenant_id, email, password_hash, first_name, last_name, role,
	is_active, is_verified, mfa_enabled, mfa_secret, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u    auth.User
		role string
	)
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &role,
		&u.IsActive, &u.IsVerified, &u.MFAEnabled, &u.MFASecret, &u.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	u.Role = auth.Role(role)
	return &u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func (s *Store) FindTenantByName(ctx context.Context, name string) (*auth.Tenant, error) {
	return findTenantByName(ctx, s.db, name)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `update users set password_hash = $2 where id = $1`, userID, hash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findTenantByName(ctx context.Context, q querier, name string) (*auth.Tenant, error) {
	var t auth.Tenant
	err := q.QueryRowContext(ctx, `select id, name, created_at from tenants where name = $1`, name).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

// Begin opens a read-committed transaction for registration. Concurrent
// inserts of the same tenant name or email block on the unique index and
// the loser receives the matching sentinel.
func (s *Store) Begin(ctx context.Context) (auth.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) FindTenantByName(ctx context.Context, name string) (*auth.Tenant, error) {
	return findTenantByName(ctx, t.tx, name)
}

func (t *pgTx) CreateTenant(ctx context.Context, tenant *auth.Tenant) error {
	err := t.tx.QueryRowContext(ctx, `
		insert into tenants (id, name, created_at)
		values ($1, $2, $3)
		returning created_at
	`, tenant.ID, tenant.Name, tenant.CreatedAt).Scan(&tenant.CreatedAt)
	return translate(err)
}

func (t *pgTx) CreateUser(ctx context.Context, u *auth.User) error {
	err := t.tx.QueryRowContext(ctx, `
		insert into users (`+userColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		returning created_at
	`, u.ID, u.TenantID, strings.ToLower(strings.TrimSpace(u.Email)), u.PasswordHash, u.FirstName, u.LastName,
		string(u.Role), u.IsActive, u.IsVerified, u.MFAEnabled, u.MFASecret, u.CreatedAt).Scan(&u.CreatedAt)
	return translate(err)
}

func (t *pgTx) Commit(context.Context) error {
	return translate(t.tx.Commit())
}

func (t *pgTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
