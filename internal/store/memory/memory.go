// Package memory is an in-process implementation of auth.Store used by tests
// and single-node development setups.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"docgate.io/internal/auth"
)

// Store keeps tenants, users and refresh tokens in maps guarded by one
// mutex. Uniqueness is checked again at Commit, so two transactions racing
// for the same tenant name or email cannot both succeed.
type Store struct {
	mu        sync.Mutex
	tenants   map[string]auth.Tenant // by id
	byName    map[string]string      // tenant name -> id
	users     map[string]auth.User   // by id
	byEmail   map[string]string      // email -> user id
	tokens    map[string]auth.RefreshToken
	now       func() time.Time
	commitErr error
}

var (
	_ auth.Store             = (*Store)(nil)
	_ auth.RefreshTokenStore = (*Store)(nil)
	_ auth.PasswordUpdater   = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		tenants: make(map[string]auth.Tenant),
		byName:  make(map[string]string),
		users:   make(map[string]auth.User),
		byEmail: make(map[string]string),
		tokens:  make(map[string]auth.RefreshToken),
		now:     time.Now,
	}
}

// FailNextCommit makes the next Commit return err. Tests use it to exercise
// rollback paths.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// PutUser inserts or replaces a user directly, bypassing registration.
func (s *Store) PutUser(u auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if old, ok := s.users[u.ID]; ok {
		delete(s.byEmail, old.Email)
	}
	s.users[u.ID] = u
	s.byEmail[u.Email] = u.ID
}

// PutTenant inserts a tenant directly, bypassing registration.
func (s *Store) PutTenant(t auth.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
	s.byName[t.Name] = t.ID
}

// SetActive flips the active flag of a user.
func (s *Store) SetActive(userID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.IsActive = active
		s.users[userID] = u
	}
}

// Counts reports the number of tenants and users stored.
func (s *Store) Counts() (tenants, users int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tenants), len(s.users)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, auth.ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*auth.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &u, nil
}

func (s *Store) FindTenantByName(ctx context.Context, name string) (*auth.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenantByNameLocked(name)
}

func (s *Store) tenantByNameLocked(name string) (*auth.Tenant, error) {
	id, ok := s.byName[name]
	if !ok {
		return nil, auth.ErrNotFound
	}
	t := s.tenants[id]
	return &t, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = hash
	s.users[userID] = u
	return nil
}

// Begin starts a buffered transaction.
func (s *Store) Begin(ctx context.Context) (auth.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{store: s}, nil
}

// RefreshTokens returns the store itself; it implements both contracts.
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return s }

type tx struct {
	store   *Store
	tenants []auth.Tenant
	users   []auth.User
	done    bool
}

func (t *tx) FindTenantByName(ctx context.Context, name string) (*auth.Tenant, error) {
	for _, pending := range t.tenants {
		if pending.Name == name {
			p := pending
			return &p, nil
		}
	}
	return t.store.FindTenantByName(ctx, name)
}

func (t *tx) CreateTenant(ctx context.Context, tenant *auth.Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = t.store.now().UTC()
	}
	t.tenants = append(t.tenants, *tenant)
	return nil
}

func (t *tx) CreateUser(ctx context.Context, u *auth.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = t.store.now().UTC()
	}
	t.users = append(t.users, *u)
	return nil
}

// Commit applies buffered writes atomically, or none of them.
func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	t.done = true

	if err := s.commitErr; err != nil {
		s.commitErr = nil
		return err
	}
	names := make(map[string]struct{}, len(t.tenants))
	for _, tenant := range t.tenants {
		if _, ok := s.byName[tenant.Name]; ok {
			return auth.ErrTenantExists
		}
		if _, ok := names[tenant.Name]; ok {
			return auth.ErrTenantExists
		}
		names[tenant.Name] = struct{}{}
	}
	emails := make(map[string]struct{}, len(t.users))
	for _, u := range t.users {
		email := strings.ToLower(strings.TrimSpace(u.Email))
		if _, ok := s.byEmail[email]; ok {
			return auth.ErrEmailExists
		}
		if _, ok := emails[email]; ok {
			return auth.ErrEmailExists
		}
		emails[email] = struct{}{}
	}

	for _, tenant := range t.tenants {
		s.tenants[tenant.ID] = tenant
		s.byName[tenant.Name] = tenant.ID
	}
	for _, u := range t.users {
		u.Email = strings.ToLower(strings.TrimSpace(u.Email))
		s.users[u.ID] = u
		s.byEmail[u.Email] = u.ID
	}
	return nil
}

func (t *tx) Rollback(context.Context) error {
	t.done = true
	t.tenants = nil
	t.users = nil
	return nil
}
