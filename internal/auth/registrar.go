package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docgate.io/internal/ids"
	"docgate.io/internal/obs"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 1024
	maxTenantName     = 200
)

// RegisterInput is a request to create a tenant together with its owner.
type RegisterInput struct {
	TenantName string
	Email      string
	Password   string
	FirstName  string
	LastName   string
}

// Registration is the result of a successful Register call.
type Registration struct {
	UserID   string
	TenantID string
	Role     Role
	Tokens   TokenPair
	// LoginRequired is set when the account was committed but its first
	// session could not be opened; Tokens is empty and the caller should
	// log in instead of registering again.
	LoginRequired bool
}

// TenantRegistrar creates a tenant and its owner account in one transaction.
// A name that already belongs to a tenant is always a conflict; joining an
// existing tenant goes through invitations, not registration.
type TenantRegistrar struct {
	store  Store
	hasher *PasswordHasher
	now    func() time.Time
	logger *slog.Logger
}

// NewTenantRegistrar wires a registrar.
func NewTenantRegistrar(store Store, hasher *PasswordHasher, now func() time.Time, logger *slog.Logger) *TenantRegistrar {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = obs.Logger()
	}
	return &TenantRegistrar{store: store, hasher: hasher, now: now, logger: logger}
}

// Register validates in and persists the tenant and owner. On any error
// nothing is committed.
func (r *TenantRegistrar) Register(ctx context.Context, in RegisterInput) (*Tenant, *User, error) {
	in, err := normalizeRegistration(in)
	if err != nil {
		return nil, nil, err
	}

	hash, err := bounded(ctx, func() (string, error) { return r.hasher.Hash(in.Password) })
	if err != nil {
		return nil, nil, r.fail(ctx, "hash password", err)
	}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, nil, r.fail(ctx, "begin", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.FindTenantByName(ctx, in.TenantName); err == nil {
		return nil, nil, ErrTenantNameConflict
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, r.fail(ctx, "find tenant", err)
	}

	now := r.now().UTC()
	tenant := &Tenant{ID: ids.New(), Name: in.TenantName, CreatedAt: now}
	if err := tx.CreateTenant(ctx, tenant); err != nil {
		return nil, nil, r.fail(ctx, "create tenant", err)
	}
	user := &User{
		ID:           ids.New(),
		TenantID:     tenant.ID,
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         RoleOwner,
		IsActive:     true,
		IsVerified:   false,
		CreatedAt:    now,
	}
	if err := tx.CreateUser(ctx, user); err != nil {
		return nil, nil, r.fail(ctx, "create user", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, r.fail(ctx, "commit", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, r.fail(ctx, "commit", err)
	}
	return tenant, user, nil
}

// fail translates a store error. Uniqueness violations become registration
// kinds, context expiry becomes Unavailable and everything else is logged
// and reported as Internal.
func (r *TenantRegistrar) fail(ctx context.Context, step string, err error) error {
	switch {
	case errors.Is(err, ErrTenantExists):
		return ErrTenantNameConflict
	case errors.Is(err, ErrEmailExists):
		return ErrEmailTaken
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return newAuthError(KindUnavailable, fmt.Errorf("register %s: %w", step, err))
	}
	r.logger.Error("registration failed",
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
	return &RegistrationError{Kind: RegInternal, cause: fmt.Errorf("register %s: %w", step, err)}
}

func normalizeRegistration(in RegisterInput) (RegisterInput, error) {
	in.TenantName = strings.TrimSpace(in.TenantName)
	in.Email = normalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	switch {
	case in.TenantName == "":
		return in, invalidRegistration("tenant name is required")
	case len(in.TenantName) > maxTenantName:
		return in, invalidRegistration("tenant name is too long")
	case in.Email == "" || !strings.Contains(in.Email, "@"):
		return in, invalidRegistration("a valid email is required")
	case len(in.Password) < minPasswordLength:
		return in, invalidRegistration(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	case len(in.Password) > maxPasswordLength:
		return in, invalidRegistration("password is too long")
	}
	return in, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
