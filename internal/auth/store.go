package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
// Uniqueness of tenant names and user emails is enforced by the store and
// reported as ErrTenantExists / ErrEmailExists, either at insert time or at
// Commit.
type Store interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindTenantByName(ctx context.Context, name string) (*Tenant, error)
	Begin(ctx context.Context) (Tx, error)
	RefreshTokens() RefreshTokenStore
}

// Tx is a registration unit of work. Rollback after Commit is a no-op.
type Tx interface {
	FindTenantByName(ctx context.Context, name string) (*Tenant, error)
	CreateTenant(ctx context.Context, t *Tenant) error
	CreateUser(ctx context.Context, u *User) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RefreshTokenStore manages refresh token chains.
type RefreshTokenStore interface {
	Insert(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// MarkUsedAndIssueSuccessor atomically moves the active token identified
	// by oldHash to rotated and stores successor. It returns the consumed
	// record, or ErrTokenNotActive if the token was no longer active.
	MarkUsedAndIssueSuccessor(ctx context.Context, oldHash string, successor *RefreshToken) (*RefreshToken, error)
	// RevokeChain revokes every active token of a session. Idempotent.
	RevokeChain(ctx context.Context, sessionID string) error
}

// PasswordUpdater is an optional Store capability used to upgrade outdated
// password hashes after a successful login.
type PasswordUpdater interface {
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
}
