package auth

import "time"

// Role is the tenant-scoped role of a user.
type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleUser:
		return true
	}
	return false
}

// Tenant is an isolated customer organization.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// User is an account belonging to exactly one tenant.
type User struct {
	ID           string
	TenantID     string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Role         Role
	IsActive     bool
	IsVerified   bool
	MFAEnabled   bool
	MFASecret    string
	CreatedAt    time.Time
}

// TokenStatus is the lifecycle state of a refresh token.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenRotated TokenStatus = "rotated"
	TokenRevoked TokenStatus = "revoked"
)

// RefreshToken is a persisted member of a session chain. The raw token is
// never stored, only TokenHash.
type RefreshToken struct {
	ID        string
	SessionID string
	ParentID  string
	UserID    string
	TenantID  string
	TokenHash string
	Status    TokenStatus
	IssuedAt  time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Identity is the verified content of an access token.
type Identity struct {
	UserID    string
	TenantID  string
	Role      Role
	TokenID   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
