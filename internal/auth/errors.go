package auth

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Store sentinels. Implementations of Store and RefreshTokenStore return
// these (possibly wrapped) so the auth layer can classify failures.
var (
	ErrNotFound       = errors.New("auth: not found")
	ErrTenantExists   = errors.New("auth: tenant already exists")
	ErrEmailExists    = errors.New("auth: email already registered")
	ErrTokenNotActive = errors.New("auth: refresh token not active")
)

// Kind classifies authentication failures.
type Kind uint8

const (
	KindInvalidCredentials Kind = iota + 1
	KindAccountDisabled
	KindMFARequired
	KindExpired
	KindBadSignature
	KindIssuerMismatch
	KindMalformed
	KindReusedToken
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid credentials"
	case KindAccountDisabled:
		return "account disabled"
	case KindMFARequired:
		return "mfa required"
	case KindExpired:
		return "token expired"
	case KindBadSignature:
		return "bad signature"
	case KindIssuerMismatch:
		return "issuer mismatch"
	case KindMalformed:
		return "malformed token"
	case KindReusedToken:
		return "refresh token reused"
	case KindUnavailable:
		return "temporarily unavailable"
	}
	return "unknown"
}

// Code is a stable machine-readable identifier for k.
func (k Kind) Code() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAccountDisabled:
		return "account_disabled"
	case KindMFARequired:
		return "mfa_required"
	case KindExpired:
		return "token_expired"
	case KindBadSignature:
		return "bad_signature"
	case KindIssuerMismatch:
		return "issuer_mismatch"
	case KindMalformed:
		return "malformed_token"
	case KindReusedToken:
		return "token_reused"
	case KindUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// AuthError is returned by every authentication operation. The message never
// includes the underlying cause; Unwrap exposes it for server-side logging.
type AuthError struct {
	Kind  Kind
	cause error
}

func newAuthError(kind Kind, cause error) *AuthError {
	return &AuthError{Kind: kind, cause: cause}
}

func (e *AuthError) Error() string { return "auth: " + e.Kind.String() }

func (e *AuthError) Unwrap() error { return e.cause }

// Is matches any AuthError of the same kind, so the Err* values below work
// with errors.Is.
func (e *AuthError) Is(target error) bool {
	var t *AuthError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may retry the same request.
func (e *AuthError) Retryable() bool { return e.Kind == KindUnavailable }

// GRPCStatus maps the error onto a gRPC status for transport adapters.
func (e *AuthError) GRPCStatus() *status.Status {
	code := codes.Unauthenticated
	switch e.Kind {
	case KindAccountDisabled, KindMFARequired:
		code = codes.PermissionDenied
	case KindUnavailable:
		code = codes.Unavailable
	}
	return status.New(code, e.Error())
}

var (
	ErrInvalidCredentials = &AuthError{Kind: KindInvalidCredentials}
	ErrAccountDisabled    = &AuthError{Kind: KindAccountDisabled}
	ErrMFARequired        = &AuthError{Kind: KindMFARequired}
	ErrExpired            = &AuthError{Kind: KindExpired}
	ErrBadSignature       = &AuthError{Kind: KindBadSignature}
	ErrIssuerMismatch     = &AuthError{Kind: KindIssuerMismatch}
	ErrMalformed          = &AuthError{Kind: KindMalformed}
	ErrReusedToken        = &AuthError{Kind: KindReusedToken}
	ErrUnavailable        = &AuthError{Kind: KindUnavailable}
)

// RegistrationKind classifies registration failures.
type RegistrationKind uint8

const (
	RegEmailTaken RegistrationKind = iota + 1
	RegTenantNameConflict
	RegInvalid
	RegInternal
)

func (k RegistrationKind) String() string {
	switch k {
	case RegEmailTaken:
		return "email already registered"
	case RegTenantNameConflict:
		return "tenant name already taken"
	case RegInvalid:
		return "invalid registration"
	case RegInternal:
		return "internal error"
	}
	return "unknown"
}

func (k RegistrationKind) Code() string {
	switch k {
	case RegEmailTaken:
		return "email_taken"
	case RegTenantNameConflict:
		return "tenant_name_conflict"
	case RegInvalid:
		return "invalid"
	case RegInternal:
		return "internal"
	}
	return "unknown"
}

// RegistrationError is returned by Register. Detail is a caller-safe
// description used only for RegInvalid.
type RegistrationError struct {
	Kind   RegistrationKind
	Detail string
	cause  error
}

func (e *RegistrationError) Error() string {
	if e.Detail != "" {
		return "register: " + e.Kind.String() + ": " + e.Detail
	}
	return "register: " + e.Kind.String()
}

func (e *RegistrationError) Unwrap() error { return e.cause }

func (e *RegistrationError) Is(target error) bool {
	var t *RegistrationError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func (e *RegistrationError) GRPCStatus() *status.Status {
	switch e.Kind {
	case RegEmailTaken, RegTenantNameConflict:
		return status.New(codes.AlreadyExists, e.Error())
	case RegInvalid:
		return status.New(codes.InvalidArgument, e.Error())
	}
	return status.New(codes.Internal, e.Error())
}

var (
	ErrEmailTaken         = &RegistrationError{Kind: RegEmailTaken}
	ErrTenantNameConflict = &RegistrationError{Kind: RegTenantNameConflict}
	ErrRegistrationFailed = &RegistrationError{Kind: RegInternal}
)

func invalidRegistration(detail string) *RegistrationError {
	return &RegistrationError{Kind: RegInvalid, Detail: detail}
}
