package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrForbidden is returned by Authorize when the role lacks the capability.
var ErrForbidden = errors.New("auth: forbidden")

// Authorize reports whether id may perform capability.
func Authorize(id Identity, capability Capability) error {
	for _, c := range roleCapabilities[id.Role] {
		if c == capability {
			return nil
		}
	}
	return fmt.Errorf("%w: role %s lacks %s", ErrForbidden, id.Role, capability)
}

// AuthorizeContext runs Authorize against the identity stored in ctx.
func AuthorizeContext(ctx context.Context, capability Capability) error {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return ErrInvalidCredentials
	}
	return Authorize(id, capability)
}
