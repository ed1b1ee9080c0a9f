// Package auth decides which role a bearer token grants. Every adapter calls
// the same Authorizer so the rules cannot drift between transports.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrForbidden    = errors.New("insufficient role")
)

// Role is the permission level carried by a token.
type Role string

const (
	RoleReader Role = "reader"
	RoleWriter Role = "writer"
)

// ParseRole accepts "reader" or "writer", case-insensitively.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleReader, RoleWriter:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Allows reports whether a holder of have may act as need. A writer may
// also read.
func Allows(have, need Role) bool {
	switch need {
	case RoleReader:
		return have == RoleReader || have == RoleWriter
	case RoleWriter:
		return have == RoleWriter
	}
	return false
}

// Authorizer maps a raw token to the role it grants.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (Role, error)
}

// Require authorizes token and checks that it grants need.
func Require(ctx context.Context, a Authorizer, token string, need Role) (Role, error) {
	role, err := a.Authorize(ctx, token)
	if err != nil {
		return "", err
	}
	if !Allows(role, need) {
		return role, fmt.Errorf("%w: %s required, token grants %s", ErrForbidden, need, role)
	}
	return role, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Disabled grants writer to every caller. It is meant for local development.
type Disabled struct{}

func (Disabled) Authorize(context.Context, string) (Role, error) {
	return RoleWriter, nil
}
