package identity

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of roles a user can hold. The wire form carries the
// ROLE_ prefix; internally roles are bare names.
type Role string

const (
	RoleUser    Role = "USER"
	RoleManager Role = "MANAGER"
	RoleAdmin   Role = "ADMIN"
)

const wirePrefix = "ROLE_"

// Valid reports whether the role belongs to the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Wire returns the prefixed form placed into token claims and events.
func (r Role) Wire() string { return wirePrefix + string(r) }

// ParseWireRole converts a prefixed wire role back into the closed set.
// The prefix is mandatory; bare names are rejected.
func ParseWireRole(s string) (Role, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, wirePrefix) {
		return "", fmt.Errorf("%w: role %q lacks the %s prefix", ErrInvalidInput, s, wirePrefix)
	}
	r := Role(strings.TrimPrefix(trimmed, wirePrefix))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// WireRoles renders a role set in wire form, deduplicated.
func WireRoles(roles []Role) []string {
	seen := make(map[Role]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r.Wire())
	}
	return out
}

// User is the authoritative principal record owned by the auth service.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Roles        []Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasRole reports whether the user holds the given role.
func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RefreshToken is a persisted refresh-token record. The opaque value is the
// lookup key; records are never mutated in place.
type RefreshToken struct {
	ID        int64
	UserID    int64
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}
