// Package auth carries the caller identity through the service layer and
// verifies bearer tokens at the HTTP edge.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/drfirst/rxdesk/internal/domain"
)

// Role is the dashboard role of a user.
type Role string

const (
	RoleDoctor   Role = "doctor"
	RolePharmacy Role = "pharmacy"
	RolePatient  Role = "patient"
)

// ParseRole accepts any casing.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleDoctor, RolePharmacy, RolePatient:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Principal is the authenticated caller. The zero value is anonymous.
type Principal struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	Name   string `json:"name,omitempty"`
}

// CurrentUserRole returns the caller role, empty when anonymous.
func (p Principal) CurrentUserRole() Role { return p.Role }

// CurrentUserID returns the caller id, empty when anonymous.
func (p Principal) CurrentUserID() string { return p.UserID }

// Anonymous reports whether no user is attached.
func (p Principal) Anonymous() bool { return p.UserID == "" || p.Role == "" }

// Require fails with a ForbiddenError unless the caller has one of roles.
func (p Principal) Require(action string, roles ...Role) error {
	if p.Anonymous() {
		return domain.Forbidden(action, "")
	}
	for _, r := range roles {
		if p.Role == r {
			return nil
		}
	}
	return domain.Forbidden(action, string(p.Role))
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal attached by the auth middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
