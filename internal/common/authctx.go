package common

import "context"

// Roles assigned to authenticated accounts.
const (
	RoleGuardian = "guardian"
	RoleAdmin    = "admin"
)

// AuthPrincipal describes the authenticated caller.
type AuthPrincipal struct {
	AccountID string
	FamilyID  string
	Role      string
}

// IsAdmin reports whether the principal carries the admin role.
func (p AuthPrincipal) IsAdmin() bool { return p.Role == RoleAdmin }

// OwnsFamily reports whether the principal may act on the given family.
func (p AuthPrincipal) OwnsFamily(familyID string) bool {
	if p.IsAdmin() {
		return true
	}
	return p.FamilyID != "" && p.FamilyID == familyID
}

type principalKey struct{}

// WithPrincipal stores the authenticated principal on the provided context.
func WithPrincipal(ctx context.Context, p AuthPrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Principal extracts the authenticated principal from the context if present.
func Principal(ctx context.Context) (AuthPrincipal, bool) {
	v, ok := ctx.Value(principalKey{}).(AuthPrincipal)
	return v, ok
}
