package auth

import "context"

// Roles carried in the "roles" claim.
const (
	RolePatient      = "patient"
	RoleOperator     = "operator"
	RoleParamedic    = "paramedic"
	RoleHealthCenter = "health_center"
	RoleAdmin        = "admin"
)

// HasRole reports whether roles contains role. Admin is not implied.
func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Caller is the authenticated principal of a request.
type Caller struct {
	ID    string
	Roles []string
}

func (c Caller) HasRole(role string) bool {
	return HasRole(c.Roles, role)
}

// CallerFromContext returns the identity set by the auth middleware.
func CallerFromContext(ctx context.Context) Caller {
	return Caller{ID: UserIDFromContext(ctx), Roles: RolesFromContext(ctx)}
}
