package metadata

import "context"

// UserContext represents the calling user, set by auth middleware or by the
// workflow runner. Record is the caller's own row in the user table; role
// queries and {$user: field} placeholders are evaluated against it.
type UserContext struct {
	ID     string   `json:"id"`
	Roles  []string `json:"roles,omitempty"`
	Record Record   `json:"record,omitempty"`

	// System callers bypass authorization (bootstrapping, auth lookups).
	System bool `json:"-"`
}

// SystemUser is the caller used by internal lookups.
var SystemUser = &UserContext{ID: "system", System: true}

// HasRole checks whether the user has been granted a role explicitly.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin checks whether the user carries the admin role in its token.
func (u *UserContext) IsAdmin() bool {
	return u.System || u.HasRole("admin")
}

// Field returns a field of the caller's own record.
func (u *UserContext) Field(name string) any {
	if u == nil {
		return nil
	}
	if v, ok := u.Record[name]; ok && v != nil {
		return v
	}
	if name == "id" {
		return u.ID
	}
	return nil
}

type userKey struct{}

// WithUser stores the caller in ctx.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the caller stored in ctx, or nil.
func UserFromContext(ctx context.Context) *UserContext {
	user, _ := ctx.Value(userKey{}).(*UserContext)
	return user
}
