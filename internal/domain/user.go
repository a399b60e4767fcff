package domain

import "encoding/json"

// Role is the normalized client-side role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleStaff  Role = "staff"
	RoleClient Role = "client"
)

// NormalizeRole collapses the backend's richer role enum into the three
// roles the portal distinguishes.
func NormalizeRole(backendRole string) Role {
	switch backendRole {
	case "SUPER_ADMIN", "ADMIN", "admin":
		return RoleAdmin
	case "SUPPORT_AGENT", "BILLING_AGENT", "STAFF", "staff":
		return RoleStaff
	default:
		return RoleClient
	}
}

// UnmarshalJSON accepts either a raw backend role or an already normalized one.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = NormalizeRole(s)
	return nil
}

// User is the authenticated identity as the portal sees it.
type User struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Role             Role   `json:"role"`
	AvatarURL        string `json:"avatarUrl,omitempty"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled"`
	EmailVerified    bool   `json:"emailVerified"`
}

// UserUpdate carries a partial, local-only update to the current user.
// Nil fields are left untouched.
type UserUpdate struct {
	FirstName        *string
	LastName         *string
	AvatarURL        *string
	TwoFactorEnabled *bool
	EmailVerified    *bool
}

// Apply shallow-merges the update into the user.
func (u *User) Apply(update UserUpdate) {
	if update.FirstName != nil {
		u.FirstName = *update.FirstName
	}
	if update.LastName != nil {
		u.LastName = *update.LastName
	}
	if update.AvatarURL != nil {
		u.AvatarURL = *update.AvatarURL
	}
	if update.TwoFactorEnabled != nil {
		u.TwoFactorEnabled = *update.TwoFactorEnabled
	}
	if update.EmailVerified != nil {
		u.EmailVerified = *update.EmailVerified
	}
}
