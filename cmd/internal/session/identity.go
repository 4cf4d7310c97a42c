package session

import (
	"strings"
	"time"
)

// Role is the authorization role carried by an Identity.
type Role string

const (
	RoleUser          Role = "user"
	RoleCategoryAdmin Role = "category-admin"
	RoleSuperAdmin    Role = "super-admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleCategoryAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// Image is a hosted asset reference.
type Image struct {
	PublicID string `json:"public_id"`
	URL      string `json:"url"`
}

// Identity is the signed-in principal as the backend describes it. Only ID,
// Role, Category and Division drive client behavior; the rest is carried
// through for display surfaces.
type Identity struct {
	ID         string    `json:"_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone,omitempty"`
	IsVerified bool      `json:"isVerified"`
	Role       Role      `json:"role"`
	Category   string    `json:"category,omitempty"`
	Division   string    `json:"division,omitempty"`
	Avatar     *Image    `json:"avatar,omitempty"`
	Profession string    `json:"profession,omitempty"`
	ZipCode    string    `json:"zipCode,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitzero"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"`
}

// Validate checks the fields the client relies on.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.ID) == "" {
		return ErrInvalidIdentity
	}
	if id.Role != "" && !id.Role.Valid() {
		return ErrInvalidIdentity
	}
	return nil
}

// RefreshResult is what a successful credential refresh yields. A nil
// Identity means the backend rotated the credential without returning a
// principal; the current identity stays as it is.
type RefreshResult struct {
	Identity *Identity
}
