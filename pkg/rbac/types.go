package rbac

import (
	"strings"
)

// SysAdminRoleName is the role name that grants full access within one institution.
// Matching is case-insensitive.
const SysAdminRoleName = "sysadmin"

// RoleKind classifies roles by the structural effect they have on resolution
type RoleKind string

const (
	RoleKindStandard RoleKind = "standard"
	RoleKindSysAdmin RoleKind = "sysadmin"
)

// User is a login-capable person in one institution
type User struct {
	ID               int64  `json:"id"`
	InstitutionID    int64  `json:"institution_id"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	LegacyExternalID string `json:"legacy_external_id"`
	IsActive         bool   `json:"is_active"`
	IsOfficeAdmin    bool   `json:"is_office_admin"`
	ReceivesCases    bool   `json:"receives_cases"`
	PasswordHash     string `json:"-"`
}

// PublicUser is the projection of a User that is safe to return to callers
type PublicUser struct {
	ID               int64  `json:"id"`
	InstitutionID    int64  `json:"institution_id"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	LegacyExternalID string `json:"legacy_external_id"`
	IsActive         bool   `json:"is_active"`
	IsOfficeAdmin    bool   `json:"is_office_admin"`
	ReceivesCases    bool   `json:"receives_cases"`
}

// Public returns the public-safe projection of the user
func (u User) Public() PublicUser {
	return PublicUser{
		ID:               u.ID,
		InstitutionID:    u.InstitutionID,
		Name:             u.Name,
		Email:            u.Email,
		LegacyExternalID: u.LegacyExternalID,
		IsActive:         u.IsActive,
		IsOfficeAdmin:    u.IsOfficeAdmin,
		ReceivesCases:    u.ReceivesCases,
	}
}

// Role is a named permission bundle scoped to an institution
type Role struct {
	ID            int64  `json:"id"`
	InstitutionID int64  `json:"institution_id"`
	Name          string `json:"name"`
	IsSystem      bool   `json:"is_system"`
}

// Kind reports the structural kind of the role. Sysadmin roles are still
// recognised by name, so renaming the role revokes its effect.
func (r Role) Kind() RoleKind {
	if IsSysAdminRoleName(r.Name) {
		return RoleKindSysAdmin
	}
	return RoleKindStandard
}

// IsSysAdminRoleName reports whether name marks a sysadmin role
func IsSysAdminRoleName(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), SysAdminRoleName)
}

// Permission is an atomic grantable capability scoped to an institution
type Permission struct {
	ID            int64  `json:"id"`
	InstitutionID int64  `json:"institution_id"`
	Code          string `json:"code"`
	MenuID        *int64 `json:"menu_id,omitempty"`
}

// Menu is the per-institution enable/disable row for one catalog feature
type Menu struct {
	ID            int64  `json:"id"`
	InstitutionID int64  `json:"institution_id"`
	Label         string `json:"label"`
	Path          string `json:"path"`
	IsActive      bool   `json:"is_active"`
	DisplayOrder  int    `json:"display_order"`
}

// RolePermission links a role to a permission
type RolePermission struct {
	ID           int64 `json:"id"`
	RoleID       int64 `json:"role_id"`
	PermissionID int64 `json:"permission_id"`
}

// UserRole links a user to a role
type UserRole struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"user_id"`
	RoleID int64 `json:"role_id"`
}

// UserFeatureOverride toggles one admin-gated feature key for one user
type UserFeatureOverride struct {
	ID            int64  `json:"id"`
	UserID        int64  `json:"user_id"`
	InstitutionID int64  `json:"institution_id"`
	FeatureKey    string `json:"feature_key"`
	IsEnabled     bool   `json:"is_enabled"`
}

// Principal identifies the caller of an operation
type Principal struct {
	InstitutionID int64  `json:"institution_id"`
	LegacyUserID  string `json:"legacy_user_id"`
	Email         string `json:"email,omitempty"`
}
