package tabular

import (
	"strconv"
	"strings"

	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/spf13/cast"
)

// Field names as configured in the tabular database
const (
	fieldID               = "id"
	fieldInstitutionID    = "institution_id"
	fieldName             = "name"
	fieldEmail            = "email"
	fieldLegacyExternalID = "legacy_external_id"
	fieldPasswordHash     = "password_hash"
	fieldIsActive         = "is_active"
	fieldIsOfficeAdmin    = "is_office_admin"
	fieldReceivesCases    = "receives_cases"
	fieldIsSystem         = "is_system"
	fieldCode             = "code"
	fieldMenu             = "menu"
	fieldLabel            = "label"
	fieldPath             = "path"
	fieldDisplayOrder     = "display_order"
	fieldRole             = "role"
	fieldPermission       = "permission"
	fieldUser             = "user"
	fieldFeatureKey       = "feature_key"
	fieldIsEnabled        = "is_enabled"
)

// All loose coercion of tabular cells happens in this file. Cells may hold
// numbers as strings or decimals, booleans as strings, and link-row cells as
// arrays of {id, value} objects.

func toInt64(v interface{}) int64 {
	if n, err := cast.ToInt64E(v); err == nil {
		return n
	}
	// decimal number fields come back as "7.00"
	if f, err := cast.ToFloat64E(v); err == nil {
		return int64(f)
	}
	return 0
}

func toBool(v interface{}) bool {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes", "y", "si", "sí", "on":
			return true
		case "no", "n", "off", "":
			return false
		}
	}
	return cast.ToBool(v)
}

func toString(v interface{}) string {
	return strings.TrimSpace(cast.ToString(v))
}

// linkIDs decodes a link-row cell. Plain ids are accepted as well.
func linkIDs(v interface{}) []int64 {
	var items []interface{}
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		items = t
	default:
		items = []interface{}{t}
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			item = m[fieldID]
		}
		if id := toInt64(item); id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// linkID returns the first linked row id, or 0
func linkID(v interface{}) int64 {
	if ids := linkIDs(v); len(ids) > 0 {
		return ids[0]
	}
	return 0
}

func link(id int64) []int64 {
	if id <= 0 {
		return []int64{}
	}
	return []int64{id}
}

func userFromRow(r row) rbac.User {
	u := rbac.User{
		ID:               toInt64(r[fieldID]),
		InstitutionID:    toInt64(r[fieldInstitutionID]),
		Name:             toString(r[fieldName]),
		Email:            toString(r[fieldEmail]),
		LegacyExternalID: toString(r[fieldLegacyExternalID]),
		PasswordHash:     cast.ToString(r[fieldPasswordHash]),
		IsActive:         toBool(r[fieldIsActive]),
		IsOfficeAdmin:    toBool(r[fieldIsOfficeAdmin]),
		ReceivesCases:    toBool(r[fieldReceivesCases]),
	}
	if u.LegacyExternalID == "" {
		u.LegacyExternalID = strconv.FormatInt(u.ID, 10)
	}
	return u
}

func userToRow(u *rbac.User) row {
	return row{
		fieldInstitutionID:    u.InstitutionID,
		fieldName:             u.Name,
		fieldEmail:            u.Email,
		fieldLegacyExternalID: u.LegacyExternalID,
		fieldPasswordHash:     u.PasswordHash,
		fieldIsActive:         u.IsActive,
		fieldIsOfficeAdmin:    u.IsOfficeAdmin,
		fieldReceivesCases:    u.ReceivesCases,
	}
}

func roleFromRow(r row) rbac.Role {
	return rbac.Role{
		ID:            toInt64(r[fieldID]),
		InstitutionID: toInt64(r[fieldInstitutionID]),
		Name:          toString(r[fieldName]),
		IsSystem:      toBool(r[fieldIsSystem]),
	}
}

func roleToRow(role *rbac.Role) row {
	return row{
		fieldInstitutionID: role.InstitutionID,
		fieldName:          role.Name,
		fieldIsSystem:      role.IsSystem,
	}
}

func permissionFromRow(r row) rbac.Permission {
	p := rbac.Permission{
		ID:            toInt64(r[fieldID]),
		InstitutionID: toInt64(r[fieldInstitutionID]),
		Code:          toString(r[fieldCode]),
	}
	if menuID := linkID(r[fieldMenu]); menuID > 0 {
		p.MenuID = &menuID
	}
	return p
}

func permissionToRow(p *rbac.Permission) row {
	menuID := int64(0)
	if p.MenuID != nil {
		menuID = *p.MenuID
	}
	return row{
		fieldInstitutionID: p.InstitutionID,
		fieldCode:          p.Code,
		fieldMenu:          link(menuID),
	}
}

func menuFromRow(r row) rbac.Menu {
	return rbac.Menu{
		ID:            toInt64(r[fieldID]),
		InstitutionID: toInt64(r[fieldInstitutionID]),
		Label:         toString(r[fieldLabel]),
		Path:          toString(r[fieldPath]),
		IsActive:      toBool(r[fieldIsActive]),
		DisplayOrder:  int(toInt64(r[fieldDisplayOrder])),
	}
}

func menuToRow(m *rbac.Menu) row {
	return row{
		fieldInstitutionID: m.InstitutionID,
		fieldLabel:         m.Label,
		fieldPath:          m.Path,
		fieldIsActive:      m.IsActive,
		fieldDisplayOrder:  m.DisplayOrder,
	}
}

func rolePermissionFromRow(r row) rbac.RolePermission {
	return rbac.RolePermission{
		ID:           toInt64(r[fieldID]),
		RoleID:       linkID(r[fieldRole]),
		PermissionID: linkID(r[fieldPermission]),
	}
}

func rolePermissionToRow(l *rbac.RolePermission) row {
	return row{
		fieldRole:       link(l.RoleID),
		fieldPermission: link(l.PermissionID),
	}
}

func userRoleFromRow(r row) rbac.UserRole {
	return rbac.UserRole{
		ID:     toInt64(r[fieldID]),
		UserID: linkID(r[fieldUser]),
		RoleID: linkID(r[fieldRole]),
	}
}

func userRoleToRow(l *rbac.UserRole) row {
	return row{
		fieldUser: link(l.UserID),
		fieldRole: link(l.RoleID),
	}
}

func overrideFromRow(r row) rbac.UserFeatureOverride {
	return rbac.UserFeatureOverride{
		ID:            toInt64(r[fieldID]),
		UserID:        linkID(r[fieldUser]),
		InstitutionID: toInt64(r[fieldInstitutionID]),
		FeatureKey:    toString(r[fieldFeatureKey]),
		IsEnabled:     toBool(r[fieldIsEnabled]),
	}
}

func overrideToRow(o *rbac.UserFeatureOverride) row {
	return row{
		fieldUser:          link(o.UserID),
		fieldInstitutionID: o.InstitutionID,
		fieldFeatureKey:    o.FeatureKey,
		fieldIsEnabled:     o.IsEnabled,
	}
}
