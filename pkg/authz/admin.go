package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/lexgate/pkg/rbac"
	"golang.org/x/sync/errgroup"
)

// Overview is the administration snapshot of one institution
type Overview struct {
	IsSysAdmin          bool                  `json:"is_sys_admin"`
	IsGlobalAdmin       bool                  `json:"is_global_admin"`
	TargetInstitutionID int64                 `json:"target_institution_id"`
	Roles               []rbac.Role           `json:"roles"`
	Permissions         []rbac.Permission     `json:"permissions"`
	Menus               []rbac.Menu           `json:"menus"`
	Users               []rbac.PublicUser     `json:"users"`
	UserRoles           []rbac.UserRole       `json:"user_roles"`
	RolePermissions     []rbac.RolePermission `json:"role_permissions"`
}

func deniedOverview(target int64) *Overview {
	return &Overview{
		TargetInstitutionID: target,
		Roles:               []rbac.Role{},
		Permissions:         []rbac.Permission{},
		Menus:               []rbac.Menu{},
		Users:               []rbac.PublicUser{},
		UserRoles:           []rbac.UserRole{},
		RolePermissions:     []rbac.RolePermission{},
	}
}

// targetOf returns the institution a caller acts on; 0 means its own
func targetOf(caller rbac.Principal, target int64) int64 {
	if target <= 0 {
		return caller.InstitutionID
	}
	return target
}

// AssertSysAdmin checks that the caller may administer the target institution
// and returns the effective target. Global admins may act on any institution,
// sysadmins only on their own. The check is never served from the status cache.
func (e *Engine) AssertSysAdmin(ctx context.Context, caller rbac.Principal, target int64) (int64, error) {
	target = targetOf(caller, target)

	if caller.InstitutionID == e.cfg.GlobalAdminInstitutionID {
		return target, nil
	}
	if target != caller.InstitutionID {
		return 0, fmt.Errorf("%w: institution %d", rbac.ErrUnauthorized, target)
	}

	user, err := e.identity.Resolve(ctx, caller.InstitutionID, caller.LegacyUserID, caller.Email)
	if err != nil {
		if rbac.IsNotFound(err) {
			return 0, fmt.Errorf("%w: %v", rbac.ErrUnauthorized, err)
		}
		return 0, err
	}

	isSys, err := e.hasSysAdminRole(ctx, caller.InstitutionID, user.ID)
	if err != nil {
		return 0, err
	}
	if !isSys {
		return 0, rbac.ErrUnauthorized
	}
	return target, nil
}

// Overview returns roles, permissions, menus, users and links of the target
// institution. Callers without rights get the denied shape, never an error.
func (e *Engine) Overview(ctx context.Context, caller rbac.Principal, target int64) (*Overview, error) {
	target = targetOf(caller, target)
	inst, err := e.AssertSysAdmin(ctx, caller, target)
	if errors.Is(err, rbac.ErrUnauthorized) {
		return deniedOverview(target), nil
	}
	if err != nil {
		return nil, err
	}

	ov := deniedOverview(inst)
	ov.IsSysAdmin = true
	ov.IsGlobalAdmin = caller.InstitutionID == e.cfg.GlobalAdminInstitutionID

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer recoverInto(&err)
		roles, err := e.repo.ListRoles(gctx, inst)
		if err != nil {
			return err
		}
		ov.Roles = roles
		return e.collectLinks(gctx, roles, ov)
	})
	g.Go(func() (err error) {
		defer recoverInto(&err)
		perms, err := e.repo.ListPermissions(gctx, inst)
		if err == nil {
			ov.Permissions = perms
		}
		return err
	})
	g.Go(func() (err error) {
		defer recoverInto(&err)
		menus, err := e.repo.ListMenus(gctx, inst)
		if err == nil {
			ov.Menus = menus
		}
		return err
	})
	g.Go(func() (err error) {
		defer recoverInto(&err)
		users, err := e.identity.InstitutionUsers(gctx, inst)
		if err != nil {
			return err
		}
		for _, u := range users {
			ov.Users = append(ov.Users, u.Public())
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load overview of institution %d: %w", inst, err)
	}
	return ov, nil
}

// collectLinks loads members and permission links of every role
func (e *Engine) collectLinks(ctx context.Context, roles []rbac.Role, ov *Overview) error {
	members := make([][]rbac.UserRole, len(roles))
	perms := make([][]rbac.RolePermission, len(roles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, role := range roles {
		g.Go(func() (err error) {
			defer recoverInto(&err)
			if members[i], err = e.repo.ListRoleMembers(gctx, role.ID); err != nil {
				return err
			}
			perms[i], err = e.repo.ListRolePermissions(gctx, role.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range roles {
		ov.UserRoles = append(ov.UserRoles, members[i]...)
		ov.RolePermissions = append(ov.RolePermissions, perms[i]...)
	}
	return nil
}

// diff returns the ids to add and the link rows to delete so that current
// becomes desired. Duplicated current links beyond the first are deleted.
func diff[L any](desired []int64, current []L, target func(L) int64, id func(L) int64) (toAdd []int64, toDelete []int64) {
	want := make(map[int64]bool, len(desired))
	for _, d := range desired {
		want[d] = true
	}

	have := make(map[int64]bool, len(current))
	for _, l := range current {
		t := target(l)
		if !want[t] || have[t] {
			toDelete = append(toDelete, id(l))
			continue
		}
		have[t] = true
	}

	seen := make(map[int64]bool, len(desired))
	for _, d := range desired {
		if !have[d] && !seen[d] {
			toAdd = append(toAdd, d)
		}
		seen[d] = true
	}
	return toAdd, toDelete
}

func (e *Engine) recordMutation(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	e.metrics.AdminMutationsTotal.WithLabelValues(op, status).Inc()
}

// afterMutation invalidates caches of the institution. An invalidation
// failure is logged; the write has already happened.
func (e *Engine) afterMutation(ctx context.Context, op string, institutionID int64) {
	if err := e.InvalidateInstitution(ctx, institutionID); err != nil {
		e.logger.WithError(err).WithField("operation", op).Error("cache invalidation failed after mutation")
	}
}

// UpdateRolePermissions makes the role's permission links equal to
// permissionIDs, writing only the difference.
func (e *Engine) UpdateRolePermissions(ctx context.Context, caller rbac.Principal, roleID int64, permissionIDs []int64, target int64) (err error) {
	defer func() { e.recordMutation("update_role_permissions", err) }()

	inst, err := e.AssertSysAdmin(ctx, caller, target)
	if err != nil {
		return err
	}
	if _, err := e.roleIn(ctx, inst, roleID); err != nil {
		return err
	}
	if err := e.checkPermissionsIn(ctx, inst, permissionIDs); err != nil {
		return err
	}

	current, err := e.repo.ListRolePermissions(ctx, roleID)
	if err != nil {
		return fmt.Errorf("failed to list permissions of role %d: %w", roleID, err)
	}
	toAdd, toDelete := diff(permissionIDs, current,
		func(l rbac.RolePermission) int64 { return l.PermissionID },
		func(l rbac.RolePermission) int64 { return l.ID },
	)

	add := make([]rbac.RolePermission, 0, len(toAdd))
	for _, p := range toAdd {
		add = append(add, rbac.RolePermission{RoleID: roleID, PermissionID: p})
	}
	if err := e.applyLinks(ctx, "role_permission",
		len(add), func(ctx context.Context) error { return e.repo.CreateRolePermissions(ctx, add) },
		len(toDelete), func(ctx context.Context) error { return e.repo.DeleteRolePermissions(ctx, toDelete) },
	); err != nil {
		return fmt.Errorf("failed to sync permissions of role %d: %w", roleID, err)
	}

	e.logger.WithFields(map[string]interface{}{
		"institution_id": inst,
		"role_id":        roleID,
		"added":          len(add),
		"removed":        len(toDelete),
	}).Info("role permissions updated")
	e.afterMutation(ctx, "update_role_permissions", inst)
	return nil
}

// UpdateUserRoles makes the user's role links equal to roleIDs, writing only
// the difference.
func (e *Engine) UpdateUserRoles(ctx context.Context, caller rbac.Principal, userID int64, roleIDs []int64, target int64) (err error) {
	defer func() { e.recordMutation("update_user_roles", err) }()

	inst, err := e.AssertSysAdmin(ctx, caller, target)
	if err != nil {
		return err
	}
	if _, err := e.userIn(ctx, inst, userID); err != nil {
		return err
	}
	if err := e.checkRolesIn(ctx, inst, roleIDs); err != nil {
		return err
	}

	current, err := e.repo.ListUserRoles(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list roles of user %d: %w", userID, err)
	}
	toAdd, toDelete := diff(roleIDs, current,
		func(l rbac.UserRole) int64 { return l.RoleID },
		func(l rbac.UserRole) int64 { return l.ID },
	)

	add := make([]rbac.UserRole, 0, len(toAdd))
	for _, r := range toAdd {
		add = append(add, rbac.UserRole{UserID: userID, RoleID: r})
	}
	if err := e.applyLinks(ctx, "user_role",
		len(add), func(ctx context.Context) error { return e.repo.CreateUserRoles(ctx, add) },
		len(toDelete), func(ctx context.Context) error { return e.repo.DeleteUserRoles(ctx, toDelete) },
	); err != nil {
		return fmt.Errorf("failed to sync roles of user %d: %w", userID, err)
	}

	e.logger.WithFields(map[string]interface{}{
		"institution_id": inst,
		"user_id":        userID,
		"added":          len(add),
		"removed":        len(toDelete),
	}).Info("user roles updated")
	e.afterMutation(ctx, "update_user_roles", inst)
	return nil
}

// applyLinks runs the delete and insert halves of a diff concurrently.
// Empty halves issue no call.
func (e *Engine) applyLinks(ctx context.Context, link string, nAdd int, add func(context.Context) error, nDelete int, del func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if nDelete > 0 {
		g.Go(func() (err error) {
			defer recoverInto(&err)
			if err = del(gctx); err == nil {
				e.metrics.LinkWritesTotal.WithLabelValues(link, "delete").Add(float64(nDelete))
			}
			return err
		})
	}
	if nAdd > 0 {
		g.Go(func() (err error) {
			defer recoverInto(&err)
			if err = add(gctx); err == nil {
				e.metrics.LinkWritesTotal.WithLabelValues(link, "add").Add(float64(nAdd))
			}
			return err
		})
	}
	return g.Wait()
}

func (e *Engine) roleIn(ctx context.Context, institutionID, roleID int64) (*rbac.Role, error) {
	role, err := e.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.InstitutionID != institutionID {
		return nil, fmt.Errorf("%w: role %d", rbac.ErrNotFound, roleID)
	}
	return role, nil
}

func (e *Engine) userIn(ctx context.Context, institutionID, userID int64) (*rbac.User, error) {
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.InstitutionID != institutionID {
		return nil, fmt.Errorf("%w: user %d", rbac.ErrNotFound, userID)
	}
	return user, nil
}

func (e *Engine) checkPermissionsIn(ctx context.Context, institutionID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	perms, err := e.repo.ListPermissions(ctx, institutionID)
	if err != nil {
		return fmt.Errorf("failed to list permissions: %w", err)
	}
	known := make(map[int64]bool, len(perms))
	for _, p := range perms {
		known[p.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			return fmt.Errorf("%w: permission %d does not belong to institution %d", rbac.ErrInvalidArgument, id, institutionID)
		}
	}
	return nil
}

func (e *Engine) checkRolesIn(ctx context.Context, institutionID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	roles, err := e.repo.ListRoles(ctx, institutionID)
	if err != nil {
		return fmt.Errorf("failed to list roles: %w", err)
	}
	known := make(map[int64]bool, len(roles))
	for _, r := range roles {
		known[r.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			return fmt.Errorf("%w: role %d does not belong to institution %d", rbac.ErrInvalidArgument, id, institutionID)
		}
	}
	return nil
}

// UpdateInstitutionFeatures enables or disables catalog features of the target institution
func (e *Engine) UpdateInstitutionFeatures(ctx context.Context, caller rbac.Principal, target int64, desired map[string]bool) (err error) {
	defer func() { e.recordMutation("update_institution_features", err) }()

	inst, err := e.AssertSysAdmin(ctx, caller, target)
	if err != nil {
		return err
	}
	changed, err := e.features.SetInstitutionFeatures(ctx, inst, desired)
	if err != nil {
		return err
	}

	e.logger.WithFields(map[string]interface{}{
		"institution_id": inst,
		"changed":        changed,
	}).Info("institution features updated")
	e.afterMutation(ctx, "update_institution_features", inst)
	return nil
}

// SetUserFeatureOverrides upserts per-user overrides of admin-default features and actions
func (e *Engine) SetUserFeatureOverrides(ctx context.Context, caller rbac.Principal, userID int64, target int64, overrides map[string]bool) (err error) {
	defer func() { e.recordMutation("set_user_feature_overrides", err) }()

	inst, err := e.AssertSysAdmin(ctx, caller, target)
	if err != nil {
		return err
	}
	if _, err := e.userIn(ctx, inst, userID); err != nil {
		return err
	}
	if err := e.features.SetUserOverrides(ctx, inst, userID, overrides); err != nil {
		return err
	}

	e.logger.WithFields(map[string]interface{}{
		"institution_id": inst,
		"user_id":        userID,
		"keys":           len(overrides),
	}).Info("user feature overrides updated")
	e.afterMutation(ctx, "set_user_feature_overrides", inst)
	return nil
}

// CreateRole creates a role in the target institution
func (e *Engine) CreateRole(ctx context.Context, caller rbac.Principal, target int64, name string) (_ *rbac.Role, err error) {
	defer func() { e.recordMutation("create_role", err) }()

	inst, err := e.AssertSysAdmin(ctx, caller, target)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", rbac.ErrInvalidArgument)
	}

	role, err := e.repo.CreateRole(ctx, &rbac.Role{
		InstitutionID: inst,
		Name:          name,
		IsSystem:      rbac.IsSysAdminRoleName(name),
	})
	if err != nil {
		return nil, err
	}
	e.afterMutation(ctx, "create_role", inst)
	return role, nil
}

// RenameRole renames a role. Renaming a sysadmin role revokes its effect.
func (e *Engine) RenameRole(ctx context.Context, caller rbac.Principal, target, roleID int64, name string) (_ *rbac.Role, err error) {
	defer func() { e.recordMutation("rename_role", err) }()

	inst, err := e.AssertSysAdmin(ctx, caller, target)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", rbac.ErrInvalidArgument)
	}
	role, err := e.roleIn(ctx, inst, roleID)
	if err != nil {
		return nil, err
	}

	wasSysAdmin := role.Kind() == rbac.RoleKindSysAdmin
	role.Name = name
	updated, err := e.repo.UpdateRole(ctx, role)
	if err != nil {
		return nil, err
	}
	if wasSysAdmin != (updated.Kind() == rbac.RoleKindSysAdmin) {
		e.logger.WithField("role_id", roleID).Warn("role rename changed sysadmin status")
	}
	e.afterMutation(ctx, "rename_role", inst)
	return updated, nil
}

// DeleteRole removes a role after removing its member and permission links
func (e *Engine) DeleteRole(ctx context.Context, caller rbac.Principal, target, roleID int64) (err error) {
	defer func() { e.recordMutation("delete_role", err) }()

	inst, err := e.AssertSysAdmin(ctx, caller, target)
	if err != nil {
		return err
	}
	if _, err := e.roleIn(ctx, inst, roleID); err != nil {
		return err
	}

	var (
		members []rbac.UserRole
		perms   []rbac.RolePermission
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer recoverInto(&err)
		members, err = e.repo.ListRoleMembers(gctx, roleID)
		return err
	})
	g.Go(func() (err error) {
		defer recoverInto(&err)
		perms, err = e.repo.ListRolePermissions(gctx, roleID)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to list links of role %d: %w", roleID, err)
	}

	memberIDs := make([]int64, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.ID)
	}
	permIDs := make([]int64, 0, len(perms))
	for _, p := range perms {
		permIDs = append(permIDs, p.ID)
	}
	if err := e.applyLinks(ctx, "user_role",
		0, nil,
		len(memberIDs), func(ctx context.Context) error { return e.repo.DeleteUserRoles(ctx, memberIDs) },
	); err != nil {
		return fmt.Errorf("failed to unlink members of role %d: %w", roleID, err)
	}
	if err := e.applyLinks(ctx, "role_permission",
		0, nil,
		len(permIDs), func(ctx context.Context) error { return e.repo.DeleteRolePermissions(ctx, permIDs) },
	); err != nil {
		return fmt.Errorf("failed to unlink permissions of role %d: %w", roleID, err)
	}

	if err := e.repo.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	e.afterMutation(ctx, "delete_role", inst)
	return nil
}

// CreatePermission creates a permission, optionally tied to a menu row of the same institution
func (e *Engine) CreatePermission(ctx context.Context, caller rbac.Principal, target int64, code string, menuID *int64) (_ *rbac.Permission, err error) {
	defer func() { e.recordMutation("create_permission", err) }()

	inst, err := e.AssertSysAdmin(ctx, caller, target)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: permission code is required", rbac.ErrInvalidArgument)
	}
	if menuID != nil {
		menus, err := e.repo.ListMenus(ctx, inst)
		if err != nil {
			return nil, fmt.Errorf("failed to list menus: %w", err)
		}
		found := false
		for _, m := range menus {
			if m.ID == *menuID {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: menu %d does not belong to institution %d", rbac.ErrInvalidArgument, *menuID, inst)
		}
	}

	perm, err := e.repo.CreatePermission(ctx, &rbac.Permission{InstitutionID: inst, Code: code, MenuID: menuID})
	if err != nil {
		return nil, err
	}
	e.afterMutation(ctx, "create_permission", inst)
	return perm, nil
}
