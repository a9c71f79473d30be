/*
Package authz resolves what a principal may see and do, and performs the
administrative mutations that change it.

# Privilege tiers

ResolveStatus evaluates four tiers in order; the first match wins:

  - Global admin: the caller's institution is the reserved global-admin
    institution. Every catalog page and action, no repository reads.
  - Sysadmin: the resolved user holds a role whose name is "sysadmin"
    (case-insensitive). Every page and action of the institution.
  - Office admin: the user row carries the office-admin flag.
  - Regular: active institution pages minus admin-default pages, except
    those the user has an enabled override for; actions only by override.

If identity resolution or the override lookup fails, a regular-user result
with no admin-default pages and no actions is returned and not cached.

# Mutations

Every mutation first runs AssertSysAdmin, which re-checks the caller against
the repository. Link sets are synchronised by diff: only missing links are
inserted and only surplus links deleted, concurrently. Caches of the target
institution are invalidated before the mutation returns.

Usage:

	engine := authz.NewEngine(repo, resolver, featureSvc, statusCache, authz.Config{}, logger, metrics)
	status, err := engine.ResolveStatus(ctx, 10, "u1", "")
*/
package authz
