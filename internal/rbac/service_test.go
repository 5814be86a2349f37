package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

func TestCreateRoleValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.service.CreateRole(ctx, CreateRoleInput{Name: "   "})
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.service.CreateRole(ctx, CreateRoleInput{Name: "ops", Level: -1})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.service.CreateRole(ctx, CreateRoleInput{Name: "ops", Permissions: []string{"posts::read"}})
	require.ErrorIs(t, err, authz.ErrInvalidPermission)

	role, err := f.service.CreateRole(ctx, CreateRoleInput{
		Name:        " ops ",
		Description: " operators ",
		Level:       40,
		Permissions: []string{"Servers:Restart", "servers:restart", "deploys"},
	})
	require.NoError(t, err)
	require.Equal(t, "ops", role.Name)
	require.Equal(t, "operators", role.Description)
	require.Equal(t, []string{"deploys:*", "servers:restart"}, role.Permissions)
}

func TestRoleNamesAreUniquePerTenant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tenant := uuid.New()

	f.role(t, "editor")
	_, err := f.service.CreateRole(ctx, CreateRoleInput{Name: "Editor"})
	require.ErrorIs(t, err, ErrDuplicateRole)

	scoped, err := f.service.CreateRole(ctx, CreateRoleInput{Name: "editor", TenantID: &tenant})
	require.NoError(t, err)

	found, err := f.service.GetRoleByName(ctx, "EDITOR", &tenant)
	require.NoError(t, err)
	require.Equal(t, scoped.ID, found.ID)

	_, err = f.service.GetRoleByName(ctx, "editor", func() *uuid.UUID { id := uuid.New(); return &id }())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRole(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	role := f.role(t, "support")
	f.role(t, "billing")

	name := "helpdesk"
	level := 10
	updated, err := f.service.UpdateRole(ctx, role.ID, UpdateRoleInput{Name: &name, Level: &level})
	require.NoError(t, err)
	require.Equal(t, "helpdesk", updated.Name)
	require.Equal(t, 10, updated.Level)

	taken := "billing"
	_, err = f.service.UpdateRole(ctx, role.ID, UpdateRoleInput{Name: &taken})
	require.ErrorIs(t, err, ErrDuplicateRole)

	empty := " "
	_, err = f.service.UpdateRole(ctx, role.ID, UpdateRoleInput{Name: &empty})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.service.UpdateRole(ctx, uuid.New(), UpdateRoleInput{Level: &level})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRoleInUse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	role := f.role(t, "temp", "posts:read")
	user := uuid.New()
	f.assign(t, AssignRoleInput{UserID: user, RoleID: role.ID})

	require.ErrorIs(t, f.service.DeleteRole(ctx, role.ID), ErrRoleInUse)

	_, err := f.service.RevokeRole(ctx, RevokeRoleInput{UserID: user, RoleID: role.ID})
	require.NoError(t, err)
	require.NoError(t, f.service.DeleteRole(ctx, role.ID))
	require.ErrorIs(t, f.service.DeleteRole(ctx, role.ID), ErrNotFound)
}

func TestAssignRoleValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	role := f.role(t, "viewer", "posts:read")
	user := uuid.New()
	project := uuid.New()

	_, err := f.service.AssignRole(ctx, AssignRoleInput{RoleID: role.ID})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.service.AssignRole(ctx, AssignRoleInput{UserID: user, RoleID: role.ID, ScopeType: "project"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.service.AssignRole(ctx, AssignRoleInput{UserID: user, RoleID: role.ID, ScopeID: &project})
	require.ErrorIs(t, err, ErrValidation)

	from := f.clock.Now()
	before := from.Add(-time.Minute)
	_, err = f.service.AssignRole(ctx, AssignRoleInput{UserID: user, RoleID: role.ID, ValidFrom: &from, ValidUntil: &before})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.service.AssignRole(ctx, AssignRoleInput{UserID: user, RoleID: uuid.New()})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAssignmentUniquenessIncludesScope(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	role := f.role(t, "member", "tasks:read")
	user := uuid.New()
	projectA := uuid.New()
	projectB := uuid.New()

	f.assign(t, AssignRoleInput{UserID: user, RoleID: role.ID})
	_, err := f.service.AssignRole(ctx, AssignRoleInput{UserID: user, RoleID: role.ID})
	require.ErrorIs(t, err, ErrDuplicateAssignment)

	f.assign(t, AssignRoleInput{UserID: user, RoleID: role.ID, ScopeType: "Project", ScopeID: &projectA})
	f.assign(t, AssignRoleInput{UserID: user, RoleID: role.ID, ScopeType: "project", ScopeID: &projectB})
	_, err = f.service.AssignRole(ctx, AssignRoleInput{UserID: user, RoleID: role.ID, ScopeType: "project", ScopeID: &projectA})
	require.ErrorIs(t, err, ErrDuplicateAssignment)

	assignments, err := f.service.UserAssignments(ctx, user, false)
	require.NoError(t, err)
	require.Len(t, assignments, 3)
}

func TestScopedRevokeLeavesOtherScopes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	role := f.role(t, "member", "tasks:read")
	actor := &authz.Actor{ID: uuid.New()}
	projectA := uuid.New()
	projectB := uuid.New()
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: role.ID, ScopeType: "project", ScopeID: &projectA})
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: role.ID, ScopeType: "project", ScopeID: &projectB})

	inA := &authz.Resource{Type: "project", ID: projectA}
	inB := &authz.Resource{Type: "project", ID: projectB}
	require.True(t, f.can(actor, "tasks:read", inA))
	require.True(t, f.can(actor, "tasks:read", inB))

	removed, err := f.service.RevokeRole(ctx, RevokeRoleInput{UserID: actor.ID, RoleID: role.ID, ScopeType: "project", ScopeID: &projectA})
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, f.can(actor, "tasks:read", inA))
	require.True(t, f.can(actor, "tasks:read", inB))

	removed, err = f.service.RevokeRole(ctx, RevokeRoleInput{UserID: actor.ID, RoleID: role.ID})
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, f.can(actor, "tasks:read", inB))
}

func TestUserAssignmentsHidesExpiredByDefault(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	role := f.role(t, "contractor", "repos:read")
	user := uuid.New()
	until := f.clock.Now().Add(time.Hour)
	f.assign(t, AssignRoleInput{UserID: user, RoleID: role.ID, ValidUntil: &until})

	f.clock.Advance(2 * time.Hour)
	active, err := f.service.UserAssignments(ctx, user, false)
	require.NoError(t, err)
	require.Empty(t, active)

	all, err := f.service.UserAssignments(ctx, user, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPermissionCatalogue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.role(t, "writer", "posts:create")

	p, err := f.service.EnsurePermission(ctx, "posts:create", "Create posts")
	require.NoError(t, err)
	require.Equal(t, "Create posts", p.Description)

	again, err := f.service.EnsurePermission(ctx, "POSTS:CREATE", "")
	require.NoError(t, err)
	require.Equal(t, p.ID, again.ID)

	_, err = f.service.EnsurePermission(ctx, ":", "")
	require.ErrorIs(t, err, ErrValidation)

	perms, err := f.service.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	require.Equal(t, "posts:create", perms[0].String())
}

func TestCanAssignComparesLevels(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	lead, err := f.service.CreateRole(ctx, CreateRoleInput{Name: "lead", Level: 50})
	require.NoError(t, err)
	owner, err := f.service.CreateRole(ctx, CreateRoleInput{Name: "owner", Level: 100})
	require.NoError(t, err)
	granter := uuid.New()
	f.assign(t, AssignRoleInput{UserID: granter, RoleID: lead.ID})

	ok, err := f.service.CanAssign(ctx, granter, lead)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.service.CanAssign(ctx, granter, owner)
	require.NoError(t, err)
	require.False(t, ok)

	project := uuid.New()
	f.assign(t, AssignRoleInput{UserID: granter, RoleID: owner.ID, ScopeType: "project", ScopeID: &project})
	ok, err = f.service.CanAssign(ctx, granter, owner)
	require.NoError(t, err)
	require.False(t, ok, "scoped roles do not raise the granting level")
}

func TestClearCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	role := f.role(t, "reader", "posts:read")
	actor := &authz.Actor{ID: uuid.New()}
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: role.ID})

	require.True(t, f.can(actor, "posts:read", nil))
	loads := f.store.loads.Load()

	require.NoError(t, f.service.ClearCache(ctx, &actor.ID))
	require.True(t, f.can(actor, "posts:read", nil))
	require.Equal(t, loads+1, f.store.loads.Load())

	require.NoError(t, f.service.ClearCache(ctx, nil))
	require.True(t, f.can(actor, "posts:read", nil))
	require.Equal(t, loads+2, f.store.loads.Load())
}
