package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
)

// Lookup is what the policy engine needs from persistence.
type Lookup interface {
	// UserAssignments returns the user's assignments that have not expired
	// at t, including ones whose window has not opened yet. With
	// includeExpired every assignment is returned.
	UserAssignments(ctx context.Context, userID uuid.UUID, at time.Time, includeExpired bool) ([]Assignment, error)
	// RolePermissions returns permission strings keyed by role.
	RolePermissions(ctx context.Context, roleIDs []uuid.UUID) (map[uuid.UUID][]string, error)
}

// RevokeFilter selects assignments to delete. Empty scope fields match any scope.
type RevokeFilter struct {
	UserID    uuid.UUID
	RoleID    uuid.UUID
	ScopeType string
	ScopeID   *uuid.UUID
}

// Store persists roles, permissions and assignments.
type Store interface {
	Lookup

	CreateRole(ctx context.Context, role Role) (Role, error)
	GetRole(ctx context.Context, id uuid.UUID) (Role, error)
	GetRoleByName(ctx context.Context, name string, tenantID *uuid.UUID) (Role, error)
	ListRoles(ctx context.Context, q authz.Query) ([]Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id uuid.UUID) error

	EnsurePermission(ctx context.Context, perm authz.Permission, description string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	AddRolePermission(ctx context.Context, roleID uuid.UUID, perm authz.Permission) error
	RemoveRolePermission(ctx context.Context, roleID uuid.UUID, perm authz.Permission) (bool, error)

	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	DeleteAssignments(ctx context.Context, filter RevokeFilter) (int64, error)
	RoleHolders(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error)
}
