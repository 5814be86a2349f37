package rbac

import (
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
)

// Role groups permission strings. Level orders roles by privilege; it is
// advisory and only enforced by callers that ask via CanAssign.
type Role struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Level       int        `json:"level"`
	TenantID    *uuid.UUID `json:"tenant_id,omitempty"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Permission is a stored resource:action pair.
type Permission struct {
	ID          uuid.UUID `json:"id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (p Permission) String() string {
	return authz.Permission{Resource: p.Resource, Action: p.Action}.String()
}

// Assignment links a user to a role, optionally narrowed to one entity and
// to a validity window.
type Assignment struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	RoleID     uuid.UUID  `json:"role_id"`
	ScopeType  string     `json:"scope_type,omitempty"`
	ScopeID    *uuid.UUID `json:"scope_id,omitempty"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	GrantedBy  *uuid.UUID `json:"granted_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Scoped reports whether the assignment is limited to a single entity.
func (a Assignment) Scoped() bool {
	return a.ScopeType != ""
}

// ActiveAt reports whether t falls inside [ValidFrom, ValidUntil].
func (a Assignment) ActiveAt(t time.Time) bool {
	if t.Before(a.ValidFrom) {
		return false
	}
	return a.ValidUntil == nil || !t.After(*a.ValidUntil)
}

// AppliesTo reports whether the assignment grants anything for res. Global
// assignments always apply; scoped ones only to resources inside their scope.
func (a Assignment) AppliesTo(res *authz.Resource) bool {
	if !a.Scoped() {
		return true
	}
	if res == nil || a.ScopeID == nil {
		return false
	}
	id, ok := res.ScopeID(a.ScopeType)
	return ok && id == *a.ScopeID
}

// RoleModel describes the roles table for data scoping.
var RoleModel = authz.Model{
	Name:    "roles",
	Table:   "roles",
	Columns: []string{"id", "name", "level", "tenant_id"},
}

var roleColumns = []string{"id", "name", "description", "level", "tenant_id", "created_at", "updated_at"}
