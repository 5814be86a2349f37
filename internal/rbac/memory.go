package rbac

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
)

// MemoryStore keeps roles and assignments in process. It backs tests and
// single-instance deployments without PostgreSQL.
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[uuid.UUID]Role
	permissions map[string]Permission
	assignments map[uuid.UUID]Assignment
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[uuid.UUID]Role),
		permissions: make(map[string]Permission),
		assignments: make(map[uuid.UUID]Assignment),
	}
}

func sameTenant(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneRole(r Role) Role {
	r.Permissions = append([]string{}, r.Permissions...)
	return r
}

func (s *MemoryStore) nameTaken(name string, tenantID *uuid.UUID, except uuid.UUID) bool {
	for id, r := range s.roles {
		if id != except && strings.EqualFold(r.Name, name) && sameTenant(r.TenantID, tenantID) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ensurePermission(p authz.Permission, description string, now time.Time) Permission {
	key := p.String()
	if existing, ok := s.permissions[key]; ok {
		if description != "" && existing.Description == "" {
			existing.Description = description
			s.permissions[key] = existing
		}
		return existing
	}
	perm := Permission{ID: uuid.New(), Resource: p.Resource, Action: p.Action, Description: description, CreatedAt: now}
	s.permissions[key] = perm
	return perm
}

func (s *MemoryStore) CreateRole(_ context.Context, role Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.ID]; ok || s.nameTaken(role.Name, role.TenantID, uuid.Nil) {
		return Role{}, ErrDuplicateRole
	}
	for _, raw := range role.Permissions {
		p, err := authz.ParsePermission(raw)
		if err != nil {
			return Role{}, err
		}
		s.ensurePermission(p, "", role.CreatedAt)
	}
	s.roles[role.ID] = cloneRole(role)
	return cloneRole(role), nil
}

func (s *MemoryStore) GetRole(_ context.Context, id uuid.UUID) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return cloneRole(r), nil
}

func (s *MemoryStore) GetRoleByName(_ context.Context, name string, tenantID *uuid.UUID) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if strings.EqualFold(r.Name, name) && sameTenant(r.TenantID, tenantID) {
			return cloneRole(r), nil
		}
	}
	return Role{}, ErrNotFound
}

func roleRow(r Role) map[string]any {
	row := map[string]any{"id": r.ID, "name": r.Name, "level": r.Level, "tenant_id": nil}
	if r.TenantID != nil {
		row["tenant_id"] = *r.TenantID
	}
	return row
}

// ListRoles applies the query filters and window and returns roles
// ordered by name.
func (s *MemoryStore) ListRoles(_ context.Context, q authz.Query) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		if q.Match(roleRow(r)) {
			out = append(out, cloneRole(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Name < out[j].Name
	})
	limit, offset := q.Window()
	if offset >= len(out) {
		return []Role{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateRole(_ context.Context, role Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.roles[role.ID]
	if !ok {
		return Role{}, ErrNotFound
	}
	if s.nameTaken(role.Name, current.TenantID, role.ID) {
		return Role{}, ErrDuplicateRole
	}
	current.Name = role.Name
	current.Description = role.Description
	current.Level = role.Level
	current.UpdatedAt = role.UpdatedAt
	s.roles[role.ID] = current
	return cloneRole(current), nil
}

func (s *MemoryStore) DeleteRole(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return ErrNotFound
	}
	for _, a := range s.assignments {
		if a.RoleID == id {
			return ErrRoleInUse
		}
	}
	delete(s.roles, id)
	return nil
}

func (s *MemoryStore) EnsurePermission(_ context.Context, p authz.Permission, description string) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensurePermission(p, description, time.Now().UTC()), nil
}

func (s *MemoryStore) ListPermissions(context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *MemoryStore) AddRolePermission(_ context.Context, roleID uuid.UUID, p authz.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	s.ensurePermission(p, "", time.Now().UTC())
	key := p.String()
	for _, existing := range role.Permissions {
		if existing == key {
			return nil
		}
	}
	role.Permissions = append(append([]string{}, role.Permissions...), key)
	sort.Strings(role.Permissions)
	s.roles[roleID] = role
	return nil
}

func (s *MemoryStore) RemoveRolePermission(_ context.Context, roleID uuid.UUID, p authz.Permission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return false, ErrNotFound
	}
	key := p.String()
	kept := make([]string, 0, len(role.Permissions))
	for _, existing := range role.Permissions {
		if existing != key {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(role.Permissions) {
		return false, nil
	}
	role.Permissions = kept
	s.roles[roleID] = role
	return true, nil
}

func sameScope(a Assignment, scopeType string, scopeID *uuid.UUID) bool {
	if a.ScopeType != scopeType {
		return false
	}
	if a.ScopeID == nil || scopeID == nil {
		return a.ScopeID == nil && scopeID == nil
	}
	return *a.ScopeID == *scopeID
}

func (s *MemoryStore) CreateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return Assignment{}, ErrNotFound
	}
	for _, existing := range s.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID && sameScope(existing, a.ScopeType, a.ScopeID) {
			return Assignment{}, ErrDuplicateAssignment
		}
	}
	s.assignments[a.ID] = a
	return a, nil
}

func (s *MemoryStore) DeleteAssignments(_ context.Context, f RevokeFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, a := range s.assignments {
		if a.UserID != f.UserID || a.RoleID != f.RoleID {
			continue
		}
		if f.ScopeType != "" && a.ScopeType != f.ScopeType {
			continue
		}
		if f.ScopeID != nil && (a.ScopeID == nil || *a.ScopeID != *f.ScopeID) {
			continue
		}
		delete(s.assignments, id)
		n++
	}
	return n, nil
}

func (s *MemoryStore) UserAssignments(_ context.Context, userID uuid.UUID, at time.Time, includeExpired bool) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Assignment, 0)
	for _, a := range s.assignments {
		if a.UserID != userID {
			continue
		}
		if !includeExpired && a.ValidUntil != nil && a.ValidUntil.Before(at) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RolePermissions(_ context.Context, roleIDs []uuid.UUID) (map[uuid.UUID][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID][]string, len(roleIDs))
	for _, id := range roleIDs {
		if r, ok := s.roles[id]; ok {
			out[id] = append([]string(nil), r.Permissions...)
		}
	}
	return out, nil
}

func (s *MemoryStore) RoleHolders(_ context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uuid.UUID]struct{})
	out := make([]uuid.UUID, 0)
	for _, a := range s.assignments {
		if a.RoleID != roleID {
			continue
		}
		if _, ok := seen[a.UserID]; ok {
			continue
		}
		seen[a.UserID] = struct{}{}
		out = append(out, a.UserID)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
