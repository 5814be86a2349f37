package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
	"github.com/odyssey-erp/odyssey-authz/internal/observability"
)

// CreateRoleInput carries the fields of a new role.
type CreateRoleInput struct {
	Name        string     `json:"name" validate:"required,max=100"`
	Description string     `json:"description" validate:"max=500"`
	Level       int        `json:"level" validate:"gte=0"`
	TenantID    *uuid.UUID `json:"tenant_id"`
	Permissions []string   `json:"permissions" validate:"dive,required,max=200"`
}

// UpdateRoleInput carries optional role changes.
type UpdateRoleInput struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description" validate:"omitempty,max=500"`
	Level       *int    `json:"level" validate:"omitempty,gte=0"`
}

// AssignRoleInput grants a role to a user.
type AssignRoleInput struct {
	UserID     uuid.UUID  `json:"user_id" validate:"required"`
	RoleID     uuid.UUID  `json:"role_id" validate:"required"`
	ScopeType  string     `json:"scope_type" validate:"required_with=ScopeID,max=50"`
	ScopeID    *uuid.UUID `json:"scope_id" validate:"required_with=ScopeType"`
	ValidFrom  *time.Time `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until"`
	GrantedBy  *uuid.UUID `json:"granted_by"`
}

// RevokeRoleInput removes assignments. Without a scope every assignment of
// the role held by the user is removed.
type RevokeRoleInput struct {
	UserID    uuid.UUID  `json:"user_id" validate:"required"`
	RoleID    uuid.UUID  `json:"role_id" validate:"required"`
	ScopeType string     `json:"scope_type" validate:"required_with=ScopeID,max=50"`
	ScopeID   *uuid.UUID `json:"scope_id"`
}

// Service manages roles and assignments and keeps the permission cache in
// step with every change.
type Service struct {
	store    Store
	cache    PermissionCache
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewService builds a Service. A nil cache disables invalidation.
func NewService(store Store, cache PermissionCache, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		cache:    cache,
		validate: validator.New(),
		now:      time.Now,
		logger:   logger,
		metrics:  metrics,
	}
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// parsePermission accepts "resource:action", "*" and a bare resource,
// which is read as "resource:*".
func parsePermission(raw string) (authz.Permission, error) {
	raw = strings.TrimSpace(raw)
	if raw != authz.Wildcard && raw != "" && !strings.Contains(raw, ":") {
		raw += ":" + authz.Wildcard
	}
	return authz.ParsePermission(raw)
}

func normalizePermissions(perms []string) ([]string, error) {
	unique := make(map[string]struct{}, len(perms))
	for _, raw := range perms {
		p, err := parsePermission(raw)
		if err != nil {
			return nil, err
		}
		unique[p.String()] = struct{}{}
	}
	out := make([]string, 0, len(unique))
	for p := range unique {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// CreateRole stores a new role with its permissions.
func (s *Service) CreateRole(ctx context.Context, in CreateRoleInput) (Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := s.check(in); err != nil {
		return Role{}, err
	}
	perms, err := normalizePermissions(in.Permissions)
	if err != nil {
		return Role{}, err
	}
	now := s.now().UTC()
	role, err := s.store.CreateRole(ctx, Role{
		ID:          uuid.New(),
		Name:        in.Name,
		Description: strings.TrimSpace(in.Description),
		Level:       in.Level,
		TenantID:    in.TenantID,
		Permissions: perms,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Role{}, err
	}
	s.logger.Info("rbac role created", slog.String("role_id", role.ID.String()), slog.String("name", role.Name))
	return role, nil
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// GetRoleByName fetches a role by case-insensitive name within a tenant
// (nil for global roles).
func (s *Service) GetRoleByName(ctx context.Context, name string, tenantID *uuid.UUID) (Role, error) {
	return s.store.GetRoleByName(ctx, strings.TrimSpace(name), tenantID)
}

// ListRoles returns the roles matched by q, which callers usually narrow
// through authz.Service.Scoped first.
func (s *Service) ListRoles(ctx context.Context, q authz.Query) ([]Role, error) {
	if q.Table() != RoleModel.Table {
		return nil, &authz.ScopeApplicationError{Model: RoleModel.Name}
	}
	return s.store.ListRoles(ctx, q)
}

// UpdateRole changes name, description or level.
func (s *Service) UpdateRole(ctx context.Context, id uuid.UUID, in UpdateRoleInput) (Role, error) {
	if in.Name != nil {
		trimmed := strings.TrimSpace(*in.Name)
		in.Name = &trimmed
	}
	if err := s.check(in); err != nil {
		return Role{}, err
	}
	role, err := s.store.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if in.Name != nil {
		role.Name = *in.Name
	}
	if in.Description != nil {
		role.Description = strings.TrimSpace(*in.Description)
	}
	if in.Level != nil {
		role.Level = *in.Level
	}
	role.UpdatedAt = s.now().UTC()
	return s.store.UpdateRole(ctx, role)
}

// DeleteRole removes a role nobody holds any more.
func (s *Service) DeleteRole(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.logger.Info("rbac role deleted", slog.String("role_id", id.String()))
	return nil
}

// AddPermission grants perm to the role and invalidates every holder.
func (s *Service) AddPermission(ctx context.Context, roleID uuid.UUID, perm string) (Role, error) {
	p, err := parsePermission(perm)
	if err != nil {
		return Role{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.store.AddRolePermission(ctx, roleID, p); err != nil {
		return Role{}, err
	}
	if err := s.invalidateHolders(ctx, roleID); err != nil {
		return Role{}, err
	}
	return s.store.GetRole(ctx, roleID)
}

// RemovePermission withdraws perm from the role and invalidates every holder.
func (s *Service) RemovePermission(ctx context.Context, roleID uuid.UUID, perm string) (Role, error) {
	p, err := parsePermission(perm)
	if err != nil {
		return Role{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	removed, err := s.store.RemoveRolePermission(ctx, roleID, p)
	if err != nil {
		return Role{}, err
	}
	if removed {
		if err := s.invalidateHolders(ctx, roleID); err != nil {
			return Role{}, err
		}
	}
	return s.store.GetRole(ctx, roleID)
}

// ListPermissions returns every stored permission.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// EnsurePermission returns the stored permission, creating it when missing.
func (s *Service) EnsurePermission(ctx context.Context, perm, description string) (Permission, error) {
	p, err := parsePermission(perm)
	if err != nil {
		return Permission{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.store.EnsurePermission(ctx, p, strings.TrimSpace(description))
}

// AssignRole grants a role, optionally scoped and time-boxed, and drops the
// user's cached permissions.
func (s *Service) AssignRole(ctx context.Context, in AssignRoleInput) (Assignment, error) {
	in.ScopeType = strings.ToLower(strings.TrimSpace(in.ScopeType))
	if err := s.check(in); err != nil {
		return Assignment{}, err
	}
	now := s.now().UTC()
	validFrom := now
	if in.ValidFrom != nil {
		validFrom = in.ValidFrom.UTC()
	}
	if in.ValidUntil != nil && in.ValidUntil.Before(validFrom) {
		return Assignment{}, fmt.Errorf("%w: valid_until before valid_from", ErrValidation)
	}
	if _, err := s.store.GetRole(ctx, in.RoleID); err != nil {
		return Assignment{}, err
	}
	a, err := s.store.CreateAssignment(ctx, Assignment{
		ID:         uuid.New(),
		UserID:     in.UserID,
		RoleID:     in.RoleID,
		ScopeType:  in.ScopeType,
		ScopeID:    in.ScopeID,
		ValidFrom:  validFrom,
		ValidUntil: in.ValidUntil,
		GrantedBy:  in.GrantedBy,
		CreatedAt:  now,
	})
	if err != nil {
		return Assignment{}, err
	}
	if err := s.InvalidateUser(ctx, in.UserID); err != nil {
		return Assignment{}, err
	}
	s.logger.Info("rbac role assigned",
		slog.String("user_id", in.UserID.String()),
		slog.String("role_id", in.RoleID.String()),
		slog.String("scope_type", in.ScopeType),
	)
	return a, nil
}

// RevokeRole removes matching assignments and reports whether any existed.
// The user's cache is invalidated before it returns, so no later check can
// see the revoked permissions.
func (s *Service) RevokeRole(ctx context.Context, in RevokeRoleInput) (bool, error) {
	in.ScopeType = strings.ToLower(strings.TrimSpace(in.ScopeType))
	if err := s.check(in); err != nil {
		return false, err
	}
	n, err := s.store.DeleteAssignments(ctx, RevokeFilter(in))
	if err != nil {
		return false, err
	}
	if err := s.InvalidateUser(ctx, in.UserID); err != nil {
		return n > 0, err
	}
	s.logger.Info("rbac role revoked",
		slog.String("user_id", in.UserID.String()),
		slog.String("role_id", in.RoleID.String()),
		slog.Int64("removed", n),
	)
	return n > 0, nil
}

// UserAssignments lists a user's assignments; expired ones only on request.
func (s *Service) UserAssignments(ctx context.Context, userID uuid.UUID, includeExpired bool) ([]Assignment, error) {
	return s.store.UserAssignments(ctx, userID, s.now(), includeExpired)
}

// CanAssign reports whether granter holds an active global role at least
// as high as role. Enforcement is left to the caller.
func (s *Service) CanAssign(ctx context.Context, granter uuid.UUID, role Role) (bool, error) {
	assignments, err := s.store.UserAssignments(ctx, granter, s.now(), false)
	if err != nil {
		return false, err
	}
	now := s.now()
	for _, a := range assignments {
		if a.Scoped() || !a.ActiveAt(now) {
			continue
		}
		held, err := s.store.GetRole(ctx, a.RoleID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if held.Level >= role.Level {
			return true, nil
		}
	}
	return false, nil
}

// InvalidateUser drops the user's cached permissions.
func (s *Service) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	if s.cache == nil {
		return nil
	}
	s.metrics.ObserveInvalidation()
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Error("rbac cache invalidate", slog.String("user_id", userID.String()), slog.Any("error", err))
		return err
	}
	return nil
}

// ClearCache drops cached permissions of one user, or of everyone when
// userID is nil.
func (s *Service) ClearCache(ctx context.Context, userID *uuid.UUID) error {
	if userID != nil {
		return s.InvalidateUser(ctx, *userID)
	}
	if s.cache == nil {
		return nil
	}
	s.metrics.ObserveInvalidation()
	return s.cache.Flush(ctx)
}

func (s *Service) invalidateHolders(ctx context.Context, roleID uuid.UUID) error {
	holders, err := s.store.RoleHolders(ctx, roleID)
	if err != nil {
		return err
	}
	for _, userID := range holders {
		if err := s.InvalidateUser(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}
