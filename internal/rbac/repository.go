package rbac

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the tables the Repository reads and writes. It needs
// PostgreSQL 15 or later: duplicate detection relies on unique constraints
// that treat NULL tenant and scope columns as equal.
//
//go:embed schema.sql
var Schema string

// Repository provides PostgreSQL backed persistence over the roles,
// permissions, role_permissions and user_roles tables described by Schema.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate applies Schema. Every statement is idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("rbac: migrate: %w", err)
	}
	return nil
}

const selectRole = `SELECT id, name, description, level, tenant_id, created_at, updated_at FROM roles`

func scanRole(row pgx.Row) (Role, error) {
	var r Role
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Level, &r.TenantID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Role{}, err
	}
	return r, nil
}

func ensurePermission(ctx context.Context, q querier, p authz.Permission, description string) (Permission, error) {
	var perm Permission
	err := q.QueryRow(ctx, `
		INSERT INTO permissions (id, resource, action, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource, action) DO UPDATE
		SET description = COALESCE(NULLIF(permissions.description, ''), EXCLUDED.description)
		RETURNING id, resource, action, description, created_at`,
		uuid.New(), p.Resource, p.Action, description, time.Now().UTC(),
	).Scan(&perm.ID, &perm.Resource, &perm.Action, &perm.Description, &perm.CreatedAt)
	if err != nil {
		return Permission{}, fmt.Errorf("rbac: ensure permission %s: %w", p, err)
	}
	return perm, nil
}

func attachPermission(ctx context.Context, q querier, roleID uuid.UUID, p authz.Permission) error {
	perm, err := ensurePermission(ctx, q, p, "")
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, perm.ID)
	if db.ErrorCode(err) == db.CodeForeignKeyViolation {
		return ErrNotFound
	}
	return err
}

func (r *Repository) loadPermissions(ctx context.Context, q querier, roles []Role) error {
	if len(roles) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(roles))
	for i, role := range roles {
		ids[i] = role.ID
	}
	byRole, err := rolePermissions(ctx, q, ids)
	if err != nil {
		return err
	}
	for i := range roles {
		roles[i].Permissions = byRole[roles[i].ID]
		if roles[i].Permissions == nil {
			roles[i].Permissions = []string{}
		}
	}
	return nil
}

func rolePermissions(ctx context.Context, q querier, roleIDs []uuid.UUID) (map[uuid.UUID][]string, error) {
	rows, err := q.Query(ctx, `
		SELECT rp.role_id, p.resource, p.action
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("rbac: role permissions: %w", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]string, len(roleIDs))
	for rows.Next() {
		var (
			id               uuid.UUID
			resource, action string
		)
		if err := rows.Scan(&id, &resource, &action); err != nil {
			return nil, err
		}
		out[id] = append(out[id], authz.Permission{Resource: resource, Action: action}.String())
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out, rows.Err()
}

func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO roles (id, name, description, level, tenant_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			role.ID, role.Name, role.Description, role.Level, role.TenantID, role.CreatedAt, role.UpdatedAt)
		if db.ErrorCode(err) == db.CodeUniqueViolation {
			return ErrDuplicateRole
		}
		if err != nil {
			return fmt.Errorf("rbac: insert role: %w", err)
		}
		for _, raw := range role.Permissions {
			p, err := authz.ParsePermission(raw)
			if err != nil {
				return err
			}
			if err := attachPermission(ctx, tx, role.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	return r.GetRole(ctx, role.ID)
}

func (r *Repository) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	return r.getRole(ctx, selectRole+` WHERE id = $1`, id)
}

func (r *Repository) GetRoleByName(ctx context.Context, name string, tenantID *uuid.UUID) (Role, error) {
	return r.getRole(ctx, selectRole+` WHERE lower(name) = lower($1) AND tenant_id IS NOT DISTINCT FROM $2`, name, tenantID)
}

func (r *Repository) getRole(ctx context.Context, sql string, args ...any) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, fmt.Errorf("rbac: get role: %w", err)
	}
	roles := []Role{role}
	if err := r.loadPermissions(ctx, r.pool, roles); err != nil {
		return Role{}, err
	}
	return roles[0], nil
}

// ListRoles runs q with the role columns selected, so scope filters applied
// by the caller end up in the WHERE clause.
func (r *Repository) ListRoles(ctx context.Context, q authz.Query) ([]Role, error) {
	sql, args := q.Select(roleColumns...).SQL()
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("rbac: list roles: %w", err)
	}
	defer rows.Close()
	roles := make([]Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadPermissions(ctx, r.pool, roles); err != nil {
		return nil, err
	}
	return roles, nil
}

func (r *Repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE roles SET name = $2, description = $3, level = $4, updated_at = $5
		WHERE id = $1`, role.ID, role.Name, role.Description, role.Level, role.UpdatedAt)
	if db.ErrorCode(err) == db.CodeUniqueViolation {
		return Role{}, ErrDuplicateRole
	}
	if err != nil {
		return Role{}, fmt.Errorf("rbac: update role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Role{}, ErrNotFound
	}
	return r.GetRole(ctx, role.ID)
}

func (r *Repository) DeleteRole(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var held bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM user_roles WHERE role_id = $1)`, id).Scan(&held); err != nil {
			return fmt.Errorf("rbac: check role holders: %w", err)
		}
		if held {
			return ErrRoleInUse
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
			return fmt.Errorf("rbac: delete role permissions: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		if db.ErrorCode(err) == db.CodeForeignKeyViolation {
			return ErrRoleInUse
		}
		if err != nil {
			return fmt.Errorf("rbac: delete role: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *Repository) EnsurePermission(ctx context.Context, p authz.Permission, description string) (Permission, error) {
	return ensurePermission(ctx, r.pool, p, description)
}

func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, resource, action, description, created_at FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list permissions: %w", err)
	}
	defer rows.Close()
	perms := make([]Permission, 0)
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *Repository) AddRolePermission(ctx context.Context, roleID uuid.UUID, p authz.Permission) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return attachPermission(ctx, tx, roleID, p)
	})
}

func (r *Repository) RemoveRolePermission(ctx context.Context, roleID uuid.UUID, p authz.Permission) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM role_permissions rp
		USING permissions p
		WHERE rp.permission_id = p.id AND rp.role_id = $1 AND p.resource = $2 AND p.action = $3`,
		roleID, p.Resource, p.Action)
	if err != nil {
		return false, fmt.Errorf("rbac: remove role permission: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *Repository) CreateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_roles (id, user_id, role_id, scope_type, scope_id, valid_from, valid_until, granted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.UserID, a.RoleID, nullableText(a.ScopeType), a.ScopeID, a.ValidFrom, a.ValidUntil, a.GrantedBy, a.CreatedAt)
	switch db.ErrorCode(err) {
	case db.CodeUniqueViolation:
		return Assignment{}, ErrDuplicateAssignment
	case db.CodeForeignKeyViolation:
		return Assignment{}, ErrNotFound
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("rbac: insert assignment: %w", err)
	}
	return a, nil
}

func (r *Repository) DeleteAssignments(ctx context.Context, f RevokeFilter) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM user_roles
		WHERE user_id = $1 AND role_id = $2
		  AND ($3::text IS NULL OR scope_type = $3)
		  AND ($4::uuid IS NULL OR scope_id = $4)`,
		f.UserID, f.RoleID, nullableText(f.ScopeType), f.ScopeID)
	if err != nil {
		return 0, fmt.Errorf("rbac: delete assignments: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) UserAssignments(ctx context.Context, userID uuid.UUID, at time.Time, includeExpired bool) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, role_id, scope_type, scope_id, valid_from, valid_until, granted_by, created_at
		FROM user_roles
		WHERE user_id = $1 AND ($3 OR valid_until IS NULL OR valid_until >= $2)
		ORDER BY created_at`, userID, at, includeExpired)
	if err != nil {
		return nil, fmt.Errorf("rbac: user assignments: %w", err)
	}
	defer rows.Close()
	out := make([]Assignment, 0)
	for rows.Next() {
		var (
			a         Assignment
			scopeType *string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &scopeType, &a.ScopeID, &a.ValidFrom, &a.ValidUntil, &a.GrantedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		if scopeType != nil {
			a.ScopeType = strings.ToLower(*scopeType)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) RolePermissions(ctx context.Context, roleIDs []uuid.UUID) (map[uuid.UUID][]string, error) {
	return rolePermissions(ctx, r.pool, roleIDs)
}

func (r *Repository) RoleHolders(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT user_id FROM user_roles WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, fmt.Errorf("rbac: role holders: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

var _ Store = (*Repository)(nil)
