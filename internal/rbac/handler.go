package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

// Permissions guarding the administration routes.
const (
	PermRolesRead   = "roles:read"
	PermRolesCreate = "roles:create"
	PermRolesUpdate = "roles:update"
	PermRolesDelete = "roles:delete"
	PermRolesAssign = "roles:assign"
)

// AdminPermissions lists the permissions guarding the administration routes.
func AdminPermissions() []string {
	return []string{PermRolesRead, PermRolesCreate, PermRolesUpdate, PermRolesDelete, PermRolesAssign}
}

const defaultPerPage = 50

// Handler exposes role administration and permission checks over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	authz   *authz.Service
	rbac    Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, authzSvc *authz.Service) *Handler {
	return &Handler{
		logger:  logger,
		service: service,
		authz:   authzSvc,
		rbac:    Middleware{Authz: authzSvc, Logger: logger},
	}
}

// MountRoutes registers the routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAuthenticated)
		r.Get("/me/permissions", h.myPermissions)
		r.Post("/check", h.check)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(PermRolesRead))
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{id}", h.getRole)
		r.Get("/permissions", h.listPermissions)
		r.Get("/users/{id}/assignments", h.userAssignments)
	})
	r.With(h.rbac.RequireAll(PermRolesCreate)).Post("/roles", h.createRole)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(PermRolesUpdate))
		r.Patch("/roles/{id}", h.updateRole)
		r.Post("/roles/{id}/permissions", h.addPermission)
		r.Delete("/roles/{id}/permissions", h.removePermission)
	})
	r.With(h.rbac.RequireAll(PermRolesDelete)).Delete("/roles/{id}", h.deleteRole)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(PermRolesAssign))
		r.Post("/assignments", h.assignRole)
		r.Delete("/assignments", h.revokeRole)
	})
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id", ErrValidation)
	}
	return id, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrValidation) &&
		!errors.Is(err, httpx.ErrDuplicate) && !errors.Is(err, httpx.ErrConflict) {
		h.logger.Error("rbac handler", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

type resourceBody struct {
	Type       string         `json:"type"`
	ID         uuid.UUID      `json:"id"`
	OwnerID    uuid.UUID      `json:"owner_id"`
	CreatorID  uuid.UUID      `json:"creator_id"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	Attributes map[string]any `json:"attributes"`
}

func (b *resourceBody) resource() *authz.Resource {
	if b == nil {
		return nil
	}
	return &authz.Resource{
		Type:       b.Type,
		ID:         b.ID,
		OwnerID:    b.OwnerID,
		CreatorID:  b.CreatorID,
		TenantID:   b.TenantID,
		Attributes: b.Attributes,
	}
}

type checkRequest struct {
	Action     string         `json:"action"`
	Resource   *resourceBody  `json:"resource"`
	Context    map[string]any `json:"context"`
	Conditions []struct {
		Name     string `json:"name"`
		Expected any    `json:"expected"`
	} `json:"conditions"`
}

type decisionResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		h.fail(w, r, fmt.Errorf("%w: action required", ErrValidation))
		return
	}
	conds := make(authz.Conditions, 0, len(req.Conditions))
	for _, c := range req.Conditions {
		conds = append(conds, authz.Cond(c.Name, c.Expected))
	}
	d, err := h.authz.Evaluate(r.Context(), authz.Check{
		Actor:      authz.ActorFromContext(r.Context()),
		Action:     req.Action,
		Resource:   req.Resource.resource(),
		Context:    req.Context,
		Conditions: conds,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decisionResponse{Allowed: d.Allowed, Reason: d.Reason})
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	var res *authz.Resource
	if scopeType := r.URL.Query().Get("scope_type"); scopeType != "" {
		id, err := uuid.Parse(r.URL.Query().Get("scope_id"))
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: invalid scope_id", ErrValidation))
			return
		}
		res = &authz.Resource{Type: scopeType, ID: id}
	}
	perms, err := h.authz.Permissions(r.Context(), authz.ActorFromContext(r.Context()), res)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	q := authz.NewQuery(RoleModel.Table).OrderBy("name")
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: invalid tenant_id", ErrValidation))
			return
		}
		q = q.Where("tenant_id", id)
	}
	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			h.fail(w, r, fmt.Errorf("%w: invalid page", ErrValidation))
			return
		}
		perPage := defaultPerPage
		if rawPer := r.URL.Query().Get("per_page"); rawPer != "" {
			perPage, err = strconv.Atoi(rawPer)
			if err != nil || perPage < 1 || perPage > 500 {
				h.fail(w, r, fmt.Errorf("%w: invalid per_page", ErrValidation))
				return
			}
		}
		q = q.Page(perPage, (page-1)*perPage)
	}
	q, err := h.authz.Scoped(r.Context(), authz.ActorFromContext(r.Context()), q, RoleModel, PermRolesRead)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	roles, err := h.service.ListRoles(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var in CreateRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	role, err := h.service.CreateRole(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in UpdateRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionRequest struct {
	Permission string `json:"permission"`
}

func (h *Handler) addPermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req permissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	role, err := h.service.AddPermission(r.Context(), id, req.Permission)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) removePermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	role, err := h.service.RemovePermission(r.Context(), id, r.URL.Query().Get("permission"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var in AssignRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	if in.GrantedBy == nil {
		if actor := authz.ActorFromContext(r.Context()); actor.Authenticated() {
			id := actor.ID
			in.GrantedBy = &id
		}
	}
	a, err := h.service.AssignRole(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, a)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	var in RevokeRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	removed, err := h.service.RevokeRole(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"revoked": removed})
}

func (h *Handler) userAssignments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	includeExpired := r.URL.Query().Get("include_expired") == "true"
	assignments, err := h.service.UserAssignments(r.Context(), id, includeExpired)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}
