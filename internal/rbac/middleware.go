package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

// Middleware wires authorization checks for HTTP handlers. The actor must
// already be stored in the request context.
type Middleware struct {
	Authz  *authz.Service
	Logger *slog.Logger
}

// RequireAuthenticated rejects requests without an authenticated actor.
func (m Middleware) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Authz.Authenticated(authz.ActorFromContext(r.Context())) {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAny ensures the current actor is granted at least one of perms.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissionList(perms), false)
}

// RequireAll ensures the current actor is granted every one of perms.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissionList(perms), true)
}

func (m Middleware) require(perms []string, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor := authz.ActorFromContext(r.Context())
			if !m.Authz.Authenticated(actor) {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			granted := 0
			for _, perm := range perms {
				d, err := m.Authz.Evaluate(r.Context(), authz.Check{Actor: actor, Action: perm})
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("rbac middleware evaluate", slog.String("action", perm), slog.Any("error", err))
					}
					httpx.RespondError(w, err)
					return
				}
				if d.Allowed {
					granted++
					if !all {
						break
					}
				} else if all {
					break
				}
			}
			if (all && granted == len(perms)) || (!all && granted > 0) {
				next.ServeHTTP(w, r)
				return
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission")
		})
	}
}

func normalizePermissionList(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
