package app

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/unrolled/secure"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
	"github.com/odyssey-erp/odyssey-authz/internal/observability"
)

// Headers read when the actor is supplied by an upstream proxy.
const (
	HeaderActorID          = "X-Actor-ID"
	HeaderActorAdmin       = "X-Actor-Admin"
	HeaderActorTenants     = "X-Actor-Tenants"
	HeaderActorPermissions = "X-Actor-Permissions"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the service middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	limit := 600
	trusted := false
	if cfg.Config != nil {
		if cfg.Config.AppRequestTimeout > 0 {
			timeout = cfg.Config.AppRequestTimeout
		}
		if cfg.Config.RateLimitPerMinute > 0 {
			limit = cfg.Config.RateLimitPerMinute
		}
		trusted = cfg.Config.TrustedHeaders
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(limit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if trusted {
		middlewares = append(middlewares, ActorFromHeaders(cfg.Logger))
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, cfg.Metrics.Middleware)
	}
	return middlewares
}

// ActorFromHeaders stores the actor described by the X-Actor-* headers in
// the request context. Requests without a valid X-Actor-ID stay anonymous.
func ActorFromHeaders(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(HeaderActorID))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				if logger != nil {
					logger.Warn("invalid actor header", slog.String("value", raw))
				}
				next.ServeHTTP(w, r)
				return
			}
			actor := &authz.Actor{ID: id, Permissions: splitList(r.Header.Get(HeaderActorPermissions))}
			actor.IsAdmin, _ = strconv.ParseBool(r.Header.Get(HeaderActorAdmin))
			for _, t := range splitList(r.Header.Get(HeaderActorTenants)) {
				tenant, err := uuid.Parse(t)
				if err != nil {
					continue
				}
				if actor.TenantID == uuid.Nil {
					actor.TenantID = tenant
				}
				actor.Tenants = append(actor.Tenants, tenant)
			}
			next.ServeHTTP(w, r.WithContext(authz.ContextWithActor(r.Context(), actor)))
		})
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
