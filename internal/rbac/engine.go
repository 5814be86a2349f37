package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
	"github.com/odyssey-erp/odyssey-authz/internal/observability"
)

// EngineName is the registry key of the role-based engine.
const EngineName = "rbac"

// Engine resolves permissions from role assignments. Results are cached per
// user and resource scope; entries never outlive the next validity-window
// boundary of the assignments they were built from.
type Engine struct {
	store      Lookup
	cache      PermissionCache
	conditions *authz.ConditionRegistry
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics
	group      singleflight.Group
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithTTL sets the maximum lifetime of cached permission lists.
func WithTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds the role-based engine. A nil cache disables caching.
func NewEngine(store Lookup, cache PermissionCache, conds *authz.ConditionRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		cache:      cache,
		conditions: conds,
		ttl:        authz.DefaultCacheTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds the "rbac" engine to reg, built over store and cache.
func Register(reg *authz.Registry, store Lookup, cache PermissionCache, opts ...EngineOption) error {
	return reg.RegisterEngine(EngineName, func(deps authz.Deps) (authz.PolicyEngine, error) {
		if store == nil {
			return nil, fmt.Errorf("rbac: engine requires a store")
		}
		base := []EngineOption{WithTTL(deps.Config.CacheTTL), WithMetrics(deps.Metrics)}
		if deps.Logger != nil {
			base = append(base, WithLogger(deps.Logger))
		}
		return NewEngine(store, cache, deps.Conditions, append(base, opts...)...), nil
	})
}

func (e *Engine) Name() string { return EngineName }

// Evaluate grants when an active, applicable role carries a matching permission.
func (e *Engine) Evaluate(ctx context.Context, check authz.Check) (authz.Decision, error) {
	if !check.Actor.Authenticated() {
		return authz.Deny("unauthenticated"), nil
	}
	set, err := e.Permissions(ctx, check.Actor, check.Resource)
	if err != nil {
		return authz.Deny("permission lookup failed"), err
	}
	return authz.Decide(ctx, set, check, e.conditions)
}

// Permissions returns the union of permissions of every role the actor
// holds that is active now and applies to res.
func (e *Engine) Permissions(ctx context.Context, actor *authz.Actor, res *authz.Resource) (authz.PermissionSet, error) {
	if !actor.Authenticated() {
		return authz.NewPermissionSet(), nil
	}
	return e.resolve(ctx, actor.ID, res)
}

// Invalidate drops every cached entry of the user.
func (e *Engine) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if e.cache == nil {
		return nil
	}
	e.metrics.ObserveInvalidation()
	return e.cache.Invalidate(ctx, userID)
}

func (e *Engine) resolve(ctx context.Context, userID uuid.UUID, res *authz.Resource) (authz.PermissionSet, error) {
	scopeKey := res.ScopeKey()
	if e.cache == nil {
		perms, _, err := e.load(ctx, userID, res)
		return perms, err
	}

	gen, err := e.cache.Generation(ctx, userID)
	if err != nil {
		e.logger.Warn("rbac cache unavailable", slog.String("user_id", userID.String()), slog.Any("error", err))
		perms, _, err := e.load(ctx, userID, res)
		return perms, err
	}
	if perms, ok, err := e.cache.Get(ctx, userID, gen, scopeKey); err != nil {
		e.logger.Warn("rbac cache get", slog.String("user_id", userID.String()), slog.Any("error", err))
	} else if ok {
		e.metrics.ObserveCacheLookup(true)
		return perms, nil
	}
	e.metrics.ObserveCacheLookup(false)

	// The load is shared by every caller waiting on key, so it must not
	// end when the caller that started it goes away.
	shared := context.WithoutCancel(ctx)
	key := userID.String() + "|" + gen + "|" + scopeKey
	ch := e.group.DoChan(key, func() (interface{}, error) {
		perms, ttl, err := e.load(shared, userID, res)
		if err != nil {
			return nil, err
		}
		if err := e.cache.Set(shared, userID, gen, scopeKey, perms, ttl); err != nil {
			e.logger.Warn("rbac cache set", slog.String("user_id", userID.String()), slog.Any("error", err))
		}
		return perms, nil
	})
	select {
	case <-ctx.Done():
		return authz.PermissionSet{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return authz.PermissionSet{}, r.Err
		}
		return r.Val.(authz.PermissionSet), nil
	}
}

// load reads assignments and role permissions and reports how long the
// result stays valid. The union is split once here and shared by every
// check served from the cache.
func (e *Engine) load(ctx context.Context, userID uuid.UUID, res *authz.Resource) (authz.PermissionSet, time.Duration, error) {
	started := time.Now()
	defer func() { e.metrics.ObserveResolve(time.Since(started)) }()

	now := e.now()
	assignments, err := e.store.UserAssignments(ctx, userID, now, false)
	if err != nil {
		return authz.PermissionSet{}, 0, fmt.Errorf("rbac: load assignments: %w", err)
	}

	ttl := e.ttl
	capAt := func(t time.Time) {
		if d := t.Sub(now); d < ttl {
			ttl = d
		}
	}
	roleIDs := make([]uuid.UUID, 0, len(assignments))
	seen := make(map[uuid.UUID]struct{}, len(assignments))
	for _, a := range assignments {
		if !a.AppliesTo(res) {
			continue
		}
		if !a.ActiveAt(now) {
			if now.Before(a.ValidFrom) {
				capAt(a.ValidFrom)
			}
			continue
		}
		if a.ValidUntil != nil {
			capAt(a.ValidUntil.Add(time.Nanosecond))
		}
		if _, ok := seen[a.RoleID]; ok {
			continue
		}
		seen[a.RoleID] = struct{}{}
		roleIDs = append(roleIDs, a.RoleID)
	}
	if len(roleIDs) == 0 {
		return authz.NewPermissionSet(), ttl, nil
	}

	byRole, err := e.store.RolePermissions(ctx, roleIDs)
	if err != nil {
		return authz.PermissionSet{}, 0, fmt.Errorf("rbac: load role permissions: %w", err)
	}
	var perms []string
	for _, id := range roleIDs {
		perms = append(perms, byRole[id]...)
	}
	return authz.NewPermissionSet(perms...), ttl, nil
}
