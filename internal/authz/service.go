package authz

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"

	"github.com/odyssey-erp/odyssey-authz/internal/observability"
)

// Service is the authorization facade handed to application code. It owns
// the super-admin bypass so engines never see admin actors.
type Service struct {
	engine  PolicyEngine
	scopes  ScopeProvider
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewService wires an engine and scope provider. A nil scope provider means
// rows are never scoped.
func NewService(engine PolicyEngine, scopes ScopeProvider, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if scopes == nil {
		scopes = NoScope{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, scopes: scopes, logger: logger, metrics: metrics}
}

// Engine returns the configured policy engine.
func (s *Service) Engine() PolicyEngine {
	return s.engine
}

// Authenticated reports whether actor carries an identity.
func (s *Service) Authenticated(actor *Actor) bool {
	return actor.Authenticated()
}

// Evaluate returns the decision for check. Errors always come with a
// denying decision.
func (s *Service) Evaluate(ctx context.Context, check Check) (Decision, error) {
	if check.Actor != nil && check.Actor.IsAdmin {
		s.metrics.ObserveDecision(s.engine.Name(), true, false)
		return Allow("admin access"), nil
	}
	if !check.Actor.Authenticated() {
		s.metrics.ObserveDecision(s.engine.Name(), false, false)
		return Deny("unauthenticated"), nil
	}
	decision, err := s.engine.Evaluate(ctx, check)
	if err != nil {
		decision.Allowed = false
		s.metrics.ObserveDecision(s.engine.Name(), false, true)
		s.logger.Error("authz evaluate",
			slog.String("action", check.Action),
			slog.String("actor", check.Actor.ID.String()),
			slog.Any("error", err))
		return decision, err
	}
	s.metrics.ObserveDecision(s.engine.Name(), decision.Allowed, false)
	if !decision.Allowed {
		s.logger.Debug("authz denied",
			slog.String("action", check.Action),
			slog.String("actor", check.Actor.ID.String()),
			slog.String("reason", decision.Reason))
	}
	return decision, nil
}

// Can reports whether check is allowed. It never returns an error; any
// failure counts as a denial.
func (s *Service) Can(ctx context.Context, check Check) bool {
	decision, err := s.Evaluate(ctx, check)
	return err == nil && decision.Allowed
}

// Require returns nil when check is allowed and a *PermissionDeniedError
// when it is denied. Evaluation failures are returned as they are.
func (s *Service) Require(ctx context.Context, check Check) error {
	decision, err := s.Evaluate(ctx, check)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &PermissionDeniedError{Action: normalize(check.Action), Reason: decision.Reason}
	}
	return nil
}

// FilterAuthorized returns the resources actor may perform action on, in
// their original order. Resources whose evaluation fails are dropped.
func (s *Service) FilterAuthorized(ctx context.Context, actor *Actor, action string, resources []*Resource, conds ...Condition) []*Resource {
	out := make([]*Resource, 0, len(resources))
	if actor != nil && actor.IsAdmin {
		s.metrics.ObserveDecision(s.engine.Name(), true, false)
		return append(out, resources...)
	}
	if !actor.Authenticated() {
		s.metrics.ObserveDecision(s.engine.Name(), false, false)
		return out
	}
	for _, res := range resources {
		if ctx.Err() != nil {
			break
		}
		if s.Can(ctx, Check{Actor: actor, Action: action, Resource: res, Conditions: conds}) {
			out = append(out, res)
		}
	}
	return out
}

// Scope returns the data scope for actor on resourceType.
func (s *Service) Scope(ctx context.Context, actor *Actor, resourceType, action string) (DataScope, error) {
	if actor != nil && actor.IsAdmin {
		return Unconstrained(), nil
	}
	return s.scopes.Scope(ctx, actor, resourceType, action)
}

// Scoped narrows q to the rows actor may see in model m.
func (s *Service) Scoped(ctx context.Context, actor *Actor, q Query, m Model, action string) (Query, error) {
	scope, err := s.Scope(ctx, actor, m.Name, action)
	if err != nil {
		return q, err
	}
	return s.scopes.Apply(q, scope, m)
}

// ScopedGorm narrows a gorm statement to the rows actor may see in model m.
// Failures are attached to the returned statement.
func (s *Service) ScopedGorm(ctx context.Context, actor *Actor, db *gorm.DB, m Model, action string) *gorm.DB {
	scope, err := s.Scope(ctx, actor, m.Name, action)
	if err != nil {
		_ = db.AddError(err)
		return db
	}
	return db.Scopes(GormScope(scope, m))
}

// Permissions lists every permission string actor holds, sorted. Admins get
// the global wildcard.
func (s *Service) Permissions(ctx context.Context, actor *Actor, res *Resource) ([]string, error) {
	if actor != nil && actor.IsAdmin {
		return []string{Wildcard}, nil
	}
	if !actor.Authenticated() {
		return []string{}, nil
	}
	set, err := s.engine.Permissions(ctx, actor, res)
	if err != nil {
		return nil, err
	}
	return set.Strings(), nil
}

// IsDenied reports whether err is a permission denial.
func IsDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
