package authz

import (
	"context"
)

// Check is one authorization question.
type Check struct {
	Actor      *Actor
	Action     string
	Resource   *Resource
	Context    map[string]any
	Conditions Conditions
}

// PolicyEngine makes authorization decisions. The facade answers for
// super-admins and unauthenticated actors before an engine is consulted.
type PolicyEngine interface {
	Name() string
	Evaluate(ctx context.Context, check Check) (Decision, error)
	Permissions(ctx context.Context, actor *Actor, res *Resource) (PermissionSet, error)
}

// Decide matches check.Action against set and, on a match, runs the
// supplied conditions through conds.
func Decide(ctx context.Context, set PermissionSet, check Check, conds *ConditionRegistry) (Decision, error) {
	pattern, ok := set.match(check.Action)
	if !ok {
		return Deny("missing permission: " + normalize(check.Action)), nil
	}
	if len(check.Conditions) > 0 {
		if conds == nil {
			return Deny("conditions unavailable"), &ConfigurationError{Kind: "condition registry", Key: check.Conditions[0].Name}
		}
		d, err := conds.EvaluateAll(ctx, check.Conditions, check.Actor, check.Resource, check.Context)
		if err != nil || !d.Allowed {
			return d, err
		}
	}
	return Allow("granted by " + pattern), nil
}

// SimpleEngine grants from the static permission list carried by the actor.
type SimpleEngine struct {
	conditions *ConditionRegistry
}

// NewSimpleEngine builds a SimpleEngine using conds for call-site conditions.
func NewSimpleEngine(conds *ConditionRegistry) *SimpleEngine {
	return &SimpleEngine{conditions: conds}
}

// Name identifies the engine in logs and metrics.
func (e *SimpleEngine) Name() string { return "simple" }

// Evaluate checks the actor's static permissions.
func (e *SimpleEngine) Evaluate(ctx context.Context, check Check) (Decision, error) {
	if check.Actor == nil {
		return Deny("unauthenticated"), nil
	}
	return Decide(ctx, check.Actor.PermissionSet(), check, e.conditions)
}

// Permissions returns the actor's static permissions.
func (e *SimpleEngine) Permissions(_ context.Context, actor *Actor, _ *Resource) (PermissionSet, error) {
	return actor.PermissionSet(), nil
}
