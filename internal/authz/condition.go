package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Built-in condition names.
const (
	CondMaxAmount  = "max_amount"
	CondNotCreator = "not_creator"
	CondStatus     = "status"
	CondSameTenant = "same_tenant"
)

// Condition is a named predicate with the value the call site expects.
type Condition struct {
	Name     string
	Expected any
}

// Cond is shorthand for a Condition literal.
func Cond(name string, expected any) Condition {
	return Condition{Name: name, Expected: expected}
}

// Conditions are evaluated in slice order and all must pass.
type Conditions []Condition

// ConditionInput is what an evaluator sees for a single condition.
type ConditionInput struct {
	Expected any
	Actor    *Actor
	Resource *Resource
	Env      map[string]any
}

// ConditionEvaluator checks one named condition. A false result carries a
// reason; an error means the condition could not be evaluated at all.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, in ConditionInput) (bool, string, error)
}

// ConditionFunc adapts a function to ConditionEvaluator.
type ConditionFunc func(ctx context.Context, in ConditionInput) (bool, string, error)

// Evaluate calls f.
func (f ConditionFunc) Evaluate(ctx context.Context, in ConditionInput) (bool, string, error) {
	return f(ctx, in)
}

// ConditionRegistry maps condition names to evaluators. Registration rejects
// names that are already taken, built-ins included.
type ConditionRegistry struct {
	mu         sync.RWMutex
	evaluators map[string]ConditionEvaluator
}

// NewConditionRegistry returns a registry preloaded with the built-in conditions.
func NewConditionRegistry() *ConditionRegistry {
	r := &ConditionRegistry{evaluators: make(map[string]ConditionEvaluator)}
	r.evaluators[CondMaxAmount] = ConditionFunc(maxAmount)
	r.evaluators[CondNotCreator] = ConditionFunc(notCreator)
	r.evaluators[CondStatus] = ConditionFunc(statusIn)
	r.evaluators[CondSameTenant] = ConditionFunc(sameTenant)
	return r
}

// Register adds an evaluator under name.
func (r *ConditionRegistry) Register(name string, ev ConditionEvaluator) error {
	name = strings.TrimSpace(name)
	if name == "" || ev == nil {
		return fmt.Errorf("authz: condition name and evaluator required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.evaluators[name]; ok {
		return fmt.Errorf("%w: condition %q", ErrAlreadyRegistered, name)
	}
	r.evaluators[name] = ev
	return nil
}

// Lookup returns the evaluator registered under name.
func (r *ConditionRegistry) Lookup(name string) (ConditionEvaluator, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	ev, ok := r.evaluators[name]
	r.mu.RUnlock()
	return ev, ok
}

// Names lists registered condition names in sorted order.
func (r *ConditionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.evaluators))
	for name := range r.evaluators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs a single named condition.
func (r *ConditionRegistry) Evaluate(ctx context.Context, name string, expected any, actor *Actor, res *Resource, env map[string]any) (bool, string, error) {
	ev, ok := r.Lookup(name)
	if !ok {
		return false, "", &UnknownConditionError{Name: name}
	}
	return ev.Evaluate(ctx, ConditionInput{Expected: expected, Actor: actor, Resource: res, Env: env})
}

// EvaluateAll checks every condition in order and stops at the first
// failure, whose reason becomes the denial reason. Every name is resolved
// before any evaluator runs so an unknown condition is always reported.
func (r *ConditionRegistry) EvaluateAll(ctx context.Context, conds Conditions, actor *Actor, res *Resource, env map[string]any) (Decision, error) {
	evaluators := make([]ConditionEvaluator, len(conds))
	for i, c := range conds {
		ev, ok := r.Lookup(c.Name)
		if !ok {
			return Deny("condition could not be evaluated"), &UnknownConditionError{Name: c.Name}
		}
		evaluators[i] = ev
	}
	for i, c := range conds {
		passed, reason, err := evaluators[i].Evaluate(ctx, ConditionInput{Expected: c.Expected, Actor: actor, Resource: res, Env: env})
		if err != nil {
			return Deny(fmt.Sprintf("condition %s could not be evaluated", c.Name)), fmt.Errorf("authz: condition %s: %w", c.Name, err)
		}
		if !passed {
			if reason == "" {
				reason = "not satisfied"
			}
			return Deny(fmt.Sprintf("condition %s failed: %s", c.Name, reason)), nil
		}
	}
	return Allow("all conditions satisfied"), nil
}

// maxAmount caps the amount found in the check context or, failing that, on
// the resource. Expected true compares against the actor's approval_limit.
func maxAmount(_ context.Context, in ConditionInput) (bool, string, error) {
	var limit float64
	if want, ok := in.Expected.(bool); ok {
		if !want {
			return true, "", nil
		}
		raw, ok := in.Actor.Attr("approval_limit")
		if !ok {
			return false, "approval limit unavailable", nil
		}
		if limit, ok = toFloat64(raw); !ok {
			return false, "approval limit unavailable", nil
		}
	} else {
		var ok bool
		if limit, ok = toFloat64(in.Expected); !ok {
			return false, "", fmt.Errorf("%w: max_amount expects a number or bool, got %T", ErrInvalidCondition, in.Expected)
		}
	}

	raw, ok := in.Env["amount"]
	if !ok || raw == nil {
		raw, ok = in.Resource.Attr("amount")
	}
	if !ok {
		return false, "amount unavailable", nil
	}
	amount, ok := toFloat64(raw)
	if !ok {
		return false, "amount unavailable", nil
	}
	if amount > limit {
		if _, byActor := in.Expected.(bool); byActor {
			return false, "amount exceeds approval limit", nil
		}
		return false, fmt.Sprintf("amount exceeds limit %v", in.Expected), nil
	}
	return true, "", nil
}

func notCreator(_ context.Context, in ConditionInput) (bool, string, error) {
	want, ok := in.Expected.(bool)
	if !ok {
		return false, "", fmt.Errorf("%w: not_creator expects a bool, got %T", ErrInvalidCondition, in.Expected)
	}
	if !want {
		return true, "", nil
	}
	if in.Actor == nil || in.Resource == nil {
		return false, "creator unknown", nil
	}
	if in.Resource.CreatorID == in.Actor.ID {
		return false, "actor created the resource", nil
	}
	return true, "", nil
}

func statusIn(_ context.Context, in ConditionInput) (bool, string, error) {
	allowed, err := toStrings(in.Expected)
	if err != nil {
		return false, "", err
	}
	raw, ok := in.Resource.Attr("status")
	if !ok {
		return false, "status unavailable", nil
	}
	status := strings.TrimSpace(fmt.Sprint(raw))
	for _, s := range allowed {
		if status == s {
			return true, "", nil
		}
	}
	return false, fmt.Sprintf("status must be one of [%s]", strings.Join(allowed, ", ")), nil
}

func sameTenant(_ context.Context, in ConditionInput) (bool, string, error) {
	want, ok := in.Expected.(bool)
	if !ok {
		return false, "", fmt.Errorf("%w: same_tenant expects a bool, got %T", ErrInvalidCondition, in.Expected)
	}
	if !want {
		return true, "", nil
	}
	if in.Actor == nil || in.Resource == nil {
		return false, "tenant unknown", nil
	}
	tenant, ok := in.Resource.ScopeID("tenant")
	if !ok {
		return false, "tenant unknown", nil
	}
	for _, id := range in.Actor.TenantIDs() {
		if id == tenant {
			return true, "", nil
		}
	}
	return false, "resource belongs to another tenant", nil
}

func toStrings(v any) ([]string, error) {
	switch val := v.(type) {
	case string:
		return []string{val}, nil
	case []string:
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: status expects strings, got %T", ErrInvalidCondition, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: status expects a string or list, got %T", ErrInvalidCondition, v)
	}
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
