package authz

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/odyssey-erp/odyssey-authz/internal/observability"
)

// Deps is handed to every factory when the registry builds a component.
type Deps struct {
	Config     Config
	Conditions *ConditionRegistry
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// EngineFactory constructs a PolicyEngine.
type EngineFactory func(deps Deps) (PolicyEngine, error)

// ScopeFactory constructs a ScopeProvider.
type ScopeFactory func(deps Deps) (ScopeProvider, error)

// Registry maps configuration keys to engine and scope provider
// constructors. It is populated at startup; registering a key twice fails
// with ErrAlreadyRegistered and leaves the first registration in place.
type Registry struct {
	mu         sync.RWMutex
	engines    map[string]EngineFactory
	scopes     map[string]ScopeFactory
	conditions *ConditionRegistry
}

// NewRegistry returns a registry with the built-in "simple" engine, the
// "none", "ownership" and "tenant" scope providers and built-in conditions.
func NewRegistry() *Registry {
	r := &Registry{
		engines:    make(map[string]EngineFactory),
		scopes:     make(map[string]ScopeFactory),
		conditions: NewConditionRegistry(),
	}
	r.engines["simple"] = func(deps Deps) (PolicyEngine, error) {
		return NewSimpleEngine(deps.Conditions), nil
	}
	r.scopes[string(ScopeNone)] = func(Deps) (ScopeProvider, error) {
		return NoScope{}, nil
	}
	r.scopes[string(ScopeOwnership)] = func(deps Deps) (ScopeProvider, error) {
		return NewOwnershipScope(deps.Config.OwnerField), nil
	}
	r.scopes[string(ScopeTenant)] = func(deps Deps) (ScopeProvider, error) {
		return NewTenantScope(deps.Config.TenantField), nil
	}
	return r
}

// RegisterEngine adds an engine constructor under key.
func (r *Registry) RegisterEngine(key string, factory EngineFactory) error {
	key = strings.TrimSpace(key)
	if key == "" || factory == nil {
		return fmt.Errorf("authz: engine key and factory required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[key]; ok {
		return fmt.Errorf("%w: policy engine %q", ErrAlreadyRegistered, key)
	}
	r.engines[key] = factory
	return nil
}

// RegisterScope adds a scope provider constructor under key.
func (r *Registry) RegisterScope(key string, factory ScopeFactory) error {
	key = strings.TrimSpace(key)
	if key == "" || factory == nil {
		return fmt.Errorf("authz: scope key and factory required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scopes[key]; ok {
		return fmt.Errorf("%w: scope provider %q", ErrAlreadyRegistered, key)
	}
	r.scopes[key] = factory
	return nil
}

// RegisterCondition adds a condition evaluator under name.
func (r *Registry) RegisterCondition(name string, ev ConditionEvaluator) error {
	return r.conditions.Register(name, ev)
}

// Conditions exposes the condition registry shared by built engines.
func (r *Registry) Conditions() *ConditionRegistry {
	return r.conditions
}

// Engines lists registered engine keys.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.engines))
	for k := range r.engines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Engine builds the engine registered under key.
func (r *Registry) Engine(key string, deps Deps) (PolicyEngine, error) {
	r.mu.RLock()
	factory, ok := r.engines[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Kind: "policy engine", Key: key}
	}
	if deps.Conditions == nil {
		deps.Conditions = r.conditions
	}
	engine, err := factory(deps)
	if err != nil {
		return nil, fmt.Errorf("authz: build policy engine %q: %w", key, err)
	}
	return engine, nil
}

// Scope builds the scope provider registered under key.
func (r *Registry) Scope(key string, deps Deps) (ScopeProvider, error) {
	r.mu.RLock()
	factory, ok := r.scopes[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Kind: "scope provider", Key: key}
	}
	provider, err := factory(deps)
	if err != nil {
		return nil, fmt.Errorf("authz: build scope provider %q: %w", key, err)
	}
	return provider, nil
}

// Build selects the configured engine and scope provider and wires them
// into a Service. Unknown keys fail with a ConfigurationError.
func (r *Registry) Build(cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	cfg = cfg.WithDefaults()
	deps := Deps{Config: cfg, Conditions: r.conditions, Logger: logger, Metrics: metrics}
	engine, err := r.Engine(cfg.PolicyEngine, deps)
	if err != nil {
		return nil, err
	}
	scopes, err := r.Scope(cfg.ScopeKey(), deps)
	if err != nil {
		return nil, err
	}
	return NewService(engine, scopes, logger, metrics), nil
}
