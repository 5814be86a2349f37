package authz

import "time"

// Config selects the engine and scope provider. It is read once at startup.
type Config struct {
	PolicyEngine  string        `envconfig:"POLICY_ENGINE" default:"simple"`
	ScopeProvider string        `envconfig:"SCOPE_PROVIDER"`
	MultiTenant   bool          `envconfig:"MULTI_TENANT" default:"false"`
	TenantField   string        `envconfig:"TENANT_FIELD" default:"tenant_id"`
	OwnerField    string        `envconfig:"OWNER_FIELD" default:"owner_id"`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL" default:"5m"`
}

// DefaultCacheTTL bounds how long resolved RBAC permissions are memoized.
const DefaultCacheTTL = 5 * time.Minute

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.PolicyEngine == "" {
		c.PolicyEngine = "simple"
	}
	if c.TenantField == "" {
		c.TenantField = "tenant_id"
	}
	if c.OwnerField == "" {
		c.OwnerField = "owner_id"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

// ScopeKey resolves the scope provider key, preferring tenant scoping when
// multi-tenancy is on and nothing was chosen explicitly.
func (c Config) ScopeKey() string {
	if c.ScopeProvider != "" {
		return c.ScopeProvider
	}
	if c.MultiTenant {
		return string(ScopeTenant)
	}
	return string(ScopeNone)
}
