package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Actor is the authenticated principal. It is built once per request by the
// authentication layer and must not be mutated afterwards.
type Actor struct {
	ID      uuid.UUID
	IsAdmin bool
	// TenantID is the actor's primary tenant; Tenants lists additional ones.
	TenantID uuid.UUID
	Tenants  []uuid.UUID
	// Permissions is the static permission list consulted by the simple engine.
	Permissions []string
	Attributes  map[string]any

	grants atomic.Pointer[PermissionSet]
}

// Authenticated reports whether the actor carries an identity.
func (a *Actor) Authenticated() bool {
	return a != nil && a.ID != uuid.Nil
}

// PermissionSet returns Permissions split for matching. The split is done on
// first use and kept, so Permissions must not change afterwards.
func (a *Actor) PermissionSet() PermissionSet {
	if a == nil {
		return NewPermissionSet()
	}
	if set := a.grants.Load(); set != nil {
		return *set
	}
	set := NewPermissionSet(a.Permissions...)
	a.grants.Store(&set)
	return set
}

// TenantIDs returns every tenant the actor belongs to, primary first.
func (a *Actor) TenantIDs() []uuid.UUID {
	if a == nil {
		return nil
	}
	out := make([]uuid.UUID, 0, len(a.Tenants)+1)
	seen := make(map[uuid.UUID]struct{}, len(a.Tenants)+1)
	add := func(id uuid.UUID) {
		if id == uuid.Nil {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(a.TenantID)
	for _, id := range a.Tenants {
		add(id)
	}
	return out
}

// Attr returns a typed core field or an entry of the attribute bag.
func (a *Actor) Attr(name string) (any, bool) {
	if a == nil {
		return nil, false
	}
	switch name {
	case "id":
		return a.ID, true
	case "is_admin":
		return a.IsAdmin, true
	case "tenant_id":
		if a.TenantID == uuid.Nil {
			return nil, false
		}
		return a.TenantID, true
	}
	v, ok := a.Attributes[name]
	return v, ok
}

// Resource is the entity an action targets. Typed fields cover what the
// built-in conditions and scope matching need; Attributes carries the rest
// (amount, status, project_id, ...).
type Resource struct {
	Type       string
	ID         uuid.UUID
	OwnerID    uuid.UUID
	CreatorID  uuid.UUID
	TenantID   uuid.UUID
	Attributes map[string]any
}

// Attr returns a typed core field or an entry of the attribute bag.
func (r *Resource) Attr(name string) (any, bool) {
	if r == nil {
		return nil, false
	}
	switch name {
	case "id":
		return r.ID, r.ID != uuid.Nil
	case "type":
		return r.Type, r.Type != ""
	case "owner_id":
		return r.OwnerID, r.OwnerID != uuid.Nil
	case "creator_id":
		return r.CreatorID, r.CreatorID != uuid.Nil
	case "tenant_id":
		return r.TenantID, r.TenantID != uuid.Nil
	}
	v, ok := r.Attributes[name]
	return v, ok
}

// ScopeID resolves the identifier of the entity of kind scopeType that this
// resource belongs to: its own ID when the types match, otherwise the
// "<scopeType>_id" attribute.
func (r *Resource) ScopeID(scopeType string) (uuid.UUID, bool) {
	if r == nil || scopeType == "" {
		return uuid.Nil, false
	}
	if strings.EqualFold(r.Type, scopeType) && r.ID != uuid.Nil {
		return r.ID, true
	}
	v, ok := r.Attr(scopeType + "_id")
	if !ok {
		return uuid.Nil, false
	}
	return asUUID(v)
}

// ScopeKey is a deterministic fingerprint of every scope the resource can be
// matched against. Two resources with equal keys resolve the same scoped
// role assignments.
func (r *Resource) ScopeKey() string {
	if r == nil {
		return "global"
	}
	parts := make([]string, 0, len(r.Attributes)+3)
	if r.Type != "" && r.ID != uuid.Nil {
		parts = append(parts, strings.ToLower(r.Type)+"="+r.ID.String())
	}
	if r.TenantID != uuid.Nil {
		parts = append(parts, "tenant="+r.TenantID.String())
	}
	for k, v := range r.Attributes {
		if !strings.HasSuffix(k, "_id") {
			continue
		}
		id, ok := asUUID(v)
		if !ok {
			continue
		}
		parts = append(parts, strings.TrimSuffix(k, "_id")+"="+id.String())
	}
	if len(parts) == 0 {
		return "global"
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func asUUID(v any) (uuid.UUID, bool) {
	switch val := v.(type) {
	case uuid.UUID:
		return val, val != uuid.Nil
	case *uuid.UUID:
		if val == nil {
			return uuid.Nil, false
		}
		return *val, *val != uuid.Nil
	case string:
		id, err := uuid.Parse(val)
		if err != nil {
			return uuid.Nil, false
		}
		return id, id != uuid.Nil
	case fmt.Stringer:
		id, err := uuid.Parse(val.String())
		if err != nil {
			return uuid.Nil, false
		}
		return id, id != uuid.Nil
	default:
		return uuid.Nil, false
	}
}

type actorContextKey struct{}

// ContextWithActor stores the authenticated actor in ctx.
func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor stored by ContextWithActor.
func ActorFromContext(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorContextKey{}).(*Actor)
	return actor
}
