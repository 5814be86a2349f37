package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ScopeLevel names the kind of row-level restriction a DataScope applies.
type ScopeLevel string

// Built-in scope levels.
const (
	ScopeNone      ScopeLevel = "none"
	ScopeOwnership ScopeLevel = "ownership"
	ScopeTenant    ScopeLevel = "tenant"
)

// DataScope restricts rows to those whose field holds one of the allowed
// values. A field mapped to an empty list matches no rows.
type DataScope struct {
	Level   ScopeLevel
	Filters map[string][]any
}

// Unconstrained returns a scope that leaves queries untouched.
func Unconstrained() DataScope {
	return DataScope{Level: ScopeNone}
}

// IsUnconstrained reports whether the scope carries no filters.
func (s DataScope) IsUnconstrained() bool {
	return len(s.Filters) == 0
}

// Fields returns the filtered field names in sorted order.
func (s DataScope) Fields() []string {
	fields := make([]string, 0, len(s.Filters))
	for f := range s.Filters {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Model describes a table scopes may be applied to.
type Model struct {
	Name    string
	Table   string
	Columns []string
}

// HasColumn reports whether the model exposes column.
func (m Model) HasColumn(column string) bool {
	for _, c := range m.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// Query is an immutable SELECT over one table with IN-list filters. Every
// method returns a new value; filters on the same column intersect, so a
// query can only ever be narrowed.
type Query struct {
	table   string
	columns []string
	filters []queryFilter
	orderBy string
	limit   int
	offset  int
}

type queryFilter struct {
	column string
	values []any
}

// NewQuery starts a query over table selecting columns (all when empty).
func NewQuery(table string, columns ...string) Query {
	return Query{table: table, columns: append([]string(nil), columns...)}
}

// Table returns the queried table.
func (q Query) Table() string { return q.table }

// Where narrows the query to rows whose column holds one of values. Calling
// it with no values matches nothing.
func (q Query) Where(column string, values ...any) Query {
	out := q.clone()
	values = dedupe(values)
	for i, f := range out.filters {
		if f.column == column {
			out.filters[i] = queryFilter{column: column, values: intersect(f.values, values)}
			return out
		}
	}
	out.filters = append(out.filters, queryFilter{column: column, values: values})
	sort.Slice(out.filters, func(i, j int) bool { return out.filters[i].column < out.filters[j].column })
	return out
}

// Select replaces the selected columns.
func (q Query) Select(columns ...string) Query {
	out := q.clone()
	out.columns = append([]string(nil), columns...)
	return out
}

// OrderBy sets the ORDER BY expression.
func (q Query) OrderBy(column string) Query {
	out := q.clone()
	out.orderBy = column
	return out
}

// Page applies LIMIT and OFFSET.
func (q Query) Page(limit, offset int) Query {
	out := q.clone()
	out.limit = limit
	out.offset = offset
	return out
}

// Window returns the LIMIT and OFFSET set by Page; zero means unset.
func (q Query) Window() (limit, offset int) {
	return q.limit, q.offset
}

// Filters returns a copy of the current column filters.
func (q Query) Filters() map[string][]any {
	out := make(map[string][]any, len(q.filters))
	for _, f := range q.filters {
		out[f.column] = append([]any(nil), f.values...)
	}
	return out
}

// Match evaluates the filters against an in-memory row keyed by column.
// A filtered column missing from row never matches.
func (q Query) Match(row map[string]any) bool {
	for _, f := range q.filters {
		v, ok := row[f.column]
		if !ok {
			return false
		}
		found := false
		for _, want := range f.values {
			if valueKey(want) == valueKey(v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SQL renders the query with PostgreSQL positional arguments.
func (q Query) SQL() (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(q.columns) == 0 {
		b.WriteString("*")
	} else {
		for i, c := range q.columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(c))
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(q.table))
	var args []any
	for i, f := range q.filters {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		if len(f.values) == 0 {
			b.WriteString("FALSE")
			continue
		}
		b.WriteString(quoteIdent(f.column))
		b.WriteString(" IN (")
		for j, v := range f.values {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, v)
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteString(")")
	}
	if q.orderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(quoteIdent(q.orderBy))
	}
	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	if q.offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.offset)
	}
	return b.String(), args
}

func (q Query) clone() Query {
	out := q
	out.columns = append([]string(nil), q.columns...)
	out.filters = make([]queryFilter, len(q.filters))
	for i, f := range q.filters {
		out.filters[i] = queryFilter{column: f.column, values: append([]any(nil), f.values...)}
	}
	return out
}

func quoteIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func valueKey(v any) string {
	return fmt.Sprintf("%T/%v", v, v)
}

func dedupe(values []any) []any {
	seen := make(map[string]struct{}, len(values))
	out := make([]any, 0, len(values))
	for _, v := range values {
		k := valueKey(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

func intersect(current, next []any) []any {
	allowed := make(map[string]struct{}, len(next))
	for _, v := range next {
		allowed[valueKey(v)] = struct{}{}
	}
	out := make([]any, 0, len(current))
	for _, v := range current {
		if _, ok := allowed[valueKey(v)]; ok {
			out = append(out, v)
		}
	}
	return out
}

// ApplyScope narrows q by every filter in scope. The model must own the
// queried table and expose every filtered field.
func ApplyScope(q Query, scope DataScope, m Model) (Query, error) {
	if scope.IsUnconstrained() {
		return q, nil
	}
	if m.Table == "" || (q.table != "" && q.table != m.Table) {
		return q, &ScopeApplicationError{Model: m.Name}
	}
	for _, field := range scope.Fields() {
		if !m.HasColumn(field) {
			return q, &ScopeApplicationError{Model: m.Name, Field: field}
		}
	}
	out := q
	for _, field := range scope.Fields() {
		out = out.Where(field, scope.Filters[field]...)
	}
	return out, nil
}

// ScopeProvider maps an actor to the rows it may see.
type ScopeProvider interface {
	Scope(ctx context.Context, actor *Actor, resourceType, action string) (DataScope, error)
	Apply(q Query, scope DataScope, m Model) (Query, error)
}

type queryApplier struct{}

func (queryApplier) Apply(q Query, scope DataScope, m Model) (Query, error) {
	return ApplyScope(q, scope, m)
}

// NoScope never restricts rows.
type NoScope struct{ queryApplier }

// Scope returns an unconstrained scope.
func (NoScope) Scope(context.Context, *Actor, string, string) (DataScope, error) {
	return Unconstrained(), nil
}

// OwnershipScope limits rows to those owned by the actor.
type OwnershipScope struct {
	queryApplier
	Field string
}

// NewOwnershipScope builds an OwnershipScope filtering on field (owner_id by default).
func NewOwnershipScope(field string) OwnershipScope {
	if field == "" {
		field = "owner_id"
	}
	return OwnershipScope{Field: field}
}

// Scope constrains Field to the actor's ID.
func (s OwnershipScope) Scope(_ context.Context, actor *Actor, _, _ string) (DataScope, error) {
	if actor != nil && actor.IsAdmin {
		return Unconstrained(), nil
	}
	scope := DataScope{Level: ScopeOwnership, Filters: map[string][]any{s.Field: {}}}
	if actor.Authenticated() {
		scope.Filters[s.Field] = []any{actor.ID}
	}
	return scope, nil
}

// TenantScope limits rows to the actor's tenants.
type TenantScope struct {
	queryApplier
	Field string
}

// NewTenantScope builds a TenantScope filtering on field (tenant_id by default).
func NewTenantScope(field string) TenantScope {
	if field == "" {
		field = "tenant_id"
	}
	return TenantScope{Field: field}
}

// Scope constrains Field to every tenant the actor belongs to.
func (s TenantScope) Scope(_ context.Context, actor *Actor, _, _ string) (DataScope, error) {
	if actor != nil && actor.IsAdmin {
		return Unconstrained(), nil
	}
	tenants := actor.TenantIDs()
	values := make([]any, 0, len(tenants))
	for _, id := range tenants {
		values = append(values, id)
	}
	return DataScope{Level: ScopeTenant, Filters: map[string][]any{s.Field: values}}, nil
}
