package authz

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormScope adapts a DataScope to gorm's Scopes chain. A field the model
// does not expose adds a ScopeApplicationError to the statement.
func GormScope(scope DataScope, m Model) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if scope.IsUnconstrained() {
			return db
		}
		for _, field := range scope.Fields() {
			if !m.HasColumn(field) {
				_ = db.AddError(&ScopeApplicationError{Model: m.Name, Field: field})
				return db
			}
		}
		for _, field := range scope.Fields() {
			values := scope.Filters[field]
			if len(values) == 0 {
				db = db.Where(clause.Expr{SQL: "1 = 0"})
				continue
			}
			db = db.Where(clause.IN{Column: clause.Column{Name: field}, Values: values})
		}
		return db
	}
}
