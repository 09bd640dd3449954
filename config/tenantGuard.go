package config

import (
	"context"
	"strings"

	"github.com/mmdatafocus/resto_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// TenantGuardPlugin scopes every query, row lookup, update and delete to
// the request's business_id whenever the model carries a business_id
// column. Fiscal rows (queue entries, audit logs, device profiles,
// closings, sessions) are all tenant-owned, so a query that forgets its
// WHERE clause must never leak another tenant's data.
//
// Raw SQL bypasses gorm callbacks and must filter by business_id itself.
// Platform admins and internal jobs opt out through context flags.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", applyTenantScope); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", applyTenantScope); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", applyTenantScope); err != nil {
		return err
	}
	return db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", applyTenantScope)
}

func applyTenantScope(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil {
		return
	}
	ctx := db.Statement.Context
	if tenantScopeBypassed(ctx) {
		return
	}
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return
	}
	if !modelHasTenantColumn(db.Statement.Schema) {
		return
	}
	// An explicit tenant filter in the query wins; don't stack a second one.
	if where, ok := db.Statement.Clauses["WHERE"].Expression.(clause.Where); ok {
		for _, expr := range where.Exprs {
			if mentionsTenantColumn(expr) {
				return
			}
		}
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "business_id"},
				Value:  businessId,
			},
		},
	})
}

func tenantScopeBypassed(ctx context.Context) bool {
	if skip, ok := utils.GetSkipTenantScopeFromContext(ctx); ok && skip {
		return true
	}
	admin, ok := utils.GetIsAdminFromContext(ctx)
	return ok && admin
}

func modelHasTenantColumn(s *schema.Schema) bool {
	if s == nil {
		return false
	}
	for _, f := range s.Fields {
		if strings.EqualFold(f.DBName, "business_id") {
			return true
		}
	}
	return false
}

// mentionsTenantColumn walks a where expression looking for any condition
// on business_id, including inside nested AND/OR groups and raw SQL.
func mentionsTenantColumn(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return isTenantColumn(v.Column)
	case clause.Neq:
		return isTenantColumn(v.Column)
	case clause.Gt:
		return isTenantColumn(v.Column)
	case clause.Gte:
		return isTenantColumn(v.Column)
	case clause.Lt:
		return isTenantColumn(v.Column)
	case clause.Lte:
		return isTenantColumn(v.Column)
	case clause.IN:
		return isTenantColumn(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if mentionsTenantColumn(x) {
				return true
			}
		}
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if mentionsTenantColumn(x) {
				return true
			}
		}
	case clause.Expr:
		return strings.Contains(strings.ToLower(v.SQL), "business_id")
	}
	return false
}

func isTenantColumn(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "business_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "business_id")
	}
	return false
}
