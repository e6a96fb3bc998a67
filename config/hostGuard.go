package config

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/staysync_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HostGuardPlugin enforces per-host isolation by automatically scoping
// queries/updates/deletes to the request's host_id when the model has a host_id column.
//
// NOTE:
// - This does NOT apply to Raw SQL queries. Those must include host_id manually.
// - Admin/internal bypass is explicit via context flags.
type HostGuardPlugin struct{}

func NewHostGuardPlugin() *HostGuardPlugin { return &HostGuardPlugin{} }

func (p *HostGuardPlugin) Name() string { return "host_guard" }

func (p *HostGuardPlugin) Initialize(db *gorm.DB) error {
	// Query
	if err := db.Callback().Query().Before("gorm:query").Register("host_guard:query", hostGuardCallback); err != nil {
		return err
	}
	// Row (First/Take)
	if err := db.Callback().Row().Before("gorm:row").Register("host_guard:row", hostGuardCallback); err != nil {
		return err
	}
	// Update
	if err := db.Callback().Update().Before("gorm:update").Register("host_guard:update", hostGuardCallback); err != nil {
		return err
	}
	// Delete
	if err := db.Callback().Delete().Before("gorm:delete").Register("host_guard:delete", hostGuardCallback); err != nil {
		return err
	}
	return nil
}

func hostGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	if shouldBypassHostScope(ctx) {
		return
	}
	hostID := hostIdFromContext(ctx)
	if hostID == "" {
		return
	}

	// Only apply if the current model/table includes a host_id column.
	if db.Statement.Schema == nil {
		return
	}
	hasHostID := false
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, "host_id") {
			hasHostID = true
			break
		}
	}
	if !hasHostID {
		return
	}

	// Don't duplicate an explicit host filter.
	if whereHasHostID(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "host_id"},
				Value:  hostID,
			},
		},
	})
}

func hostIdFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyHostId).(string); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassHostScope(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeyIsAdmin).(bool); ok && v {
		return true
	}
	return false
}

func whereHasHostID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasHostID(e) {
			return true
		}
	}
	return false
}

func exprHasHostID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsHostID(v.Column)
	case clause.Neq:
		return colIsHostID(v.Column)
	case clause.IN:
		return colIsHostID(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasHostID(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasHostID(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), "host_id")
	default:
		return false
	}
}

func colIsHostID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "host_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "host_id")
	default:
		return false
	}
}
