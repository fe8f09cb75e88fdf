package refinement

import (
	"fmt"

	"github.com/Dan9191/loans-finder/internal/analytics"
)

// FindLoansStatement is the prepared statement matching loans to a request.
// Parameters: duration, duration, ltv, ltv, loan type.
const FindLoansStatement = "find_loans"

// DefaultProductsCode names the refined loans catalogue when none is configured.
const DefaultProductsCode = "products"

// Products is the refined loans catalogue under its default code.
var Products = ProductsTable(DefaultProductsCode)

// ProductsTable is the refined loans catalogue: one row per variant with its
// effective rate. The view carries the code and refined tables are prefixed by it.
func ProductsTable(code string) Table {
	return Table{
		Code:        code,
		ViewName:    code,
		TablePrefix: code + "_",
		TransformSQL: `SELECT l.id, l.name, l.type, v.id AS variant_id, r.value + v.spread AS rate,
		v.duration_min, v.duration_max, v.ltv_min, v.ltv_max
	FROM raw_loan_variants v
	JOIN raw_loans l ON l.id = v.loan_id
	JOIN raw_rates r ON r.id = l.rate`,
	}
}

// findLoansSQL matches loans against the view of t.
func findLoansSQL(t Table) string {
	return fmt.Sprintf(`SELECT p.id, p.name, MIN(p.rate) AS rate FROM "%s" p
	WHERE p.duration_min <= ? AND p.duration_max >= ?
		AND p.ltv_min <= ? AND p.ltv_max >= ?
		AND p.type = ?
	GROUP BY p.id, p.name
	ORDER BY MIN(p.rate), p.id`, t.ViewName)
}

// ExternalTables exposes the raw objects written under rawPrefix.
func ExternalTables(rawPrefix string) []analytics.ExternalTable {
	return []analytics.ExternalTable{
		{
			Name:   "raw_loans",
			Prefix: rawPrefix + "loan/",
			Columns: []analytics.Column{
				{Name: "id", Type: analytics.TypeVarchar, Path: "id"},
				{Name: "name", Type: analytics.TypeVarchar, Path: "name"},
				{Name: "type", Type: analytics.TypeVarchar, Path: "type"},
				{Name: "rate", Type: analytics.TypeVarchar, Path: "rate"},
			},
		},
		{
			Name:   "raw_loan_variants",
			Prefix: rawPrefix + "loan_variant/",
			Columns: []analytics.Column{
				{Name: "id", Type: analytics.TypeVarchar, Path: "id"},
				{Name: "loan_id", Type: analytics.TypeVarchar, Path: "loanId"},
				{Name: "spread", Type: analytics.TypeDouble, Path: "spread"},
				{Name: "duration_min", Type: analytics.TypeInteger, Path: "duration.min"},
				{Name: "duration_max", Type: analytics.TypeInteger, Path: "duration.max"},
				{Name: "ltv_min", Type: analytics.TypeDouble, Path: "ltv.min"},
				{Name: "ltv_max", Type: analytics.TypeDouble, Path: "ltv.max"},
			},
		},
		{
			Name:   "raw_rates",
			Prefix: rawPrefix + "rate/",
			Columns: []analytics.Column{
				{Name: "id", Type: analytics.TypeVarchar, Path: "id"},
				{Name: "value", Type: analytics.TypeDouble, Path: "value"},
			},
		},
	}
}

// Register installs the external tables and the statements reading the view of t.
func Register(engine *analytics.Engine, rawPrefix string, t Table) {
	for _, ext := range ExternalTables(rawPrefix) {
		engine.RegisterExternalTable(ext)
	}
	engine.RegisterStatement(FindLoansStatement, findLoansSQL(t))
}
