// Package schema describes the equities relation the structured branch
// queries. The catalog is loaded once at startup; statement generation and
// guardrails both consult it.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"research-copilot/internal/common/logger"
)

// ColumnSpec is one column of the equities relation with a short description
// used in the statement-generation prompt.
type ColumnSpec struct {
	Name        string
	Description string
}

// Dimension columns a question can name a value for. A filter on one of
// these must actually constrain it.
var DimensionColumns = []string{"region", "sector_level_1", "sector_level_2", "industry"}

// defaultColumns mirrors the research data model. Used when the live catalog
// cannot be read, and as the source of prompt descriptions either way.
var defaultColumns = []ColumnSpec{
	{Name: "isin", Description: "canonical company identifier"},
	{Name: "ticker", Description: "exchange ticker symbol"},
	{Name: "company_name", Description: "official company name"},
	{Name: "company_description", Description: "business description"},
	{Name: "investment_case_positive", Description: "bull case summary"},
	{Name: "investment_case_negative", Description: "bear case summary"},
	{Name: "swot_analysis", Description: "strengths, weaknesses, opportunities, threats"},
	{Name: "esg_analysis", Description: "environmental, social and governance notes"},
	{Name: "recommendation", Description: "analyst recommendation label"},
	{Name: "recommendation_date", Description: "date of the recommendation"},
	{Name: "focus_list_member", Description: "whether the stock is on the focus list"},
	{Name: "focus_list_date", Description: "date added to the focus list"},
	{Name: "currency", Description: "trading currency"},
	{Name: "price", Description: "latest price"},
	{Name: "price_date", Description: "date of the latest price"},
	{Name: "target_price", Description: "analyst target price"},
	{Name: "target_price_ratio", Description: "target price upside ratio"},
	{Name: "target_price_date", Description: "date of the target price"},
	{Name: "price_52w_high", Description: "52 week high"},
	{Name: "price_52w_low", Description: "52 week low"},
	{Name: "dividend_yield", Description: "dividend yield"},
	{Name: "beta", Description: "beta versus the market"},
	{Name: "average_daily_shares_traded", Description: "average daily volume"},
	{Name: "market_capitalization", Description: "market capitalization"},
	{Name: "free_cash_flow_to_sales", Description: "free cash flow to sales ratio"},
	{Name: "earning_per_share_current", Description: "current fiscal year EPS estimate"},
	{Name: "earning_per_share_next", Description: "next fiscal year EPS estimate"},
	{Name: "price_to_earning_current", Description: "current fiscal year P/E"},
	{Name: "price_to_earning_next", Description: "next fiscal year P/E"},
	{Name: "region", Description: "geographic region"},
	{Name: "sector_level_1", Description: "top level sector"},
	{Name: "sector_level_2", Description: "sub sector"},
	{Name: "industry", Description: "industry classification"},
}

// Catalog is the set of known columns for the equities relation.
type Catalog struct {
	Relation string
	columns  []ColumnSpec
	byName   map[string]ColumnSpec
}

// NewStatic builds a catalog from the built-in column list.
func NewStatic(relation string) *Catalog {
	return newCatalog(relation, defaultColumns)
}

func newCatalog(relation string, cols []ColumnSpec) *Catalog {
	byName := make(map[string]ColumnSpec, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}
	return &Catalog{Relation: relation, columns: cols, byName: byName}
}

// Load reads the live column list from information_schema and intersects it
// with the built-in descriptions. Columns the data model does not describe
// still become members so guardrails do not reject live schema drift.
func Load(ctx context.Context, db *sql.DB, relation string, log logger.Logger) (*Catalog, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`,
		relation,
	)
	if err != nil {
		return nil, fmt.Errorf("load catalog for %s: %w", relation, err)
	}
	defer rows.Close()

	static := NewStatic(relation)
	var cols []ColumnSpec
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		if spec, ok := static.byName[name]; ok {
			cols = append(cols, spec)
		} else {
			cols = append(cols, ColumnSpec{Name: name})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog rows: %w", err)
	}

	if len(cols) == 0 {
		log.Warn("relation not found in information_schema, using built-in catalog", map[string]interface{}{
			"relation": relation,
		})
		return static, nil
	}

	log.Info("loaded live catalog", map[string]interface{}{
		"relation": relation,
		"columns":  len(cols),
	})
	return newCatalog(relation, cols), nil
}

// HasColumn reports whether name is a known column.
func (c *Catalog) HasColumn(name string) bool {
	_, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Columns returns the column names in catalog order.
func (c *Catalog) Columns() []string {
	names := make([]string, len(c.columns))
	for i, col := range c.columns {
		names[i] = col.Name
	}
	return names
}

// PromptContext renders the catalog as prompt lines for statement
// generation.
func (c *Catalog) PromptContext() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table %q columns:\n", c.Relation)
	for _, col := range c.columns {
		if col.Description != "" {
			fmt.Fprintf(&b, "- %s: %s\n", col.Name, col.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", col.Name)
		}
	}
	return b.String()
}

// Dimensions returns the dimension columns present in this catalog, sorted.
func (c *Catalog) Dimensions() []string {
	var dims []string
	for _, d := range DimensionColumns {
		if c.HasColumn(d) {
			dims = append(dims, d)
		}
	}
	sort.Strings(dims)
	return dims
}
