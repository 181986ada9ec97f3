// Package sqlguard validates and hardens model-generated statements before
// anything touches the database. Statements are rejected, never repaired,
// when they break a safety rule; hardening is limited to scoping and row
// limits.
package sqlguard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"research-copilot/internal/common/config"
	apperrors "research-copilot/internal/common/errors"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/common/metrics"
	"research-copilot/internal/models"
	"research-copilot/internal/pipeline/schema"
)

// Guardrail names, recorded on rejection.
const (
	GuardrailNotSelect        = "not_select"
	GuardrailMultiStatement   = "multiple_statements"
	GuardrailForbiddenKeyword = "forbidden_keyword"
	GuardrailDisallowedTable  = "disallowed_table"
	GuardrailDisallowedColumn = "disallowed_column"
	GuardrailVacuousFilter    = "vacuous_dimension_filter"
	GuardrailMissingDimFilter = "missing_dimension_filter"
)

var (
	forbiddenRe  = regexp.MustCompile(`(?i)\b(insert|update|delete|alter|drop|create|attach|detach|pragma|vacuum|replace|truncate|grant|revoke|copy)\b`)
	tableRefRe   = regexp.MustCompile(`(?i)\b(?:from|join)\s+([a-zA-Z_][a-zA-Z0-9_."]*)`)
	tableAliasRe = regexp.MustCompile(`(?i)\b(?:from|join)\s+([a-zA-Z_][a-zA-Z0-9_."]*)(?:\s+(?:as\s+)?([a-zA-Z_][a-zA-Z0-9_]*))?`)
	boundaryRe   = regexp.MustCompile(`(?i)\b(group\s+by|order\s+by|limit\b|offset\b)`)
	whereRe      = regexp.MustCompile(`(?i)\bwhere\b`)
	limitRe      = regexp.MustCompile(`(?i)\blimit\s+(\d+)`)
	stringLitRe  = regexp.MustCompile(`'(?:[^']|'')*'`)
	identRe      = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*`)
)

// sqlKeywords covers the SQL vocabulary and the functions the generator is
// allowed to use; every other identifier in a statement must be a catalog
// column, the relation, or a declared alias.
var sqlKeywords = map[string]bool{
	"select": true, "distinct": true, "from": true, "where": true,
	"and": true, "or": true, "not": true, "in": true, "is": true,
	"null": true, "like": true, "ilike": true, "between": true, "as": true,
	"on": true, "join": true, "inner": true, "left": true, "right": true,
	"full": true, "outer": true, "cross": true, "group": true, "by": true,
	"order": true, "asc": true, "desc": true, "limit": true, "offset": true,
	"having": true, "case": true, "when": true, "then": true, "else": true,
	"end": true, "exists": true, "cast": true, "true": true, "false": true,
	"nulls": true, "first": true, "last": true, "all": true, "any": true,
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"round": true, "abs": true, "coalesce": true, "nullif": true,
	"lower": true, "upper": true, "length": true, "greatest": true,
	"least": true, "integer": true, "bigint": true, "numeric": true,
	"real": true, "text": true, "float": true, "double": true,
	"precision": true, "date": true, "varchar": true, "char": true,
}

// dimensionValueTerms is question wording that names a concrete slice of the
// universe; a statement answering such a question must carry a real filter
// on one of the mapped dimension columns.
var dimensionValueTerms = []struct {
	re      *regexp.Regexp
	term    string
	columns []string
}{
	{
		re:      regexp.MustCompile(`(?i)\b(europe(an)?|asia(n)?|americas|african?|emea|apac|latam|nordics?|usa|united\s+states|united\s+kingdom|germany|france|switzerland|japan|china|india)\b`),
		term:    "region",
		columns: []string{"region"},
	},
	{
		re:      regexp.MustCompile(`(?i)\b(technology|software|semiconductors?|health\s?care|pharma(ceuticals)?|financials?|bank(s|ing)?|insurance|energy|utilities|industrials?|consumer|retail|materials|telecom(munications)?|real\s+estate|automotive|aerospace|luxury)\b`),
		term:    "sector",
		columns: []string{"sector_level_1", "sector_level_2", "industry"},
	},
}

type Guard struct {
	config  config.SQLConfig
	catalog *schema.Catalog
	logger  logger.Logger
}

func NewGuard(cfg config.SQLConfig, catalog *schema.Catalog, log logger.Logger) *Guard {
	return &Guard{
		config:  cfg,
		catalog: catalog,
		logger: log.WithFields(map[string]interface{}{
			"stage": "sqlguard",
		}),
	}
}

// Validate checks a candidate statement and returns the hardened, approved
// version. Resolved entities are forced into an isin filter so the statement
// can never roam outside the companies the question is about.
func (g *Guard) Validate(candidate models.StructuredQuery, question string, entities []models.ResolvedEntity) (models.StructuredQuery, error) {
	sql := strings.TrimSpace(candidate.RawSQL)

	if guardrail, detail := g.check(sql, question, entities); guardrail != "" {
		metrics.GuardrailRejections.WithLabelValues(guardrail).Inc()
		g.logger.Warn("statement rejected", map[string]interface{}{
			"guardrail": guardrail,
			"detail":    detail,
		})
		return candidate, apperrors.NewUnsafeQueryError(guardrail, detail)
	}

	if len(entities) > 0 {
		sql = injectISINFilter(sql, entities)
	}
	sql = enforceLimit(sql, g.config.MaxLimit)

	approved := candidate
	approved.SQL = sql
	approved.Approved = true
	return approved, nil
}

func (g *Guard) check(sql, question string, entities []models.ResolvedEntity) (guardrail, detail string) {
	lower := strings.ToLower(sql)

	if !strings.HasPrefix(lower, "select") {
		return GuardrailNotSelect, "statement must start with SELECT"
	}
	if strings.Contains(sql, ";") {
		return GuardrailMultiStatement, "statement must not contain a semicolon"
	}
	if m := forbiddenRe.FindString(sql); m != "" {
		return GuardrailForbiddenKeyword, fmt.Sprintf("forbidden keyword %q", strings.ToLower(m))
	}

	refs := tableRefRe.FindAllStringSubmatch(sql, -1)
	if len(refs) == 0 {
		return GuardrailDisallowedTable, "statement references no table"
	}
	for _, ref := range refs {
		if !g.allowedTable(ref[1]) {
			return GuardrailDisallowedTable, fmt.Sprintf("table %q is not allowed", ref[1])
		}
	}
	if ident := g.disallowedColumn(sql); ident != "" {
		return GuardrailDisallowedColumn, fmt.Sprintf("column %q is not in the catalog", ident)
	}

	if col := g.vacuousDimensionFilter(sql); col != "" {
		return GuardrailVacuousFilter, fmt.Sprintf("filter on %q does not constrain it to a value", col)
	}
	if len(entities) == 0 {
		if term := g.missingDimensionFilter(sql, question); term != "" {
			return GuardrailMissingDimFilter, fmt.Sprintf("question names a %s value but the statement does not filter on it", term)
		}
	}
	return "", ""
}

// disallowedColumn scans every identifier in the statement and returns the
// first one that is neither SQL vocabulary, the relation, a declared alias,
// nor a catalog column. String literals are blanked first so quoted values
// never look like identifiers.
func (g *Guard) disallowedColumn(sql string) string {
	stripped := stringLitRe.ReplaceAllString(sql, "''")

	allowed := map[string]bool{strings.ToLower(g.catalog.Relation): true}
	for _, m := range tableAliasRe.FindAllStringSubmatch(stripped, -1) {
		table := strings.ToLower(strings.ReplaceAll(m[1], `"`, ""))
		allowed[table] = true
		if idx := strings.LastIndex(table, "."); idx >= 0 {
			allowed[table[idx+1:]] = true
		}
		if alias := strings.ToLower(m[2]); alias != "" && !sqlKeywords[alias] {
			allowed[alias] = true
		}
	}

	tokens := identRe.FindAllString(stripped, -1)

	// Output aliases introduced with AS are legal in ORDER BY and HAVING.
	prev := ""
	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		if prev == "as" && !strings.Contains(lower, ".") {
			allowed[lower] = true
		}
		prev = lower
	}

	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		if sqlKeywords[lower] || allowed[lower] || g.catalog.HasColumn(lower) {
			continue
		}
		if idx := strings.LastIndex(lower, "."); idx >= 0 {
			qualifier, col := lower[:idx], lower[idx+1:]
			if allowed[qualifier] && g.catalog.HasColumn(col) {
				continue
			}
		}
		return tok
	}
	return ""
}

// missingDimensionFilter reports a dimension the question slices by while
// the statement carries no constraining predicate on any mapped column.
// Company-scoped statements are exempt; the injected isin filter already
// pins them down.
func (g *Guard) missingDimensionFilter(sql, question string) string {
	dims := map[string]bool{}
	for _, col := range g.catalog.Dimensions() {
		dims[col] = true
	}

	for _, entry := range dimensionValueTerms {
		if !entry.re.MatchString(question) {
			continue
		}
		known, filtered := false, false
		for _, col := range entry.columns {
			if !dims[col] {
				continue
			}
			known = true
			if realDimensionFilterRe(col).MatchString(sql) {
				filtered = true
				break
			}
		}
		if known && !filtered {
			return entry.term
		}
	}
	return ""
}

func realDimensionFilterRe(col string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + col + `\s*(=|~|like|ilike)\s*'|\b` + col + `\s+(not\s+)?in\s*\(`)
}

// allowedTable accepts the configured relation, optionally schema-qualified
// or quoted.
func (g *Guard) allowedTable(ref string) bool {
	name := strings.ToLower(strings.ReplaceAll(ref, `"`, ""))
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name == strings.ToLower(g.catalog.Relation)
}

// vacuousDimensionFilter returns a dimension column whose only predicates
// are existence checks. A question that names a region, sector or industry
// must be answered with a statement that actually filters on that value;
// IS NOT NULL or an empty-string comparison silently widens the result to
// the whole universe.
func (g *Guard) vacuousDimensionFilter(sql string) string {
	for _, col := range g.catalog.Dimensions() {
		vacuous := regexp.MustCompile(`(?i)\b` + col + `\s+is\s+not\s+null\b|\b` + col + `\s*(<>|!=)\s*''`)
		if vacuous.MatchString(sql) && !realDimensionFilterRe(col).MatchString(sql) {
			return col
		}
	}
	return ""
}

// injectISINFilter scopes the statement to the resolved companies. The
// filter lands before any GROUP BY, ORDER BY, LIMIT or OFFSET clause,
// AND-appended to an existing WHERE or introducing one.
func injectISINFilter(sql string, entities []models.ResolvedEntity) string {
	quoted := make([]string, len(entities))
	for i, e := range entities {
		quoted[i] = "'" + e.ISIN + "'"
	}
	clause := fmt.Sprintf("isin IN (%s)", strings.Join(quoted, ", "))

	head, tail := sql, ""
	if loc := boundaryRe.FindStringIndex(sql); loc != nil {
		head, tail = sql[:loc[0]], sql[loc[0]:]
	}

	head = strings.TrimRight(head, " \n\t")
	if whereRe.MatchString(head) {
		head = head + " AND " + clause
	} else {
		head = head + " WHERE " + clause
	}
	if tail == "" {
		return head
	}
	return head + " " + tail
}

// enforceLimit appends a LIMIT when the statement has none and clamps an
// oversized one.
func enforceLimit(sql string, max int) string {
	if m := limitRe.FindStringSubmatch(sql); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > max {
			return limitRe.ReplaceAllString(sql, fmt.Sprintf("LIMIT %d", max))
		}
		return sql
	}
	return fmt.Sprintf("%s LIMIT %d", sql, max)
}
