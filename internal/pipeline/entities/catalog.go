// Package entities resolves company mentions in a question against the
// coverage universe.
package entities

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"research-copilot/internal/common/logger"
)

// CompanyRecord is one coverage-universe company.
type CompanyRecord struct {
	ISIN   string
	Ticker string
	Name   string
}

// Catalog indexes the coverage universe for resolution. Built once at
// startup; reads are lock-free.
type Catalog struct {
	records  []CompanyRecord
	byISIN   map[string]*CompanyRecord
	byTicker map[string]*CompanyRecord
	byAlias  map[string]*CompanyRecord
}

// corporate suffixes dropped when generating name aliases
var suffixTokens = map[string]bool{
	"inc": true, "incorporated": true, "corp": true, "corporation": true,
	"plc": true, "ag": true, "sa": true, "nv": true, "se": true, "spa": true,
	"ab": true, "asa": true, "oyj": true, "ltd": true, "limited": true,
	"co": true, "company": true, "group": true, "holding": true, "holdings": true,
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9 ]+`)
var spacesRe = regexp.MustCompile(`\s+`)

// LoadCatalog reads the coverage universe from the equities relation.
func LoadCatalog(ctx context.Context, db *sql.DB, relation string, log logger.Logger) (*Catalog, error) {
	query := fmt.Sprintf(`SELECT isin, ticker, company_name FROM %s WHERE isin IS NOT NULL`, relation)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load coverage universe: %w", err)
	}
	defer rows.Close()

	var records []CompanyRecord
	for rows.Next() {
		var rec CompanyRecord
		var ticker, name sql.NullString
		if err := rows.Scan(&rec.ISIN, &ticker, &name); err != nil {
			return nil, fmt.Errorf("scan coverage row: %w", err)
		}
		rec.ISIN = strings.ToUpper(strings.TrimSpace(rec.ISIN))
		rec.Ticker = strings.ToUpper(strings.TrimSpace(ticker.String))
		rec.Name = strings.TrimSpace(name.String)
		if rec.ISIN == "" {
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coverage rows: %w", err)
	}

	cat := NewCatalog(records)
	log.Info("loaded coverage universe", map[string]interface{}{
		"companies": len(records),
		"aliases":   len(cat.byAlias),
	})
	return cat, nil
}

// NewCatalog builds the lookup indexes from records.
func NewCatalog(records []CompanyRecord) *Catalog {
	cat := &Catalog{
		records:  records,
		byISIN:   make(map[string]*CompanyRecord, len(records)),
		byTicker: make(map[string]*CompanyRecord),
		byAlias:  make(map[string]*CompanyRecord),
	}
	for i := range cat.records {
		rec := &cat.records[i]
		cat.byISIN[rec.ISIN] = rec

		for _, v := range tickerVariants(rec.Ticker) {
			if _, taken := cat.byTicker[v]; !taken {
				cat.byTicker[v] = rec
			}
		}
		for _, a := range nameAliases(rec.Name) {
			if _, taken := cat.byAlias[a]; !taken {
				cat.byAlias[a] = rec
			}
		}
	}
	return cat
}

// Size returns the number of companies in the universe.
func (c *Catalog) Size() int {
	return len(c.records)
}

// ByISIN looks up an exact ISIN.
func (c *Catalog) ByISIN(isin string) (*CompanyRecord, bool) {
	rec, ok := c.byISIN[strings.ToUpper(isin)]
	return rec, ok
}

// ByTicker looks up a ticker or one of its variants.
func (c *Catalog) ByTicker(ticker string) (*CompanyRecord, bool) {
	rec, ok := c.byTicker[strings.ToUpper(ticker)]
	return rec, ok
}

// ByAlias looks up an exact normalized name alias.
func (c *Catalog) ByAlias(alias string) (*CompanyRecord, bool) {
	rec, ok := c.byAlias[normalizeText(alias)]
	return rec, ok
}

// Aliases exposes the alias index for fuzzy scanning.
func (c *Catalog) Aliases() map[string]*CompanyRecord {
	return c.byAlias
}

// tickerVariants generates the lookup keys for a ticker: the full symbol,
// its first whitespace token, and the symbol with an exchange dot suffix
// stripped.
func tickerVariants(ticker string) []string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if t == "" {
		return nil
	}
	seen := map[string]bool{t: true}
	variants := []string{t}
	if first := strings.Fields(t); len(first) > 1 {
		if !seen[first[0]] {
			seen[first[0]] = true
			variants = append(variants, first[0])
		}
	}
	if idx := strings.Index(t, "."); idx > 0 {
		base := t[:idx]
		if !seen[base] {
			variants = append(variants, base)
		}
	}
	return variants
}

// nameAliases generates normalized aliases for a company name: the full
// normalized name plus every prefix obtained by stripping trailing corporate
// suffixes and single-letter legal-form fragments such as the "a s" left by
// "A/S".
func nameAliases(name string) []string {
	norm := normalizeText(name)
	if norm == "" {
		return nil
	}
	aliases := []string{norm}

	tokens := strings.Fields(norm)
	for len(tokens) > 1 {
		last := tokens[len(tokens)-1]
		if !suffixTokens[last] && len(last) > 1 {
			break
		}
		tokens = tokens[:len(tokens)-1]
		aliases = append(aliases, strings.Join(tokens, " "))
	}
	return aliases
}

// normalizeText lowercases, drops punctuation and collapses whitespace.
func normalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlnumRe.ReplaceAllString(s, " ")
	s = spacesRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
