// Package sqlgen turns a question plus resolved entities into a candidate
// SELECT statement. The output is untrusted until the safety policy approves
// it.
package sqlgen

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"research-copilot/internal/common/config"
	apperrors "research-copilot/internal/common/errors"
	"research-copilot/internal/common/genai"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
	"research-copilot/internal/pipeline/schema"
)

const callSite = "sql-generator"

var responseSchema = json.RawMessage(`{
	"type": "object",
	"required": ["sql"],
	"additionalProperties": false,
	"properties": {
		"sql": {"type": "string", "minLength": 1},
		"notes": {"type": "string"}
	}
}`)

type Generator struct {
	config    config.SQLConfig
	completer genai.Completer
	catalog   *schema.Catalog
	logger    logger.Logger
}

func NewGenerator(cfg config.SQLConfig, completer genai.Completer, catalog *schema.Catalog, log logger.Logger) *Generator {
	return &Generator{
		config:    cfg,
		completer: completer,
		catalog:   catalog,
		logger: log.WithFields(map[string]interface{}{
			"stage": "sqlgen",
		}),
	}
}

// Generate produces one candidate statement. No retries; a failure degrades
// the structured branch.
func (g *Generator) Generate(ctx context.Context, question string, entities []models.ResolvedEntity) (models.StructuredQuery, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(g.config.GenTimeout)*time.Millisecond)
	defer cancel()

	raw, err := g.completer.Complete(callCtx, genai.CompletionRequest{
		CallSite:       callSite,
		Prompt:         g.buildPrompt(question, entities),
		ResponseSchema: responseSchema,
		MaxTokens:      g.config.GenMaxTokens,
		Temperature:    0,
	})
	if err != nil {
		return models.StructuredQuery{}, apperrors.NewSQLGenerationFailedError(err)
	}

	var parsed struct {
		SQL   string `json:"sql"`
		Notes string `json:"notes"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return models.StructuredQuery{}, apperrors.NewSQLGenerationFailedError(err)
	}

	sql := CleanStatement(parsed.SQL)
	g.logger.Debug("generated candidate statement", map[string]interface{}{
		"chars": len(sql),
	})
	return models.StructuredQuery{RawSQL: sql, Notes: parsed.Notes}, nil
}

func (g *Generator) buildPrompt(question string, entities []models.ResolvedEntity) string {
	var b strings.Builder
	b.WriteString("You write a single PostgreSQL SELECT statement to answer an equity research question.\n\n")
	b.WriteString(g.catalog.PromptContext())
	b.WriteString("\nRules:\n")
	b.WriteString("- SELECT only, one statement, no comments.\n")
	b.WriteString("- Query only the table above.\n")
	b.WriteString("- When filtering by region, sector_level_1, sector_level_2 or industry, filter on an actual value taken from the question.\n")

	if len(entities) > 0 {
		b.WriteString("\nResolved companies (filter by isin):\n")
		for _, e := range entities {
			b.WriteString("- ")
			b.WriteString(e.CompanyName)
			b.WriteString(" | ")
			b.WriteString(e.Ticker)
			b.WriteString(" | ")
			b.WriteString(e.ISIN)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nQuestion: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\nRespond with a JSON object {\"sql\", \"notes\"}.")
	return b.String()
}

// CleanStatement strips markdown fences and trailing semicolons from a
// model-produced statement.
func CleanStatement(sql string) string {
	s := strings.TrimSpace(sql)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.Index(s, "\n"); idx >= 0 {
			first := strings.TrimSpace(s[:idx])
			if strings.EqualFold(first, "sql") || first == "" {
				s = s[idx+1:]
			}
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	s = strings.TrimSpace(s)
	for strings.HasSuffix(s, ";") {
		s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	}
	return s
}
