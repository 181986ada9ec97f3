// Package compose turns the evidence bundle into the final answer. The
// model writes the prose; the formatting rules live here in code, and a
// deterministic renderer stands in whenever the model cannot deliver.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"research-copilot/internal/common/config"
	"research-copilot/internal/common/genai"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
)

const callSite = "final-composer"

const insufficientEvidenceMessage = "I could not find enough supporting data or research to answer this question reliably."

const quoteMaxChars = 320

var responseSchema = json.RawMessage(`{
	"type": "object",
	"required": ["answer"],
	"additionalProperties": false,
	"properties": {
		"answer": {"type": "string", "minLength": 1}
	}
}`)

// Internal plumbing vocabulary that never belongs in an answer. Sentences
// mentioning it are dropped.
var internalVocabRe = regexp.MustCompile(`(?i)\b(sql|query|queries|database|pipeline|rag|retrieval|intent|guardrail|vector|embedding|schema|llm|prompt)\b`)

var sentenceSplitRe = regexp.MustCompile(`(?s)(.*?[.!?])(?:\s+|$)`)

// Keys preferred when summarizing a structured row, in display order.
var preferredRowKeys = []string{
	"company_name", "ticker", "price", "target_price", "dividend_yield",
	"recommendation", "price_to_earning_current", "market_capitalization",
	"sector_level_1", "region",
}

type Composer struct {
	config    config.ComposerConfig
	completer genai.Completer
	logger    logger.Logger
}

func NewComposer(cfg config.ComposerConfig, completer genai.Completer, log logger.Logger) *Composer {
	return &Composer{
		config:    cfg,
		completer: completer,
		logger: log.WithFields(map[string]interface{}{
			"stage": "compose",
		}),
	}
}

// Compose writes the answer from whatever evidence survived the branches.
// The second return reports whether the deterministic renderer was used.
func (c *Composer) Compose(ctx context.Context, question string, entities []models.ResolvedEntity, evidence models.EvidenceBundle) (models.Answer, bool) {
	if evidence.Empty() {
		return models.Answer{Text: insufficientEvidenceMessage}, false
	}

	sources := collectSources(evidence)

	text, err := c.complete(ctx, question, entities, evidence)
	if err == nil {
		if cleaned := c.enforceContracts(text, entities, evidence); cleaned != "" {
			return models.Answer{Text: cleaned, Sources: sources}, false
		}
		err = fmt.Errorf("model answer was empty after formatting rules")
	}

	c.logger.Warn("falling back to deterministic answer", map[string]interface{}{
		"error": err.Error(),
	})
	fallback := c.enforceLength(c.renderFallback(entities, evidence))
	return models.Answer{Text: fallback, Sources: sources}, true
}

func (c *Composer) complete(ctx context.Context, question string, entities []models.ResolvedEntity, evidence models.EvidenceBundle) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.config.Timeout)*time.Millisecond)
	defer cancel()

	raw, err := c.completer.Complete(callCtx, genai.CompletionRequest{
		CallSite:       callSite,
		Prompt:         c.buildPrompt(question, entities, evidence),
		ResponseSchema: responseSchema,
		MaxTokens:      c.config.MaxTokens,
		Temperature:    0.2,
	})
	if err != nil {
		return "", err
	}

	var parsed struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	return parsed.Answer, nil
}

func (c *Composer) buildPrompt(question string, entities []models.ResolvedEntity, evidence models.EvidenceBundle) string {
	var b strings.Builder
	b.WriteString("You are an equity and macro research assistant. Answer the question using ONLY the evidence below.\n")
	b.WriteString("Plain prose, no markdown tables. Do not mention data systems or how the evidence was gathered.\n")
	b.WriteString("If the evidence does not support an answer, say so.\n\n")

	if len(entities) > 0 {
		b.WriteString("Companies in scope:\n")
		for _, e := range entities {
			fmt.Fprintf(&b, "- %s (%s)\n", e.CompanyName, e.Ticker)
		}
		b.WriteString("\n")
	}

	if evidence.Structured != nil && len(evidence.Structured.Preview) > 0 {
		fmt.Fprintf(&b, "Company data (%d rows total, first %d shown):\n",
			evidence.Structured.RowCount, len(evidence.Structured.Preview))
		for _, row := range evidence.Structured.Preview {
			parts := make([]string, 0, len(row.Columns))
			for _, col := range row.Columns {
				parts = append(parts, fmt.Sprintf("%s=%v", col, row.Values[col]))
			}
			b.WriteString("- ")
			b.WriteString(strings.Join(parts, ", "))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if evidence.Retrieval != nil && len(evidence.Retrieval.Snippets) > 0 {
		b.WriteString("Research excerpts:\n")
		for _, s := range evidence.Retrieval.Snippets {
			fmt.Fprintf(&b, "[%s p.%d] %s\n", s.DocTitle, s.Page, s.Text)
		}
		b.WriteString("\n")
	}

	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\nRespond with a JSON object {\"answer\"}.")
	return b.String()
}

// enforceContracts applies the formatting rules the model cannot be trusted
// with: no internal vocabulary, the required answer structure, bounded
// length.
func (c *Composer) enforceContracts(text string, entities []models.ResolvedEntity, evidence models.EvidenceBundle) string {
	kept := make([]string, 0, 8)
	for _, sentence := range splitSentences(text) {
		if internalVocabRe.MatchString(sentence) {
			continue
		}
		kept = append(kept, sentence)
	}
	prose := strings.TrimSpace(strings.Join(kept, " "))
	if prose == "" {
		return ""
	}
	return c.enforceLength(applyStructure(prose, entities, evidence))
}

// applyStructure wraps the model prose in the guaranteed answer shapes.
// Ranking answers lead with the capped ordered list; company answers lead
// with the snapshot block, the prose becoming the notable points. Both
// blocks are rendered from the evidence, so the structure holds no matter
// what the model wrote.
func applyStructure(prose string, entities []models.ResolvedEntity, evidence models.EvidenceBundle) string {
	if evidence.Structured == nil || len(evidence.Structured.Preview) == 0 {
		return prose
	}
	if len(evidence.Structured.Preview) > 1 {
		return renderRanking(evidence.Structured.Preview) + "\n\n" + prose
	}
	if len(entities) > 0 {
		return renderSnapshot(evidence.Structured.Preview[0]) + "\n\n" + prose
	}
	return prose
}

func (c *Composer) enforceLength(text string) string {
	max := c.config.MaxAnswerChars
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := text[:max]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}

// renderFallback builds a plain deterministic answer straight from the
// evidence.
func (c *Composer) renderFallback(entities []models.ResolvedEntity, evidence models.EvidenceBundle) string {
	var sections []string

	if len(entities) > 0 {
		names := make([]string, 0, len(entities))
		for i, e := range entities {
			if i >= 5 {
				break
			}
			names = append(names, e.CompanyName)
		}
		sections = append(sections, "Companies in focus: "+strings.Join(names, ", ")+".")
	}

	if evidence.Structured != nil && len(evidence.Structured.Preview) > 0 {
		if len(evidence.Structured.Preview) > 1 {
			sections = append(sections, renderRanking(evidence.Structured.Preview))
		} else {
			sections = append(sections, renderSnapshot(evidence.Structured.Preview[0]))
		}
	}

	if evidence.Retrieval != nil && len(evidence.Retrieval.Snippets) > 0 {
		first := evidence.Retrieval.Snippets[0]
		quote := leadingSentences(first.Text, 2, quoteMaxChars)
		line := "From research"
		if first.DocTitle != "" {
			line += " (" + first.DocTitle + ")"
		}
		sections = append(sections, line+": "+quote)
	}

	if len(sections) == 0 {
		return insufficientEvidenceMessage
	}
	return strings.Join(sections, "\n\n")
}

// renderSnapshot summarizes a single row using the preferred keys, up to
// four facts.
func renderSnapshot(row models.Row) string {
	facts := make([]string, 0, 4)
	for _, key := range preferredRowKeys {
		if len(facts) >= 4 {
			break
		}
		if v, ok := row.Values[key]; ok && v != nil && fmt.Sprintf("%v", v) != "" {
			facts = append(facts, fmt.Sprintf("%s: %v", strings.ReplaceAll(key, "_", " "), v))
		}
	}
	if len(facts) == 0 {
		for _, col := range row.Columns {
			if len(facts) >= 4 {
				break
			}
			if v := row.Values[col]; v != nil {
				facts = append(facts, fmt.Sprintf("%s: %v", strings.ReplaceAll(col, "_", " "), v))
			}
		}
	}
	return "Key figures: " + strings.Join(facts, "; ") + "."
}

// renderRanking lists up to five rows as subject plus leading metric.
func renderRanking(rows []models.Row) string {
	var b strings.Builder
	b.WriteString("Top results:\n")
	for i, row := range rows {
		if i >= 5 {
			break
		}
		subject := firstNonEmpty(row, "company_name", "ticker", "isin")
		metric := ""
		for _, col := range row.Columns {
			if col == "company_name" || col == "ticker" || col == "isin" {
				continue
			}
			if v := row.Values[col]; v != nil {
				metric = fmt.Sprintf("%s %v", strings.ReplaceAll(col, "_", " "), v)
				break
			}
		}
		if subject == "" {
			continue
		}
		b.WriteString(fmt.Sprintf("%d. %s", i+1, subject))
		if metric != "" {
			b.WriteString(" - " + metric)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstNonEmpty(row models.Row, keys ...string) string {
	for _, key := range keys {
		if v, ok := row.Values[key]; ok && v != nil {
			if s := fmt.Sprintf("%v", v); s != "" {
				return s
			}
		}
	}
	return ""
}

func collectSources(evidence models.EvidenceBundle) []models.Source {
	if evidence.Retrieval == nil {
		return nil
	}
	return evidence.Retrieval.Sources
}

// splitSentences is intentionally simple; answers are short prose.
func splitSentences(text string) []string {
	matches := sentenceSplitRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	sentences := make([]string, 0, len(matches))
	consumed := 0
	for _, m := range matches {
		sentences = append(sentences, strings.TrimSpace(m[1]))
		consumed += len(m[0])
	}
	if rest := strings.TrimSpace(text[consumed:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// leadingSentences returns the first n sentences capped at max characters.
func leadingSentences(text string, n, max int) string {
	sentences := splitSentences(text)
	if len(sentences) > n {
		sentences = sentences[:n]
	}
	out := strings.Join(sentences, " ")
	if len(out) > max {
		cut := out[:max]
		if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
			cut = cut[:idx]
		}
		out = strings.TrimSpace(cut)
	}
	return out
}
