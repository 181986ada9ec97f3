package compose

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"research-copilot/internal/common/config"
	"research-copilot/internal/common/genai"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

type stubCompleter struct {
	answer  string
	err     error
	lastReq genai.CompletionRequest
}

func (s *stubCompleter) Complete(ctx context.Context, req genai.CompletionRequest) (json.RawMessage, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	payload, _ := json.Marshal(map[string]string{"answer": s.answer})
	return payload, nil
}

func createTestComposer(t *testing.T, completer genai.Completer) *Composer {
	cfg := config.ComposerConfig{MaxAnswerChars: 3000, MaxTokens: 900, Timeout: 2000}
	return NewComposer(cfg, completer, logger.NewZapAdapter(zaptest.NewLogger(t)))
}

func structuredEvidence(rows ...models.Row) models.EvidenceBundle {
	return models.EvidenceBundle{
		Structured: &models.StructuredResult{Preview: rows, RowCount: len(rows)},
		UsedSQL:    true,
	}
}

func snippetEvidence(snippets ...models.Snippet) models.EvidenceBundle {
	return models.EvidenceBundle{
		Retrieval: &models.RetrievalResult{
			Snippets: snippets,
			Sources:  []models.Source{{DocID: "doc-1", DocTitle: "Macro Note", Pages: []int{3}}},
		},
		UsedRAG: true,
	}
}

func row(values map[string]interface{}, columns ...string) models.Row {
	return models.Row{Columns: columns, Values: values}
}

var appleEntity = []models.ResolvedEntity{
	{ISIN: "US0378331005", Ticker: "AAPL", CompanyName: "Apple Inc"},
}

// ==========================
// Composition Tests
// ==========================

func TestComposer_Compose_ModelAnswer(t *testing.T) {
	stub := &stubCompleter{answer: "Apple trades at 210.5 with a target of 250. Analysts remain positive."}
	composer := createTestComposer(t, stub)

	evidence := structuredEvidence(row(
		map[string]interface{}{"company_name": "Apple Inc", "price": 210.5},
		"company_name", "price",
	))

	answer, usedFallback := composer.Compose(context.Background(), "What is Apple's price?", appleEntity, evidence)
	assert.False(t, usedFallback)
	assert.Equal(t,
		"Key figures: company name: Apple Inc; price: 210.5.\n\nApple trades at 210.5 with a target of 250. Analysts remain positive.",
		answer.Text)
	assert.Contains(t, stub.lastReq.Prompt, "company_name=Apple Inc")
}

func TestComposer_Compose_EmptyEvidence(t *testing.T) {
	stub := &stubCompleter{answer: "should never be called"}
	composer := createTestComposer(t, stub)

	answer, usedFallback := composer.Compose(context.Background(), "anything", nil, models.EvidenceBundle{})
	assert.False(t, usedFallback)
	assert.Equal(t, insufficientEvidenceMessage, answer.Text)
	assert.Empty(t, stub.lastReq.Prompt)
}

func TestComposer_Compose_ScrubsInternalVocabulary(t *testing.T) {
	stub := &stubCompleter{answer: "Apple's dividend yield is 0.5%. The SQL query returned 3 rows. The outlook is stable."}
	composer := createTestComposer(t, stub)

	evidence := structuredEvidence(row(
		map[string]interface{}{"company_name": "Apple Inc", "dividend_yield": 0.5},
		"company_name", "dividend_yield",
	))

	answer, usedFallback := composer.Compose(context.Background(), "dividend yield?", appleEntity, evidence)
	assert.False(t, usedFallback)
	assert.NotContains(t, strings.ToLower(answer.Text), "sql")
	assert.Contains(t, answer.Text, "Apple's dividend yield is 0.5%. The outlook is stable.")
	assert.NotContains(t, answer.Text, "returned 3 rows")
}

func TestComposer_Compose_AllSentencesScrubbed_FallsBack(t *testing.T) {
	stub := &stubCompleter{answer: "The SQL query against the database pipeline worked."}
	composer := createTestComposer(t, stub)

	evidence := structuredEvidence(row(
		map[string]interface{}{"company_name": "Apple Inc", "price": 210.5},
		"company_name", "price",
	))

	answer, usedFallback := composer.Compose(context.Background(), "price?", appleEntity, evidence)
	assert.True(t, usedFallback)
	assert.Contains(t, answer.Text, "Apple Inc")
	assert.NotContains(t, strings.ToLower(answer.Text), "sql")
}

func TestComposer_Compose_EnforcesLengthCap(t *testing.T) {
	long := strings.Repeat("Markets stay calm today. ", 500)
	stub := &stubCompleter{answer: long}
	cfg := config.ComposerConfig{MaxAnswerChars: 200, MaxTokens: 900, Timeout: 2000}
	composer := NewComposer(cfg, stub, logger.NewZapAdapter(zaptest.NewLogger(t)))

	evidence := snippetEvidence(models.Snippet{DocID: "doc-1", DocTitle: "Macro Note", Page: 3, Text: "Growth is slowing."})

	answer, _ := composer.Compose(context.Background(), "macro?", nil, evidence)
	assert.LessOrEqual(t, len(answer.Text), 200)
	assert.False(t, strings.HasSuffix(answer.Text, " "))
}

func TestComposer_Compose_ModelPath_RankingStructure(t *testing.T) {
	stub := &stubCompleter{answer: "European yields look attractive this year."}
	composer := createTestComposer(t, stub)

	evidence := structuredEvidence(
		row(map[string]interface{}{"company_name": "Nestle SA", "dividend_yield": 2.9}, "company_name", "dividend_yield"),
		row(map[string]interface{}{"company_name": "SAP SE", "dividend_yield": 1.6}, "company_name", "dividend_yield"),
		row(map[string]interface{}{"company_name": "Apple Inc", "dividend_yield": 0.5}, "company_name", "dividend_yield"),
	)

	answer, usedFallback := composer.Compose(context.Background(), "top yields?", nil, evidence)
	assert.False(t, usedFallback)
	assert.True(t, strings.HasPrefix(answer.Text, "Top results:\n1. Nestle SA - dividend yield 2.9"))
	assert.Contains(t, answer.Text, "3. Apple Inc - dividend yield 0.5")
	assert.True(t, strings.HasSuffix(answer.Text, "European yields look attractive this year."))
}

func TestComposer_Compose_ModelPath_SnapshotStructure(t *testing.T) {
	stub := &stubCompleter{answer: "Apple continues to perform well."}
	composer := createTestComposer(t, stub)

	evidence := structuredEvidence(row(
		map[string]interface{}{"company_name": "Apple Inc", "target_price": 250.0},
		"company_name", "target_price",
	))

	answer, usedFallback := composer.Compose(context.Background(), "Apple outlook?", appleEntity, evidence)
	assert.False(t, usedFallback)

	blocks := strings.Split(answer.Text, "\n\n")
	require.Len(t, blocks, 2)
	assert.Equal(t, "Key figures: company name: Apple Inc; target price: 250.", blocks[0])
	assert.Equal(t, "Apple continues to perform well.", blocks[1])
}

// ==========================
// Fallback Rendering Tests
// ==========================

func TestComposer_Compose_ProviderFailure_DeterministicFallback(t *testing.T) {
	stub := &stubCompleter{err: assert.AnError}
	composer := createTestComposer(t, stub)

	evidence := structuredEvidence(row(
		map[string]interface{}{
			"company_name":   "Apple Inc",
			"ticker":         "AAPL",
			"price":          210.5,
			"target_price":   250.0,
			"dividend_yield": 0.5,
		},
		"company_name", "ticker", "price", "target_price", "dividend_yield",
	))

	answer, usedFallback := composer.Compose(context.Background(), "price?", appleEntity, evidence)
	assert.True(t, usedFallback)
	assert.Contains(t, answer.Text, "Companies in focus: Apple Inc.")
	assert.Contains(t, answer.Text, "Key figures:")
	assert.Contains(t, answer.Text, "company name: Apple Inc")
}

func TestComposer_Compose_Fallback_RankingList(t *testing.T) {
	stub := &stubCompleter{err: assert.AnError}
	composer := createTestComposer(t, stub)

	evidence := structuredEvidence(
		row(map[string]interface{}{"company_name": "Apple Inc", "dividend_yield": 0.5}, "company_name", "dividend_yield"),
		row(map[string]interface{}{"company_name": "SAP SE", "dividend_yield": 1.6}, "company_name", "dividend_yield"),
		row(map[string]interface{}{"company_name": "Nestle SA", "dividend_yield": 2.9}, "company_name", "dividend_yield"),
	)

	answer, usedFallback := composer.Compose(context.Background(), "top yields?", nil, evidence)
	assert.True(t, usedFallback)
	assert.Contains(t, answer.Text, "Top results:")
	assert.Contains(t, answer.Text, "1. Apple Inc - dividend yield 0.5")
	assert.Contains(t, answer.Text, "3. Nestle SA - dividend yield 2.9")
}

func TestComposer_Compose_Fallback_ResearchQuote(t *testing.T) {
	stub := &stubCompleter{err: assert.AnError}
	composer := createTestComposer(t, stub)

	evidence := snippetEvidence(models.Snippet{
		DocID:    "doc-1",
		DocTitle: "Macro Note",
		Page:     3,
		Text:     "Inflation is cooling. Rate cuts are likely next year. A third sentence that should be dropped.",
	})

	answer, usedFallback := composer.Compose(context.Background(), "macro?", nil, evidence)
	assert.True(t, usedFallback)
	assert.Contains(t, answer.Text, "From research (Macro Note):")
	assert.Contains(t, answer.Text, "Inflation is cooling. Rate cuts are likely next year.")
	assert.NotContains(t, answer.Text, "third sentence")
	assert.Equal(t, []models.Source{{DocID: "doc-1", DocTitle: "Macro Note", Pages: []int{3}}}, answer.Sources)
}

// ==========================
// Helper Tests
// ==========================

func TestSplitSentences(t *testing.T) {
	assert.Equal(t,
		[]string{"One.", "Two!", "Three?"},
		splitSentences("One. Two! Three?"))
	assert.Equal(t,
		[]string{"No punctuation at all"},
		splitSentences("No punctuation at all"))
	assert.Equal(t,
		[]string{"Ends mid.", "sentence trailing"},
		splitSentences("Ends mid. sentence trailing"))
}
