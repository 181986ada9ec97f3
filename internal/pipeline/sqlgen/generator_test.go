package sqlgen

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"research-copilot/internal/common/config"
	apperrors "research-copilot/internal/common/errors"
	"research-copilot/internal/common/genai"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
	"research-copilot/internal/pipeline/schema"
)

// ==========================
// Test Helper Functions
// ==========================

type stubCompleter struct {
	response   json.RawMessage
	err        error
	lastPrompt string
}

func (s *stubCompleter) Complete(ctx context.Context, req genai.CompletionRequest) (json.RawMessage, error) {
	s.lastPrompt = req.Prompt
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func createTestGenerator(t *testing.T, completer genai.Completer) *Generator {
	log := logger.NewZapAdapter(zaptest.NewLogger(t))
	cfg := config.SQLConfig{
		Relation:     "equities",
		GenTimeout:   5000,
		GenMaxTokens: 512,
	}
	return NewGenerator(cfg, completer, schema.NewStatic("equities"), log)
}

// ==========================
// Generate Tests
// ==========================

func TestGenerator_Generate_Success(t *testing.T) {
	completer := &stubCompleter{
		response: json.RawMessage(`{"sql": "SELECT company_name FROM equities;", "notes": "simple lookup"}`),
	}
	gen := createTestGenerator(t, completer)

	query, err := gen.Generate(context.Background(), "List company names", nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT company_name FROM equities", query.RawSQL)
	assert.Equal(t, "simple lookup", query.Notes)
	assert.False(t, query.Approved)
}

func TestGenerator_Generate_PromptContents(t *testing.T) {
	completer := &stubCompleter{
		response: json.RawMessage(`{"sql": "SELECT 1"}`),
	}
	gen := createTestGenerator(t, completer)

	entities := []models.ResolvedEntity{
		{ISIN: "US0378331005", Ticker: "AAPL", CompanyName: "Apple Inc."},
	}
	_, err := gen.Generate(context.Background(), "  What is Apple's dividend yield?  ", entities)
	require.NoError(t, err)

	assert.Contains(t, completer.lastPrompt, "equities")
	assert.Contains(t, completer.lastPrompt, "Apple Inc. | AAPL | US0378331005")
	assert.Contains(t, completer.lastPrompt, "Question: What is Apple's dividend yield?")
	assert.Contains(t, completer.lastPrompt, "SELECT only")
}

func TestGenerator_Generate_CompleterFailure(t *testing.T) {
	completer := &stubCompleter{err: errors.New("upstream down")}
	gen := createTestGenerator(t, completer)

	_, err := gen.Generate(context.Background(), "List company names", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSQLGenerationFailed))
}

// ==========================
// CleanStatement Tests
// ==========================

func TestCleanStatement(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain statement",
			input:    "SELECT 1",
			expected: "SELECT 1",
		},
		{
			name:     "trailing semicolons and spaces",
			input:    "  SELECT 1 ;; ",
			expected: "SELECT 1",
		},
		{
			name:     "sql fence",
			input:    "```sql\nSELECT company_name FROM equities;\n```",
			expected: "SELECT company_name FROM equities",
		},
		{
			name:     "bare fence",
			input:    "```\nSELECT 1\n```",
			expected: "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanStatement(tt.input))
		})
	}
}