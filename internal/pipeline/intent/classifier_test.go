package intent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"research-copilot/internal/common/config"
	apperrors "research-copilot/internal/common/errors"
	"research-copilot/internal/common/genai"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

type stubCompleter struct {
	response json.RawMessage
	err      error
	lastReq  genai.CompletionRequest
}

func (s *stubCompleter) Complete(ctx context.Context, req genai.CompletionRequest) (json.RawMessage, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func createTestClassifier(t *testing.T, completer genai.Completer) *Classifier {
	cfg := config.IntentConfig{Timeout: 2000, MaxTokens: 200}
	return NewClassifier(cfg, completer, logger.NewZapAdapter(zaptest.NewLogger(t)))
}

// ==========================
// Classification Tests
// ==========================

func TestClassifier_Classify_Success(t *testing.T) {
	tests := []struct {
		name     string
		response string
		expected models.IntentResult
	}{
		{
			name:     "equity question",
			response: `{"intent": "equity_only", "company_specific": true, "confidence": 0.93, "reason": "asks for a target price"}`,
			expected: models.IntentResult{Intent: models.IntentEquityOnly, CompanySpecific: true, Confidence: 0.93, Reason: "asks for a target price"},
		},
		{
			name:     "macro question",
			response: `{"intent": "macro_only", "company_specific": false, "confidence": 0.85}`,
			expected: models.IntentResult{Intent: models.IntentMacroOnly, Confidence: 0.85},
		},
		{
			name:     "hybrid question",
			response: `{"intent": "hybrid", "company_specific": true, "confidence": 0.7}`,
			expected: models.IntentResult{Intent: models.IntentHybrid, CompanySpecific: true, Confidence: 0.7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubCompleter{response: json.RawMessage(tt.response)}
			classifier := createTestClassifier(t, stub)

			result, err := classifier.Classify(context.Background(), "some question")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestClassifier_Classify_PromptContainsQuestion(t *testing.T) {
	stub := &stubCompleter{response: json.RawMessage(`{"intent": "unknown", "company_specific": false, "confidence": 0.2}`)}
	classifier := createTestClassifier(t, stub)

	_, err := classifier.Classify(context.Background(), "  What drives EU inflation?  ")
	require.NoError(t, err)
	assert.Contains(t, stub.lastReq.Prompt, "What drives EU inflation?")
	assert.Equal(t, "intent-classifier", stub.lastReq.CallSite)
	assert.NotEmpty(t, stub.lastReq.ResponseSchema)
}

func TestClassifier_Classify_ProviderFailure_DegradesToUnknown(t *testing.T) {
	stub := &stubCompleter{err: assert.AnError}
	classifier := createTestClassifier(t, stub)

	result, err := classifier.Classify(context.Background(), "anything")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeClassificationUnavailable, apperrors.CodeOf(err))
	assert.Equal(t, models.IntentUnknown, result.Intent)
	assert.Zero(t, result.Confidence)
}

func TestClassifier_Classify_MalformedOutput_DegradesToUnknown(t *testing.T) {
	stub := &stubCompleter{err: apperrors.NewMalformedModelOutputError("intent-classifier", "bad enum")}
	classifier := createTestClassifier(t, stub)

	result, err := classifier.Classify(context.Background(), "anything")
	require.Error(t, err)
	assert.Equal(t, models.IntentUnknown, result.Intent)
}
