package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"research-copilot/internal/common/config"
	apperrors "research-copilot/internal/common/errors"
	"research-copilot/internal/common/logger"
)

// ==========================
// Test Helper Functions
// ==========================

func createTestLogger(t *testing.T) logger.Logger {
	return logger.NewZapAdapter(zaptest.NewLogger(t))
}

func createTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.GenAIConfig{
		BaseURL:         server.URL,
		CompletionModel: "test-model",
		EmbeddingModel:  "test-embed",
		Timeout:         2000,
	}
	return NewClient(cfg, createTestLogger(t)), server
}

var intentSchema = json.RawMessage(`{
	"type": "object",
	"required": ["intent", "confidence"],
	"properties": {
		"intent": {"type": "string", "enum": ["equity_only", "macro_only", "hybrid", "unknown"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`)

// ==========================
// Completion Tests
// ==========================

func TestClient_Complete_ValidSchema(t *testing.T) {
	client, _ := createTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)

		var req completionAPIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)

		json.NewEncoder(w).Encode(completionAPIResponse{
			Text: `{"intent": "equity_only", "confidence": 0.91}`,
		})
	}))

	raw, err := client.Complete(context.Background(), CompletionRequest{
		CallSite:       "intent-classifier",
		Prompt:         "classify this",
		ResponseSchema: intentSchema,
	})
	require.NoError(t, err)

	var parsed struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, "equity_only", parsed.Intent)
	assert.InDelta(t, 0.91, parsed.Confidence, 0.001)
}

func TestClient_Complete_StripsCodeFences(t *testing.T) {
	client, _ := createTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionAPIResponse{
			Text: "```json\n{\"intent\": \"macro_only\", \"confidence\": 0.7}\n```",
		})
	}))

	raw, err := client.Complete(context.Background(), CompletionRequest{
		CallSite:       "intent-classifier",
		Prompt:         "classify this",
		ResponseSchema: intentSchema,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent": "macro_only", "confidence": 0.7}`, string(raw))
}

func TestClient_Complete_SchemaViolation(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "wrong enum value", text: `{"intent": "stocks", "confidence": 0.9}`},
		{name: "missing required field", text: `{"intent": "equity_only"}`},
		{name: "not JSON at all", text: `the intent is equity_only`},
		{name: "confidence out of range", text: `{"intent": "hybrid", "confidence": 1.4}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := createTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(completionAPIResponse{Text: tt.text})
			}))

			_, err := client.Complete(context.Background(), CompletionRequest{
				CallSite:       "intent-classifier",
				Prompt:         "classify this",
				ResponseSchema: intentSchema,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrMalformedModelOutput)
			assert.Equal(t, apperrors.ErrCodeMalformedModelOutput, apperrors.CodeOf(err))
		})
	}
}

func TestClient_Complete_ServerError(t *testing.T) {
	client, _ := createTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Complete(context.Background(), CompletionRequest{
		CallSite: "intent-classifier",
		Prompt:   "classify this",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrMalformedModelOutput)
}

func TestClient_Complete_SingleAttempt(t *testing.T) {
	calls := 0
	client, _ := createTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.Complete(context.Background(), CompletionRequest{
		CallSite: "intent-classifier",
		Prompt:   "classify this",
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

// ==========================
// Embedding Tests
// ==========================

func TestClient_Embed_Success(t *testing.T) {
	client, _ := createTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)

		var req embeddingAPIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-embed", req.Model)
		assert.Equal(t, "macro outlook for europe", req.Input)

		json.NewEncoder(w).Encode(embeddingAPIResponse{
			Embedding: []float32{0.1, -0.2, 0.3},
		})
	}))

	vec, err := client.Embed(context.Background(), "macro outlook for europe")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, -0.2, 0.3}, vec)
}

func TestClient_Embed_EmptyVector(t *testing.T) {
	client, _ := createTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embeddingAPIResponse{})
	}))

	_, err := client.Embed(context.Background(), "anything")
	assert.Error(t, err)
}

// ==========================
// Helper Tests
// ==========================

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain JSON untouched", input: `{"a": 1}`, expected: `{"a": 1}`},
		{name: "fenced with language tag", input: "```json\n{\"a\": 1}\n```", expected: `{"a": 1}`},
		{name: "fenced without tag", input: "```\n{\"a\": 1}\n```", expected: `{"a": 1}`},
		{name: "surrounding whitespace", input: "  {\"a\": 1}  ", expected: `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, stripCodeFences(tt.input))
		})
	}
}
