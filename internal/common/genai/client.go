// Package genai provides the completion and embedding capabilities the
// pipeline stages depend on. Stages hold the narrow interfaces, never the
// concrete client.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"research-copilot/internal/common/config"
	apperrors "research-copilot/internal/common/errors"
	"research-copilot/internal/common/logger"
)

// CompletionRequest is one schema-constrained completion call. The response
// schema is enforced client-side; a non-conforming payload is a
// MALFORMED_MODEL_OUTPUT, never a silent pass-through.
type CompletionRequest struct {
	CallSite       string
	Prompt         string
	ResponseSchema json.RawMessage
	MaxTokens      int
	Temperature    float64
}

// Completer produces schema-validated JSON completions.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (json.RawMessage, error)
}

// Embedder produces a fixed-dimension vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Client struct {
	config config.GenAIConfig
	client *http.Client
	logger logger.Logger
}

func NewClient(cfg config.GenAIConfig, log logger.Logger) *Client {
	return &Client{
		config: cfg,
		// No client-level timeout, the per-call context carries the deadline
		client: &http.Client{},
		logger: log.WithFields(map[string]interface{}{
			"component": "genai",
		}),
	}
}

type completionAPIRequest struct {
	Model          string          `json:"model"`
	Prompt         string          `json:"prompt"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type completionAPIResponse struct {
	Text string `json:"text"`
}

type embeddingAPIRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingAPIResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Complete makes a single attempt. The pipeline never retries on the request
// path, so provider hiccups degrade the calling stage instead of stacking
// latency.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.config.Timeout)*time.Millisecond)
	defer cancel()

	apiReq := completionAPIRequest{
		Model:          c.config.CompletionModel,
		Prompt:         req.Prompt,
		ResponseSchema: req.ResponseSchema,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
	}

	var apiResp completionAPIResponse
	if err := c.post(callCtx, "/v1/completions", apiReq, &apiResp); err != nil {
		return nil, err
	}

	raw := []byte(stripCodeFences(apiResp.Text))
	if err := validateAgainstSchema(req.ResponseSchema, raw); err != nil {
		c.logger.Warn("completion failed schema validation", map[string]interface{}{
			"callSite": req.CallSite,
			"error":    err.Error(),
		})
		return nil, apperrors.NewMalformedModelOutputError(req.CallSite, err.Error())
	}

	return json.RawMessage(raw), nil
}

// Embed vectorizes a text with the configured embedding model.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.config.Timeout)*time.Millisecond)
	defer cancel()

	apiReq := embeddingAPIRequest{
		Model: c.config.EmbeddingModel,
		Input: text,
	}

	var apiResp embeddingAPIResponse
	if err := c.post(callCtx, "/v1/embeddings", apiReq, &apiResp); err != nil {
		return nil, err
	}

	if len(apiResp.Embedding) == 0 {
		return nil, fmt.Errorf("embedding response contained no vector")
	}
	return apiResp.Embedding, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("call %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// validateAgainstSchema checks raw JSON against a schema document. A nil
// schema only requires the payload to be valid JSON.
func validateAgainstSchema(schema json.RawMessage, raw []byte) error {
	if len(schema) == 0 {
		var probe interface{}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return fmt.Errorf("payload is not valid JSON: %w", err)
		}
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("schema violations: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// stripCodeFences removes a surrounding markdown fence some models wrap JSON
// in, plus any language tag on the opening fence.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		first := strings.TrimSpace(trimmed[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{[") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
