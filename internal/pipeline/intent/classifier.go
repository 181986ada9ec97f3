// Package intent classifies a research question before any branch runs.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"research-copilot/internal/common/config"
	apperrors "research-copilot/internal/common/errors"
	"research-copilot/internal/common/genai"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
)

const callSite = "intent-classifier"

// responseSchema pins the classifier output. Anything outside it is a
// malformed model output, not a best-effort parse.
var responseSchema = json.RawMessage(`{
	"type": "object",
	"required": ["intent", "company_specific", "confidence"],
	"additionalProperties": false,
	"properties": {
		"intent": {"type": "string", "enum": ["equity_only", "macro_only", "hybrid", "unknown"]},
		"company_specific": {"type": "boolean"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reason": {"type": "string"}
	}
}`)

type Classifier struct {
	config    config.IntentConfig
	completer genai.Completer
	logger    logger.Logger
}

func NewClassifier(cfg config.IntentConfig, completer genai.Completer, log logger.Logger) *Classifier {
	return &Classifier{
		config:    cfg,
		completer: completer,
		logger: log.WithFields(map[string]interface{}{
			"stage": "intent",
		}),
	}
}

// Classify returns the model's verdict on the question. On provider failure
// it returns an unknown verdict alongside the error so the caller can degrade
// instead of aborting.
func (c *Classifier) Classify(ctx context.Context, question string) (models.IntentResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.config.Timeout)*time.Millisecond)
	defer cancel()

	raw, err := c.completer.Complete(callCtx, genai.CompletionRequest{
		CallSite:       callSite,
		Prompt:         buildPrompt(question),
		ResponseSchema: responseSchema,
		MaxTokens:      c.config.MaxTokens,
		Temperature:    0,
	})
	if err != nil {
		c.logger.Warn("classification unavailable, degrading to unknown", map[string]interface{}{
			"error": err.Error(),
		})
		return unknownVerdict(), apperrors.NewClassificationUnavailableError(err)
	}

	var parsed struct {
		Intent          string  `json:"intent"`
		CompanySpecific bool    `json:"company_specific"`
		Confidence      float64 `json:"confidence"`
		Reason          string  `json:"reason"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return unknownVerdict(), apperrors.NewClassificationUnavailableError(err)
	}

	result := models.IntentResult{
		Intent:          models.IntentType(parsed.Intent),
		CompanySpecific: parsed.CompanySpecific,
		Confidence:      parsed.Confidence,
		Reason:          parsed.Reason,
	}
	if !result.Intent.Valid() {
		return unknownVerdict(), apperrors.NewClassificationUnavailableError(
			fmt.Errorf("intent %q is outside the taxonomy", parsed.Intent))
	}

	c.logger.Debug("classified question", map[string]interface{}{
		"intent":          string(result.Intent),
		"companySpecific": result.CompanySpecific,
		"confidence":      result.Confidence,
	})
	return result, nil
}

func unknownVerdict() models.IntentResult {
	return models.IntentResult{Intent: models.IntentUnknown, Confidence: 0}
}

func buildPrompt(question string) string {
	var b strings.Builder
	b.WriteString("You classify investment research questions.\n\n")
	b.WriteString("Categories:\n")
	b.WriteString("- equity_only: answerable from structured company data (prices, targets, yields, recommendations, screening, rankings).\n")
	b.WriteString("- macro_only: answerable from macroeconomic and strategy research documents.\n")
	b.WriteString("- hybrid: needs both company data and research documents.\n")
	b.WriteString("- unknown: cannot tell.\n\n")
	b.WriteString("Also decide whether the question is about one or more specific companies (company_specific).\n\n")
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\nRespond with a single JSON object: {\"intent\", \"company_specific\", \"confidence\", \"reason\"}.")
	return b.String()
}
