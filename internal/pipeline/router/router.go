// Package router drives the ask pipeline: classify, resolve, branch, merge,
// compose. Branch failures degrade that branch; only the router itself can
// fail a request.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"research-copilot/internal/common/config"
	apperrors "research-copilot/internal/common/errors"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/common/metrics"
	"research-copilot/internal/models"
)

// Question-text heuristics, used as a safety net around the classifier.
var (
	companyHintRe = regexp.MustCompile(`(?i)\b(company|ticker|isin)\b`)
	sqlHintRe     = regexp.MustCompile(`(?i)\b(top|highest|lowest|rank(?:ing)?|best|worst|screen(?:ing)?|filter|region|sector|industry|market cap|dividend yield|target price|p/e|pe ratio)\b`)
	macroHintRe   = regexp.MustCompile(`(?i)\b(macro|macroeconomic|inflation|interest rates?|recession|gdp|central bank|policy|economic outlook|macro outlook|geopolitical)\b`)
)

// Stage dependencies. Interfaces keep the router testable with stubs.
type IntentClassifier interface {
	Classify(ctx context.Context, question string) (models.IntentResult, error)
}

type EntityResolver interface {
	Resolve(ctx context.Context, question string) ([]models.ResolvedEntity, []models.RejectedCandidate, error)
}

type StatementGenerator interface {
	Generate(ctx context.Context, question string, entities []models.ResolvedEntity) (models.StructuredQuery, error)
}

type StatementGuard interface {
	Validate(candidate models.StructuredQuery, question string, entities []models.ResolvedEntity) (models.StructuredQuery, error)
}

type StatementExecutor interface {
	Execute(ctx context.Context, query models.StructuredQuery) (*models.StructuredResult, error)
}

type DocumentRetriever interface {
	Retrieve(ctx context.Context, question string, entities []models.ResolvedEntity) (*models.RetrievalResult, error)
}

type AnswerComposer interface {
	Compose(ctx context.Context, question string, entities []models.ResolvedEntity, evidence models.EvidenceBundle) (models.Answer, bool)
}

type ReportStore interface {
	Save(ctx context.Context, result *models.PipelineResult) error
}

type Router struct {
	config     config.RouterConfig
	classifier IntentClassifier
	resolver   EntityResolver
	generator  StatementGenerator
	guard      StatementGuard
	executor   StatementExecutor
	retriever  DocumentRetriever
	composer   AnswerComposer
	reports    ReportStore
	logger     logger.Logger
}

func New(
	cfg config.RouterConfig,
	classifier IntentClassifier,
	resolver EntityResolver,
	generator StatementGenerator,
	guard StatementGuard,
	executor StatementExecutor,
	retriever DocumentRetriever,
	composer AnswerComposer,
	reports ReportStore,
	log logger.Logger,
) *Router {
	return &Router{
		config:     cfg,
		classifier: classifier,
		resolver:   resolver,
		generator:  generator,
		guard:      guard,
		executor:   executor,
		retriever:  retriever,
		composer:   composer,
		reports:    reports,
		logger: log.WithFields(map[string]interface{}{
			"stage": "router",
		}),
	}
}

// Ask runs the full pipeline for one question.
func (r *Router) Ask(ctx context.Context, question string) *models.PipelineResult {
	start := time.Now().UTC()
	result := &models.PipelineResult{
		RequestID: uuid.New().String(),
		Question:  question,
		State:     models.StateClassifying,
		StartedAt: start,
	}
	log := r.logger.WithFields(map[string]interface{}{"requestId": result.RequestID})

	metrics.PipelineRequestsActive.Inc()
	defer metrics.PipelineRequestsActive.Dec()
	defer func() {
		result.FinishedAt = time.Now().UTC()
		metrics.PipelineRequestsTotal.WithLabelValues(string(result.State), string(result.Intent.Intent)).Inc()
		r.saveReport(ctx, result, log)
	}()

	// Classify. A provider failure degrades to unknown, it never aborts.
	result.Intent = r.classify(ctx, question, result)

	// Resolve when the question is (or might be) about specific companies.
	result.State = models.StateResolving
	hasCompanyHint := companyHintRe.MatchString(question)
	if result.Intent.CompanySpecific || (result.Intent.Confidence == 0 && hasCompanyHint) {
		r.resolve(ctx, question, result, log)
	}

	// Classifier said non-company with zero confidence, but the question
	// carries company signals: trust the signals.
	if !result.Intent.CompanySpecific && result.Intent.Confidence == 0 && (len(result.Entities) > 0 || hasCompanyHint) {
		result.Intent.CompanySpecific = true
		addDiagnostic(result, apperrors.ErrCodeRouterFallbackCompanyHeuristic, "router",
			"classifier verdict replaced by company-signal heuristic", nil)
	}

	if result.Intent.CompanySpecific {
		if len(result.Entities) == 0 {
			// Nothing to look up and nothing to retrieve for: answer
			// directly instead of running branches on the wrong scope.
			addDiagnostic(result, apperrors.ErrCodeEntityNotFound, "router",
				"no coverage-universe company matched the question", nil)
			result.Answer = models.Answer{Text: fmt.Sprintf(r.config.NotFoundTemplate, strings.TrimSpace(question))}
			result.State = models.StateDone
			return result
		}
	} else {
		// Non-company questions never carry entity scope.
		result.Entities = nil
		r.applyNonCompanyHeuristics(question, result)
	}

	// Branch.
	result.State = models.StateBranching
	evidence := r.runBranches(ctx, question, result, log)
	result.Evidence = evidence

	// Compose.
	result.State = models.StateComposing
	answer, usedFallback := r.composer.Compose(ctx, question, result.Entities, evidence)
	if usedFallback {
		addDiagnostic(result, apperrors.ErrCodeComposerFallback, "compose",
			"deterministic answer used", nil)
	}
	result.Answer = answer
	result.State = models.StateDone
	return result
}

func (r *Router) classify(ctx context.Context, question string, result *models.PipelineResult) models.IntentResult {
	stageStart := time.Now()
	verdict, err := r.classifier.Classify(ctx, question)
	metrics.PipelineStageDuration.WithLabelValues("intent").Observe(time.Since(stageStart).Seconds())
	if err != nil {
		code := apperrors.CodeOf(err)
		metrics.PipelineStageFailures.WithLabelValues("intent", string(code)).Inc()
		addDiagnostic(result, code, "intent", "classification degraded to unknown", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return verdict
}

func (r *Router) resolve(ctx context.Context, question string, result *models.PipelineResult, log logger.Logger) {
	stageStart := time.Now()
	entities, rejected, err := r.resolver.Resolve(ctx, question)
	metrics.PipelineStageDuration.WithLabelValues("entities").Observe(time.Since(stageStart).Seconds())
	if err != nil {
		code := apperrors.CodeOf(err)
		metrics.PipelineStageFailures.WithLabelValues("entities", string(code)).Inc()
		addDiagnostic(result, code, "entities", "entity resolution degraded", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	result.Entities = entities
	result.Rejected = rejected
	if len(rejected) > 0 {
		addDiagnostic(result, apperrors.ErrCodeRejectedCandidatesDebug, "entities",
			fmt.Sprintf("%d candidate mentions rejected", len(rejected)), nil)
	}
	log.Debug("entities resolved", map[string]interface{}{
		"resolved": len(entities),
		"rejected": len(rejected),
	})
}

// applyNonCompanyHeuristics fills in or overrides the intent for questions
// that are not about specific companies.
func (r *Router) applyNonCompanyHeuristics(question string, result *models.PipelineResult) {
	sqlHint := sqlHintRe.MatchString(question)
	macroHint := macroHintRe.MatchString(question)

	var heuristic models.IntentType
	switch {
	case sqlHint && macroHint:
		heuristic = models.IntentHybrid
	case sqlHint:
		heuristic = models.IntentEquityOnly
	case macroHint:
		heuristic = models.IntentMacroOnly
	default:
		heuristic = ""
	}

	if result.Intent.Intent == models.IntentUnknown {
		if heuristic == "" {
			result.Intent.Intent = models.IntentMacroOnly
			addDiagnostic(result, apperrors.ErrCodeNonCompanyUnknownDefaultedMacro, "router",
				"unknown non-company intent defaulted to macro", nil)
			return
		}
		result.Intent.Intent = heuristic
		addDiagnostic(result, apperrors.ErrCodeNonCompanyUnknownByHeuristic, "router",
			"unknown non-company intent decided by question hints", map[string]interface{}{
				"intent": string(heuristic),
			})
		return
	}

	if heuristic != "" && heuristic != result.Intent.Intent && result.Intent.Confidence < r.config.IntentOverrideThreshold {
		addDiagnostic(result, apperrors.ErrCodeNonCompanyOverriddenByHeuristic, "router",
			"low-confidence intent overridden by question hints", map[string]interface{}{
				"classified": string(result.Intent.Intent),
				"heuristic":  string(heuristic),
				"confidence": result.Intent.Confidence,
			})
		result.Intent.Intent = heuristic
	}
}

// runBranches fans out the engaged branches and merges their evidence.
// Failures land in the diagnostics, never in the answer path.
func (r *Router) runBranches(ctx context.Context, question string, result *models.PipelineResult, log logger.Logger) models.EvidenceBundle {
	runSQL := result.Intent.Intent.UsesStructured(r.config.UnknownRunsBoth)
	runRAG := result.Intent.Intent.UsesUnstructured(r.config.UnknownRunsBoth)

	evidence := models.EvidenceBundle{UsedSQL: runSQL, UsedRAG: runRAG}

	var mu sync.Mutex
	var wg sync.WaitGroup

	if runSQL {
		wg.Add(1)
		go func() {
			defer wg.Done()
			structured, diags := r.runStructuredBranch(ctx, question, result.Entities)
			mu.Lock()
			defer mu.Unlock()
			evidence.Structured = structured
			result.Diagnostics = append(result.Diagnostics, diags...)
		}()
	}

	if runRAG {
		wg.Add(1)
		go func() {
			defer wg.Done()
			retrieval, diags := r.runRetrievalBranch(ctx, question, result.Entities)
			mu.Lock()
			defer mu.Unlock()
			evidence.Retrieval = retrieval
			result.Diagnostics = append(result.Diagnostics, diags...)
		}()
	}

	wg.Wait()
	log.Info("branches finished", map[string]interface{}{
		"usedSql":   runSQL,
		"usedRag":   runRAG,
		"hasRows":   evidence.Structured != nil && evidence.Structured.RowCount > 0,
		"hasChunks": evidence.Retrieval != nil && len(evidence.Retrieval.Snippets) > 0,
	})
	return evidence
}

func (r *Router) runStructuredBranch(ctx context.Context, question string, entities []models.ResolvedEntity) (*models.StructuredResult, []models.Diagnostic) {
	stageStart := time.Now()
	defer func() {
		metrics.PipelineStageDuration.WithLabelValues("structured").Observe(time.Since(stageStart).Seconds())
	}()

	fail := func(err error) (*models.StructuredResult, []models.Diagnostic) {
		code := apperrors.CodeOf(err)
		metrics.PipelineStageFailures.WithLabelValues("structured", string(code)).Inc()
		metrics.PipelineBranchOutcomes.WithLabelValues("structured", "degraded").Inc()
		return nil, []models.Diagnostic{newDiagnostic(code, "structured", "structured branch degraded", map[string]interface{}{
			"error": err.Error(),
		})}
	}

	candidate, err := r.generator.Generate(ctx, question, entities)
	if err != nil {
		return fail(err)
	}
	approved, err := r.guard.Validate(candidate, question, entities)
	if err != nil {
		return fail(err)
	}
	structured, err := r.executor.Execute(ctx, approved)
	if err != nil {
		return fail(err)
	}

	metrics.PipelineBranchOutcomes.WithLabelValues("structured", "ok").Inc()
	return structured, nil
}

func (r *Router) runRetrievalBranch(ctx context.Context, question string, entities []models.ResolvedEntity) (*models.RetrievalResult, []models.Diagnostic) {
	stageStart := time.Now()
	defer func() {
		metrics.PipelineStageDuration.WithLabelValues("retrieval").Observe(time.Since(stageStart).Seconds())
	}()

	retrieval, err := r.retriever.Retrieve(ctx, question, entities)
	if err != nil {
		code := apperrors.CodeOf(err)
		metrics.PipelineStageFailures.WithLabelValues("retrieval", string(code)).Inc()
		metrics.PipelineBranchOutcomes.WithLabelValues("retrieval", "degraded").Inc()
		return nil, []models.Diagnostic{newDiagnostic(code, "retrieval", "retrieval branch degraded", map[string]interface{}{
			"error": err.Error(),
		})}
	}

	metrics.PipelineBranchOutcomes.WithLabelValues("retrieval", "ok").Inc()
	if len(retrieval.Snippets) == 0 {
		return retrieval, []models.Diagnostic{newDiagnostic(apperrors.ErrCodeRetrievalNoRelevantChunks, "retrieval",
			"no chunks passed the relevance floor", nil)}
	}
	return retrieval, nil
}

func (r *Router) saveReport(ctx context.Context, result *models.PipelineResult, log logger.Logger) {
	if r.reports == nil {
		return
	}
	// The request context may already be done; give the save its own window.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.reports.Save(saveCtx, result); err != nil {
		log.Warn("diagnostics report not saved", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func addDiagnostic(result *models.PipelineResult, code apperrors.ErrorCode, stage, message string, metadata map[string]interface{}) {
	result.Diagnostics = append(result.Diagnostics, newDiagnostic(code, stage, message, metadata))
}

func newDiagnostic(code apperrors.ErrorCode, stage, message string, metadata map[string]interface{}) models.Diagnostic {
	return models.Diagnostic{
		Code:      string(code),
		Message:   message,
		Stage:     stage,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
}
