// Package errors provides standardized error handling for the ask pipeline.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Pipeline failure taxonomy. Branch-local codes degrade a single branch;
// only COMPOSITION_FAILURE surfaces to the caller as a generic failure.
const (
	ErrCodeClassificationUnavailable ErrorCode = "CLASSIFICATION_UNAVAILABLE"
	ErrCodeResolutionUnavailable     ErrorCode = "RESOLUTION_UNAVAILABLE"
	ErrCodeUnsafeQuery               ErrorCode = "UNSAFE_QUERY"
	ErrCodeStructuredExecutionError  ErrorCode = "STRUCTURED_EXECUTION_ERROR"
	ErrCodeQueryTimeout              ErrorCode = "QUERY_TIMEOUT"
	ErrCodeRetrievalUnavailable      ErrorCode = "RETRIEVAL_UNAVAILABLE"
	ErrCodeMalformedModelOutput      ErrorCode = "MALFORMED_MODEL_OUTPUT"
	ErrCodeCompositionFailure        ErrorCode = "COMPOSITION_FAILURE"
	ErrCodeSQLGenerationFailed       ErrorCode = "SQL_GENERATION_FAILED"
)

// Router diagnostic codes. These never fail a request; they are captured in
// the per-request diagnostics report.
const (
	ErrCodeEntityNotFound                  ErrorCode = "ENTITY_NOT_FOUND"
	ErrCodeRejectedCandidatesDebug         ErrorCode = "REJECTED_CANDIDATES_DEBUG"
	ErrCodeRouterFallbackCompanyHeuristic  ErrorCode = "ROUTER_FALLBACK_COMPANY_SPECIFIC_HEURISTIC"
	ErrCodeNonCompanyUnknownDefaultedMacro ErrorCode = "NON_COMPANY_UNKNOWN_DEFAULTED_TO_MACRO"
	ErrCodeNonCompanyUnknownByHeuristic    ErrorCode = "NON_COMPANY_UNKNOWN_DEFAULTED_BY_HEURISTIC"
	ErrCodeNonCompanyOverriddenByHeuristic ErrorCode = "NON_COMPANY_LOW_CONFIDENCE_OVERRIDDEN_BY_HEURISTIC"
	ErrCodeRetrievalNoRelevantChunks       ErrorCode = "RETRIEVAL_NO_RELEVANT_CHUNKS"
	ErrCodeComposerFallback                ErrorCode = "COMPOSER_FALLBACK"
	ErrCodeAPIRuntimeError                 ErrorCode = "API_RUNTIME_ERROR"
)

// Sentinel errors for errors.Is checks across package boundaries.
var (
	ErrClassificationUnavailable = errors.New("CLASSIFICATION_UNAVAILABLE")
	ErrResolutionUnavailable     = errors.New("RESOLUTION_UNAVAILABLE")
	ErrUnsafeQuery               = errors.New("UNSAFE_QUERY")
	ErrStructuredExecution       = errors.New("STRUCTURED_EXECUTION_ERROR")
	ErrQueryTimeout              = errors.New("QUERY_TIMEOUT")
	ErrRetrievalUnavailable      = errors.New("RETRIEVAL_UNAVAILABLE")
	ErrMalformedModelOutput      = errors.New("MALFORMED_MODEL_OUTPUT")
	ErrCompositionFailure        = errors.New("COMPOSITION_FAILURE")
	ErrSQLGenerationFailed       = errors.New("SQL_GENERATION_FAILED")
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Is maps error codes onto the package sentinels so callers can use errors.Is
// without importing the constructors' call sites.
func (e *StandardError) Is(target error) bool {
	switch target {
	case ErrClassificationUnavailable:
		return e.Code == ErrCodeClassificationUnavailable
	case ErrResolutionUnavailable:
		return e.Code == ErrCodeResolutionUnavailable
	case ErrUnsafeQuery:
		return e.Code == ErrCodeUnsafeQuery
	case ErrStructuredExecution:
		return e.Code == ErrCodeStructuredExecutionError
	case ErrQueryTimeout:
		return e.Code == ErrCodeQueryTimeout
	case ErrRetrievalUnavailable:
		return e.Code == ErrCodeRetrievalUnavailable
	case ErrMalformedModelOutput:
		return e.Code == ErrCodeMalformedModelOutput
	case ErrCompositionFailure:
		return e.Code == ErrCodeCompositionFailure
	case ErrSQLGenerationFailed:
		return e.Code == ErrCodeSQLGenerationFailed
	}
	return false
}

// ==========================
// 2. Error Constructors
// ==========================

// NewClassificationUnavailableError marks a classification-provider failure.
// The router treats it as equivalent to an unknown intent.
func NewClassificationUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeClassificationUnavailable,
		Message:   "Intent classification provider is unavailable",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewResolutionUnavailableError marks an entity-catalog failure.
func NewResolutionUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeResolutionUnavailable,
		Message:   "Entity resolution is unavailable",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnsafeQueryError marks a guardrail rejection of a generated statement.
// The structured branch becomes unavailable for this request.
func NewUnsafeQueryError(guardrail, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnsafeQuery,
		Message:   "Generated statement rejected by safety policy",
		Details:   details,
		Retryable: false,
		Metadata:  map[string]interface{}{"guardrail": guardrail},
		Timestamp: time.Now().UTC(),
	}
}

// NewStructuredExecutionError marks a store-level execution failure.
func NewStructuredExecutionError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStructuredExecutionError,
		Message:   "Structured store query execution failed",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryTimeoutError marks a statement-level timeout.
func NewQueryTimeoutError() *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryTimeout,
		Message:   "Structured store query timed out",
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRetrievalUnavailableError marks an unreachable chunk index. An empty
// result set is not an error and must not use this constructor.
func NewRetrievalUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeRetrievalUnavailable,
		Message:   "Document chunk index is unreachable",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewMalformedModelOutputError marks a completion response that does not
// conform to the call site's response schema.
func NewMalformedModelOutputError(callSite, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeMalformedModelOutput,
		Message:   "Model returned non-schema output",
		Details:   details,
		Retryable: false,
		Metadata:  map[string]interface{}{"callSite": callSite},
		Timestamp: time.Now().UTC(),
	}
}

// NewCompositionFailureError marks the composer being unable to produce any
// answer. This is the only failure visible to the end user.
func NewCompositionFailureError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCompositionFailure,
		Message:   "Answer composition failed",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSQLGenerationFailedError marks a text-to-SQL generation failure.
func NewSQLGenerationFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSQLGenerationFailed,
		Message:   "Statement generation failed",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// CodeOf extracts the ErrorCode from err when it wraps a StandardError,
// falling back to API_RUNTIME_ERROR.
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ErrCodeAPIRuntimeError
}
