package models

// ResolvedEntity is a company mention mapped to a canonical coverage-universe
// record. ISIN is the canonical identity used for downstream filtering.
type ResolvedEntity struct {
	ISIN        string  `json:"isin"`
	Ticker      string  `json:"ticker"`
	CompanyName string  `json:"companyName"`
	Mention     string  `json:"mention"`
	Method      string  `json:"method"`
	Score       float64 `json:"score"`
}

// Resolution methods, in precedence order.
const (
	ResolutionMethodISIN   = "isin_exact"
	ResolutionMethodTicker = "ticker_exact"
	ResolutionMethodAlias  = "alias_exact"
	ResolutionMethodFuzzy  = "fuzzy"
)

// RejectedCandidate records a mention the resolver considered but did not
// accept. Kept for the diagnostics report, never surfaced in answers.
type RejectedCandidate struct {
	Mention   string  `json:"mention"`
	BestMatch string  `json:"bestMatch,omitempty"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
}

// Rejection reasons.
const (
	RejectReasonBelowThreshold = "below_threshold"
	RejectReasonAmbiguous      = "ambiguous_near_tie"
	RejectReasonOverLimit      = "over_entity_limit"
)
