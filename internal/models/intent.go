package models

// IntentType classifies what a question is about.
type IntentType string

const (
	IntentEquityOnly IntentType = "equity_only"
	IntentMacroOnly  IntentType = "macro_only"
	IntentHybrid     IntentType = "hybrid"
	IntentUnknown    IntentType = "unknown"
)

// Valid reports whether the value is a member of the intent taxonomy.
func (i IntentType) Valid() bool {
	switch i {
	case IntentEquityOnly, IntentMacroOnly, IntentHybrid, IntentUnknown:
		return true
	}
	return false
}

// UsesStructured reports whether the intent engages the structured-data
// branch. Unknown engages both when the router policy says so.
func (i IntentType) UsesStructured(unknownRunsBoth bool) bool {
	switch i {
	case IntentEquityOnly, IntentHybrid:
		return true
	case IntentUnknown:
		return unknownRunsBoth
	}
	return false
}

// UsesUnstructured reports whether the intent engages the document-retrieval
// branch.
func (i IntentType) UsesUnstructured(unknownRunsBoth bool) bool {
	switch i {
	case IntentMacroOnly, IntentHybrid:
		return true
	case IntentUnknown:
		return unknownRunsBoth
	}
	return false
}

// IntentResult is the classifier's verdict on a question.
type IntentResult struct {
	Intent          IntentType `json:"intent"`
	CompanySpecific bool       `json:"companySpecific"`
	Confidence      float64    `json:"confidence"`
	Reason          string     `json:"reason,omitempty"`
}
