package models

// StructuredQuery is a validated, safety-approved statement ready (or not)
// for execution against the equities relation.
type StructuredQuery struct {
	SQL      string `json:"sql"`
	RawSQL   string `json:"rawSql,omitempty"`
	Notes    string `json:"notes,omitempty"`
	Approved bool   `json:"approved"`
}

// Row is one structured-store result row with column order preserved.
type Row struct {
	Columns []string               `json:"columns"`
	Values  map[string]interface{} `json:"values"`
}

// StructuredResult is the structured branch's contribution to the evidence
// bundle. Preview holds at most a handful of rows for the composer prompt;
// RowCount is the full count fetched.
type StructuredResult struct {
	Query    StructuredQuery `json:"query"`
	Preview  []Row           `json:"preview"`
	RowCount int             `json:"rowCount"`
}

// Snippet is a trimmed document excerpt with provenance.
type Snippet struct {
	DocID    string  `json:"docId"`
	DocTitle string  `json:"docTitle,omitempty"`
	Page     int     `json:"page,omitempty"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// Source identifies a document cited by the answer.
type Source struct {
	DocID    string `json:"docId"`
	DocTitle string `json:"docTitle,omitempty"`
	Pages    []int  `json:"pages,omitempty"`
}

// RetrievalResult is the unstructured branch's contribution.
type RetrievalResult struct {
	Snippets []Snippet `json:"snippets"`
	Sources  []Source  `json:"sources"`
}

// EvidenceBundle merges whatever the engaged branches produced. Either side
// may be nil when its branch did not run or degraded.
type EvidenceBundle struct {
	Structured *StructuredResult `json:"structured,omitempty"`
	Retrieval  *RetrievalResult  `json:"retrieval,omitempty"`
	UsedSQL    bool              `json:"usedSql"`
	UsedRAG    bool              `json:"usedRag"`
}

// Empty reports whether no branch contributed any evidence.
func (b *EvidenceBundle) Empty() bool {
	hasRows := b.Structured != nil && b.Structured.RowCount > 0
	hasSnippets := b.Retrieval != nil && len(b.Retrieval.Snippets) > 0
	return !hasRows && !hasSnippets
}
