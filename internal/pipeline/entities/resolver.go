package entities

import (
	"context"
	"regexp"
	"strings"

	"github.com/agext/levenshtein"

	"research-copilot/internal/common/config"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
)

var (
	isinTokenRe   = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{10}$`)
	tickerTokenRe = regexp.MustCompile(`^[A-Z]{2,6}(\.[A-Z])?$`)
	alnumRunRe    = regexp.MustCompile(`[A-Za-z0-9.]+`)
	splitRe       = regexp.MustCompile(`(?i)\b(?:and|or|vs|versus|with|against|compared\s+to)\b|[,;:/]`)
)

// Fuzzy scores below this are noise, not plausible company mentions, and
// are not worth a rejection record.
const minRecordableScore = 0.5

// Generic single tokens that never name a company on their own.
var genericTokens = map[string]bool{
	"what": true, "which": true, "who": true, "when": true, "where": true,
	"how": true, "why": true, "the": true, "a": true, "an": true, "is": true,
	"are": true, "of": true, "for": true, "in": true, "on": true, "to": true,
	"price": true, "prices": true, "yield": true, "dividend": true,
	"market": true, "macro": true, "sector": true, "region": true,
	"industry": true, "stock": true, "stocks": true, "share": true,
	"shares": true, "company": true, "companies": true, "ticker": true,
	"isin": true, "target": true, "recommendation": true, "outlook": true,
	"analysis": true, "top": true, "best": true, "worst": true,
	"highest": true, "lowest": true, "compare": true, "comparison": true,
	"tell": true, "me": true, "about": true, "show": true, "give": true,
	"list": true, "current": true, "latest": true, "today": true,
	"year": true, "europe": true, "european": true, "us": true, "usa": true,
	"global": true, "world": true, "economy": true, "inflation": true,
	"rates": true, "growth": true, "risk": true, "risks": true,
}

// Resolver maps question text to coverage-universe companies. Candidates
// that miss the confidence bar or tie between companies are rejected and the
// rejections kept for diagnostics.
type Resolver struct {
	config  config.EntitiesConfig
	catalog *Catalog
	logger  logger.Logger
}

func NewResolver(cfg config.EntitiesConfig, catalog *Catalog, log logger.Logger) *Resolver {
	return &Resolver{
		config:  cfg,
		catalog: catalog,
		logger: log.WithFields(map[string]interface{}{
			"stage": "entities",
		}),
	}
}

// Resolve extracts company mentions from the question and resolves each one.
// Resolution precedence: exact ISIN, exact ticker, exact name alias, fuzzy
// name match.
func (r *Resolver) Resolve(ctx context.Context, question string) ([]models.ResolvedEntity, []models.RejectedCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var resolved []models.ResolvedEntity
	var rejected []models.RejectedCandidate
	seen := map[string]bool{}

	accept := func(rec *CompanyRecord, mention, method string, score float64) {
		if seen[rec.ISIN] {
			return
		}
		if len(resolved) >= r.config.MaxEntities {
			rejected = append(rejected, models.RejectedCandidate{
				Mention:   mention,
				BestMatch: rec.Name,
				Score:     score,
				Reason:    models.RejectReasonOverLimit,
			})
			return
		}
		seen[rec.ISIN] = true
		resolved = append(resolved, models.ResolvedEntity{
			ISIN:        rec.ISIN,
			Ticker:      rec.Ticker,
			CompanyName: rec.Name,
			Mention:     mention,
			Method:      method,
			Score:       score,
		})
	}

	// Identifier pass over uppercase alphanumeric runs.
	for _, token := range alnumRunRe.FindAllString(question, -1) {
		token = strings.Trim(token, ".")
		if token == "" || token != strings.ToUpper(token) {
			continue
		}
		if isinTokenRe.MatchString(token) {
			if rec, ok := r.catalog.ByISIN(token); ok {
				accept(rec, token, models.ResolutionMethodISIN, 1.0)
				continue
			}
		}
		if tickerTokenRe.MatchString(token) {
			if rec, ok := r.catalog.ByTicker(token); ok {
				accept(rec, token, models.ResolutionMethodTicker, 1.0)
			}
		}
	}

	// Name pass over connector-separated segments.
	for _, segment := range splitSegments(question) {
		for _, phrase := range candidatePhrases(segment) {
			if rec, ok := r.catalog.ByAlias(phrase); ok {
				accept(rec, phrase, models.ResolutionMethodAlias, 1.0)
				continue
			}
		}
		if match := r.fuzzyMatch(segment); match != nil {
			if match.accepted {
				accept(match.record, match.mention, models.ResolutionMethodFuzzy, match.score)
			} else if match.score > 0 {
				rejected = append(rejected, models.RejectedCandidate{
					Mention:   match.mention,
					BestMatch: match.record.Name,
					Score:     match.score,
					Reason:    match.reason,
				})
			}
		}
	}

	r.logger.Debug("resolution finished", map[string]interface{}{
		"resolved": len(resolved),
		"rejected": len(rejected),
	})
	return resolved, rejected, nil
}

type fuzzyResult struct {
	record   *CompanyRecord
	mention  string
	score    float64
	accepted bool
	reason   string
}

// fuzzyMatch scans token windows of the segment against the alias index and
// keeps the best-scoring window. A near-tie between two different companies
// is ambiguous and rejected.
func (r *Resolver) fuzzyMatch(segment string) *fuzzyResult {
	var best, second *fuzzyResult

	for _, phrase := range candidatePhrases(segment) {
		for alias, rec := range r.catalog.Aliases() {
			score := similarity(phrase, alias)
			if score <= 0 {
				continue
			}
			cand := &fuzzyResult{record: rec, mention: phrase, score: score}
			if best == nil || score > best.score {
				if best != nil && best.record.ISIN != cand.record.ISIN {
					second = best
				}
				best = cand
			} else if best.record.ISIN != rec.ISIN && (second == nil || score > second.score) {
				second = cand
			}
		}
	}

	if best == nil || best.score < minRecordableScore {
		return nil
	}
	if best.score < r.config.ConfidenceThreshold {
		best.reason = models.RejectReasonBelowThreshold
		return best
	}
	if second != nil && best.score-second.score < r.config.AmbiguityMargin {
		best.reason = models.RejectReasonAmbiguous
		return best
	}
	best.accepted = true
	return best
}

// splitSegments splits on comparison connectors and list punctuation so each
// company mention lands in its own segment.
func splitSegments(question string) []string {
	parts := splitRe.Split(question, -1)
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	return segments
}

// candidatePhrases generates normalized token windows of one to four tokens,
// skipping windows that are a single generic word.
func candidatePhrases(segment string) []string {
	tokens := strings.Fields(normalizeText(segment))
	var phrases []string
	seen := map[string]bool{}
	for size := 4; size >= 1; size-- {
		for start := 0; start+size <= len(tokens); start++ {
			window := tokens[start : start+size]
			if size == 1 && (genericTokens[window[0]] || len(window[0]) < 3) {
				continue
			}
			phrase := strings.Join(window, " ")
			if !seen[phrase] {
				seen[phrase] = true
				phrases = append(phrases, phrase)
			}
		}
	}
	return phrases
}

// similarity is a normalized Levenshtein score in [0,1]. Very short phrases
// are excluded: edit distance is meaningless there and exact passes already
// cover them.
func similarity(a, b string) float64 {
	if len(a) < 4 || len(b) < 4 {
		if a == b {
			return 1.0
		}
		return 0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	dist := levenshtein.Distance(a, b, nil)
	return 1.0 - float64(dist)/float64(maxLen)
}
