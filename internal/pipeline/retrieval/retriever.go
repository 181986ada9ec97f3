// Package retrieval searches the research document index for chunks relevant
// to the question.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"research-copilot/internal/common/config"
	apperrors "research-copilot/internal/common/errors"
	"research-copilot/internal/common/genai"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
)

type Retriever struct {
	config   config.RetrievalConfig
	client   *elasticsearch.Client
	index    string
	embedder genai.Embedder
	logger   logger.Logger
}

func NewRetriever(cfg config.RetrievalConfig, client *elasticsearch.Client, index string, embedder genai.Embedder, log logger.Logger) *Retriever {
	return &Retriever{
		config:   cfg,
		client:   client,
		index:    index,
		embedder: embedder,
		logger: log.WithFields(map[string]interface{}{
			"stage": "retrieval",
		}),
	}
}

// chunkHit is one indexed document chunk as stored.
type chunkHit struct {
	ID     string
	Score  float64
	Source struct {
		DocID                    string   `json:"doc_id"`
		DocTitle                 string   `json:"doc_title"`
		Page                     int      `json:"page"`
		Text                     string   `json:"text"`
		MentionsCompanyNamesNorm []string `json:"mentions_company_names_norm"`
		MentionsTickers          []string `json:"mentions_tickers"`
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string          `json:"_id"`
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Retrieve embeds the question with entity context and runs a vector search.
// When entities are known it first narrows to chunks mentioning them, by
// normalized name then by ticker, and merges with an unfiltered pass so a
// sparse mention index cannot blank out the branch.
func (r *Retriever) Retrieve(ctx context.Context, question string, entities []models.ResolvedEntity) (*models.RetrievalResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(r.config.Timeout)*time.Millisecond)
	defer cancel()

	vector, err := r.embedder.Embed(callCtx, queryText(question, entities))
	if err != nil {
		return nil, apperrors.NewRetrievalUnavailableError(err)
	}

	var merged []chunkHit
	seen := map[string]bool{}
	for _, filter := range r.mentionFilters(entities) {
		hits, err := r.search(callCtx, vector, filter)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if !seen[h.ID] {
				seen[h.ID] = true
				merged = append(merged, h)
			}
		}
	}

	// The cascade appends in pass order; snippets must come out in
	// relevance order regardless of which pass found them.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	result := r.assemble(merged)
	r.logger.Debug("retrieval finished", map[string]interface{}{
		"hits":     len(merged),
		"snippets": len(result.Snippets),
	})
	return result, nil
}

// mentionFilters returns the filter cascade: mention-by-name, mention-by-
// ticker, then unfiltered. Without entities only the unfiltered pass runs.
func (r *Retriever) mentionFilters(entities []models.ResolvedEntity) []map[string]interface{} {
	if len(entities) == 0 {
		return []map[string]interface{}{nil}
	}

	names := make([]string, 0, len(entities))
	tickers := make([]string, 0, len(entities))
	for _, e := range entities {
		if e.CompanyName != "" {
			names = append(names, strings.ToLower(e.CompanyName))
		}
		if e.Ticker != "" {
			tickers = append(tickers, e.Ticker)
		}
	}

	filters := []map[string]interface{}{}
	if len(names) > 0 {
		filters = append(filters, map[string]interface{}{
			"terms": map[string]interface{}{"mentions_company_names_norm": names},
		})
	}
	if len(tickers) > 0 {
		filters = append(filters, map[string]interface{}{
			"terms": map[string]interface{}{"mentions_tickers": tickers},
		})
	}
	filters = append(filters, nil)
	return filters
}

func (r *Retriever) search(ctx context.Context, vector []float32, filter map[string]interface{}) ([]chunkHit, error) {
	knn := map[string]interface{}{
		"field":          "embedding",
		"query_vector":   vector,
		"k":              r.config.TopK,
		"num_candidates": r.config.TopK * 10,
	}
	if filter != nil {
		knn["filter"] = filter
	}

	body, err := json.Marshal(map[string]interface{}{"knn": knn, "size": r.config.TopK})
	if err != nil {
		return nil, apperrors.NewRetrievalUnavailableError(err)
	}

	req := esapi.SearchRequest{
		Index: []string{r.index},
		Body:  strings.NewReader(string(body)),
	}
	res, err := req.Do(ctx, r.client)
	if err != nil {
		return nil, apperrors.NewRetrievalUnavailableError(err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, apperrors.NewRetrievalUnavailableError(fmt.Errorf("search returned %s", res.Status()))
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, apperrors.NewRetrievalUnavailableError(err)
	}

	hits := make([]chunkHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		var hit chunkHit
		hit.ID = h.ID
		hit.Score = h.Score
		if err := json.Unmarshal(h.Source, &hit.Source); err != nil {
			continue
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// assemble filters by score, deduplicates near-identical chunks and trims
// the result to the snippet and source budgets. An empty result is a normal
// outcome, not an error.
func (r *Retriever) assemble(hits []chunkHit) *models.RetrievalResult {
	result := &models.RetrievalResult{}
	totalChars := 0
	type pageKey struct {
		docID string
		page  int
	}
	seenPage := map[pageKey]bool{}
	var keptTexts []string
	sourcePages := map[string][]int{}
	sourceTitles := map[string]string{}
	var sourceOrder []string

	for _, hit := range hits {
		if hit.Score < r.config.MinScore {
			continue
		}
		if len(result.Snippets) >= r.config.MaxSnippets {
			break
		}

		key := pageKey{docID: hit.Source.DocID, page: hit.Source.Page}
		if seenPage[key] {
			continue
		}
		if r.nearDuplicate(hit.Source.Text, keptTexts) {
			continue
		}

		text := strings.TrimSpace(hit.Source.Text)
		if text == "" {
			continue
		}
		if totalChars+len(text) > r.config.MaxTextChars {
			remaining := r.config.MaxTextChars - totalChars
			if remaining <= 0 {
				break
			}
			text = truncateAtWord(text, remaining)
		}

		seenPage[key] = true
		keptTexts = append(keptTexts, hit.Source.Text)
		totalChars += len(text)

		result.Snippets = append(result.Snippets, models.Snippet{
			DocID:    hit.Source.DocID,
			DocTitle: hit.Source.DocTitle,
			Page:     hit.Source.Page,
			Text:     text,
			Score:    hit.Score,
		})

		if _, ok := sourcePages[hit.Source.DocID]; !ok {
			if len(sourceOrder) >= r.config.MaxSources {
				continue
			}
			sourceOrder = append(sourceOrder, hit.Source.DocID)
			sourceTitles[hit.Source.DocID] = hit.Source.DocTitle
		}
		sourcePages[hit.Source.DocID] = append(sourcePages[hit.Source.DocID], hit.Source.Page)
	}

	for _, docID := range sourceOrder {
		result.Sources = append(result.Sources, models.Source{
			DocID:    docID,
			DocTitle: sourceTitles[docID],
			Pages:    sourcePages[docID],
		})
	}
	return result
}

// nearDuplicate reports whether text is almost identical to an already kept
// chunk, using trigram overlap.
func (r *Retriever) nearDuplicate(text string, kept []string) bool {
	for _, k := range kept {
		if trigramSimilarity(text, k) >= r.config.DedupSimilarityThreshold {
			return true
		}
	}
	return false
}

func trigramSimilarity(a, b string) float64 {
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		if a == b {
			return 1.0
		}
		return 0
	}
	overlap := 0
	for g := range ta {
		if tb[g] {
			overlap++
		}
	}
	union := len(ta) + len(tb) - overlap
	return float64(overlap) / float64(union)
}

func trigrams(s string) map[string]bool {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	grams := map[string]bool{}
	for i := 0; i+3 <= len(s); i++ {
		grams[s[i:i+3]] = true
	}
	return grams
}

// queryText augments the question with canonical entity context so the
// vector reflects the companies the question is about.
func queryText(question string, entities []models.ResolvedEntity) string {
	if len(entities) == 0 {
		return strings.TrimSpace(question)
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\nEntity context (canonical):\n")
	for _, e := range entities {
		fmt.Fprintf(&b, "- %s | %s | %s\n", e.CompanyName, e.Ticker, e.ISIN)
	}
	return b.String()
}

func truncateAtWord(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}
