package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"research-copilot/internal/common/config"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
	"research-copilot/internal/pipeline/diag"
	"research-copilot/internal/pipeline/router"
)

// ==========================
// Test Helper Functions
// ==========================

type stubClassifier struct{}

func (stubClassifier) Classify(ctx context.Context, question string) (models.IntentResult, error) {
	return models.IntentResult{Intent: models.IntentMacroOnly, Confidence: 0.9}, nil
}

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, question string) ([]models.ResolvedEntity, []models.RejectedCandidate, error) {
	return nil, nil, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, question string, entities []models.ResolvedEntity) (models.StructuredQuery, error) {
	return models.StructuredQuery{RawSQL: "SELECT company_name FROM equities"}, nil
}

type stubGuard struct{}

func (stubGuard) Validate(candidate models.StructuredQuery, question string, entities []models.ResolvedEntity) (models.StructuredQuery, error) {
	candidate.Approved = true
	candidate.SQL = candidate.RawSQL
	return candidate, nil
}

type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, query models.StructuredQuery) (*models.StructuredResult, error) {
	return &models.StructuredResult{RowCount: 0}, nil
}

type stubRetriever struct{}

func (stubRetriever) Retrieve(ctx context.Context, question string, entities []models.ResolvedEntity) (*models.RetrievalResult, error) {
	return &models.RetrievalResult{
		Snippets: []models.Snippet{{DocID: "doc-1", DocTitle: "Macro Note", Text: "Growth is slowing.", Score: 0.8}},
		Sources:  []models.Source{{DocID: "doc-1", DocTitle: "Macro Note"}},
	}, nil
}

type stubComposer struct{}

func (stubComposer) Compose(ctx context.Context, question string, entities []models.ResolvedEntity, evidence models.EvidenceBundle) (models.Answer, bool) {
	return models.Answer{Text: "growth is slowing", Sources: []models.Source{{DocID: "doc-1"}}}, false
}

type stubReports struct {
	reports map[string]*models.PipelineResult
}

func (s *stubReports) Save(ctx context.Context, result *models.PipelineResult) error {
	if s.reports == nil {
		s.reports = map[string]*models.PipelineResult{}
	}
	s.reports[result.RequestID] = result
	return nil
}

func (s *stubReports) Get(ctx context.Context, requestID string) (*models.PipelineResult, error) {
	report, ok := s.reports[requestID]
	if !ok {
		return nil, diag.ErrReportNotFound
	}
	return report, nil
}

func createTestServer(t *testing.T) (*Server, *stubReports) {
	log := logger.NewZapAdapter(zaptest.NewLogger(t))
	reports := &stubReports{}

	routerCfg := config.RouterConfig{
		UnknownRunsBoth:         true,
		IntentOverrideThreshold: 0.8,
		NotFoundTemplate:        "not found: %q",
	}
	r := router.New(routerCfg, stubClassifier{}, stubResolver{}, stubGenerator{}, stubGuard{},
		stubExecutor{}, stubRetriever{}, stubComposer{}, reports, log)

	cfg := config.ServerConfig{Port: 0, ReadTimeout: 1000, WriteTimeout: 1000}
	return New(cfg, r, reports, nil, log), reports
}

func postAsk(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// ==========================
// Ask Endpoint Tests
// ==========================

func TestServer_Ask_Success(t *testing.T) {
	srv, _ := createTestServer(t)

	rec := postAsk(t, srv, `{"question": "What is the macro outlook?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp askResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "growth is slowing", resp.Answer)
	assert.Equal(t, "macro_only", resp.Intent)
	assert.False(t, resp.UsedSQL)
	assert.True(t, resp.UsedRAG)
	assert.NotEmpty(t, resp.RequestID)
	assert.Empty(t, resp.Diagnostics)
	assert.Nil(t, resp.Evidence)
}

func TestServer_Ask_DebugIncludesEvidence(t *testing.T) {
	srv, _ := createTestServer(t)

	rec := postAsk(t, srv, `{"question": "What is the macro outlook?", "debug": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp askResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Evidence)
	assert.True(t, resp.Evidence.UsedRAG)
}

func TestServer_Ask_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "question please"},
		{name: "empty question", body: `{"question": "   "}`},
		{name: "oversized question", body: `{"question": "` + strings.Repeat("a", 3000) + `"}`},
	}

	srv, _ := createTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postAsk(t, srv, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServer_Ask_MethodNotAllowed(t *testing.T) {
	srv, _ := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ask", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// ==========================
// Diagnostics Endpoint Tests
// ==========================

func TestServer_Diagnostics_RoundTrip(t *testing.T) {
	srv, reports := createTestServer(t)

	rec := postAsk(t, srv, `{"question": "What is the macro outlook?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp askResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, reports.reports, resp.RequestID)

	req := httptest.NewRequest(http.MethodGet, "/diagnostics/"+resp.RequestID, nil)
	diagRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(diagRec, req)
	require.Equal(t, http.StatusOK, diagRec.Code)

	var report models.PipelineResult
	require.NoError(t, json.Unmarshal(diagRec.Body.Bytes(), &report))
	assert.Equal(t, resp.RequestID, report.RequestID)
	assert.Equal(t, models.StateDone, report.State)
}

func TestServer_Diagnostics_NotFound(t *testing.T) {
	srv, _ := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/diagnostics/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ==========================
// Health Endpoint Tests
// ==========================

func TestServer_Healthz(t *testing.T) {
	srv, _ := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}