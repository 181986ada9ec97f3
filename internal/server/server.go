// Package server exposes the ask pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"research-copilot/internal/common/config"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/common/observability"
	"research-copilot/internal/models"
	"research-copilot/internal/pipeline/diag"
	"research-copilot/internal/pipeline/router"
)

const maxQuestionChars = 2000

// ReportReader loads saved diagnostics reports.
type ReportReader interface {
	Get(ctx context.Context, requestID string) (*models.PipelineResult, error)
}

type Server struct {
	config  config.ServerConfig
	router  *router.Router
	reports ReportReader
	obs     *observability.Observability
	logger  logger.Logger
	http    *http.Server
}

func New(cfg config.ServerConfig, r *router.Router, reports ReportReader, obs *observability.Observability, log logger.Logger) *Server {
	s := &Server{
		config:  cfg,
		router:  r,
		reports: reports,
		obs:     obs,
		logger: log.WithFields(map[string]interface{}{
			"component": "server",
		}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("GET /diagnostics/{id}", s.handleDiagnostics)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Millisecond,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe runs the server until the listener fails or Shutdown is
// called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", map[string]interface{}{
		"addr": s.http.Addr,
	})
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type askRequest struct {
	Question string `json:"question"`
	Debug    bool   `json:"debug,omitempty"`
}

type askResponse struct {
	RequestID string          `json:"requestId"`
	Answer    string          `json:"answer"`
	Sources   []models.Source `json:"sources,omitempty"`
	Intent    string          `json:"intent"`
	UsedSQL   bool            `json:"usedSql"`
	UsedRAG   bool            `json:"usedRag"`

	// Populated only when the caller asked for debug output.
	Entities    []models.ResolvedEntity `json:"entities,omitempty"`
	Diagnostics []models.Diagnostic     `json:"diagnostics,omitempty"`
	Evidence    *models.EvidenceBundle  `json:"evidence,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "request body must be JSON with a question field")
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		s.writeError(w, http.StatusBadRequest, "question must not be empty")
		return
	}
	if len(question) > maxQuestionChars {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("question exceeds %d characters", maxQuestionChars))
		return
	}

	result := s.router.Ask(r.Context(), question)

	if s.obs != nil {
		s.obs.RecordRequest(r.Context(), string(result.State))
		s.obs.RecordRequestDuration(r.Context(), time.Since(start), string(result.State))
	}

	resp := askResponse{
		RequestID: result.RequestID,
		Answer:    result.Answer.Text,
		Sources:   result.Answer.Sources,
		Intent:    string(result.Intent.Intent),
		UsedSQL:   result.Evidence.UsedSQL,
		UsedRAG:   result.Evidence.UsedRAG,
	}
	if req.Debug {
		resp.Entities = result.Entities
		resp.Diagnostics = result.Diagnostics
		resp.Evidence = &result.Evidence
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	if requestID == "" {
		s.writeError(w, http.StatusBadRequest, "request id is required")
		return
	}

	report, err := s.reports.Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, diag.ErrReportNotFound) {
			s.writeError(w, http.StatusNotFound, "no diagnostics report for this request id")
			return
		}
		s.logger.Error("diagnostics lookup failed", map[string]interface{}{
			"requestId": requestID,
			"error":     err.Error(),
		})
		s.writeError(w, http.StatusInternalServerError, "diagnostics lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("response encoding failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
