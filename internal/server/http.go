package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/plangate/internal/api"
	"github.com/ppiankov/plangate/internal/history"
)

// maxPlanBytes caps an HTTP request body.
const maxPlanBytes = 64 << 20

// Handler returns the HTTP API:
//
//	GET  /healthz          liveness plus the active rule-set
//	GET  /v1/rules         compiled rules
//	POST /v1/evaluate      body is a plan JSON document; ?source= names it
//	GET  /v1/runs/{id}     one recorded run (needs a history store)
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/rules", s.handleRules)
		r.Post("/evaluate", s.handleEvaluate)
		r.Get("/runs/{id}", s.handleRun)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rs := s.current().RuleSet()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"ruleset":      rs.Name,
		"ruleset_hash": rs.Hash,
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	resp, _ := s.Rules(r.Context(), &api.RulesRequest{})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPlanBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	source := r.URL.Query().Get("source")
	if source == "" {
		source = "http"
	}

	resp, err := s.Evaluate(r.Context(), &api.EvaluateRequest{Plan: body, Source: source})
	if err != nil {
		writeError(w, httpStatus(err), errors.New(status.Convert(err).Message()))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, errors.New("no history store configured"))
		return
	}
	entry, err := s.cfg.History.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, entry)
	}
}

func httpStatus(err error) int {
	switch status.Code(err) {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	case codes.FailedPrecondition:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
