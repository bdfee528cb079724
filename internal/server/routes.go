package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/zsiec/stgen/internal/errors"
	"github.com/zsiec/stgen/internal/health"
	"github.com/zsiec/stgen/internal/logger"
	"github.com/zsiec/stgen/internal/metrics"
	"github.com/zsiec/stgen/internal/qos"
	"github.com/zsiec/stgen/internal/receiver"
	"github.com/zsiec/stgen/internal/results"
)

// SessionsResponse is the body of GET /api/v1/sessions.
type SessionsResponse struct {
	Sessions []receiver.SessionInfo `json:"sessions"`
	Count    int                    `json:"count"`
}

// QoSResponse is the body of GET /api/v1/qos.
type QoSResponse struct {
	RunID       string       `json:"run_id"`
	Passed      bool         `json:"passed"`
	PassedCount int          `json:"passed_count"`
	Total       int          `json:"total"`
	Results     []qos.Result `json:"results"`
}

func (s *Server) setupRoutes() {
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.errorHandler.Middleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)

	healthHandler := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods(http.MethodGet)
	s.router.HandleFunc("/version", healthHandler.HandleVersion).Methods(http.MethodGet)

	if s.opts.MetricsPath != "" {
		s.router.Handle(s.opts.MetricsPath, metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/qos", s.handleQoS).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sessions/{id}", s.handleSession).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet, http.MethodOptions)

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

func noSource(what string) *errors.AppError {
	return errors.NewNotFoundError(what).WithCode(errors.CodeNoSource)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.opts.Summary == nil {
		s.writeError(w, r, noSource("summary"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.opts.Summary.Summary())
}

// handleQoS validates the live summary; ?format=text returns the plain report.
func (s *Server) handleQoS(w http.ResponseWriter, r *http.Request) {
	if s.opts.Summary == nil {
		s.writeError(w, r, noSource("summary"))
		return
	}

	summary := s.opts.Summary.Summary()
	v := qos.Validate(summary, s.opts.QoS)

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		v.WriteReport(w)
		return
	}

	s.writeJSON(w, r, http.StatusOK, QoSResponse{
		RunID:       summary.RunID,
		Passed:      v.Passed(),
		PassedCount: v.PassedCount(),
		Total:       len(v.Results),
		Results:     v.Results,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sessions == nil {
		s.writeError(w, r, noSource("sessions"))
		return
	}

	sessions := s.opts.Sessions.Sessions()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	if sessions == nil {
		sessions = []receiver.SessionInfo{}
	}

	s.writeJSON(w, r, http.StatusOK, SessionsResponse{Sessions: sessions, Count: len(sessions)})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sessions == nil {
		s.writeError(w, r, noSource("sessions"))
		return
	}

	id := mux.Vars(r)["id"]
	info, ok := s.opts.Sessions.Session(id)
	if !ok {
		s.writeError(w, r, errors.NewSessionNotFoundError(id))
		return
	}
	s.writeJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Results == nil {
		s.writeError(w, r, noSource("results store"))
		return
	}

	runs, err := s.opts.Results.List(r.Context())
	if err != nil {
		s.writeError(w, r, errors.NewServiceDownError(s.opts.Results.Name()))
		logger.FromContext(r.Context()).WithError(err).Error("Failed to list runs")
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Results == nil {
		s.writeError(w, r, noSource("results store"))
		return
	}

	id := mux.Vars(r)["id"]
	run, err := s.opts.Results.Get(r.Context(), id)
	switch {
	case stderrors.Is(err, results.ErrRunNotFound):
		s.writeError(w, r, errors.NewRunNotFoundError(id, err))
	case err != nil:
		logger.FromContext(r.Context()).WithError(err).Error("Failed to load run")
		s.writeError(w, r, errors.NewServiceDownError(s.opts.Results.Name()))
	default:
		s.writeJSON(w, r, http.StatusOK, run)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.errorHandler.HandleError(w, r, err)
}
