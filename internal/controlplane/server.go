package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/store"
	"github.com/fentz26/scriptd/internal/version"
	"github.com/fentz26/scriptd/internal/xjson"
)

// Server provides the HTTP API for scriptd.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		addr:    addr,
		logger:  logger.With("component", "http"),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Execution endpoints
	mux.HandleFunc("POST /executions", s.submitExecution)
	mux.HandleFunc("GET /executions", s.listExecutions)
	mux.HandleFunc("GET /executions/status", s.getStatus)
	mux.HandleFunc("GET /executions/{id}", s.getExecution)
	mux.HandleFunc("GET /executions/{id}/audit", s.getExecutionAudit)
	mux.HandleFunc("POST /executions/{id}/cancel", s.cancelExecution)

	// Script registry endpoints
	mux.HandleFunc("POST /scripts", s.registerScript)
	mux.HandleFunc("GET /scripts", s.listScripts)
	mux.HandleFunc("GET /scripts/{id}", s.getScript)
	mux.HandleFunc("POST /scripts/{id}/activate", s.setScriptActive(true))
	mux.HandleFunc("POST /scripts/{id}/deactivate", s.setScriptActive(false))

	mux.HandleFunc("GET /workers", s.getWorkers)
	mux.HandleFunc("GET /interpreters", s.getInterpreters)
	mux.HandleFunc("/health", s.handleHealth)

	return s.logRequests(mux)
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting scriptd API", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	xjson.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: errorKind(err)})
}

func decodeBody(r *http.Request, v any) error {
	dec := xjson.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrBadRequest, err)
	}
	return nil
}

// --- Execution Handlers ---

func (s *Server) submitExecution(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Parameters = xjson.ExactNumbers(req.Parameters)
	resp, err := s.service.SubmitExecution(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ExecutionFilter{
		Status:     models.ExecutionStatus(q.Get("status")),
		ScriptName: q.Get("script"),
		CallerID:   q.Get("caller"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", ErrBadRequest))
			return
		}
		f.Limit = n
	}

	recs, err := s.service.ListExecutions(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	handle, id := q.Get("task_handle"), q.Get("execution_id")
	if handle == "" && id == "" {
		s.writeError(w, r, fmt.Errorf("%w: task_handle or execution_id is required", ErrBadRequest))
		return
	}
	view, err := s.service.GetStatus(r.Context(), handle, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getExecutionAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ExecutionAudit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.CancelExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Script Handlers ---

func (s *Server) registerScript(w http.ResponseWriter, r *http.Request) {
	var req models.ScriptIdentity
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sc, err := s.service.RegisterScript(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) listScripts(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	scripts, err := s.service.ListScripts(r.Context(), !all)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if scripts == nil {
		scripts = []models.ScriptIdentity{}
	}
	writeJSON(w, http.StatusOK, scripts)
}

func scriptID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: script id must be a positive integer", ErrBadRequest)
	}
	return id, nil
}

func (s *Server) getScript(w http.ResponseWriter, r *http.Request) {
	id, err := scriptID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.service.GetScript(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) setScriptActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := scriptID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		sc, err := s.service.SetScriptActive(r.Context(), id, active)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sc)
	}
}

// --- Daemon Handlers ---

func (s *Server) getWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.WorkerStats())
}

func (s *Server) getInterpreters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Interpreters(r.Context()))
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		health.OK = false
		health.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}
