// Package httpapi is the operator/UI surface of the orchestrator: the
// authoritative JSON HTTP endpoints and the advisory WebSocket
// mirror of the Progress Bus. Every UI feature is achievable
// via HTTP alone; the WebSocket stream only reduces polling.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/orchestrator/internal/config"
	"github.com/basket/orchestrator/internal/controller"
	"github.com/basket/orchestrator/internal/directives"
	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/reaper"
	"github.com/basket/orchestrator/internal/recovery"
	"github.com/basket/orchestrator/internal/shared"
	"github.com/basket/orchestrator/internal/store"
)

// Server holds the HTTP surface's collaborators.
type Server struct {
	controller *controller.Controller
	recovery   *recovery.API
	reaper     *reaper.Reaper
	progress   *progress.Bus
	store      *store.Store
	logger     *slog.Logger
}

// Config wires a Server.
type Config struct {
	Controller *controller.Controller
	Recovery   *recovery.API
	Reaper     *reaper.Reaper
	Progress   *progress.Bus
	Store      *store.Store
	Logger     *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		controller: cfg.Controller,
		recovery:   cfg.Recovery,
		reaper:     cfg.Reaper,
		progress:   cfg.Progress,
		store:      cfg.Store,
		logger:     logger.With("component", "httpapi"),
	}
}

// Handler assembles the route table with auth, CORS, and body-size
// middleware applied.
func (s *Server) Handler(authCfg config.AuthConfig, corsCfg config.CORSConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks", s.handleStartTask)
	mux.HandleFunc("POST /tasks/{task_id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /tasks/active", s.handleActiveTask)
	mux.HandleFunc("GET /tasks/{task_id}", s.handleGetTask)
	mux.HandleFunc("GET /tasks/{task_id}/logs", s.handleGetLogs)
	mux.HandleFunc("GET /tasks/{task_id}/events", s.handleGetEvents)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("POST /admin/reset", s.handleAdminReset)
	mux.HandleFunc("POST /admin/archive", s.handleAdminArchive)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(0)(h)
	h = NewCORSMiddleware(corsCfg)(h)
	h = NewAuthMiddleware(authCfg).Wrap(h)
	h = TraceIDMiddleware(h)
	return h
}

// TraceIDMiddleware assigns every request a trace_id (honoring one the
// caller already minted), exposes it on the response, and stores it in the
// request context so handler logs and downstream calls carry it.
func TraceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), traceID)))
	})
}

type errorBody struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *directives.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Message, ErrorKind: verr.Code})
	case errors.Is(err, store.ErrTaskAlreadyActive):
		writeJSON(w, http.StatusConflict, errorBody{Error: "another task is already active", ErrorKind: "TaskAlreadyActive"})
	case errors.Is(err, store.ErrTaskTerminal):
		writeJSON(w, http.StatusConflict, errorBody{Error: "task is terminal", ErrorKind: "TaskTerminal"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	default:
		s.logger.Error("request failed", "error", err, "trace_id", shared.TraceID(r.Context()))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

type startTaskRequest struct {
	Preferences directives.Directives `json:"preferences"`
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body: " + err.Error(), ErrorKind: directives.CodeContradictoryDirectives})
		return
	}

	taskID, err := s.controller.Start(r.Context(), req.Preferences)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	accepted, err := s.controller.Cancel(r.Context(), taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (s *Server) handleActiveTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.recovery.GetActiveTask(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.recovery.GetTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	since, _ := strconv.ParseInt(r.URL.Query().Get("since_sequence"), 10, 64)
	if r.URL.Query().Get("since_sequence") == "" {
		since = -1 // include sequence 0
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if _, err := s.recovery.GetTask(r.Context(), taskID); err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.recovery.GetLogs(r.Context(), taskID, since, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if page.Entries == nil {
		page.Entries = []store.LogEntry{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	var kinds []string
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		kinds = strings.Split(raw, ",")
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events := s.recovery.GetRecentEvents(taskID, kinds, limit)
	if events == nil {
		events = []progress.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	filter := store.TaskFilter{
		Status: store.TaskStatus(q.Get("status")),
		Kind:   store.TaskKind(q.Get("kind")),
		Limit:  limit,
		Offset: offset,
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	n, err := s.reaper.ComprehensiveReset(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "tasks_revoked": n})
}

func (s *Server) handleAdminArchive(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("older_than")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "older_than is required (e.g. 720h)"})
		return
	}
	retention, err := time.ParseDuration(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid older_than duration: " + err.Error()})
		return
	}
	n, err := s.reaper.ArchiveOlderThan(r.Context(), retention)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": n})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
