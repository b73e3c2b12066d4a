// Package server exposes workspaces, threads and streaming replies over HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/branch"
	"github.com/qing1huan/DeepThink/internal/chat"
	"github.com/qing1huan/DeepThink/internal/tree"
	"github.com/qing1huan/DeepThink/internal/upstream"
	"github.com/qing1huan/DeepThink/internal/workspace"
)

var (
	errBadRequest = errors.New("bad request")
	errNoContent  = errors.Wrap(errBadRequest, "content is required")
)

type Server struct {
	router  *mux.Router
	spaces  *workspace.Manager
	engine  *chat.Engine
	creator *branch.Creator
	proxy   chat.Streamer
	logger  *zap.Logger
}

// New wires the routes. proxy serves the stateless transform endpoint.
func New(spaces *workspace.Manager, engine *chat.Engine, creator *branch.Creator, proxy chat.Streamer, logger *zap.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		spaces:  spaces,
		engine:  engine,
		creator: creator,
		proxy:   proxy,
		logger:  logger,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/chat/stream", s.transform).Methods(http.MethodPost)

	api.HandleFunc("/workspaces", s.listWorkspaces).Methods(http.MethodGet)
	api.HandleFunc("/workspaces", s.createWorkspace).Methods(http.MethodPost)
	api.HandleFunc("/workspaces/{ws}", s.deleteWorkspace).Methods(http.MethodDelete)

	ws := api.PathPrefix("/workspaces/{ws}").Subrouter()
	ws.HandleFunc("/threads", s.listThreads).Methods(http.MethodGet)
	ws.HandleFunc("/active", s.setActive).Methods(http.MethodPut)
	ws.HandleFunc("/threads/{id}", s.getThread).Methods(http.MethodGet)
	ws.HandleFunc("/threads/{id}", s.deleteThread).Methods(http.MethodDelete)
	ws.HandleFunc("/threads/{id}/context", s.getContext).Methods(http.MethodGet)
	ws.HandleFunc("/threads/{id}/fork", s.fork).Methods(http.MethodPost)
	ws.HandleFunc("/threads/{id}/branches", s.createBranch).Methods(http.MethodPost)
	ws.HandleFunc("/threads/{id}/messages", s.sendMessage).Methods(http.MethodPost)
	ws.HandleFunc("/threads/{id}/cancel", s.cancel).Methods(http.MethodPost)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) workspace(r *http.Request) (*workspace.Workspace, error) {
	return s.spaces.Get(mux.Vars(r)["ws"])
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errBadRequest, "invalid json")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tree.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, branch.ErrInvalidAction), errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, tree.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, upstream.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, chat.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusRecorder keeps the response status for logging and passes flushes
// through for streaming handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}
