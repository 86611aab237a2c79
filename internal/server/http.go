package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tasklytic/tasklytic/internal/protocol"
	"github.com/tasklytic/tasklytic/internal/realtime"
	"github.com/tasklytic/tasklytic/internal/schema"
)

// Server is the HTTP and websocket front of a Service.
type Server struct {
	service *Service
	hub     *realtime.Hub
	router  *chi.Mux
	logger  *log.Logger

	listener net.Listener
	http     *http.Server
	done     chan struct{}
}

type contextKey string

const scopeContextKey contextKey = "scope"

// New returns a Server exposing service, with hub publishing its changes.
func New(st *Store, hub *realtime.Hub, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	var publisher Publisher
	if hub != nil {
		publisher = hub
	}
	s := &Server{
		service: NewService(st, publisher, logger),
		hub:     hub,
		router:  chi.NewRouter(),
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

// Service returns the push/pull service behind the server.
func (s *Server) Service() *Service {
	return s.service
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.healthHandler)
	if s.hub != nil {
		s.router.Method(http.MethodGet, "/ws", s.hub)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(scopeMiddleware)
		r.Post("/push", s.pushHandler)
		r.Get("/pull", s.pullHandler)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down, closing realtime subscriptions first.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Println("Stopping sync server")
	if s.hub != nil {
		_ = s.hub.Close()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	<-s.done
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func scopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := protocol.ScopeFromHeaders(r.Header)
		if err := scope.Validate(); err != nil {
			jsonError(w, err.Error(), protocol.CodePermissionDenied, http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), scopeContextKey, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func scopeFromContext(r *http.Request) protocol.Scope {
	scope, _ := r.Context().Value(scopeContextKey).(protocol.Scope)
	return scope
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	subscribers := 0
	if s.hub != nil {
		subscribers = s.hub.Count()
	}
	jsonResponse(w, map[string]any{"status": "ok", "subscribers": subscribers}, http.StatusOK)
}

func (s *Server) pushHandler(w http.ResponseWriter, r *http.Request) {
	var req protocol.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", protocol.CodeInvalid, http.StatusBadRequest)
		return
	}

	results, err := s.service.Push(r.Context(), scopeFromContext(r), req.Changes)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	jsonResponse(w, protocol.PushResponse{Results: results}, http.StatusOK)
}

func (s *Server) pullHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := queryInt(q.Get("since"))
	if err != nil {
		jsonError(w, "invalid since", protocol.CodeInvalid, http.StatusBadRequest)
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		jsonError(w, "invalid limit", protocol.CodeInvalid, http.StatusBadRequest)
		return
	}

	resp, err := s.service.Pull(r.Context(), scopeFromContext(r), since, int(limit))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, protocol.ErrPermissionDenied):
		jsonError(w, err.Error(), protocol.CodePermissionDenied, http.StatusForbidden)
	case errors.Is(err, schema.ErrSchemaInvalid):
		jsonError(w, err.Error(), protocol.CodeInvalid, http.StatusBadRequest)
	default:
		s.logger.Printf("Request failed: %v", err)
		jsonError(w, "internal error", protocol.CodeInternal, http.StatusInternalServerError)
	}
}

func queryInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message, code string, status int) {
	jsonResponse(w, protocol.ErrorResponse{Error: message, Code: code}, status)
}
