package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nstogner/codeagent/pkg/domain"
	"github.com/nstogner/codeagent/pkg/sandbox"
	"github.com/nstogner/codeagent/pkg/store"
)

// Agent runs conversations. It is implemented by *controller.Controller.
type Agent interface {
	CreateSession(ctx context.Context) (*domain.Session, error)
	Info(ctx context.Context, sessionID string) (domain.Session, int, error)
	Send(ctx context.Context, sessionID string, content []domain.Content) (*domain.Message, error)
	Compact(ctx context.Context, sessionID string) (bool, error)
}

// SandboxStatus reports the live sandbox state.
type SandboxStatus interface {
	Status(ctx context.Context) (sandbox.State, error)
}

// Server serves the REST API and the WebSocket chat feed.
type Server struct {
	agent   Agent
	store   store.Store
	sandbox SandboxStatus
	srv     *http.Server
}

// New creates a new Server.
func New(agent Agent, st store.Store, sb SandboxStatus) *Server {
	s := &Server{
		agent:   agent,
		store:   st,
		sandbox: sb,
	}
	s.srv = &http.Server{Handler: s.Handler()}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/compact", s.handleCompact)

	// Messages
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSendMessage)

	// Runs
	mux.HandleFunc("GET /api/sessions/{id}/runs", s.handleListRuns)

	// Sandbox
	mux.HandleFunc("GET /api/sandbox", s.handleSandboxStatus)

	// WebSocket
	mux.HandleFunc("/api/sessions/{id}/chat", s.handleChatWebSocket)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	s.srv.Addr = addr

	slog.Info("Starting web server", "addr", addr)
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "status", status, "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	var storageErr *store.StorageError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
