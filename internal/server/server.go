// Package server exposes the bridge to the visitor widget and the agent
// console over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chatwoot/chatbridge/internal/api"
	"github.com/chatwoot/chatbridge/internal/bridge"
	"github.com/chatwoot/chatbridge/internal/debug"
)

const (
	// DefaultMaxBodyBytes bounds inbound JSON bodies.
	DefaultMaxBodyBytes = 64 << 10

	shutdownTimeout    = 5 * time.Second
	healthCheckTimeout = 3 * time.Second
)

// Service is the bridge surface the handlers call. *bridge.Bridge implements it.
type Service interface {
	Start(ctx context.Context, req bridge.StartRequest) (*bridge.StartResult, error)
	ListMessages(ctx context.Context, conversationID, limit int, view bridge.View) ([]bridge.Message, error)
	Send(ctx context.Context, req bridge.SendRequest) (*bridge.SendResult, error)
	Resolve(ctx context.Context, conversationID int) (bool, error)
	ListConversations(ctx context.Context, limit int) ([]bridge.ConversationSummary, error)
	FindAgents(query string) []api.Agent
}

var _ Service = (*bridge.Bridge)(nil)

// RemoteChecker checks the remote backend. *api.Client implements it.
type RemoteChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

var _ RemoteChecker = (*api.Client)(nil)

// Health describes the deployment for the health endpoint.
type Health struct {
	BaseURL      string
	InboxID      int
	CacheBackend string
}

// Options configures a Server.
type Options struct {
	// ConfigErr, when set, is answered on every bridge endpoint. The server
	// still starts so the health endpoint can report the problem.
	ConfigErr error
	Health    Health
	// Remote, when set, is checked by the health endpoint.
	Remote       RemoteChecker
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Server routes inbound requests to a Service.
type Server struct {
	svc     Service
	opts    Options
	logger  *slog.Logger
	handler http.Handler
}

// New returns a Server. svc may be nil only when opts.ConfigErr is set.
func New(svc Service, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		svc:    svc,
		opts:   opts,
		logger: debug.Component(opts.Logger, "server"),
	}
	s.handler = s.recoverer(s.logRequests(s.routes()))
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /chat/api/health", s.handleHealth)
	mux.HandleFunc("GET /chat/api/status", s.handleHealth)
	mux.HandleFunc("POST /chat/api/start", s.ready(s.handleStart))
	mux.HandleFunc("GET /chat/api/messages", s.ready(s.handleListMessages))
	mux.HandleFunc("POST /chat/api/messages", s.ready(s.handleSendMessage))
	mux.HandleFunc("POST /chat/api/resolve", s.ready(s.handleResolve))

	mux.HandleFunc("GET /admin/chatwoot/api/conversations", s.ready(s.handleAdminConversations))
	mux.HandleFunc("GET /admin/chatwoot/api/conversations/{id}/messages", s.ready(s.handleAdminMessages))
	mux.HandleFunc("POST /admin/chatwoot/api/conversations/{id}/messages", s.ready(s.handleAdminSend))
	mux.HandleFunc("GET /admin/chatwoot/api/agents", s.ready(s.handleAdminAgents))
	return mux
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// ready answers config_incomplete while the configuration is incomplete.
func (s *Server) ready(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.ConfigErr != nil || s.svc == nil {
			err := s.opts.ConfigErr
			if err == nil {
				err = errors.New("bridge is not configured")
			}
			s.writeError(w, r, &bridge.Error{Kind: bridge.KindConfigIncomplete, Err: err})
			return
		}
		next(w, r)
	}
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
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", v)
				writeJSON(w, http.StatusInternalServerError, errorBody{
					Error:   string(bridge.KindInternal),
					Message: "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
