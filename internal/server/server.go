// Package server exposes the kernel over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/kernelbox/internal/config"
	"github.com/michaelbrown/kernelbox/internal/kernel"
	"github.com/michaelbrown/kernelbox/internal/logging"
)

// Server is the HTTP server for the kernel API.
type Server struct {
	cfg     *config.Config
	manager *kernel.Manager
	gateway *kernel.Gateway
	relay   *kernel.Relay
	tools   *kernel.Tools
	log     *zap.Logger
	router  chi.Router
	http    *http.Server
}

// New creates a new Server. Callbacks recorded through tools are relayed by
// pull_message.
func New(cfg *config.Config, manager *kernel.Manager, tools *kernel.Tools, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		manager: manager,
		gateway: kernel.NewGateway(manager, cfg.Kernel.InterruptTimeout),
		relay:   kernel.NewRelay(manager, tools.Buffer(), cfg.Callbacks.PullLimit),
		tools:   tools,
		log:     log.With(zap.String("component", "http")),
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.With(jsonContentType).Get("/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		// WebSocket (no JSON content-type)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			r.Post("/reset_kernel", s.handleResetKernel)
			r.Post("/execute", s.handleExecute)
			r.Post("/interrupt", s.handleInterrupt)
			r.Post("/pull_message", s.handlePullMessage)

			tools := func(r chi.Router) {
				r.Post("/callback", s.handleCallback)
				r.Post("/log_exception", s.handleLogException)
				r.Post("/log_matplotlib_img_fallback", s.handleMatplotlibFallback)
			}
			r.Route("/tool", tools)
			// Path used by existing in-kernel helper clients.
			r.Route("/caas_jupyter_tool", tools)
		})
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port. It returns nil after Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("kernel server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("auth", s.cfg.AuthEnabled()),
		zap.String("version", s.cfg.Server.Version))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
