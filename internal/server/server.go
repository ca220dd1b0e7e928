// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/freechat/internal/metrics"
	"github.com/howard-nolan/freechat/internal/provider"
)

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router    chi.Router
	providers *provider.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler. A nil metrics or logger gets a private
// registry or slog.Default respectively.
func New(providers *provider.Registry, m *metrics.Metrics, logger *slog.Logger) *Server {
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{providers: providers, metrics: m, logger: logger}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID tags every request so the access log line and any error
	// logged by a handler can be matched up.
	r.Use(middleware.RequestID)

	// The access log goes through the same slog handler as everything
	// else instead of chi's default stdlib logger.
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))

	// Recoverer turns a panicking handler into a 500 instead of crashing
	// the process.
	r.Use(middleware.Recoverer)

	// --- Routes ---
	r.Get("/health", s.handleHealth)
	r.Get("/api/ask", s.handleAsk)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.NotFound(handleNotFound)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface by delegating
// to chi's router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
