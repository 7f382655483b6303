package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/ylsdamxssjxxdd/wunder/internal/app"
)

// Config configures the HTTP server's listener and timeouts.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the teacher's original timeout/port defaults.
func DefaultConfig() Config {
	return Config{
		Port:         4096,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses must not be time-boxed
	}
}

// Server is thin HTTP/SSE glue over one *app.App.
type Server struct {
	cfg     Config
	app     *app.App
	router  chi.Router
	httpSrv *http.Server
	logger  zerolog.Logger
}

// New builds a Server wrapping a.
func New(cfg Config, a *app.App, logger zerolog.Logger) *Server {
	s := &Server{cfg: cfg, app: a, logger: logger}
	s.router = chi.NewRouter()
	s.setupMiddleware()
	s.routes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if s.cfg.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
}

// Router exposes the underlying chi router, mainly for tests.
func (s *Server) Router() chi.Router { return s.router }

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info().Int("port", s.cfg.Port).Msg("server: listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
