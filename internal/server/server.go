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

	"github.com/ksood/tradegate/internal/clients/kite"
	"github.com/ksood/tradegate/internal/config"
	"github.com/ksood/tradegate/internal/credentials"
	"github.com/ksood/tradegate/internal/database"
	"github.com/ksood/tradegate/internal/marketcontext"
	"github.com/ksood/tradegate/internal/scheduler"
)

// Broker is the slice of the broker client the HTTP surface needs.
type Broker interface {
	GetQuotes(symbols []string) (map[string]kite.Quote, error)
	ExchangeRequestToken(requestToken, apiSecret string) (*kite.Session, error)
}

// Config holds server dependencies.
type Config struct {
	Port      int
	Log       zerolog.Logger
	AppConfig *config.Config
	Databases map[string]*database.DB
	Store     *credentials.Store
	Auth      *credentials.StateMachine
	Broker    Broker
	Builder   *marketcontext.Builder
	Scheduler *scheduler.Scheduler
	StartedAt time.Time
	DevMode   bool
}

// Server is the HTTP surface of the gateway.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	cfg       *config.Config
	databases map[string]*database.DB
	store     *credentials.Store
	auth      *credentials.StateMachine
	broker    Broker
	builder   *marketcontext.Builder
	scheduler *scheduler.Scheduler
	startedAt time.Time
	sessions  *sessionHub
}

// New creates the HTTP server and wires up middleware and routes.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.AppConfig,
		databases: cfg.Databases,
		store:     cfg.Store,
		auth:      cfg.Auth,
		broker:    cfg.Broker,
		builder:   cfg.Builder,
		scheduler: cfg.Scheduler,
		startedAt: cfg.StartedAt,
		sessions:  newSessionHub(cfg.Log),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/status", s.handleSessionStatus)
			r.Post("/login", s.handleSessionLogin)
			r.Delete("/", s.handleSessionLogout)
			r.Get("/ws", s.handleSessionWS)
		})

		r.Get("/context/{style}", s.handleContext)
		r.Get("/quote", s.handleQuote)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Get("/jobs", s.handleSystemJobs)
		})
	})
}

// NotifySessionChange pushes a fresh auth status to websocket subscribers.
// Wired to the credential watcher in main.
func (s *Server) NotifySessionChange() {
	if s.auth == nil {
		return
	}
	s.sessions.broadcast(s.auth.Evaluate())
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.sessions.close()
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
