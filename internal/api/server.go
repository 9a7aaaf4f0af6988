package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/velmik/coldsend/internal/campaign"
	"github.com/velmik/coldsend/internal/config"
	"github.com/velmik/coldsend/internal/dispatch"
	"github.com/velmik/coldsend/internal/metrics"
	"github.com/velmik/coldsend/internal/ratelimit"
	"github.com/velmik/coldsend/internal/smtp"
)

// Transport is an established, verified connection to the user's relay.
// It outlives the launching HTTP request and is closed when its run ends.
type Transport interface {
	dispatch.Sender
	Close()
}

// Connector opens a Transport for one send run. Injected so tests can
// substitute a fake relay.
type Connector func(ctx context.Context, cfg smtp.Config, logger *slog.Logger) (Transport, error)

// activeRun pairs a running engine handle with its progress tracker.
type activeRun struct {
	run     *dispatch.Run
	tracker *campaign.Tracker
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      *campaign.Store
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	limiter    *ratelimit.Limiter
	connect    Connector
	startTime  time.Time

	// baseCtx parents every send run so they stop on server shutdown,
	// not when the launching request's context is cancelled.
	baseCtx context.Context

	mu   sync.Mutex
	runs map[string]*activeRun
}

// NewServer creates a new API server. A nil connector uses the real SMTP
// connection pool.
func NewServer(store *campaign.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, connect Connector) *Server {
	if connect == nil {
		connect = func(ctx context.Context, smtpCfg smtp.Config, logger *slog.Logger) (Transport, error) {
			return smtp.Connect(ctx, smtpCfg, logger)
		}
	}

	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		metrics:   m,
		connect:   connect,
		startTime: time.Now(),
		baseCtx:   context.Background(),
		runs:      make(map[string]*activeRun),
	}

	if cfg.API.RateLimit.Enabled {
		s.limiter = ratelimit.New(cfg.API.RateLimit.MaxRequests, cfg.API.RateLimit.Window)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.metrics.HTTPMiddleware)

	origins := s.cfg.API.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	// Public endpoints, never rate limited: recipients land on the
	// unsubscribe link from their inbox.
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/unsubscribe", s.handleUnsubscribe)
	s.router.Method("GET", "/metrics", s.metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimitMiddleware)
		}

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Post("/campaigns/{id}/send", s.handleSend)
		r.Post("/campaigns/{id}/cancel", s.handleCancel)
		r.Get("/campaigns/{id}/progress", s.handleProgress)
		r.Get("/campaigns/{id}/results", s.handleResults)
		r.Post("/campaigns/{id}/events", s.handleEvent)

		r.Post("/templates/preview", s.handlePreview)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully:
// in-flight requests get shutdownTimeout to finish and active send runs
// are cancelled with their partial results persisted.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	s.httpServer = &http.Server{
		Addr:         s.cfg.API.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.API.ReadTimeout,
		WriteTimeout: s.cfg.API.WriteTimeout,
		IdleTimeout:  s.cfg.API.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP API server", "addr", s.cfg.API.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)

	// Runs are children of ctx and are already stopping; wait for their
	// supervisors to persist partial results.
	s.waitForRuns(shutdownCtx)

	if s.limiter != nil {
		s.limiter.Stop()
	}
	return err
}

// waitForRuns blocks until every active run's supervisor has finished or
// ctx expires.
func (s *Server) waitForRuns(ctx context.Context) {
	for {
		s.mu.Lock()
		var run *dispatch.Run
		for _, ar := range s.runs {
			run = ar.run
			break
		}
		s.mu.Unlock()

		if run == nil {
			return
		}
		select {
		case <-run.Done():
		case <-ctx.Done():
			return
		}
		// Give the supervisor a moment to unregister.
		time.Sleep(10 * time.Millisecond)
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// rateLimitMiddleware enforces the per-client API limit and counts
// rejections.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	limited := s.limiter.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		limited.ServeHTTP(ww, r)
		if ww.Status() == http.StatusTooManyRequests {
			s.metrics.RateLimitExceededTotal.Inc()
		}
	})
}

// lookupRun returns the active run for a campaign, nil when none.
func (s *Server) lookupRun(campaignID string) *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[campaignID]
}

func (s *Server) registerRun(campaignID string, ar *activeRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[campaignID]; exists {
		return false
	}
	s.runs[campaignID] = ar
	return true
}

func (s *Server) unregisterRun(campaignID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, campaignID)
}
