package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/smileloop/smileloop/internal/access"
	"github.com/smileloop/smileloop/internal/audit"
	"github.com/smileloop/smileloop/internal/engine"
	"github.com/smileloop/smileloop/internal/preset"
	"github.com/smileloop/smileloop/internal/ratelimit"
	"github.com/smileloop/smileloop/internal/storage"
	"github.com/smileloop/smileloop/internal/store"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 60 * time.Second

	// DefaultMaxUploadBytes caps the uploaded photo at 10 MB.
	DefaultMaxUploadBytes = 10 << 20
)

// BotVerifier checks a bot-protection token for a client.
type BotVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// Config holds HTTP-level settings.
type Config struct {
	Addr             string
	TurnstileSiteKey string
	MaxUploadBytes   int64
}

// Deps groups the services the handlers call. BotCheck, Presets and Audit
// may be nil.
type Deps struct {
	Store    store.Store
	Engine   *engine.Engine
	Gate     *access.Gate
	Limiter  *ratelimit.Limiter
	BotCheck BotVerifier
	Presets  *preset.Catalog
	Files    *storage.Manager
	Audit    *audit.Logger
	Logger   *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	cfg     Config
	store   store.Store
	engine  *engine.Engine
	gate    *access.Gate
	limiter *ratelimit.Limiter
	bot     BotVerifier
	presets *preset.Catalog
	files   *storage.Manager
	audit   *audit.Logger
	logger  *slog.Logger
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg Config, d Deps) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		router:  chi.NewRouter(),
		cfg:     cfg,
		store:   d.Store,
		engine:  d.Engine,
		gate:    d.Gate,
		limiter: d.Limiter,
		bot:     d.BotCheck,
		presets: d.Presets,
		files:   d.Files,
		audit:   d.Audit,
		logger:  logger,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id", signatureHeader},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Range", "Accept-Ranges"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/config", s.handleConfig)

		r.Post("/generate", s.handleGenerate)
		r.Get("/status/{id}", s.handleStatus)
		r.Get("/preview/{id}", s.handlePreview)
		r.Get("/download/{id}", s.handleDownload)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{id}/events", s.handleStreamEvents)
			r.Get("/{id}/events/history", s.handleEventHistory)
		})

		r.Post("/payments/checkout", s.handleCheckout)
		r.Post("/payments/webhook", s.handleWebhook)
		r.Post("/verify-payment/{id}", s.handleVerifyPayment)

		r.Get("/providers", s.handleListProviders)
		r.Get("/mode", s.handleGetMode)
		r.Post("/mode/{mode}", s.handleSetMode)

		r.Get("/presets", s.handleListPresets)
		r.Get("/stats", s.handleGetStats)
		r.Get("/logs", s.handleGetLogs)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run fails jobs orphaned by a previous process, then serves HTTP until ctx
// is cancelled. On shutdown it cancels long-lived streams, drains in-flight
// requests and waits for running jobs to finish.
func (s *Server) Run(ctx context.Context) error {
	n, err := s.engine.Recover(ctx)
	switch {
	case err != nil:
		s.logger.Error("failed to recover interrupted jobs", "error", err)
	case n > 0:
		s.logger.Warn("failed jobs interrupted by restart", "count", n)
	}

	// Request contexts derive from baseCtx so SSE handlers return when
	// shutdown starts instead of holding Shutdown open.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cancelBase()
	shutdownErr := httpServer.Shutdown(sctx)
	if shutdownErr != nil {
		s.logger.Warn("http shutdown incomplete", "error", shutdownErr)
	}
	if err := s.engine.Shutdown(sctx); err != nil {
		s.logger.Warn("jobs still running at shutdown", "error", err)
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
