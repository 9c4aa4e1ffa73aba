package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/septivank/inverter-telemetry-worker/internal/publish"
	"github.com/septivank/inverter-telemetry-worker/internal/validity"
)

// BatchSource returns the most recently published batch
type BatchSource interface {
	LastBatch() (publish.Batch, bool)
}

// ValiditySource returns the current validity records
type ValiditySource interface {
	Snapshot() map[string]validity.Record
}

// Controller is the scheduler surface exposed over HTTP
type Controller interface {
	Phase() string
	LastCycle() time.Time
	RequestInvalidation(id string)
	RequestRefresh()
}

// Check is a named readiness check
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the handlers' collaborators
type Deps struct {
	StartTime time.Time
	// Interval is the collection interval; readiness fails when no cycle
	// finished within two intervals.
	Interval   time.Duration
	Batches    BatchSource
	Validity   ValiditySource
	Controller Controller
	Metrics    http.Handler
	Checks     []Check
	KnownSite  func(id string) bool
	Now        func() time.Time
	// Location renders report times; UTC when nil.
	Location   *time.Location
}

// Server wraps the HTTP server and its router
type Server struct {
	http   *http.Server
	router chi.Router
	logger *zap.Logger
}

// New builds the router and server
func New(addr string, d Deps, logger *zap.Logger) *Server {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.KnownSite == nil {
		d.KnownSite = func(string) bool { return true }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(logger))

	r.Get("/healthz", healthz(d))
	r.Get("/readyz", readyz(d))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/sites", listSites(d))
		r.Get("/sites/{siteID}", getSite(d))
		r.Post("/sites/{siteID}/invalidate", invalidateSite(d))
		r.Post("/refresh", refresh(d))
		r.Get("/report.csv", report(d))
	})

	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		router: r,
		logger: logger,
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}

func requestLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
