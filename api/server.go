package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

// Server is the read-only dashboard API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the routes of the dashboard API onto addr.
func NewServer(addr string, h *Handlers, allowedOrigins []string, logger *slog.Logger) *Server {
	logger = logger.With("component", "api_server")
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(h, allowedOrigins, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// NewRouter builds the chi router. It is separate from NewServer so tests can
// drive it through httptest.
func NewRouter(h *Handlers, allowedOrigins []string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP, LoggerMiddleware(logger), middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Trace-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/stats", h.Stats)
		r.Get("/listings", h.Listings)
		r.Get("/listings/{id}", h.ListingDetails)
		r.Get("/listings/{id}/history", h.ListingHistory)
		r.Get("/listing/{id}/history", h.ListingHistory)
		r.Get("/trends", h.Trends)
		r.Get("/best-value", h.BestValue)
		r.Get("/best-value/districts", h.BestValueByDistrict)
		r.Get("/histogram", h.Histogram)
		r.Get("/runs", h.Runs)
	})

	return r
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting dashboard API", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: listen on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping dashboard API")
	return s.httpServer.Shutdown(ctx)
}

type ctxKey int

const loggerKey ctxKey = iota

// LoggerMiddleware attaches a request-scoped logger carrying the trace id and
// logs the outcome of every request.
func LoggerMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if _, err := uuid.Parse(traceID); err != nil {
				traceID = uuid.New().String()
			}
			reqLogger := logger.With("trace_id", traceID)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Header().Set("X-Trace-ID", traceID)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), loggerKey, reqLogger)))

			reqLogger.Info("request",
				"http_method", r.Method,
				"http_path", r.URL.Path,
				"status_code", ww.Status(),
				"bytes_written", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return fallback
}
