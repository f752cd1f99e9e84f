// Package api exposes the bridge's HTTP surface: the agent job lifecycle
// endpoints purchasers call, plus health and operator endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/app/catalog"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/app/orchestration"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/config"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/flow"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/kodosumi"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/logger"
	"github.com/masumi-network/kodosumi-masumi-bridge/pkg/common/otel"
)

// Server is the bridge's HTTP server.
type Server struct {
	cfg      config.ServerSettings
	logger   *logger.Logger
	router   *chi.Mux
	tracer   trace.Tracer
	validate *validator.Validate

	orch     *orchestration.Orchestrator
	catalog  *catalog.Service
	configs  flow.ConfigRepository
	upstream *kodosumi.Client
}

// NewServer builds the router with all routes bound.
func NewServer(
	cfg config.ServerSettings,
	log *logger.Logger,
	tracer trace.Tracer,
	orch *orchestration.Orchestrator,
	cat *catalog.Service,
	configs flow.ConfigRepository,
	upstream *kodosumi.Client,
) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:      cfg,
		logger:   log,
		router:   r,
		tracer:   tracer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		orch:     orch,
		catalog:  cat,
		configs:  configs,
		upstream: upstream,
	}

	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)
		r.Get("/health/connection", s.handleConnectionHealth)

		r.Get("/flows", s.handleListFlows)
		r.Route("/flows/{flowKey}", func(r chi.Router) {
			r.Post("/start_job", s.handleStartJob)
			r.Get("/status", s.handleJobStatus)
			r.Get("/input_schema", s.handleInputSchema)
			r.Get("/availability", s.handleAvailability)
		})

		r.Post("/runs/{runID}/cancel", s.handleCancelRun)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconnect", s.handleReconnect)
			r.Put("/flows/{flowKey}/config", s.handleUpsertFlowConfig)
			r.Get("/flows/configs", s.handleListFlowConfigs)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr, "service", "bridge-api")
	return server.ListenAndServe()
}

// respond writes a JSON response body with the given status.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}

// respondError writes the uniform error envelope.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respond(w, r, status, map[string]any{
		"status": "error",
		"error":  message,
	})
}
