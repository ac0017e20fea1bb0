package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foresight-io/foresight/internal/api/middleware"
	"github.com/foresight-io/foresight/internal/audit"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/prediction"
	"github.com/foresight-io/foresight/internal/storage"
)

type (
	// PredictionEngine is the serving surface the prediction handlers call.
	// Satisfied by prediction.Orchestrator.
	PredictionEngine interface {
		PredictPrintTime(ctx context.Context, req prediction.PrintTimeRequest) (*prediction.PrintTimeResponse, error)
		ForecastDemand(ctx context.Context, req prediction.DemandForecastRequest) (*prediction.DemandForecastResponse, error)
		RecommendPrice(ctx context.Context, req prediction.PriceRequest) (*prediction.PriceResponse, error)
		ScoreChurn(ctx context.Context, customerID string) (*prediction.ChurnRiskResponse, error)
		ForecastMaterialDemand(ctx context.Context, req prediction.MaterialDemandRequest) (*prediction.MaterialDemandResponse, error)
		DetectBottlenecks(ctx context.Context, req prediction.BottleneckRequest) (*prediction.BottleneckResponse, error)
	}

	// BatchService runs asynchronous prediction batches.
	// Satisfied by prediction.BatchRunner.
	BatchService interface {
		Submit(ctx context.Context, items []prediction.BatchItem) (string, error)
		Status(id string) (prediction.BatchStatus, bool)
		Results(id string) ([]prediction.BatchResult, prediction.BatchStatus, bool)
	}

	// ModelRegistry is the slice of the model registry the lifecycle
	// handlers need. Satisfied by registry.Registry.
	ModelRegistry interface {
		GetActive(ctx context.Context, t model.ModelType) (*model.Model, error)
		ListVersions(ctx context.Context, t model.ModelType, statuses ...model.ModelStatus) ([]*model.Model, error)
		Deploy(ctx context.Context, candidateID string, canaryPercent int, promotedBy string) (*model.Model, error)
		Rollback(ctx context.Context, targetID, reason string) (*model.Model, error)
		HealthCheck(ctx context.Context) error
	}

	// TrainingService triggers and inspects training jobs.
	// Satisfied by training.Coordinator.
	TrainingService interface {
		Trigger(ctx context.Context, t model.ModelType, trigger model.TrainingTrigger) (*model.TrainingJob, error)
		RecentJobs(ctx context.Context, t model.ModelType, limit int) ([]*model.TrainingJob, error)
	}

	// AuditReader serves audit inspection and the rolling health statistics.
	// Satisfied by storage.AuditStore and audit.MemoryStore.
	AuditReader interface {
		RecentByRequest(ctx context.Context, requestID string, limit int) ([]model.AuditEntry, error)
		RecentWithOutcomes(ctx context.Context, t model.ModelType, version string, since time.Time) ([]model.AuditEntry, error)
		CountSince(ctx context.Context, t model.ModelType, since time.Time) (int64, error)
	}

	// UserPurger deletes user-linked records for compliance requests.
	UserPurger interface {
		PurgeUser(ctx context.Context, userID string) (int64, error)
	}

	// Dependencies carries the runtime collaborators of the server.
	//
	// Dependencies are injected explicitly rather than being part of
	// ServerConfig. This follows the dependency injection pattern where
	// configuration (what) is separated from dependencies (how). Any nil
	// dependency disables the routes that need it; the affected handlers
	// answer 503.
	Dependencies struct {
		Engine      PredictionEngine
		Batches     BatchService
		Registry    ModelRegistry
		Trainer     TrainingService
		Audit       *audit.Log
		AuditReader AuditReader
		Purger      UserPurger
		KeyStore    storage.KeyStore
		RateLimiter middleware.RateLimiter
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer *http.Server
		logger     *slog.Logger
		config     *ServerConfig
		startTime  time.Time
		deps       Dependencies
	}
)

// NewServer creates a new HTTP server instance with structured logging and
// the full middleware stack.
//
// Parameters:
//   - cfg: Pure server configuration (ports, timeouts, size caps, CORS settings)
//   - deps: Runtime collaborators (nil KeyStore disables authentication,
//     nil RateLimiter disables rate limiting)
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	// Create structured logger with configured log level
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// Create base HTTP mux
	mux := http.NewServeMux()

	// Create server instance for route setup
	server := &Server{
		logger: logger,
		config: cfg,
		deps:   deps,
	}

	// Set up all API routes
	server.setupRoutes(mux)

	// Log middleware configuration
	if deps.KeyStore != nil { // pragma: allowlist secret
		logger.Info("Authentication middleware enabled")
	} else {
		logger.Warn("KeyStore not configured - authentication middleware disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. Authenticate - resolve the principal from gateway headers or a service key (optional)
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuthentication(deps.KeyStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Set the httpServer field for the existing server instance
	server.httpServer = httpServer

	return server
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// Record server start time for uptime calculation
	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	// Start server in a goroutine
	go func() {
		s.logger.Info("Starting prediction API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	// Attempt graceful shutdown of HTTP server
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Flush buffered audit entries before the process exits
	if s.deps.Audit != nil {
		s.logger.Info("Flushing audit log")

		if err := s.deps.Audit.Flush(ctx); err != nil {
			s.logger.Error("Failed to flush audit log", slog.String("error", err.Error()))
		}
	}

	// Close key store to release database connections
	if s.deps.KeyStore != nil { // pragma: allowlist secret
		s.logger.Info("Closing key store")

		if store, ok := s.deps.KeyStore.(io.Closer); ok {
			if err := store.Close(); err != nil {
				s.logger.Error("Failed to close key store", slog.String("error", err.Error()))
			} else {
				s.logger.Info("Key store closed successfully")
			}
		}
	}

	// Close rate limiter to stop (InMemoryRateLimiter) background cleanup goroutines
	if s.deps.RateLimiter != nil {
		s.logger.Info("Closing rate limiter")

		if limiter, ok := s.deps.RateLimiter.(io.Closer); ok {
			if err := limiter.Close(); err != nil {
				s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
			} else {
				s.logger.Info("Rate limiter closed successfully")
			}
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
