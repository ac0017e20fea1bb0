// Package main provides the Foresight prediction service.
//
// This is the main serving binary. It wires the model registry, the
// prediction orchestrator, the training coordinator and the background
// workers (scheduler, drift monitor, cache janitor, platform event consumer)
// around one PostgreSQL connection, then hands the assembled dependency set
// to the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/foresight-io/foresight/internal/api"
	"github.com/foresight-io/foresight/internal/api/middleware"
	"github.com/foresight-io/foresight/internal/artifact"
	"github.com/foresight-io/foresight/internal/audit"
	"github.com/foresight-io/foresight/internal/cache"
	"github.com/foresight-io/foresight/internal/config"
	"github.com/foresight-io/foresight/internal/drift"
	"github.com/foresight-io/foresight/internal/events"
	"github.com/foresight-io/foresight/internal/fallback"
	"github.com/foresight-io/foresight/internal/ingest"
	"github.com/foresight-io/foresight/internal/lifecycle"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/platform"
	"github.com/foresight-io/foresight/internal/prediction"
	"github.com/foresight-io/foresight/internal/predictor"
	"github.com/foresight-io/foresight/internal/registry"
	"github.com/foresight-io/foresight/internal/storage"
	"github.com/foresight-io/foresight/internal/training"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "foresight"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	// Config loaders warn through the default logger; keep those lines in
	// the same JSON stream as everything else.
	slog.SetDefault(logger)

	logger.Info("Starting Foresight service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("caller_rps", middlewareConfig.CallerRPS),
		slog.Int("caller_burst", middlewareConfig.CallerBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	var keyStore storage.KeyStore

	authEnabled := config.GetEnvBool("FORESIGHT_AUTH_ENABLED", false)
	if authEnabled {
		keyStore = storage.NewPersistentKeyStore(dbConn)

		logger.Info("Service authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("Service authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set FORESIGHT_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	modelStore := storage.NewModelStore(dbConn)
	trainingStore := storage.NewTrainingStore(dbConn)
	recordStore := storage.NewRecordStore(dbConn)
	deadLetters := storage.NewDeadLetterStore(dbConn)
	auditStore := storage.NewAuditStore(dbConn)

	janitor := storage.NewJanitor(dbConn, storage.WithJanitorLogger(logger))
	defer janitor.Close()

	reg := registry.New(modelStore, registry.WithLogger(logger))

	archiver := registry.NewArchiver(reg, registry.WithArchiverLogger(logger))
	defer func() {
		_ = archiver.Close()
	}()

	artifacts, err := newArtifactStore(logger)
	if err != nil {
		logger.Error("Failed to configure artifact store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	loaderOpts := []predictor.LoaderOption{predictor.WithLoaderLogger(logger)}
	if capacity := config.GetEnvInt("FORESIGHT_PREDICTOR_CACHE_CAPACITY", 0); capacity > 0 {
		loaderOpts = append(loaderOpts, predictor.WithMemoCapacity(capacity))
	}

	loader := predictor.NewLoader(artifacts, loaderOpts...)

	memCache := cache.NewMemoryCache(cache.WithLogger(logger))
	defer func() {
		_ = memCache.Close()
	}()

	auditLog := audit.NewLog(auditStore, audit.WithLogger(logger))
	defer func() {
		_ = auditLog.Close()
	}()

	configPath := config.GetEnvStr(fallback.ConfigPathEnvVar, fallback.DefaultConfigPath)

	fallbackConfig, err := fallback.LoadConfig(configPath)
	if err != nil {
		logger.Warn("Failed to load fallback rules", slog.String("error", err.Error()))
	}

	responder := fallback.NewResponder(fallbackConfig)

	if fallbackConfig != nil {
		logger.Info("Fallback rules loaded",
			slog.String("path", configPath),
			slog.Int("rules", len(fallbackConfig.Rules)),
		)
	}

	orchestratorOpts := []prediction.OrchestratorOption{
		prediction.WithFallback(responder),
		prediction.WithOrchestratorLogger(logger),
	}

	for _, t := range model.ValidModelTypes() {
		if ttl := config.GetEnvDuration("FORESIGHT_CACHE_TTL_"+envSuffix(t), 0); ttl > 0 {
			orchestratorOpts = append(orchestratorOpts, prediction.WithCacheTTL(t, ttl))
		}
	}

	platformBaseURL := config.GetEnvStr("FORESIGHT_PLATFORM_BASE_URL", "")
	if platformBaseURL != "" {
		platformClient, err := platform.NewClient(
			platformBaseURL,
			config.GetEnvStr("FORESIGHT_PLATFORM_TOKEN", ""),
			platform.WithClientLogger(logger),
		)
		if err != nil {
			logger.Error("Failed to configure platform client", slog.String("error", err.Error()))

			_ = dbConn.Close()
			os.Exit(1)
		}

		orchestratorOpts = append(orchestratorOpts,
			prediction.WithCustomerReader(platformClient),
			prediction.WithMaterialReader(platformClient),
			prediction.WithWorkstationReader(platformClient),
		)

		logger.Info("Platform readers configured", slog.String("base_url", platformBaseURL))
	} else {
		logger.Warn("Platform readers disabled",
			slog.String("note", "Set FORESIGHT_PLATFORM_BASE_URL to serve churn-risk, material-demand and bottleneck predictions"),
		)
	}

	// One publisher per topic: predictions are fire-and-forget off the hot
	// path, model lifecycle events wait for broker acknowledgment.
	var (
		predictionEvents events.Publisher
		modelEvents      events.Publisher
	)

	brokers := config.ParseCommaSeparatedList(config.GetEnvStr("FORESIGHT_KAFKA_BROKERS", ""))
	if len(brokers) > 0 {
		predictionPublisher := events.NewKafkaPublisher(brokers, events.TopicPredictions,
			events.WithFireAndForget(),
			events.WithPublisherLogger(logger),
		)
		defer func() {
			_ = predictionPublisher.Close()
		}()

		modelPublisher := events.NewKafkaPublisher(brokers, events.TopicModelEvents,
			events.WithPublisherLogger(logger),
		)
		defer func() {
			_ = modelPublisher.Close()
		}()

		predictionEvents = predictionPublisher
		modelEvents = modelPublisher

		logger.Info("Kafka event publication enabled",
			slog.Int("brokers", len(brokers)),
			slog.String("prediction_topic", events.TopicPredictions),
			slog.String("model_topic", events.TopicModelEvents),
		)
	} else {
		logger.Warn("Kafka brokers not set",
			slog.String("note", "Set FORESIGHT_KAFKA_BROKERS to publish domain events and ingest platform events"),
		)
	}

	if predictionEvents != nil {
		orchestratorOpts = append(orchestratorOpts, prediction.WithPublisher(predictionEvents))
	}

	orchestrator := prediction.NewOrchestrator(reg, loader, memCache, auditLog, orchestratorOpts...)

	batches := prediction.NewBatchRunner(orchestrator, prediction.WithBatchLogger(logger))
	defer func() {
		_ = batches.Close()
	}()

	coordinatorOpts := []training.CoordinatorOption{
		training.WithGateConfig(loadGateConfig()),
		training.WithCacheInvalidator(memCache),
		training.WithCoordinatorLogger(logger),
	}
	if modelEvents != nil {
		coordinatorOpts = append(coordinatorOpts, training.WithTrainingPublisher(modelEvents))
	}

	coordinator := training.NewCoordinator(reg, artifacts, trainingStore, recordStore, coordinatorOpts...)
	defer func() {
		_ = coordinator.Close()
	}()

	schedules := training.LoadSchedules(configPath)

	scheduler := training.NewScheduler(coordinator, schedules, training.WithSchedulerLogger(logger))
	defer func() {
		_ = scheduler.Close()
	}()

	logger.Info("Training coordinator started", slog.Int("schedules", len(schedules)))

	driftOpts := []drift.Option{
		drift.WithWindow(time.Duration(config.GetEnvInt("FORESIGHT_DRIFT_WINDOW_HOURS", 0)) * time.Hour),
		drift.WithDegradationThreshold(config.GetEnvFloat("FORESIGHT_DRIFT_DEGRADATION_THRESHOLD_PERCENT", 0)),
		drift.WithMonitorLogger(logger),
	}
	if modelEvents != nil {
		driftOpts = append(driftOpts, drift.WithPublisher(modelEvents))
	}

	monitor := drift.NewMonitor(reg, auditStore, coordinator, driftOpts...)
	defer func() {
		_ = monitor.Close()
	}()

	if len(brokers) > 0 {
		groupID := config.GetEnvStr("FORESIGHT_KAFKA_GROUP_ID", ingest.DefaultGroupID)
		topic := config.GetEnvStr("FORESIGHT_KAFKA_INGEST_TOPIC", ingest.TopicPlatformEvents)

		consumer := ingest.NewConsumer(
			ingest.NewReader(brokers, groupID, topic),
			recordStore,
			deadLetters,
			ingest.WithTriggerer(coordinator),
			ingest.WithConsumerLogger(logger),
		)
		defer func() {
			_ = consumer.Close()
		}()

		logger.Info("Platform event ingestion started",
			slog.String("topic", topic),
			slog.String("group_id", groupID),
		)
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		Engine:      orchestrator,
		Batches:     batches,
		Registry:    reg,
		Trainer:     coordinator,
		Audit:       auditLog,
		AuditReader: auditStore,
		Purger:      &userEraser{audit: auditStore, records: recordStore},
		KeyStore:    keyStore,
		RateLimiter: rateLimiter,
	})

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Foresight service stopped")
}

// newArtifactStore builds the artifact backend named by
// FORESIGHT_ARTIFACT_BACKEND.
func newArtifactStore(logger *slog.Logger) (artifact.Store, error) {
	backend := config.GetEnvStr("FORESIGHT_ARTIFACT_BACKEND", artifact.BackendLocal)

	switch backend {
	case artifact.BackendLocal:
		root := config.GetEnvStr("FORESIGHT_ARTIFACT_DIR", "artifacts")

		store, err := artifact.NewLocalStore(root, artifact.WithLocalLogger(logger))
		if err != nil {
			return nil, err
		}

		logger.Info("Artifact store configured",
			slog.String("backend", artifact.BackendLocal),
			slog.String("root", root),
		)

		return store, nil
	case artifact.BackendRemote:
		baseURL := config.GetEnvStr("FORESIGHT_ARTIFACT_REMOTE_BASE_URL", "")
		token := config.GetEnvStr("FORESIGHT_ARTIFACT_REMOTE_TOKEN", "")

		store, err := artifact.NewRemoteStore(baseURL, token, artifact.WithRemoteLogger(logger))
		if err != nil {
			return nil, err
		}

		logger.Info("Artifact store configured",
			slog.String("backend", artifact.BackendRemote),
			slog.String("base_url", baseURL),
		)

		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown artifact backend %q", model.ErrValidation, backend)
	}
}

// loadGateConfig reads the promotion gate overrides from the environment.
func loadGateConfig() lifecycle.GateConfig {
	gate := lifecycle.DefaultGateConfig()
	gate.ImprovementThresholdPercent = config.GetEnvFloat(
		"FORESIGHT_LIFECYCLE_IMPROVEMENT_THRESHOLD_PERCENT",
		lifecycle.DefaultImprovementThresholdPercent,
	)

	for _, t := range model.ValidModelTypes() {
		if n := config.GetEnvInt("FORESIGHT_TRAINING_MIN_DATASET_"+envSuffix(t), 0); n > 0 {
			if gate.MinDatasetSize == nil {
				gate.MinDatasetSize = make(map[model.ModelType]int)
			}

			gate.MinDatasetSize[t] = n
		}
	}

	return gate
}

// envSuffix turns a model type into its environment variable suffix,
// for example "print-time" into "PRINT_TIME".
func envSuffix(t model.ModelType) string {
	return strings.ToUpper(strings.ReplaceAll(t.Slug(), "-", "_"))
}

// userEraser fans a privacy erasure across every store holding user-linked
// rows and reports the total removed.
type userEraser struct {
	audit   *storage.AuditStore
	records *storage.RecordStore
}

func (e *userEraser) PurgeUser(ctx context.Context, userID string) (int64, error) {
	audited, err := e.audit.PurgeUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	recorded, err := e.records.PurgeEntity(ctx, userID)
	if err != nil {
		return audited, err
	}

	return audited + recorded, nil
}
