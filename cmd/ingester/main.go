// Package main provides the standalone platform event ingester.
//
// The serving binary consumes platform events itself when brokers are
// configured; this process exists for deployments that scale ingestion
// separately from serving. It joins the same consumer group and persists
// training records and dead letters through the same stores, so running both
// is safe: record dedup happens in the database. Volume-based training
// triggers stay with the serving binary.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/foresight-io/foresight/internal/config"
	"github.com/foresight-io/foresight/internal/ingest"
	"github.com/foresight-io/foresight/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingester"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting Foresight ingester",
		slog.String("service", name),
		slog.String("version", version),
	)

	brokers := config.ParseCommaSeparatedList(config.GetEnvStr("FORESIGHT_KAFKA_BROKERS", ""))
	if len(brokers) == 0 {
		logger.Error("No Kafka brokers configured",
			slog.String("note", "Set FORESIGHT_KAFKA_BROKERS to a comma-separated broker list"),
		)
		os.Exit(1)
	}

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
	)

	groupID := config.GetEnvStr("FORESIGHT_KAFKA_GROUP_ID", ingest.DefaultGroupID)
	topic := config.GetEnvStr("FORESIGHT_KAFKA_INGEST_TOPIC", ingest.TopicPlatformEvents)

	consumer := ingest.NewConsumer(
		ingest.NewReader(brokers, groupID, topic),
		storage.NewRecordStore(dbConn),
		storage.NewDeadLetterStore(dbConn),
		ingest.WithConsumerLogger(logger),
	)

	logger.Info("Platform event ingestion started",
		slog.Int("brokers", len(brokers)),
		slog.String("topic", topic),
		slog.String("group_id", groupID),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutdown signal received")

	if err := consumer.Close(); err != nil {
		logger.Error("Failed to stop consumer cleanly", slog.String("error", err.Error()))
	}

	logger.Info("Foresight ingester stopped")
}
