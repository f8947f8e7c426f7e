package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/database"
	"github.com/smukkama/safety-engine/internal/queue"
	"github.com/smukkama/safety-engine/pkg/config"
	"github.com/smukkama/safety-engine/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.FromConfig(cfg.Log, "location-writer")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("starting location writer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.Database.ConnectionString(), lg)
	if err != nil {
		lg.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, cfg.Database.MigrationsDir); err != nil {
		lg.Fatal("failed to run migrations", zap.Error(err))
	}

	// Separate group from the engine: every device event is seen by both
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeviceEvents, "location-writer-group")
	defer consumer.Close()

	batchWriter := queue.NewBatchWriter(consumer, db, cfg.LocationWriter.BatchSize, cfg.LocationWriter.FlushInterval, lg)
	// Stop, not ctx, ends the writer so the last batch is flushed
	batchWriter.Start(context.Background())

	lg.Info("location writer is running",
		zap.Int("batch_size", cfg.LocationWriter.BatchSize),
		zap.Duration("flush_interval", cfg.LocationWriter.FlushInterval))

	<-ctx.Done()
	lg.Info("shutting down gracefully")
	batchWriter.Stop()
}
