package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/database"
	"github.com/smukkama/safety-engine/internal/notification"
	"github.com/smukkama/safety-engine/internal/protocol"
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

	lg, err := logger.FromConfig(cfg.Log, "notification")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("starting notification service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Monitor addresses come from the profile tables
	db, err := database.Connect(cfg.Database.ConnectionString(), lg)
	if err != nil {
		lg.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	email := notification.NewEmailNotifier(&cfg.SMTP, db, lg)

	// Test SMTP connection (optional, will skip if not configured)
	if err := email.TestConnection(); err != nil {
		lg.Warn("e-mails will be logged only", zap.Error(err))
	}
	if !cfg.SMS.Enabled() {
		lg.Warn("Twilio not configured, escalations will not be texted")
	}

	notifier := notification.Multi{
		Notifiers: []notification.Notifier{email, notification.NewSMSNotifier(&cfg.SMS, db, lg)},
		Logger:    lg,
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, "notification-group")
	defer consumer.Close()

	handle := func(ctx context.Context, msg kafka.Message) error {
		n, err := protocol.DecodeAlertNotification(msg.Value)
		if err != nil {
			lg.Warn("dropping undecodable notification", zap.Error(err))
			return queue.ErrSkip
		}
		// Left uncommitted on failure so the group redelivers it
		return notifier.Notify(ctx, n)
	}

	lg.Info("notification service is running", zap.String("topic", cfg.Kafka.TopicAlerts))

	queue.Run(ctx, consumer, handle, lg)

	lg.Info("shutting down gracefully")
}
