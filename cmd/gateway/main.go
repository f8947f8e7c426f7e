package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/alerting"
	"github.com/smukkama/safety-engine/internal/connection"
	"github.com/smukkama/safety-engine/internal/queue"
	"github.com/smukkama/safety-engine/internal/server"
	"github.com/smukkama/safety-engine/internal/timer"
	"github.com/smukkama/safety-engine/pkg/config"
	"github.com/smukkama/safety-engine/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.FromConfig(cfg.Log, "device-gateway")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("starting device gateway")

	// Alert notifications are pushed to devices from redis pub/sub
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		lg.Fatal("failed to connect to redis", zap.Error(err))
	}
	alertFeed := alerting.NewStateStore(redisClient, cfg.Redis.StateTTL)

	if cfg.Kafka.CreateTopics {
		if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicDeviceEvents, cfg.Kafka.NumPartitions, cfg.Kafka.ReplicationFactor, lg); err != nil {
			lg.Warn("topic creation failed (may already exist)", zap.Error(err))
		}
	}

	// Device events are keyed by user so one engine partition sees them in order
	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeviceEvents)
	defer producer.Close()

	connManager := connection.NewManager(cfg.Gateway.MaxConnections)

	scheduler := timer.NewScheduler(lg)
	scheduler.Start()
	defer scheduler.Stop()

	tcpServer := server.NewTCPServer(&cfg.Gateway, connManager, scheduler, producer, alertFeed, lg)
	if err := tcpServer.Start(); err != nil {
		lg.Fatal("failed to start TCP server", zap.Error(err))
	}
	defer tcpServer.Stop()

	// Monitor dashboards follow alerts over a websocket
	if cfg.Gateway.LiveFeedAddr != "" {
		feed := server.NewLiveFeed(&cfg.Gateway, alertFeed, lg)
		feedServer := &http.Server{
			Addr:              cfg.Gateway.LiveFeedAddr,
			Handler:           feed.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := feedServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("live feed server failed", zap.Error(err))
			}
		}()
		defer func() {
			feed.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := feedServer.Shutdown(shutdownCtx); err != nil {
				lg.Warn("live feed shutdown failed", zap.Error(err))
			}
		}()
	}

	// Print statistics periodically
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			stats := connManager.Stats()
			timerStats := scheduler.Stats()
			lg.Info("gateway statistics",
				zap.Int("connections", stats.TotalConnections),
				zap.Int("max_connections", stats.MaxConnections),
				zap.Int("unique_users", stats.UniqueUsers),
				zap.Int("scheduled_timers", timerStats.ScheduledTasks))
		}
	}()

	lg.Info("device gateway is running",
		zap.Int("port", cfg.Gateway.Port),
		zap.String("live_feed_addr", cfg.Gateway.LiveFeedAddr))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	lg.Info("shutting down gracefully")
}
