package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/alerting"
	"github.com/smukkama/safety-engine/internal/database"
	"github.com/smukkama/safety-engine/internal/engine"
	"github.com/smukkama/safety-engine/internal/metrics"
	"github.com/smukkama/safety-engine/internal/motion"
	"github.com/smukkama/safety-engine/internal/protocol"
	"github.com/smukkama/safety-engine/internal/queue"
	"github.com/smukkama/safety-engine/internal/session"
	"github.com/smukkama/safety-engine/internal/timer"
	"github.com/smukkama/safety-engine/pkg/config"
	"github.com/smukkama/safety-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.FromConfig(cfg.Log, "safety-engine")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("starting safety engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.Connect(cfg.Database.ConnectionString(), lg)
	if err != nil {
		lg.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, cfg.Database.MigrationsDir); err != nil {
		lg.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis holds alert snapshots and the per-user alert channels
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		lg.Fatal("failed to connect to redis", zap.Error(err))
	}
	stateStore := alerting.NewStateStore(redisClient, cfg.Redis.StateTTL)

	// Kafka
	if cfg.Kafka.CreateTopics {
		for _, topic := range []string{cfg.Kafka.TopicDeviceEvents, cfg.Kafka.TopicAlerts} {
			if err := queue.CreateTopic(cfg.Kafka.Brokers, topic, cfg.Kafka.NumPartitions, cfg.Kafka.ReplicationFactor, lg); err != nil {
				lg.Warn("topic creation failed (may already exist)", zap.String("topic", topic), zap.Error(err))
			}
		}
	}

	alertProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer alertProducer.Close()

	publisher := alerting.FanOut{alerting.NewKafkaPublisher(alertProducer), stateStore}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	metricsServer := &http.Server{
		Addr:              cfg.Engine.MetricsAddr,
		Handler:           metricsMux(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("metrics server failed", zap.Error(err))
		}
	}()

	// Countdown timers
	scheduler := timer.NewScheduler(lg)
	scheduler.Start()
	defer scheduler.Stop()

	tz, err := cfg.Engine.Location()
	if err != nil {
		lg.Fatal("invalid time zone", zap.Error(err))
	}
	engineCfg := engine.Config{
		MovementThreshold: cfg.Engine.MovementThreshold,
		RuleCacheValidity: cfg.Engine.RuleCacheValidity,
		TimeZone:          tz,
		Motion: motion.Thresholds{
			Fall:        cfg.Motion.FallThreshold,
			Accident:    cfg.Motion.AccidentThreshold,
			IgnoreBelow: cfg.Motion.IgnoreBelow,
			Cooldown:    cfg.Motion.Cooldown,
		},
	}
	alertCfg := alerting.Config{
		Countdown:    cfg.Engine.Countdown,
		StoreTimeout: cfg.Engine.StoreTimeout,
	}

	factory := func(userID string) (*engine.Engine, error) {
		alerts := alerting.NewManager(userID, alertCfg, alerting.Deps{
			Store:     db,
			Pins:      db,
			Scheduler: scheduler,
			Publisher: publisher,
			Mirror:    stateStore,
			Metrics:   m,
			Logger:    lg,
		})

		restoreCtx, cancel := context.WithTimeout(ctx, cfg.Engine.StoreTimeout)
		defer cancel()
		snap, err := stateStore.GetSnapshot(restoreCtx, userID)
		if err != nil {
			lg.Warn("failed to load alert snapshot", zap.String("protected_id", userID), zap.Error(err))
		} else if snap != nil {
			alerts.Restore(*snap)
		}

		return engine.New(userID, engineCfg, db, alerts, engine.Deps{Metrics: m, Logger: lg}), nil
	}

	registry := session.NewRegistry(cfg.Engine.MaxSessions, factory, m, lg)
	dispatcher := session.NewDispatcher(registry, lg)

	// Alerts that were in flight when the last instance stopped
	if snaps, err := stateStore.ActiveSnapshots(ctx); err != nil {
		lg.Warn("failed to list active alert snapshots", zap.Error(err))
	} else {
		for userID := range snaps {
			if _, err := registry.Open(userID); err != nil {
				lg.Error("failed to restore session", zap.String("protected_id", userID), zap.Error(err))
			}
		}
		lg.Info("restored in-flight alerts", zap.Int("sessions", len(snaps)))
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeviceEvents, "safety-engine-group")
	defer consumer.Close()

	handle := func(ctx context.Context, msg kafka.Message) error {
		ev, err := protocol.DecodeDeviceEvent(msg.Value)
		if err != nil {
			lg.Warn("dropping undecodable device event", zap.Error(err))
			return queue.ErrSkip
		}
		if err := dispatcher.Dispatch(ctx, ev); err != nil {
			// Retried until the idle sweep frees a session
			if session.IsCapacityError(err) {
				return err
			}
			lg.Warn("dropping device event", zap.String("protected_id", ev.UserID), zap.Error(err))
			return queue.ErrSkip
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		queue.Run(ctx, consumer, handle, lg)
	}()

	// Idle session sweep and periodic statistics
	maintenance := cron.New(cron.WithLocation(tz))
	if _, err := maintenance.AddFunc(fmt.Sprintf("@every %s", cfg.Engine.SweepInterval), func() {
		swept := registry.SweepInactive(cfg.Engine.SessionIdleTimeout)
		stats := registry.Stats()
		timerStats := scheduler.Stats()
		lg.Info("engine statistics",
			zap.Int("swept_sessions", swept),
			zap.Int("open_sessions", stats.OpenSessions),
			zap.Int("max_sessions", stats.MaxSessions),
			zap.Int("alerts_in_flight", stats.AlertsInFlight),
			zap.Int("scheduled_timers", timerStats.ScheduledTasks))
	}); err != nil {
		lg.Fatal("invalid sweep interval", zap.Duration("interval", cfg.Engine.SweepInterval), zap.Error(err))
	}
	maintenance.Start()

	lg.Info("safety engine is running",
		zap.String("topic", cfg.Kafka.TopicDeviceEvents),
		zap.String("metrics_addr", cfg.Engine.MetricsAddr),
		zap.Duration("countdown", cfg.Engine.Countdown))

	<-ctx.Done()
	lg.Info("shutting down gracefully")

	<-done
	<-maintenance.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		lg.Warn("metrics server shutdown failed", zap.Error(err))
	}
}

func metricsMux(reg *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}
