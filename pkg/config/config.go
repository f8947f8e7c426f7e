package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database       DatabaseConfig
	Redis          RedisConfig
	Kafka          KafkaConfig
	Gateway        GatewayConfig
	Engine         EngineConfig
	Motion         MotionConfig
	LocationWriter LocationWriterConfig
	SMTP           SMTPConfig
	SMS            SMSConfig
	Log            LogConfig
}

type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MigrationsDir string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	StateTTL time.Duration
}

type KafkaConfig struct {
	Brokers           []string
	TopicDeviceEvents string
	TopicAlerts       string
	NumPartitions     int
	ReplicationFactor int
	CreateTopics      bool
}

type GatewayConfig struct {
	Port              int
	MaxConnections    int
	IdentifyTimeout   time.Duration
	InactivityTimeout time.Duration
	WriteTimeout      time.Duration
	// VideoWindow is how long the device records after escalation
	VideoWindow       time.Duration
	// LiveFeedAddr serves the dashboard websocket feed; empty disables it
	LiveFeedAddr      string
	LiveFeedPing      time.Duration
}

type EngineConfig struct {
	Countdown          time.Duration
	MovementThreshold  float64 // meters
	RuleCacheValidity  time.Duration
	StoreTimeout       time.Duration
	TimeZone           string
	MetricsAddr        string
	MaxSessions        int
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
}

// Location resolves the configured IANA time zone
func (e EngineConfig) Location() (*time.Location, error) {
	return time.LoadLocation(e.TimeZone)
}

// MotionConfig holds accelerometer thresholds in m/s²
type MotionConfig struct {
	FallThreshold     float64
	AccidentThreshold float64
	IgnoreBelow       float64
	Cooldown          time.Duration
}

type LocationWriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// SMTPConfig configures monitor e-mail. Provider is "smtp" or "sendgrid".
type SMTPConfig struct {
	Provider       string
	Host           string
	Port           int
	Username       string
	Password       string
	From           string
	FromName       string
	SendGridAPIKey string
	RateLimit      RateLimitConfig
}

// Enabled reports whether credentials were configured
func (s SMTPConfig) Enabled() bool {
	if s.Provider == "sendgrid" {
		return s.SendGridAPIKey != ""
	}
	return s.Host != "" && s.Username != ""
}

// SMSConfig configures monitor text messages sent through Twilio
type SMSConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	RateLimit  RateLimitConfig
}

func (s SMSConfig) Enabled() bool {
	return s.AccountSID != "" && s.AuthToken != "" && s.FromNumber != ""
}

// RateLimitConfig caps outbound messages per channel. Zero disables it.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type LogConfig struct {
	Level      string
	Format     string
	// File enables a rotated JSON log file in addition to stdout
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnvAsInt("DB_PORT", 5432),
			User:          getEnv("DB_USER", "safety_user"),
			Password:      getEnv("DB_PASSWORD", "safety_pass"),
			DBName:        getEnv("DB_NAME", "safety_db"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MigrationsDir: getEnv("DB_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			StateTTL: getEnvAsDuration("REDIS_STATE_TTL", 7*24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers:           splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			TopicDeviceEvents: getEnv("KAFKA_TOPIC_DEVICE_EVENTS", "safety.device.events"),
			TopicAlerts:       getEnv("KAFKA_TOPIC_ALERTS", "safety.alerts"),
			NumPartitions:     getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
			ReplicationFactor: getEnvAsInt("KAFKA_REPLICATION_FACTOR", 1),
			CreateTopics:      getEnvAsBool("KAFKA_CREATE_TOPICS", false),
		},
		Gateway: GatewayConfig{
			Port:              getEnvAsInt("GATEWAY_PORT", 8080),
			MaxConnections:    getEnvAsInt("GATEWAY_MAX_CONNECTIONS", 10000),
			IdentifyTimeout:   getEnvAsDuration("GATEWAY_IDENTIFY_TIMEOUT", 10*time.Second),
			InactivityTimeout: getEnvAsDuration("GATEWAY_INACTIVITY_TIMEOUT", 2*time.Minute),
			WriteTimeout:      getEnvAsDuration("GATEWAY_WRITE_TIMEOUT", 5*time.Second),
			VideoWindow:       getEnvAsDuration("VIDEO_RECORDING_WINDOW", 30*time.Second),
			LiveFeedAddr:      getEnv("GATEWAY_LIVE_FEED_ADDR", ":8081"),
			LiveFeedPing:      getEnvAsDuration("GATEWAY_LIVE_FEED_PING", 30*time.Second),
		},
		Engine: EngineConfig{
			Countdown:          getEnvAsDuration("ENGINE_COUNTDOWN", 10*time.Second),
			MovementThreshold:  getEnvAsFloat("ENGINE_MOVEMENT_THRESHOLD_M", 50),
			RuleCacheValidity:  getEnvAsDuration("ENGINE_RULE_CACHE_VALIDITY", time.Minute),
			StoreTimeout:       getEnvAsDuration("ENGINE_STORE_TIMEOUT", 5*time.Second),
			TimeZone:           getEnv("ENGINE_TIME_ZONE", "UTC"),
			MetricsAddr:        getEnv("ENGINE_METRICS_ADDR", ":9090"),
			MaxSessions:        getEnvAsInt("ENGINE_MAX_SESSIONS", 100000),
			SessionIdleTimeout: getEnvAsDuration("ENGINE_SESSION_IDLE_TIMEOUT", 24*time.Hour),
			SweepInterval:      getEnvAsDuration("ENGINE_SWEEP_INTERVAL", 10*time.Minute),
		},
		Motion: MotionConfig{
			FallThreshold:     getEnvAsFloat("MOTION_FALL_THRESHOLD", 25),
			AccidentThreshold: getEnvAsFloat("MOTION_ACCIDENT_THRESHOLD", 45),
			IgnoreBelow:       getEnvAsFloat("MOTION_IGNORE_BELOW", 15),
			Cooldown:          getEnvAsDuration("MOTION_COOLDOWN", 3*time.Second),
		},
		LocationWriter: LocationWriterConfig{
			BatchSize:     getEnvAsInt("LOCATION_WRITER_BATCH_SIZE", 500),
			FlushInterval: getEnvAsDuration("LOCATION_WRITER_FLUSH_INTERVAL", 5*time.Second),
		},
		SMTP: SMTPConfig{
			Provider:       getEnv("EMAIL_PROVIDER", "smtp"),
			Host:           getEnv("SMTP_HOST", ""),
			Port:           getEnvAsInt("SMTP_PORT", 587),
			Username:       getEnv("SMTP_USERNAME", ""),
			Password:       getEnv("SMTP_PASSWORD", ""),
			From:           getEnv("SMTP_FROM", "safety-alerts@example.com"),
			FromName:       getEnv("SMTP_FROM_NAME", "Safety Alerts"),
			SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
			RateLimit: RateLimitConfig{
				RequestsPerMinute: getEnvAsInt("EMAIL_RATE_PER_MINUTE", 120),
				Burst:             getEnvAsInt("EMAIL_RATE_BURST", 20),
			},
		},
		SMS: SMSConfig{
			AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
			FromNumber: getEnv("TWILIO_FROM_NUMBER", ""),
			RateLimit: RateLimitConfig{
				RequestsPerMinute: getEnvAsInt("SMS_RATE_PER_MINUTE", 60),
				Burst:             getEnvAsInt("SMS_RATE_BURST", 10),
			},
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 14),
			Compress:   getEnvAsBool("LOG_COMPRESS", true),
		},
	}

	if _, err := config.Engine.Location(); err != nil {
		return nil, fmt.Errorf("invalid ENGINE_TIME_ZONE %q: %w", config.Engine.TimeZone, err)
	}
	if p := config.SMTP.Provider; p != "smtp" && p != "sendgrid" {
		return nil, fmt.Errorf("unsupported EMAIL_PROVIDER %q", p)
	}
	if config.Engine.Countdown <= 0 {
		return nil, fmt.Errorf("ENGINE_COUNTDOWN must be positive")
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
