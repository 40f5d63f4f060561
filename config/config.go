package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"ticket-engine/models"
)

type Config struct {
	Environment string

	// Storage
	DatabaseDriver string // pocketbase or postgres
	DatabaseURL    string
	LockTimeout    time.Duration

	// Redis
	RedisURL string

	// Background work
	SweepInterval   time.Duration
	SweepBatchSize  int
	SweepLeaseTTL   time.Duration
	OutboxInterval  time.Duration
	OutboxBatchSize int

	// Event sink
	EventSink           string // log, pubnub, redis or amqp
	RedisStream         string
	AMQPURL             string
	AMQPExchange        string
	PubNubPublishKey    string
	PubNubSubscribeKey  string
	PubNubSecretKey     string
	PubNubUserID        string
	PubNubChannelPrefix string

	// External ownership ledger
	LedgerURL     string
	LedgerAPIKey  string
	LedgerHMACKey string

	CredentialSecret string
	PolicyFile       string

	// Monitoring
	EnableMetrics bool
	MetricsPort   string

	DefaultPolicy models.Policy
}

// LoadConfig reads the environment, after loading a .env file when present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		// Storage
		DatabaseDriver: getEnv("DATABASE_DRIVER", "pocketbase"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		LockTimeout:    getEnvAsDuration("LOCK_TIMEOUT", "5s"),

		// Redis
		RedisURL: getEnv("REDIS_URL", ""),

		// Background work
		SweepInterval:   getEnvAsDuration("SWEEP_INTERVAL", "30s"),
		SweepBatchSize:  getEnvAsInt("SWEEP_BATCH_SIZE", 500),
		SweepLeaseTTL:   getEnvAsDuration("SWEEP_LEASE_TTL", "25s"),
		OutboxInterval:  getEnvAsDuration("OUTBOX_INTERVAL", "2s"),
		OutboxBatchSize: getEnvAsInt("OUTBOX_BATCH_SIZE", 100),

		// Event sink
		EventSink:           getEnv("EVENT_SINK", "log"),
		RedisStream:         getEnv("REDIS_STREAM", "ticket-engine:events"),
		AMQPURL:             getEnv("AMQP_URL", ""),
		AMQPExchange:        getEnv("AMQP_EXCHANGE", "ticket-engine"),
		PubNubPublishKey:    getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey:  getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:     getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:        getEnv("PUBNUB_USER_ID", "ticket-engine"),
		PubNubChannelPrefix: getEnv("PUBNUB_CHANNEL_PREFIX", "tickets"),

		// Ledger
		LedgerURL:     getEnv("LEDGER_URL", ""),
		LedgerAPIKey:  getEnv("LEDGER_API_KEY", ""),
		LedgerHMACKey: getEnv("LEDGER_HMAC_KEY", ""),

		CredentialSecret: getEnv("CREDENTIAL_SECRET", ""),
		PolicyFile:       getEnv("POLICY_FILE", ""),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),

		DefaultPolicy: loadPolicyDefaults(),
	}
}

func loadPolicyDefaults() models.Policy {
	return models.Policy{
		HoldDuration:             getEnvAsDuration("HOLD_DURATION", "10m"),
		MaxTicketsPerReservation: getEnvAsInt("MAX_TICKETS_PER_RESERVATION", 10),
		TransferDeadlineHours:    getEnvAsFloat("TRANSFER_DEADLINE_HOURS", 24),
		MaxTransfersPerTicket:    getEnvAsInt("MAX_TRANSFERS_PER_TICKET", 0),
		TransferRequiresApproval: getEnvAsBool("TRANSFER_REQUIRES_APPROVAL", false),
		TransferAcceptWindow:     getEnvAsDuration("TRANSFER_ACCEPT_WINDOW", "48h"),
		MaxResaleMarkupPercent:   getEnvAsInt("MAX_RESALE_MARKUP_PERCENT", 10),
		ReentryWindow:            getEnvAsDuration("REENTRY_WINDOW", "15m"),
		RapidScanWindow:          getEnvAsDuration("RAPID_SCAN_WINDOW", "30s"),
	}
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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
