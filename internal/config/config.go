package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database (usage recording)
	DatabaseURL string

	// Streaming
	HeartbeatInterval   time.Duration // Base interval between heartbeat comments
	HeartbeatJitter     time.Duration // Uniform random jitter added to each interval
	StaleSessionMaxAge  time.Duration // Sessions older than this are swept by the janitor
	StaleSweepSchedule  string        // Cron expression for the stale-session janitor
	MaxIterationsCap    int           // Upper bound on workflow iterations per request
	DefaultMaxIteration int           // Default workflow iterations when unset

	// Upstream generation engine
	UpstreamURL            string
	UpstreamAPIKey         string
	UpstreamTimeoutSeconds int

	// NATS (distributed abort; empty disables)
	NatsURL string

	// Usage Recording
	UsageRecordingEnabled  bool
	UsageWorkerPoolSize    int
	UsageBufferSize        int
	UsageTimeoutSeconds    int

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string

	// Stream tuning overrides loaded from YAML (optional)
	StreamTuning *StreamTuning
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),

		// Streaming
		HeartbeatInterval:   getEnvAsDuration("HEARTBEAT_INTERVAL", 7*time.Second),
		HeartbeatJitter:     getEnvAsDuration("HEARTBEAT_JITTER", 1*time.Second),
		StaleSessionMaxAge:  getEnvAsDuration("STALE_SESSION_MAX_AGE", 10*time.Minute),
		StaleSweepSchedule:  getEnvOrDefault("STALE_SWEEP_SCHEDULE", "@every 1m"),
		MaxIterationsCap:    getEnvAsInt("MAX_ITERATIONS_CAP", 10),
		DefaultMaxIteration: getEnvAsInt("DEFAULT_MAX_ITERATIONS", 3),

		// Upstream
		UpstreamURL:            getEnvOrDefault("UPSTREAM_URL", "http://localhost:9000/v1/generate"),
		UpstreamAPIKey:         getEnvOrDefault("UPSTREAM_API_KEY", ""),
		UpstreamTimeoutSeconds: getEnvAsInt("UPSTREAM_TIMEOUT_SECONDS", 300),

		// NATS
		NatsURL: getEnvOrDefault("NATS_URL", ""),

		// Usage Recording
		UsageRecordingEnabled: getEnvOrDefault("USAGE_RECORDING_ENABLED", "true") == "true",
		UsageWorkerPoolSize:   getEnvAsInt("USAGE_WORKER_POOL_SIZE", 5),
		UsageBufferSize:       getEnvAsInt("USAGE_BUFFER_SIZE", 1000),
		UsageTimeoutSeconds:   getEnvAsInt("USAGE_TIMEOUT_SECONDS", 30),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Optional YAML overrides for stream tuning.
	if path := getEnvOrDefault("STREAM_TUNING_CONFIG", ""); path != "" {
		tuning, err := LoadStreamTuning(path)
		if err != nil {
			log.Printf("failed to load stream tuning config %q: %v", path, err)
		} else {
			AppConfig.StreamTuning = tuning
			AppConfig.applyStreamTuning()
		}
	}
}

// applyStreamTuning overlays non-zero YAML values onto the env-derived config.
func (c *Config) applyStreamTuning() {
	t := c.StreamTuning
	if t == nil {
		return
	}
	if t.HeartbeatIntervalMS > 0 {
		c.HeartbeatInterval = time.Duration(t.HeartbeatIntervalMS) * time.Millisecond
	}
	if t.HeartbeatJitterMS > 0 {
		c.HeartbeatJitter = time.Duration(t.HeartbeatJitterMS) * time.Millisecond
	}
	if t.StaleSessionMaxAgeMS > 0 {
		c.StaleSessionMaxAge = time.Duration(t.StaleSessionMaxAgeMS) * time.Millisecond
	}
	if t.StaleSweepSchedule != "" {
		c.StaleSweepSchedule = t.StaleSweepSchedule
	}
	if t.MaxIterationsCap > 0 {
		c.MaxIterationsCap = t.MaxIterationsCap
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("invalid int for %s: %q, using default %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("invalid duration for %s: %q, using default %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
