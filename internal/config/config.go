package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr         string
	StoreBackend string
	DatabaseURL  string
	SQLitePath   string

	JWTSecret       string
	WriteRole       string
	AllowDebugToken bool
	DebugToken      string

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	StreamBatchSize      int
	StreamPollInterval   time.Duration
	StreamMaxConcurrency int
}

const (
	defaultAddr         = ":8074"
	defaultBackend      = "postgres"
	defaultSQLitePath   = "workflow.db"
	defaultWriteRole    = "production"
	defaultTopic        = "workflow-events"
	defaultBatchSize    = 10
	defaultPollInterval = 3 * time.Second
	defaultConcurrency  = 5
)

func Load() (Config, error) {
	cfg := Config{
		Addr:         getEnv("WORKFLOW_ADDR", defaultAddr),
		StoreBackend: getEnv("WORKFLOW_STORE", defaultBackend),
		DatabaseURL:  firstNonEmpty(os.Getenv("WORKFLOW_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		SQLitePath:   getEnv("WORKFLOW_SQLITE_PATH", defaultSQLitePath),

		JWTSecret:       os.Getenv("WORKFLOW_JWT_SECRET"),
		WriteRole:       getEnv("WORKFLOW_WRITE_ROLE", defaultWriteRole),
		AllowDebugToken: getBool("WORKFLOW_ALLOW_DEBUG_TOKEN", false),
		DebugToken:      os.Getenv("WORKFLOW_DEBUG_TOKEN"),

		KafkaBrokers: splitList(os.Getenv("WORKFLOW_KAFKA_BROKERS")),
		KafkaTopic:   getEnv("WORKFLOW_KAFKA_TOPIC", defaultTopic),
		S3Bucket:     os.Getenv("WORKFLOW_S3_BUCKET"),
		S3Prefix:     getEnv("WORKFLOW_S3_PREFIX", "workflow-events"),

		StreamBatchSize:      getInt("WORKFLOW_STREAM_BATCH_SIZE", defaultBatchSize),
		StreamPollInterval:   getDuration("WORKFLOW_STREAM_POLL_INTERVAL", defaultPollInterval),
		StreamMaxConcurrency: getInt("WORKFLOW_STREAM_MAX_CONCURRENCY", defaultConcurrency),
	}

	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL or WORKFLOW_DATABASE_URL required for postgres store")
		}
	case "sqlite", "memory":
	default:
		return Config{}, fmt.Errorf("unknown WORKFLOW_STORE %q (postgres, sqlite, memory)", cfg.StoreBackend)
	}

	if cfg.JWTSecret == "" && !cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("WORKFLOW_JWT_SECRET required when WORKFLOW_ALLOW_DEBUG_TOKEN is off")
	}
	return cfg, nil
}

// StreamingEnabled reports whether the Kafka/S3 event pipeline is configured.
func (c Config) StreamingEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
