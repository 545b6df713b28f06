// Package config reads process configuration from the environment and, for
// connectors and data needs, from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	strutil "consentgrid/pkg/platform/strings"
)

// Config is the whole process configuration.
type Config struct {
	Server    Server
	Postgres  Postgres
	Redis     RedisConfig
	Kafka     Kafka
	Polling   Polling
	Sweep     Sweep
	Auth      Auth
	RateLimit RateLimit
	LogLevel  string
	// File holds connectors and data needs; it is empty unless a config file
	// was loaded.
	File File
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Postgres configures the permission store. An empty URL selects the
// in-memory store.
type Postgres struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the status view and the processed-event tracker.
// An empty URL keeps both in memory.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the document export. Without brokers documents are only
// logged.
type Kafka struct {
	Brokers           []string
	ClientID          string
	Partitions        int32
	ReplicationFactor int16
}

// Polling configures data fetching.
type Polling struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Concurrency   int
	MaxInFlight   int
	BusWorkers    int
	SchemaRefresh time.Duration
}

// Sweep configures the periodic maintenance passes.
type Sweep struct {
	Interval             time.Duration
	StaleAfter           time.Duration
	AdminResponseTimeout time.Duration
	DataDeadline         time.Duration
	Retention            time.Duration
}

// Auth configures access tokens and the administrator webhook secret.
type Auth struct {
	JWTSigningKey     string
	JWTIssuer         string
	JWTAudience       string
	TokenTTL          time.Duration
	WebhookSecretHash string
}

// RateLimit caps unauthenticated traffic per client address. Zero requests
// disables a class.
type RateLimit struct {
	CreateRequests  int
	WebhookRequests int
	Window          time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	r := reader{}
	cfg := Config{
		Server: Server{
			Addr:            r.str("CONSENTGRID_ADDR", ":8080"),
			ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Postgres: Postgres{
			URL:             r.str("DATABASE_URL", ""),
			MaxOpenConns:    r.int("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    r.int("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: r.duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          r.str("REDIS_URL", ""),
			PoolSize:     r.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: r.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  r.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  r.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: r.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:           r.list("KAFKA_BROKERS"),
			ClientID:          r.str("KAFKA_CLIENT_ID", "consentgrid"),
			Partitions:        int32(r.int("KAFKA_PARTITIONS", 6)),
			ReplicationFactor: int16(r.int("KAFKA_REPLICATION_FACTOR", 1)),
		},
		Polling: Polling{
			MaxAttempts:   r.int("POLL_MAX_ATTEMPTS", 10),
			BaseDelay:     r.duration("POLL_BASE_DELAY", time.Minute),
			MaxDelay:      r.duration("POLL_MAX_DELAY", 2*time.Hour),
			Concurrency:   r.int("POLL_CONCURRENCY", 8),
			MaxInFlight:   r.int("POLL_MAX_IN_FLIGHT", 16),
			BusWorkers:    r.int("BUS_WORKERS", 8),
			SchemaRefresh: r.duration("SCHEMA_REFRESH_INTERVAL", time.Hour),
		},
		Sweep: Sweep{
			Interval:             r.duration("SWEEP_INTERVAL", 5*time.Minute),
			StaleAfter:           r.duration("STALE_AFTER", 6*time.Hour),
			AdminResponseTimeout: r.duration("ADMIN_RESPONSE_TIMEOUT", 14*24*time.Hour),
			DataDeadline:         r.duration("DATA_DEADLINE", 30*24*time.Hour),
			Retention:            r.duration("RETENTION_PERIOD", 90*24*time.Hour),
		},
		Auth: Auth{
			// Use a default for development - should be overridden in production
			JWTSigningKey:     r.str("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:         r.str("JWT_ISSUER", "consentgrid"),
			JWTAudience:       r.str("JWT_AUDIENCE", "consentgrid-connect"),
			TokenTTL:          r.duration("ACCESS_TOKEN_TTL", 24*time.Hour),
			WebhookSecretHash: r.str("WEBHOOK_SECRET_HASH", ""),
		},
		RateLimit: RateLimit{
			CreateRequests:  r.int("RATE_LIMIT_CREATE", 30),
			WebhookRequests: r.int("RATE_LIMIT_WEBHOOK", 300),
			Window:          r.duration("RATE_LIMIT_WINDOW", time.Minute),
		},
		LogLevel: r.str("LOG_LEVEL", "info"),
	}
	if len(r.errs) > 0 {
		return Config{}, fmt.Errorf("invalid environment: %s", strings.Join(r.errs, "; "))
	}
	return cfg, nil
}

// reader collects parse errors so every bad variable is reported at once.
type reader struct {
	errs []string
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	return strutil.SplitList(r.str(key, ""), ",")
}
