package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables (and an optional .env file)
// with defaults that let the binary run locally against the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	RedisAddr     string
	RedisPassword string
	RedisBoardKey string

	KafkaBrokers []string
	KafkaTopic   string

	RoutingProvider string
	GraphHopperURL  string
	GraphHopperKey  string
	OSRMURL         string
	GoogleMapsKey   string
	RoutingTimeout  time.Duration
	RouteCacheTTL   time.Duration

	MatcherFanOut           int
	MatcherFallbackSpeedKmh float64

	LogLevel string
}

// ConsumerConfig configures the board projector.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisBoardKey string
	MetricsAddr   string
	LogLevel      string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                ":8080",
		ReadTimeout:             5 * time.Second,
		WriteTimeout:            10 * time.Second,
		IdleTimeout:             120 * time.Second,
		ShutdownTimeout:         15 * time.Second,
		MigrationsDir:           "migrations",
		RedisBoardKey:           "fleet_board",
		KafkaTopic:              "dispatch-events",
		RoutingProvider:         "graphhopper",
		GraphHopperURL:          "https://graphhopper.com/api/1",
		OSRMURL:                 "http://localhost:5000",
		RoutingTimeout:          3 * time.Second,
		MatcherFanOut:           3,
		MatcherFallbackSpeedKmh: 50,
		LogLevel:                "info",
	}
}

// loadDotEnv reads .env when present. A missing file is not an error.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = strings.TrimSpace(os.Getenv("PG_DSN"))
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisBoardKey, "REDIS_BOARD_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	if v := strings.TrimSpace(os.Getenv("ROUTING_PROVIDER")); v != "" {
		cfg.RoutingProvider = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.GraphHopperURL, "GRAPHHOPPER_URL")
	cfg.GraphHopperKey = strings.TrimSpace(os.Getenv("GRAPHHOPPER_KEY"))
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	cfg.GoogleMapsKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_KEY"))
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	setIntFromEnv(&cfg.MatcherFanOut, "MATCHER_FAN_OUT", &errs)
	setFloatFromEnv(&cfg.MatcherFallbackSpeedKmh, "MATCHER_FALLBACK_SPEED_KMH", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	switch cfg.RoutingProvider {
	case "graphhopper", "osrm", "none":
	case "google":
		if cfg.GoogleMapsKey == "" {
			errs = append(errs, fmt.Errorf("GOOGLE_MAPS_KEY is required for ROUTING_PROVIDER=google"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ROUTING_PROVIDER %q", cfg.RoutingProvider))
	}
	if cfg.RoutingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ROUTING_TIMEOUT must be > 0"))
	}
	if cfg.RouteCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("ROUTE_CACHE_TTL must be >= 0"))
	}
	if cfg.MatcherFanOut <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_FAN_OUT must be > 0"))
	}
	if cfg.MatcherFallbackSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_FALLBACK_SPEED_KMH must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "dispatch-events",
		KafkaGroup:    "dispatch-board",
		RedisAddr:     "localhost:6379",
		RedisBoardKey: "fleet_board",
		MetricsAddr:   ":2112",
		LogLevel:      "info",
	}
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisBoardKey, "REDIS_BOARD_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
