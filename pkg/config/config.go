// Package config loads and validates citescore configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Engine, Stream, Service, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Stream   StreamConfig   `yaml:"stream"`
	Service  ServiceConfig  `yaml:"service"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	RunEvents string `yaml:"runEvents"`
}

// RedisConfig holds Redis connection and result-caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// Encodings accepted by EngineConfig.Encoding.
const (
	EncodingVByte = "vbyte"
	EncodingPlain = "plain"
)

// EngineConfig describes the citation stream format and how the engine walks
// it. One engine handles every pipeline variant; nothing is chosen at build
// time.
type EngineConfig struct {
	// FeatureWidth is 16 or 32 bits per feature id.
	FeatureWidth int `yaml:"featureWidth"`
	// Encoding is "vbyte" (gap-encoded variable byte) or "plain" (fixed width).
	Encoding string `yaml:"encoding"`
	// HasDate is false only for the oldest scoring-only stream layout.
	HasDate bool `yaml:"hasDate"`
	// ByteOrder is "little" or "big" and must match the producer.
	ByteOrder string `yaml:"byteOrder"`
	// MaxPayload bounds the declared payload size of a record in bytes.
	MaxPayload int `yaml:"maxPayload"`
	Workers    int `yaml:"workers"`
	ChunkSize  int `yaml:"chunkSize"`
}

// Validate reports inconsistent engine settings as ErrConfig.
func (e EngineConfig) Validate() error {
	if e.FeatureWidth != 16 && e.FeatureWidth != 32 {
		return fmt.Errorf("%w: feature width must be 16 or 32, got %d", apperrors.ErrConfig, e.FeatureWidth)
	}
	if e.Encoding != EncodingVByte && e.Encoding != EncodingPlain {
		return fmt.Errorf("%w: unknown encoding %q", apperrors.ErrConfig, e.Encoding)
	}
	if e.ByteOrder != "little" && e.ByteOrder != "big" {
		return fmt.Errorf("%w: unknown byte order %q", apperrors.ErrConfig, e.ByteOrder)
	}
	if e.MaxPayload <= 0 || e.MaxPayload > 0xFFFF*4 {
		return fmt.Errorf("%w: max payload %d out of range", apperrors.ErrConfig, e.MaxPayload)
	}
	if e.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1, got %d", apperrors.ErrConfig, e.Workers)
	}
	if e.Workers > 1 && e.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk size must be >= 1 with %d workers", apperrors.ErrConfig, e.Workers)
	}
	return nil
}

// StreamConfig controls where citation streams live and how they are opened.
type StreamConfig struct {
	DataDir string `yaml:"dataDir"`
	// Compression is "auto" (by file extension), "none", "zstd" or "lz4".
	Compression string `yaml:"compression"`
	Mmap        bool   `yaml:"mmap"`
}

// ServiceConfig controls request limits of the scoring service.
type ServiceConfig struct {
	DefaultLimit int           `yaml:"defaultLimit"`
	MaxLimit     int           `yaml:"maxLimit"`
	RunTimeout   time.Duration `yaml:"runTimeout"`
	// MaxBodyBytes caps request bodies; weight vectors can be large.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
	// MaxFeatures bounds num_features and the weight vector length of a run.
	MaxFeatures int `yaml:"maxFeatures"`
	// RateLimit is the number of runs a client may start per minute. Zero
	// disables limiting.
	RateLimit int `yaml:"rateLimit"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values, and fails if the engine section is inconsistent.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	return defaultConfig()
}

// DefaultEngine returns the engine defaults: 32-bit gap-encoded features with
// a date field, little-endian, sequential.
func DefaultEngine() EngineConfig {
	return EngineConfig{
		FeatureWidth: 32,
		Encoding:     EncodingVByte,
		HasDate:      true,
		ByteOrder:    "little",
		MaxPayload:   4000,
		Workers:      1,
		ChunkSize:    4096,
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "citescore",
			User:            "citescore",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "citescore-group",
			Topics: KafkaTopics{
				RunEvents: "citescore-runs",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 10 * time.Minute,
		},
		Engine: DefaultEngine(),
		Stream: StreamConfig{
			DataDir:     "./data",
			Compression: "auto",
		},
		Service: ServiceConfig{
			DefaultLimit: 100,
			MaxLimit:     10000,
			RunTimeout:   45 * time.Second,
			MaxBodyBytes: 64 << 20,
			MaxFeatures:  1 << 22,
			RateLimit:    120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads CS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("CS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("CS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("CS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("CS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("CS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CS_ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("CS_ENGINE_ENCODING"); v != "" {
		cfg.Engine.Encoding = v
	}
	if v := os.Getenv("CS_ENGINE_FEATURE_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.FeatureWidth = n
		}
	}
	if v := os.Getenv("CS_STREAM_DATA_DIR"); v != "" {
		cfg.Stream.DataDir = v
	}
	if v := os.Getenv("CS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("CS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
