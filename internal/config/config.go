package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Session    SessionConfig    `yaml:"session"`
	Batch      BatchConfig      `yaml:"batch"`
}

type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	ProjectCacheTTL time.Duration `yaml:"project_cache_ttl"`
}

type KafkaConfig struct {
	Brokers       []string          `yaml:"brokers"`
	Topics        map[string]string `yaml:"topics"`
	ConsumerGroup string            `yaml:"consumer_group"`
}

// EventsTopic returns the topic jobs are written to and read from.
func (k KafkaConfig) EventsTopic() string {
	if t := k.Topics["events"]; t != "" {
		return t
	}
	return "pulse.events.raw"
}

type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

type ClickHouseConfig struct {
	Addr         string `yaml:"addr"`
	Database     string `yaml:"database"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RateLimitConfig drives the admission gates of the ingestion endpoint.
// Backend is "memory" (single process) or "redis" (shared across instances).
type RateLimitConfig struct {
	Backend       string        `yaml:"backend"`
	IPLimit       int           `yaml:"ip_limit"`
	IPWindow      time.Duration `yaml:"ip_window"`
	ProjectLimit  int           `yaml:"project_limit"`
	ProjectWindow time.Duration `yaml:"project_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// IngestConfig selects how admitted events reach the event processor.
// Dispatch is "inline" (same process) or "kafka". Projects seeds the
// in-memory store used when postgres.dsn is empty.
type IngestConfig struct {
	Dispatch       string   `yaml:"dispatch"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	Projects       []string `yaml:"projects"`
}

type SessionConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	FinalizeInterval time.Duration `yaml:"finalize_interval"`
}

type BatchConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

const (
	DispatchInline = "inline"
	DispatchKafka  = "kafka"

	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Redis.ProjectCacheTTL == 0 {
		c.Redis.ProjectCacheTTL = 5 * time.Minute
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "pulse-event-processor"
	}
	if c.ClickHouse.MaxOpenConns == 0 {
		c.ClickHouse.MaxOpenConns = 10
	}
	if c.ClickHouse.MaxIdleConns == 0 {
		c.ClickHouse.MaxIdleConns = 5
	}

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = BackendMemory
	}
	if c.RateLimit.IPLimit == 0 {
		c.RateLimit.IPLimit = 100
	}
	if c.RateLimit.IPWindow == 0 {
		c.RateLimit.IPWindow = time.Minute
	}
	if c.RateLimit.ProjectLimit == 0 {
		c.RateLimit.ProjectLimit = 1000
	}
	if c.RateLimit.ProjectWindow == 0 {
		c.RateLimit.ProjectWindow = time.Minute
	}
	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = time.Minute
	}

	if c.Ingest.Dispatch == "" {
		c.Ingest.Dispatch = DispatchInline
	}
	if c.Ingest.MaxConcurrency == 0 {
		c.Ingest.MaxConcurrency = 16
	}

	// Matches the client's session timeout.
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 30 * time.Minute
	}
	if c.Session.FinalizeInterval == 0 {
		c.Session.FinalizeInterval = time.Minute
	}

	if c.Batch.Size == 0 {
		c.Batch.Size = 1000
	}
	if c.Batch.FlushInterval == 0 {
		c.Batch.FlushInterval = 5 * time.Second
	}
}

func (c *Config) Validate() error {
	switch c.Ingest.Dispatch {
	case DispatchInline:
	case DispatchKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("ingest.dispatch is kafka but kafka.brokers is empty")
		}
	default:
		return fmt.Errorf("unknown ingest.dispatch %q", c.Ingest.Dispatch)
	}

	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("rate_limit.backend is redis but redis.addr is empty")
		}
	default:
		return fmt.Errorf("unknown rate_limit.backend %q", c.RateLimit.Backend)
	}

	if c.Ingest.MaxConcurrency < 1 {
		return errors.New("ingest.max_concurrency must be positive")
	}
	return nil
}
