package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Storage     StorageConfig     `yaml:"storage" envPrefix:"STORAGE_"`
	Redis       RedisConfig       `yaml:"redis" envPrefix:"REDIS_"`
	Postgres    PostgresConfig    `yaml:"postgres" envPrefix:"POSTGRES_"`
	Kafka       KafkaConfig       `yaml:"kafka" envPrefix:"KAFKA_"`
	Maintenance MaintenanceConfig `yaml:"maintenance" envPrefix:"MAINTENANCE_"`
	Duel        DuelConfig        `yaml:"duel" envPrefix:"DUEL_"`
	Archive     ArchiveConfig     `yaml:"archive" envPrefix:"ARCHIVE_"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// StorageConfig selects the durable store backing challenges, sessions and the ledger
type StorageConfig struct {
	Driver     string `yaml:"driver" env:"DRIVER"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Grace keeps a cached session around a little longer than its own expiry
	// so the cleanup sweep still finds it in the cache.
	Grace time.Duration `yaml:"grace" env:"GRACE"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxConnections  int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	MinConnections  int           `yaml:"min_connections" env:"MIN_CONNECTIONS"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers" env:"BROKERS" envSeparator:","`
	ActionTopic   string        `yaml:"action_topic" env:"ACTION_TOPIC"`
	EventTopic    string        `yaml:"event_topic" env:"EVENT_TOPIC"`
	GroupID       string        `yaml:"group_id" env:"GROUP_ID"`
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	ActionTimeout time.Duration `yaml:"action_timeout" env:"ACTION_TIMEOUT"`
	RetryAttempts int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryDelay    time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// MaintenanceConfig holds the sweep schedule
type MaintenanceConfig struct {
	ChallengeSweepInterval time.Duration `yaml:"challenge_sweep_interval" env:"CHALLENGE_SWEEP_INTERVAL"`
	SessionSweepInterval   time.Duration `yaml:"session_sweep_interval" env:"SESSION_SWEEP_INTERVAL"`
	Enabled                bool          `yaml:"enabled" env:"ENABLED"`
}

// DuelConfig holds the tunable windows and limits of the duel engine
type DuelConfig struct {
	ChallengeWindow     time.Duration `yaml:"challenge_window" env:"CHALLENGE_WINDOW"`
	SessionTTL          time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
	OperationTimeout    time.Duration `yaml:"operation_timeout" env:"OPERATION_TIMEOUT"`
	MaxWager            int64         `yaml:"max_wager" env:"MAX_WAGER"`
	AutoStart           bool          `yaml:"auto_start" env:"AUTO_START"`
	Target              int           `yaml:"target" env:"TARGET"`
	MaxActions          int           `yaml:"max_actions" env:"MAX_ACTIONS"`
	HistoryDefaultLimit int           `yaml:"history_default_limit" env:"HISTORY_DEFAULT_LIMIT"`
	HistoryMaxLimit     int           `yaml:"history_max_limit" env:"HISTORY_MAX_LIMIT"`
}

// ArchiveConfig holds the S3 bucket used for settlement reconciliation records
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
}

// LogConfig controls the slog handler
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Load reads configuration from a YAML file, then applies DUEL_* environment overrides
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// No file: DUEL_* variables override the built-in defaults
		cfg = *DefaultConfig()
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		// Expand environment variables
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnv overrides file values with any DUEL_* variables that are set
func (c *Config) applyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: "DUEL_"}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Storage defaults
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverPostgres
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "duels.db"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.Grace == 0 {
		c.Redis.Grace = 10 * time.Minute
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.ActionTopic == "" {
		c.Kafka.ActionTopic = "duel-actions"
	}
	if c.Kafka.EventTopic == "" {
		c.Kafka.EventTopic = "duel-events"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "duel-engine"
	}
	if c.Kafka.ActionTimeout == 0 {
		c.Kafka.ActionTimeout = 10 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// Maintenance defaults
	if c.Maintenance.ChallengeSweepInterval == 0 {
		c.Maintenance.ChallengeSweepInterval = 1 * time.Minute
	}
	if c.Maintenance.SessionSweepInterval == 0 {
		c.Maintenance.SessionSweepInterval = 5 * time.Minute
	}

	c.Duel.applyDefaults()

	// Archive defaults
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "reconciliation"
	}
	if c.Archive.Region == "" {
		c.Archive.Region = "us-east-1"
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (d *DuelConfig) applyDefaults() {
	if d.ChallengeWindow == 0 {
		d.ChallengeWindow = 5 * time.Minute
	}
	if d.SessionTTL == 0 {
		d.SessionTTL = 60 * time.Minute
	}
	if d.OperationTimeout == 0 {
		d.OperationTimeout = 5 * time.Second
	}
	if d.Target == 0 {
		d.Target = 21
	}
	if d.MaxActions == 0 {
		d.MaxActions = 8
	}
	if d.HistoryDefaultLimit == 0 {
		d.HistoryDefaultLimit = 20
	}
	if d.HistoryMaxLimit == 0 {
		d.HistoryMaxLimit = 100
	}
}

// DefaultDuelConfig returns the duel settings with all defaults applied
func DefaultDuelConfig() DuelConfig {
	var d DuelConfig
	d.applyDefaults()
	return d
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Maintenance.Enabled = true
	cfg.Duel.AutoStart = true
	return cfg
}
