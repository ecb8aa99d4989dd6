package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pipeline daemons. The daemons share
// one file; each reads only the sections it needs.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	ObjectStore ObjectStoreConfig `mapstructure:"objectstore"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Intake      IntakeConfig      `mapstructure:"intake"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP timeouts shared by every daemon's ops server
type ServerConfig struct {
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the connection string used by both pgx and golang-migrate.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// NATSConfig holds broker connection settings
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ObjectStoreConfig holds S3-compatible object store settings
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// RedisConfig holds the optional checksum cache settings. The cache is a
// performance hint in front of the database lookup; disabling it changes
// nothing but latency.
type RedisConfig struct {
	URL     string        `mapstructure:"url"`
	Enabled bool          `mapstructure:"enabled"`
	SeenTTL time.Duration `mapstructure:"seen_ttl"`
}

// IntakeConfig holds intake watcher settings
type IntakeConfig struct {
	Port            int              `mapstructure:"port"`
	DropDir         string           `mapstructure:"drop_dir"`
	ArchiveDir      string           `mapstructure:"archive_dir"` // empty means <drop_dir>/archive
	PollInterval    time.Duration    `mapstructure:"poll_interval"`
	SettleDelay     time.Duration    `mapstructure:"settle_delay"` // minimum file age before pickup
	MaxConcurrency  int              `mapstructure:"max_concurrency"`
	ClassifierRules []ClassifierRule `mapstructure:"classifier_rules"` // empty means built-in defaults
}

// ClassifierRule maps a filename glob to a payload type.
type ClassifierRule struct {
	Pattern string `mapstructure:"pattern"`
	Type    string `mapstructure:"type"`
}

// WorkerConfig holds ingestion worker settings. An empty subscriptions file
// means nobody is subscribed; ingestion still runs.
type WorkerConfig struct {
	Port              int           `mapstructure:"port"`
	ConsumerName      string        `mapstructure:"consumer_name"`
	AckWait           time.Duration `mapstructure:"ack_wait"`
	MaxDeliver        int           `mapstructure:"max_deliver"`
	RedeliveryDelay   time.Duration `mapstructure:"redelivery_delay"`
	SubscriptionsFile string        `mapstructure:"subscriptions_file"`
}

// DispatchConfig holds delivery dispatcher settings
type DispatchConfig struct {
	Port              int           `mapstructure:"port"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ClaimLimit        int           `mapstructure:"claim_limit"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	StuckThreshold    time.Duration `mapstructure:"stuck_threshold"`
	SubscriptionsFile string        `mapstructure:"subscriptions_file"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "batchline")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "batchline")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")

	v.SetDefault("objectstore.endpoint", "localhost:9000")
	v.SetDefault("objectstore.access_key", "minioadmin")
	v.SetDefault("objectstore.secret_key", "minioadmin")
	v.SetDefault("objectstore.bucket", "batchline-raw")
	v.SetDefault("objectstore.use_ssl", false)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.seen_ttl", "24h")

	v.SetDefault("intake.port", 8091)
	v.SetDefault("intake.drop_dir", "./dropzone")
	v.SetDefault("intake.archive_dir", "")
	v.SetDefault("intake.poll_interval", "10s")
	v.SetDefault("intake.settle_delay", "5s")
	v.SetDefault("intake.max_concurrency", 4)

	v.SetDefault("worker.port", 8092)
	v.SetDefault("worker.consumer_name", "ingest-workers")
	v.SetDefault("worker.ack_wait", "30s")
	v.SetDefault("worker.max_deliver", 5)
	v.SetDefault("worker.redelivery_delay", "5s")
	v.SetDefault("worker.subscriptions_file", "")

	v.SetDefault("dispatch.port", 8093)
	v.SetDefault("dispatch.poll_interval", "2s")
	v.SetDefault("dispatch.claim_limit", 50)
	v.SetDefault("dispatch.max_concurrency", 8)
	v.SetDefault("dispatch.attempt_timeout", "10s")
	v.SetDefault("dispatch.backoff_base", "5s")
	v.SetDefault("dispatch.backoff_cap", "10m")
	v.SetDefault("dispatch.max_attempts", 8)
	v.SetDefault("dispatch.stuck_threshold", "5m")
	v.SetDefault("dispatch.subscriptions_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/batchline")
	}

	// Environment variables override
	v.SetEnvPrefix("BATCHLINE")
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
