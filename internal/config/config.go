package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Ledger backends
const (
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Broker modes
const (
	BrokerPaper  = "paper"
	BrokerSchwab = "schwab"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Kafka      KafkaConfig
	Redis      RedisConfig
	Broker     BrokerConfig
	MarketData MarketDataConfig
	Scheduler  SchedulerConfig
	Reconcile  ReconcileConfig
	Log        LogConfig

	// LedgerBackend is postgres or memory
	LedgerBackend string
	// StrategyParamsFile is an optional YAML file of strategy parameters
	StrategyParamsFile string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled           bool
	Brokers           []string
	EventsTopic       string
	OrderUpdatesTopic string
	GroupID           string
}

// RedisConfig holds the distributed lock configuration. An empty Addr
// selects the in-process locker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// BrokerConfig holds brokerage API configuration
type BrokerConfig struct {
	Mode        string
	BaseURL     string
	AccountID   string
	Token       string
	Timeout     time.Duration
	PollRetries uint64
	PollInitial time.Duration
	PollMaxWait time.Duration
}

// MarketDataConfig holds price history API configuration
type MarketDataConfig struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	Retries      uint64
	RetryInitial time.Duration
}

// SchedulerConfig holds tick timing configuration
type SchedulerConfig struct {
	SettleDelay      time.Duration
	ReloadInterval   time.Duration
	SignalWindowBars int
	Timezone         string
}

// ReconcileConfig holds sweep configuration
type ReconcileConfig struct {
	SweepInterval  time.Duration
	GraceWindow    time.Duration
	ResolveTimeout time.Duration
	AuditPositions bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "autotrade"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Enabled:           getEnvBool("KAFKA_ENABLED", false),
			Brokers:           splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			EventsTopic:       getEnv("KAFKA_EVENTS_TOPIC", "ledger-events"),
			OrderUpdatesTopic: getEnv("KAFKA_ORDER_UPDATES_TOPIC", "broker-order-updates"),
			GroupID:           getEnv("KAFKA_GROUP_ID", "autotrade"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			LockTTL:  getEnvDuration("REDIS_LOCK_TTL", 30*time.Second),
		},
		Broker: BrokerConfig{
			Mode:        getEnv("BROKER_MODE", BrokerPaper),
			BaseURL:     getEnv("BROKER_BASE_URL", "https://api.schwabapi.com/trader/v1"),
			AccountID:   getEnv("BROKER_ACCOUNT_ID", ""),
			Token:       getEnv("BROKER_TOKEN", ""),
			Timeout:     getEnvDuration("BROKER_TIMEOUT", 10*time.Second),
			PollRetries: uint64(getEnvInt("BROKER_POLL_RETRIES", 5)),
			PollInitial: getEnvDuration("BROKER_POLL_INITIAL", 500*time.Millisecond),
			PollMaxWait: getEnvDuration("BROKER_POLL_MAX_WAIT", 10*time.Second),
		},
		MarketData: MarketDataConfig{
			BaseURL:      getEnv("MARKET_DATA_BASE_URL", "https://api.schwabapi.com/marketdata/v1"),
			Token:        getEnv("MARKET_DATA_TOKEN", ""),
			Timeout:      getEnvDuration("MARKET_DATA_TIMEOUT", 15*time.Second),
			Retries:      uint64(getEnvInt("MARKET_DATA_RETRIES", 3)),
			RetryInitial: getEnvDuration("MARKET_DATA_RETRY_INITIAL", time.Second),
		},
		Scheduler: SchedulerConfig{
			SettleDelay:      getEnvDuration("SCHEDULER_SETTLE_DELAY", 5*time.Second),
			ReloadInterval:   getEnvDuration("SCHEDULER_RELOAD_INTERVAL", time.Minute),
			SignalWindowBars: getEnvInt("SCHEDULER_SIGNAL_WINDOW_BARS", 1),
			Timezone:         getEnv("SCHEDULER_TIMEZONE", "America/New_York"),
		},
		Reconcile: ReconcileConfig{
			SweepInterval:  getEnvDuration("RECONCILE_SWEEP_INTERVAL", time.Minute),
			GraceWindow:    getEnvDuration("RECONCILE_GRACE_WINDOW", 30*time.Second),
			ResolveTimeout: getEnvDuration("RECONCILE_RESOLVE_TIMEOUT", 15*time.Minute),
			AuditPositions: getEnvBool("RECONCILE_AUDIT_POSITIONS", true),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		LedgerBackend:      getEnv("LEDGER_BACKEND", LedgerPostgres),
		StrategyParamsFile: getEnv("STRATEGY_PARAMS_FILE", ""),
	}
}

// Validate checks settings that have no usable default
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case LedgerPostgres, LedgerMemory:
	default:
		return fmt.Errorf("LEDGER_BACKEND must be %s or %s, got %q", LedgerPostgres, LedgerMemory, c.LedgerBackend)
	}
	switch c.Broker.Mode {
	case BrokerPaper:
	case BrokerSchwab:
		if c.Broker.AccountID == "" || c.Broker.Token == "" {
			return fmt.Errorf("BROKER_ACCOUNT_ID and BROKER_TOKEN are required in %s mode", BrokerSchwab)
		}
	default:
		return fmt.Errorf("BROKER_MODE must be %s or %s, got %q", BrokerPaper, BrokerSchwab, c.Broker.Mode)
	}
	if c.MarketData.Token == "" {
		return fmt.Errorf("MARKET_DATA_TOKEN is required")
	}
	if c.Scheduler.SignalWindowBars < 0 {
		return fmt.Errorf("SCHEDULER_SIGNAL_WINDOW_BARS must not be negative")
	}
	if c.Reconcile.ResolveTimeout < c.Reconcile.GraceWindow {
		return fmt.Errorf("RECONCILE_RESOLVE_TIMEOUT must be at least RECONCILE_GRACE_WINDOW")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}
	return nil
}

// Location returns the scheduler timezone, falling back to UTC
func (s *SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		logrus.WithError(err).Warnf("Unknown timezone %q, using UTC", s.Timezone)
		return time.UTC
	}
	return loc
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		logrus.Warnf("Invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		logrus.Warnf("Invalid %s=%q, using %t", key, value, defaultValue)
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logrus.Warnf("Invalid %s=%q, using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
