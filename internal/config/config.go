package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store and queue drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

// tableCodePattern keeps refined table codes usable as DuckDB identifiers
var tableCodePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Config holds application configuration
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DBConn      string `env:"DB_CONN"`
	RedisURL    string `env:"REDIS_URL"`
	QueueDriver string `env:"QUEUE_DRIVER" envDefault:"redis"`

	ObjectStoreDir     string `env:"OBJECT_STORE_DIR" envDefault:"./data/bucket"`
	RawPrefix          string `env:"RAW_PREFIX" envDefault:"raw/"`
	QueryResultsPrefix string `env:"QUERY_RESULTS_PREFIX" envDefault:"queries/"`
	DuckDBPath         string `env:"DUCKDB_PATH" envDefault:"./data/analytics.duckdb"`

	ChangeLogShards    int    `env:"CHANGELOG_SHARDS" envDefault:"4"`
	ChangeLogBatchSize int    `env:"CHANGELOG_BATCH_SIZE" envDefault:"100"`
	ChangeLogPoll      string `env:"CHANGELOG_POLL" envDefault:"@every 2s"`

	QueueDeliveryDelay     time.Duration `env:"QUEUE_DELIVERY_DELAY" envDefault:"5m"`
	QueueDedupWindow       time.Duration `env:"QUEUE_DEDUP_WINDOW" envDefault:"5m"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"6m"`
	QueuePoll              string        `env:"QUEUE_POLL" envDefault:"@every 10s"`

	WorkflowTimeout  time.Duration `env:"WORKFLOW_TIMEOUT" envDefault:"5m"`
	JobPollInterval  time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"1s"`
	QueryTimeout     time.Duration `env:"QUERY_TIMEOUT" envDefault:"2m"`
	TokenSecret      string        `env:"TOKEN_SECRET"`
	RefinedTableCode string        `env:"REFINED_TABLE_CODE" envDefault:"products"`

	RateFeedEnabled  bool   `env:"RATE_FEED_ENABLED" envDefault:"false"`
	RateFeedURL      string `env:"RATE_FEED_URL" envDefault:"https://www.cbr.ru/DailyInfoWebServ/DailyInfo.asmx"`
	RateFeedSchedule string `env:"RATE_FEED_SCHEDULE" envDefault:"@daily"`

	SMTPHost     string   `env:"SMTP_HOST"`
	SMTPPort     int      `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string   `env:"SMTP_USERNAME"`
	SMTPPassword string   `env:"SMTP_PASSWORD"`
	AlertFrom    string   `env:"ALERT_FROM" envDefault:"noreply@loans-finder.local"`
	AlertTo      []string `env:"ALERT_TO" envSeparator:","`
}

// NewConfig loads configuration from environment variables
func NewConfig() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads the environment without checking driver requirements. Tools
// that only touch one backend use it.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks driver combinations and required values
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBConn == "" {
			return fmt.Errorf("DB_CONN is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %s or %s, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	switch c.QueueDriver {
	case DriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("QUEUE_DRIVER must be %s or %s, got %q", DriverRedis, DriverMemory, c.QueueDriver)
	}
	if c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}
	if c.ChangeLogShards < 1 {
		return fmt.Errorf("CHANGELOG_SHARDS must be positive")
	}
	if c.WorkflowTimeout <= 0 {
		return fmt.Errorf("WORKFLOW_TIMEOUT must be positive")
	}
	if c.JobPollInterval <= 0 {
		return fmt.Errorf("JOB_POLL_INTERVAL must be positive")
	}
	if !tableCodePattern.MatchString(c.RefinedTableCode) {
		return fmt.Errorf("REFINED_TABLE_CODE must match %s, got %q", tableCodePattern, c.RefinedTableCode)
	}
	return nil
}

// LockTTL outlives the workflow timeout so a running refinement never loses its lock
func (c *Config) LockTTL() time.Duration {
	return c.WorkflowTimeout + time.Minute
}

// AlertsEnabled reports whether failure emails can be sent
func (c *Config) AlertsEnabled() bool {
	return c.SMTPHost != "" && len(c.AlertTo) > 0
}
