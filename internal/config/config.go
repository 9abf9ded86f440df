package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration for podcastd.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Generator GeneratorConfig
	Engine    EngineConfig
	RateLimit RateLimitConfig
	Notify    NotifyConfig
	Retention RetentionConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PublicURLBase   string
	ForcePathStyle  bool
}

type GeneratorConfig struct {
	BaseURL string
	Timeout time.Duration
}

type EngineConfig struct {
	Workers       int
	MaxRetries    int
	RetryBackoff  time.Duration
	MaxBackoff    time.Duration
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
	PollInterval  time.Duration
	RecoverEvery  time.Duration
}

type RateLimitConfig struct {
	Window time.Duration
}

type NotifyConfig struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

type RetentionConfig struct {
	Window        time.Duration
	Schedule      string
	BatchSize     int
	DeletesPerSec float64
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PODCASTD_PORT", 8000),
			Env:  envString("PODCASTD_ENV", "development"),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Bucket:          envString("S3_BUCKET_NAME", "podcastfy"),
			Region:          os.Getenv("AWS_REGION"),
			Endpoint:        os.Getenv("S3_ENDPOINT_URL"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			PublicURLBase:   os.Getenv("S3_PUBLIC_URL_BASE"),
			ForcePathStyle:  envBool("S3_FORCE_PATH_STYLE", false),
		},
		Generator: GeneratorConfig{
			BaseURL: os.Getenv("GENERATOR_URL"),
			Timeout: envDurationSecs("GENERATOR_TIMEOUT_SECS", 3600*time.Second),
		},
		Engine: EngineConfig{
			Workers:       envInt("WORKER_CONCURRENCY", 4),
			MaxRetries:    envInt("JOB_MAX_RETRIES", 3),
			RetryBackoff:  envDurationSecs("JOB_RETRY_DELAY_SECS", 60*time.Second),
			MaxBackoff:    envDurationSecs("JOB_MAX_RETRY_DELAY_SECS", time.Hour),
			SoftTimeLimit: envDurationSecs("JOB_SOFT_TIME_LIMIT_SECS", 3000*time.Second),
			HardTimeLimit: envDurationSecs("JOB_TIME_LIMIT_SECS", 3600*time.Second),
			PollInterval:  envDuration("WORKER_POLL_INTERVAL", time.Second),
			RecoverEvery:  envDuration("WORKER_RECOVER_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Window: envDurationSecs("RATE_LIMIT_WINDOW_SECS", 60*time.Second),
		},
		Notify: NotifyConfig{
			Timeout:       envDurationSecs("WEBHOOK_TIMEOUT_SECS", 10*time.Second),
			RatePerSecond: envFloat("WEBHOOK_RATE_PER_SEC", 20),
			Burst:         envInt("WEBHOOK_BURST", 10),
		},
		Retention: RetentionConfig{
			Window:        envDuration("RETENTION_WINDOW", 7*24*time.Hour),
			Schedule:      envString("RETENTION_SCHEDULE", "0 2 * * *"),
			BatchSize:     envInt("RETENTION_BATCH_SIZE", 100),
			DeletesPerSec: envFloat("RETENTION_DELETES_PER_SEC", 50),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase reads only the database settings. Maintenance commands that
// touch nothing but Postgres use it.
func LoadDatabase() (DatabaseConfig, error) {
	db := databaseFromEnv()
	if db.URL == "" {
		return db, fmt.Errorf("DATABASE_URL is required")
	}
	return db, nil
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("S3_BUCKET_NAME is required")
	}
	if (c.Storage.AccessKeyID != "") != (c.Storage.SecretAccessKey != "") {
		return fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}

	if c.Generator.BaseURL == "" {
		return fmt.Errorf("GENERATOR_URL is required")
	}
	if !strings.HasPrefix(c.Generator.BaseURL, "http://") && !strings.HasPrefix(c.Generator.BaseURL, "https://") {
		return fmt.Errorf("GENERATOR_URL must start with http:// or https://, got %q", c.Generator.BaseURL)
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("JOB_MAX_RETRIES must be at least 1, got %d", c.Engine.MaxRetries)
	}
	if c.Engine.SoftTimeLimit > c.Engine.HardTimeLimit {
		return fmt.Errorf("JOB_SOFT_TIME_LIMIT_SECS (%s) must not exceed JOB_TIME_LIMIT_SECS (%s)",
			c.Engine.SoftTimeLimit, c.Engine.HardTimeLimit)
	}

	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECS must be positive")
	}

	if c.Retention.Window <= 0 {
		return fmt.Errorf("RETENTION_WINDOW must be positive")
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		return fmt.Errorf("RETENTION_SCHEDULE is not a valid cron expression: %w", err)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
