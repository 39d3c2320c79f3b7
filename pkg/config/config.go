package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	// TrustProxyHeaders takes client addresses from X-Forwarded-For. Only set it behind a proxy.
	TrustProxyHeaders bool `mapstructure:"TRUST_PROXY_HEADERS"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER" validate:"required,oneof=postgres sqlite"`
	DatabaseURL    string `mapstructure:"DATABASE_URL" validate:"required"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`

	WebhookSecret string `mapstructure:"WEBHOOK_SECRET" validate:"required,min=16"`
	JWTSecret     string `mapstructure:"JWT_SECRET"`

	TargetsFile string `mapstructure:"TARGETS_FILE"`
	WorkingDir  string `mapstructure:"WORKING_DIR"`

	StageTimeout     time.Duration `mapstructure:"STAGE_TIMEOUT" validate:"required,gte=1s"`
	StageMaxAttempts int           `mapstructure:"STAGE_MAX_ATTEMPTS" validate:"gte=1,lte=10"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY" validate:"required"`
	RetryMaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY" validate:"required,gtefield=RetryBaseDelay"`
	LockTTL          time.Duration `mapstructure:"LOCK_TTL" validate:"required"`
	MaxQueuedRuns    int           `mapstructure:"MAX_QUEUED_RUNS" validate:"gte=1"`
	RunRetention     time.Duration `mapstructure:"RUN_RETENTION" validate:"required"`
	JanitorInterval  time.Duration `mapstructure:"JANITOR_INTERVAL" validate:"required"`

	SSHKnownHosts string `mapstructure:"SSH_KNOWN_HOSTS"`

	VaultAddr  string `mapstructure:"VAULT_ADDR" validate:"omitempty,url"`
	VaultToken string `mapstructure:"VAULT_TOKEN"`

	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"KAFKA_TOPIC" validate:"required_with=KafkaBrokers"`

	ArchiveBucket string `mapstructure:"ARCHIVE_BUCKET"`
	ArchivePrefix string `mapstructure:"ARCHIVE_PREFIX"`

	MetricsAddr string `mapstructure:"METRICS_ADDR" validate:"omitempty,hostname_port"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

var keys = []string{
	"APP_ENV",
	"HTTP_ADDR",
	"TRUST_PROXY_HEADERS",
	"SHUTDOWN_TIMEOUT",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"DATABASE_DRIVER",
	"DATABASE_URL",
	"REDIS_ADDR",
	"REDIS_PASSWORD",
	"ASYNQ_CONCURRENCY",
	"GOMAXPROCS",
	"WEBHOOK_SECRET",
	"JWT_SECRET",
	"TARGETS_FILE",
	"WORKING_DIR",
	"STAGE_TIMEOUT",
	"STAGE_MAX_ATTEMPTS",
	"RETRY_BASE_DELAY",
	"RETRY_MAX_DELAY",
	"LOCK_TTL",
	"MAX_QUEUED_RUNS",
	"RUN_RETENTION",
	"JANITOR_INTERVAL",
	"SSH_KNOWN_HOSTS",
	"VAULT_ADDR",
	"VAULT_TOKEN",
	"KAFKA_BROKERS",
	"KAFKA_TOPIC",
	"ARCHIVE_BUCKET",
	"ARCHIVE_PREFIX",
	"METRICS_ADDR",
}

var durationKeys = []string{
	"SHUTDOWN_TIMEOUT",
	"STAGE_TIMEOUT",
	"RETRY_BASE_DELAY",
	"RETRY_MAX_DELAY",
	"LOCK_TTL",
	"RUN_RETENTION",
	"JANITOR_INTERVAL",
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("TRUST_PROXY_HEADERS", false)
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("GOMAXPROCS", 0)
	v.SetDefault("TARGETS_FILE", "targets.yaml")
	v.SetDefault("STAGE_TIMEOUT", "2m")
	v.SetDefault("STAGE_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "2s")
	v.SetDefault("RETRY_MAX_DELAY", "30s")
	v.SetDefault("LOCK_TTL", "45m")
	v.SetDefault("MAX_QUEUED_RUNS", 100)
	v.SetDefault("RUN_RETENTION", "720h")
	v.SetDefault("JANITOR_INTERVAL", "5m")
	v.SetDefault("KAFKA_TOPIC", "deploy.runs")

	// Optional config file
	_ = v.ReadInConfig()

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Durations may arrive as plain strings from the environment.
	for _, key := range durationKeys {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		setDuration(&c, key, d)
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if c.LockTTL <= c.TaskTimeout() {
		return nil, fmt.Errorf("invalid configuration: LOCK_TTL %s must exceed the deploy task timeout %s", c.LockTTL, c.TaskTimeout())
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

func setDuration(c *Config, key string, d time.Duration) {
	switch key {
	case "SHUTDOWN_TIMEOUT":
		c.ShutdownTimeout = d
	case "STAGE_TIMEOUT":
		c.StageTimeout = d
	case "RETRY_BASE_DELAY":
		c.RetryBaseDelay = d
	case "RETRY_MAX_DELAY":
		c.RetryMaxDelay = d
	case "LOCK_TTL":
		c.LockTTL = d
	case "RUN_RETENTION":
		c.RunRetention = d
	case "JANITOR_INTERVAL":
		c.JanitorInterval = d
	}
}

// deployStages is the number of stages a run passes through: build, push,
// remote pull, stop old and start new.
const deployStages = 5

// taskSlack covers the bookkeeping around a run's stages.
const taskSlack = time.Minute

// RunBudget is the longest a run can take when every stage uses all its
// attempts and the rollback runs.
func (c *Config) RunBudget() time.Duration {
	attempts := time.Duration(max(c.StageMaxAttempts, 1))
	perStage := attempts*c.StageTimeout + (attempts-1)*c.RetryMaxDelay
	return deployStages*perStage + c.StageTimeout
}

// TaskTimeout bounds one deploy task on the worker.
func (c *Config) TaskTimeout() time.Duration {
	return c.RunBudget() + taskSlack
}

// Brokers splits KAFKA_BROKERS into addresses. Empty means event publishing is off.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
