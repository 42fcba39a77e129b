// Package config provides configuration management for the security log service.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, RETENTION_RETENTION_DAYS)
// 3. Default values
//
// Import Path: seclog.io/chain/internal/config
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	River     RiverConfig     `mapstructure:"river"`
	Security  SecurityConfig  `mapstructure:"security"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Retention RetentionConfig `mapstructure:"retention"`
	Chain     ChainConfig     `mapstructure:"chain"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                  int           `mapstructure:"port"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins        []string      `mapstructure:"allowed_origins"`
	AllowCredentials      bool          `mapstructure:"allow_credentials"`
	// UnsafeAllowAllOrigins honours "*" in AllowedOrigins and disables credentials.
	UnsafeAllowAllOrigins bool          `mapstructure:"unsafe_allow_all_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One pool is shared by River and the chain store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	// ConnectRetryMaxElapsed bounds the startup ping retry loop.
	ConnectRetryMaxElapsed time.Duration `mapstructure:"connect_retry_max_elapsed"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers int `mapstructure:"max_workers"`
	// CriticalMaxWorkers reserves slots for the critical event queue.
	CriticalMaxWorkers          int           `mapstructure:"critical_max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
	JobTimeout                  time.Duration `mapstructure:"job_timeout"`
	MaxAttempts                 int           `mapstructure:"max_attempts"`
}

// SecurityConfig contains API authentication settings.
type SecurityConfig struct {
	JWTSigningKey string        `mapstructure:"jwt_signing_key"`
	JWTIssuer     string        `mapstructure:"jwt_issuer"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	IngestPoolSize int `mapstructure:"ingest_pool_size"`
}

// RetentionConfig controls the scheduled and manual log cleanup.
type RetentionConfig struct {
	RetentionDays       int           `mapstructure:"retention_days"`
	CleanupEnabled      bool          `mapstructure:"cleanup_enabled"`
	BatchSize           int           `mapstructure:"batch_size"`
	CleanupSchedule     string        `mapstructure:"cleanup_schedule"`
	ArchiveBeforeDelete bool          `mapstructure:"archive_before_delete"`
	BatchPause          time.Duration `mapstructure:"batch_pause"`
	ArchiveDir          string        `mapstructure:"archive_dir"`
}

// Schedule parses CleanupSchedule as a standard 5-field cron expression.
func (r RetentionConfig) Schedule() (cron.Schedule, error) {
	return cron.ParseStandard(r.CleanupSchedule)
}

// MaxRetentionDays caps retention.retention_days at one hundred years.
const MaxRetentionDays = 36500

// ChainConfig contains verifier settings.
type ChainConfig struct {
	VerifyPageSize int `mapstructure:"verify_page_size"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads configuration from file and environment variables.
// Environment variables have no prefix: database.max_conns → DATABASE_MAX_CONNS.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/seclog")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if len(c.Security.JWTSigningKey) < 32 {
		return fmt.Errorf("security.jwt_signing_key must be at least 32 characters")
	}
	if c.Retention.RetentionDays <= 0 || c.Retention.RetentionDays > MaxRetentionDays {
		return fmt.Errorf("retention.retention_days must be between 1 and %d, got %d", MaxRetentionDays, c.Retention.RetentionDays)
	}
	if c.Retention.BatchSize <= 0 {
		return fmt.Errorf("retention.batch_size must be positive, got %d", c.Retention.BatchSize)
	}
	if c.Retention.BatchPause < 0 {
		return fmt.Errorf("retention.batch_pause must not be negative")
	}
	if _, err := c.Retention.Schedule(); err != nil {
		return fmt.Errorf("retention.cleanup_schedule %q: %w", c.Retention.CleanupSchedule, err)
	}
	if c.Retention.ArchiveBeforeDelete && c.Retention.ArchiveDir == "" {
		return fmt.Errorf("retention.archive_dir is required when archive_before_delete is set")
	}
	if c.River.MaxAttempts <= 0 {
		return fmt.Errorf("river.max_attempts must be positive")
	}
	return nil
}

// ensureSecrets auto-generates a JWT signing key on first boot if missing.
// Tokens minted with a generated key do not survive a restart.
func (c *Config) ensureSecrets() error {
	if c.Security.JWTSigningKey == "" {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate jwt signing key: %w", err)
		}
		c.Security.JWTSigningKey = key
		logBootstrapWarn(
			"auto-generated jwt_signing_key; set SECURITY_JWT_SIGNING_KEY env var for persistence",
			zap.Int("length", len(key)),
		)
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

// generateSecureRandomHex produces a hex-encoded string of n random bytes.
func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)

	// Database
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "seclog")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "seclog")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.connect_retry_max_elapsed", "1m")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.critical_max_workers", 2)
	v.SetDefault("river.completed_job_retention_period", "24h")
	v.SetDefault("river.job_timeout", "30s")
	v.SetDefault("river.max_attempts", 10)

	// Security
	v.SetDefault("security.jwt_signing_key", "")
	v.SetDefault("security.jwt_issuer", "seclog")
	v.SetDefault("security.token_ttl", "1h")

	// Worker Pool
	v.SetDefault("worker.ingest_pool_size", 50)

	// Retention
	v.SetDefault("retention.retention_days", 90)
	v.SetDefault("retention.cleanup_enabled", true)
	v.SetDefault("retention.batch_size", 10000)
	v.SetDefault("retention.cleanup_schedule", "0 3 * * *")
	v.SetDefault("retention.archive_before_delete", true)
	v.SetDefault("retention.batch_pause", "100ms")
	v.SetDefault("retention.archive_dir", "./archive")

	// Chain
	v.SetDefault("chain.verify_page_size", 1000)
}
