package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Lock backends.
const (
	LockBackendFile  = "file"
	LockBackendRedis = "redis"
)

// Config holds shared runtime configuration for the scheduler, the ops API and postctl.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	LogLevel    string
	LogFormat   string

	DatabaseURL string

	MastodonBaseURL      string
	MastodonClientID     string
	MastodonClientSecret string
	PublishTimeout       time.Duration
	PublishRatePerSec    float64
	PublishBurst         int

	BatchSize      int
	PollInterval   time.Duration
	MaxRetries     int
	StallTimeout   time.Duration
	RecoverOnStart bool

	LockBackend string
	LockPath    string
	LockKey     string
	LockTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WakeupEnabled bool
	WakeupKey     string

	OwnerRateCapacity int
	OwnerRateRefill   float64

	RetentionPeriod    time.Duration
	RetentionSchedule  string
	RetentionBatch     int
	ArchiveDir         string
	ArchiveS3Bucket    string
	ArchiveS3Region    string
	ArchiveS3Endpoint  string
	ArchiveS3Prefix    string
	ArchiveS3PathStyle bool
}

// Load reads configuration from the environment, after an optional .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		MastodonBaseURL:      strings.TrimRight(getEnv("MASTODON_BASE_URL", ""), "/"),
		MastodonClientID:     getEnv("MASTODON_CLIENT_ID", ""),
		MastodonClientSecret: getEnv("MASTODON_CLIENT_SECRET", ""),
		PublishTimeout:       getEnvDuration("PUBLISH_TIMEOUT", 0),
		PublishRatePerSec:    getEnvFloat("PUBLISH_RATE_PER_SEC", 1),
		PublishBurst:         getEnvInt("PUBLISH_BURST", 1),

		BatchSize:      getEnvInt("BATCH_SIZE", 5),
		PollInterval:   getEnvDuration("POLL_INTERVAL", 10*time.Second),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		StallTimeout:   getEnvDuration("STALL_TIMEOUT", 10*time.Minute),
		RecoverOnStart: getEnvBool("RECOVER_ON_START", true),

		LockBackend: strings.ToLower(getEnv("LOCK_BACKEND", LockBackendFile)),
		LockPath:    getEnv("LOCK_PATH", filepath.Join(os.TempDir(), "post-scheduler.lock")),
		LockKey:     getEnv("LOCK_KEY", "post-scheduler:lock"),
		LockTTL:     getEnvDuration("LOCK_TTL", 5*time.Minute),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		WakeupEnabled: getEnvBool("WAKEUP_ENABLED", false),
		WakeupKey:     getEnv("WAKEUP_KEY", "post-scheduler:wakeup"),

		OwnerRateCapacity: getEnvInt("OWNER_RATE_CAPACITY", 0),
		OwnerRateRefill:   getEnvFloat("OWNER_RATE_REFILL_PER_SEC", 0.1),

		RetentionPeriod:    getEnvDuration("RETENTION_PERIOD", 0),
		RetentionSchedule:  getEnv("RETENTION_SCHEDULE", "@daily"),
		RetentionBatch:     getEnvInt("RETENTION_BATCH", 500),
		ArchiveDir:         getEnv("ARCHIVE_DIR", "./archive"),
		ArchiveS3Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Region:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3Prefix:    getEnv("ARCHIVE_S3_PREFIX", "post-archive"),
		ArchiveS3PathStyle: getEnvBool("ARCHIVE_S3_PATH_STYLE", false),
	}
}

// MissingSettingsError lists required settings absent from the environment.
type MissingSettingsError struct {
	Keys []string
}

func (e *MissingSettingsError) Error() string {
	return "missing required settings: " + strings.Join(e.Keys, ", ")
}

// Validate checks everything the scheduler needs before entering the poll loop.
func (c Config) Validate() error {
	var missing []string
	required := []struct {
		key, val string
	}{
		{"MASTODON_BASE_URL", c.MastodonBaseURL},
		{"MASTODON_CLIENT_ID", c.MastodonClientID},
		{"MASTODON_CLIENT_SECRET", c.MastodonClientSecret},
		{"DATABASE_URL", c.DatabaseURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			missing = append(missing, r.key)
		}
	}
	if c.LockBackend == LockBackendRedis && c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if len(missing) > 0 {
		return &MissingSettingsError{Keys: missing}
	}
	return c.validateTunables()
}

// ValidateStore checks only what store-facing tools (ops API, postctl) need.
func (c Config) ValidateStore() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return &MissingSettingsError{Keys: []string{"DATABASE_URL"}}
	}
	return nil
}

func (c Config) validateTunables() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	case c.PollInterval <= 0:
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	case c.MaxRetries <= 0:
		return fmt.Errorf("MAX_RETRIES must be positive, got %d", c.MaxRetries)
	case c.StallTimeout <= 0:
		return fmt.Errorf("STALL_TIMEOUT must be positive, got %s", c.StallTimeout)
	}
	switch c.LockBackend {
	case LockBackendFile, LockBackendRedis:
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	return nil
}

// RedisConfigured reports whether a Redis address was supplied.
func (c Config) RedisConfigured() bool {
	return c.RedisAddr != ""
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
