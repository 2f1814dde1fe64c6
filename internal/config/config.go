// Package config defines the synchronization core's typed configuration
// and loads it from environment variables with a getEnv-and-default
// idiom. Parsing an on-disk config file and decrypting secrets at rest
// are out of scope here — env vars are the substitute the core itself
// understands; a deployment wraps this with its own secret injection.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

// SourceConfig connects to the read-only appointment database.
type SourceConfig struct {
	Server            string        `validate:"required"`
	Database          string        `validate:"required"`
	Username          string        `validate:"required"`
	Password          string        `validate:"required"`
	Port              int           `validate:"required,min=1,max=65535"`
	ConnectionTimeout time.Duration `validate:"required"`
	QueryTimeout      time.Duration `validate:"required"`
}

// CrmConfig configures the CRM HTTP client.
type CrmConfig struct {
	WebhookURL  string          `validate:"required,url"`
	MaxRetries  int             `validate:"required,min=1"`
	RetryDelays []time.Duration `validate:"required,min=1"`
	RateLimit   float64         `validate:"required,gt=0"`
	RequestTimeout time.Duration `validate:"required"`
}

// SyncConfig controls cycle timing and the source's tenancy scoping.
type SyncConfig struct {
	IntervalMinutes int `validate:"required,min=1"`
	BatchSize       int `validate:"required,min=1"`
	InitialSyncDays int `validate:"required,min=1"`
	FilialID        int `validate:"required,min=1,max=5"`
}

// QueueConfig controls the retry queue's on-disk store and limits.
type QueueConfig struct {
	StorePath        string `validate:"required"`
	MaxQueueSize     int    `validate:"required,min=1"`
	MaxRetryAttempts int    `validate:"required,min=1"`
}

// PlanConfig controls the treatment-plan projector's cache and throttle.
type PlanConfig struct {
	CachePath        string        `validate:"required"`
	MaxCacheEntries  int           `validate:"required,min=1"`
	ThrottleInterval time.Duration `validate:"required"`
}

// LogConfig is the ambient logging concern; personal-data masking and
// log rotation live entirely outside this package.
type LogConfig struct {
	Level  string
	Format string
}

// LookupCacheConfig points at the optional soft Redis cache the CRM
// client fronts its batch finders with. A cache miss or connection
// failure never changes correctness, only call volume.
type LookupCacheConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// StageConfig injects the stage enumeration as opaque strings so a CRM
// admin can rename or reorder stages without a recompile.
type StageConfig struct {
	StatusToStage map[domain.Status]domain.Stage
	Protected     map[domain.Stage]bool
	Final         map[domain.Stage]bool
}

// Config is the synchronization core's full configuration, passed
// explicitly into every component's constructor rather than reached for
// through a package-level global.
type Config struct {
	Source SourceConfig
	Crm    CrmConfig
	Sync   SyncConfig
	Queue  QueueConfig
	Plan   PlanConfig
	Log    LogConfig
	Stages StageConfig
	LookupCache LookupCacheConfig

	MetricsAddr string
	SentryDSN   string
}

// Load builds a Config from environment variables, applying sensible
// defaults for anything unset, then validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Source: SourceConfig{
			Server:            getEnv("SOURCE_SERVER", "localhost"),
			Database:          getEnv("SOURCE_DATABASE", "ident"),
			Username:          getEnv("SOURCE_USERNAME", "ident_ro"),
			Password:          getEnv("SOURCE_PASSWORD", ""),
			Port:              getEnvInt("SOURCE_PORT", 5432),
			ConnectionTimeout: getEnvSeconds("SOURCE_CONNECTION_TIMEOUT", 10),
			QueryTimeout:      getEnvSeconds("SOURCE_QUERY_TIMEOUT", 30),
		},
		Crm: CrmConfig{
			WebhookURL:     getEnv("CRM_WEBHOOK_URL", ""),
			MaxRetries:     getEnvInt("CRM_MAX_RETRIES", 3),
			RetryDelays:    getEnvDurationList("CRM_RETRY_DELAYS", "1,2,4"),
			RateLimit:      getEnvFloat("CRM_RATE_LIMIT", 2.0),
			RequestTimeout: getEnvSeconds("CRM_REQUEST_TIMEOUT", 30),
		},
		Sync: SyncConfig{
			IntervalMinutes: getEnvInt("SYNC_INTERVAL_MINUTES", 2),
			BatchSize:       getEnvInt("SYNC_BATCH_SIZE", 50),
			InitialSyncDays: getEnvInt("SYNC_INITIAL_SYNC_DAYS", 30),
			FilialID:        getEnvInt("SYNC_FILIAL_ID", 1),
		},
		Queue: QueueConfig{
			StorePath:        getEnv("QUEUE_STORE_PATH", "./state/queue.store"),
			MaxQueueSize:     getEnvInt("QUEUE_MAX_QUEUE_SIZE", 1000),
			MaxRetryAttempts: getEnvInt("QUEUE_MAX_RETRY_ATTEMPTS", 5),
		},
		Plan: PlanConfig{
			CachePath:        getEnv("PLAN_CACHE_PATH", "./state/plan_cache.store"),
			MaxCacheEntries:  getEnvInt("PLAN_MAX_CACHE_ENTRIES", 10000),
			ThrottleInterval: time.Duration(getEnvInt("PLAN_THROTTLE_MINUTES", 30)) * time.Minute,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Stages: DefaultStages(),
		LookupCache: LookupCacheConfig{
			Addr:     getEnv("LOOKUP_CACHE_ADDR", "localhost:6379"),
			Password: getEnv("LOOKUP_CACHE_PASSWORD", ""),
			DB:       getEnvInt("LOOKUP_CACHE_DB", 0),
			TTL:      getEnvSeconds("LOOKUP_CACHE_TTL", 30),
		},
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		SentryDSN:   getEnv("SENTRY_DSN", ""),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, domain.NewError(domain.KindConfigInvalid, "invalid configuration", err)
	}

	return cfg, nil
}

// DefaultStages is the clinic's stage enumeration, expressed as data
// rather than baked into the reconciler.
func DefaultStages() StageConfig {
	return StageConfig{
		StatusToStage: map[domain.Status]domain.Stage{
			domain.StatusPlanned:              "NEW",
			domain.StatusPatientArrived:       "CONTACT_MADE",
			domain.StatusInProgress:           "TREATMENT",
			domain.StatusCompletedWithInvoice: "WON",
			domain.StatusCancelled:            "LOSE",
		},
		Protected: map[domain.Stage]bool{
			"WON":                 true,
			"LOSE":                true,
			"PREPAYMENT_INVOICE":  true,
			"FINAL_INVOICE":       true,
			"EXECUTING":           true,
			"APOLOGY":             true,
		},
		Final: map[domain.Stage]bool{
			"WON":  true,
			"LOSE": true,
		},
	}
}

func validateConfig(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg.Source); err != nil {
		return err
	}
	if err := v.Struct(cfg.Crm); err != nil {
		return err
	}
	if err := v.Struct(cfg.Sync); err != nil {
		return err
	}
	if err := v.Struct(cfg.Queue); err != nil {
		return err
	}
	if err := v.Struct(cfg.Plan); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	seconds := getEnvInt(key, defaultSeconds)
	return time.Duration(seconds) * time.Second
}

// getEnvDurationList parses a CSV list of seconds, e.g. "1,2,4", into
// a backoff delay ladder.
func getEnvDurationList(key, defaultCSV string) []time.Duration {
	raw := getEnv(key, defaultCSV)
	parts := strings.Split(raw, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if seconds, err := strconv.Atoi(p); err == nil {
			delays = append(delays, time.Duration(seconds)*time.Second)
		}
	}
	if len(delays) == 0 {
		delays = append(delays, time.Second)
	}
	return delays
}

// String never prints the source or CRM secret in logs.
func (c *Config) String() string {
	return fmt.Sprintf("Config{source=%s@%s:%d/%s filial=%d interval=%dm}",
		c.Source.Username, c.Source.Server, c.Source.Port, c.Source.Database,
		c.Sync.FilialID, c.Sync.IntervalMinutes)
}
