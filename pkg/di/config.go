package di

import (
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/transport"
)

// Config aggregates the settings of every component the container builds.
type Config struct {
	LogLevel    string
	Development bool
	// LinksFile is an optional YAML file of enrichment links.
	LinksFile       string
	MutationTimeout time.Duration

	Cache     cache.Config
	Transport transport.Config
}

// DefaultConfig returns defaults for a backend at baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		LogLevel:        "info",
		MutationTimeout: 30 * time.Second,
		Cache:           cache.DefaultConfig(),
		Transport:       transport.DefaultConfig(baseURL),
	}
}

// LoadConfigFromEnv reads QUERYCACHE_* environment variables over the defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig(getEnv("QUERYCACHE_BASE_URL", ""))

	cfg.LogLevel = getEnv("QUERYCACHE_LOG_LEVEL", cfg.LogLevel)
	cfg.Development = getEnvBool("QUERYCACHE_DEVELOPMENT", cfg.Development)
	cfg.LinksFile = getEnv("QUERYCACHE_LINKS_FILE", cfg.LinksFile)
	cfg.MutationTimeout = getEnvDuration("QUERYCACHE_MUTATION_TIMEOUT", cfg.MutationTimeout)

	cfg.Cache.FreshnessWindow = getEnvDuration("QUERYCACHE_FRESHNESS_WINDOW", cfg.Cache.FreshnessWindow)
	cfg.Cache.GCGracePeriod = getEnvDuration("QUERYCACHE_GC_GRACE_PERIOD", cfg.Cache.GCGracePeriod)
	cfg.Cache.FetchTimeout = getEnvDuration("QUERYCACHE_FETCH_TIMEOUT", cfg.Cache.FetchTimeout)
	cfg.Cache.Lookup.Capacity = getEnvInt("QUERYCACHE_LOOKUP_CAPACITY", cfg.Cache.Lookup.Capacity)
	cfg.Cache.Lookup.TTL = getEnvDuration("QUERYCACHE_LOOKUP_TTL", cfg.Cache.Lookup.TTL)

	cfg.Transport.Timeout = getEnvDuration("QUERYCACHE_HTTP_TIMEOUT", cfg.Transport.Timeout)
	cfg.Transport.Breaker.Enabled = getEnvBool("QUERYCACHE_BREAKER_ENABLED", cfg.Transport.Breaker.Enabled)
	cfg.Transport.Breaker.FailureThreshold = getEnvFloat("QUERYCACHE_BREAKER_FAILURE_THRESHOLD", cfg.Transport.Breaker.FailureThreshold)
	cfg.Transport.Breaker.MinRequests = uint32(getEnvInt("QUERYCACHE_BREAKER_MIN_REQUESTS", int(cfg.Transport.Breaker.MinRequests)))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.MutationTimeout, validation.Min(time.Duration(0))),
	)
	if err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	return c.Transport.Validate()
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable such as "30s"
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
