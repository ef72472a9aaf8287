package cache

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/goliatone/go-query-cache/internal/cacheinfra"
)

// Config controls slot freshness and lifetime.
type Config struct {
	// FreshnessWindow is how long a successful fetch is served without
	// refetching. Zero means every read refetches (concurrent reads still
	// share one request).
	FreshnessWindow time.Duration

	// GCGracePeriod is how long a slot without subscribers is kept.
	GCGracePeriod time.Duration

	// FetchTimeout bounds each fetch. Zero disables the bound.
	FetchTimeout time.Duration

	// Lookup configures the read-through cache used for enrichment lookups.
	Lookup LookupConfig
}

// LookupConfig mirrors the sturdyc options of the lookup cache.
type LookupConfig struct {
	Capacity             int
	NumShards            int
	TTL                  time.Duration
	EvictionPercentage   int
	EarlyRefresh         *EarlyRefreshConfig
	MissingRecordStorage bool
	EvictionInterval     time.Duration
}

// EarlyRefreshConfig mirrors the underlying sturdyc early refresh options.
type EarlyRefreshConfig struct {
	MinAsyncRefreshTime time.Duration
	MaxAsyncRefreshTime time.Duration
	SyncRefreshTime     time.Duration
	RetryBaseDelay      time.Duration
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow: 60 * time.Second,
		GCGracePeriod:   60 * time.Second,
		FetchTimeout:    30 * time.Second,
		Lookup:          DefaultLookupConfig(),
	}
}

// DefaultLookupConfig returns the lookup cache defaults.
func DefaultLookupConfig() LookupConfig {
	return convertFromInternal(cacheinfra.DefaultConfig())
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.FreshnessWindow, validation.Min(time.Duration(0))),
		validation.Field(&c.GCGracePeriod, validation.Min(time.Duration(0))),
		validation.Field(&c.FetchTimeout, validation.Min(time.Duration(0))),
	)
	if err != nil {
		return &ConfigError{Field: "Config", Message: err.Error()}
	}
	return c.Lookup.Validate()
}

// Validate checks the lookup cache settings.
func (c LookupConfig) Validate() error {
	if err := c.toInternal().Validate(); err != nil {
		var cfgErr *cacheinfra.ConfigError
		if errors.As(err, &cfgErr) {
			return &ConfigError{Field: "Lookup." + cfgErr.Field, Message: cfgErr.Message}
		}
		return err
	}
	return nil
}

// NewCacheService constructs the default read-through cache service.
func NewCacheService(cfg LookupConfig) (CacheService, error) {
	return cacheinfra.NewSturdycService(cfg.toInternal())
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

func (c LookupConfig) toInternal() cacheinfra.Config {
	var early *cacheinfra.EarlyRefreshConfig
	if c.EarlyRefresh != nil {
		early = &cacheinfra.EarlyRefreshConfig{
			MinAsyncRefreshTime: c.EarlyRefresh.MinAsyncRefreshTime,
			MaxAsyncRefreshTime: c.EarlyRefresh.MaxAsyncRefreshTime,
			SyncRefreshTime:     c.EarlyRefresh.SyncRefreshTime,
			RetryBaseDelay:      c.EarlyRefresh.RetryBaseDelay,
		}
	}

	return cacheinfra.Config{
		Capacity:             c.Capacity,
		NumShards:            c.NumShards,
		TTL:                  c.TTL,
		EvictionPercentage:   c.EvictionPercentage,
		EarlyRefresh:         early,
		MissingRecordStorage: c.MissingRecordStorage,
		EvictionInterval:     c.EvictionInterval,
	}
}

func convertFromInternal(cfg cacheinfra.Config) LookupConfig {
	var early *EarlyRefreshConfig
	if cfg.EarlyRefresh != nil {
		early = &EarlyRefreshConfig{
			MinAsyncRefreshTime: cfg.EarlyRefresh.MinAsyncRefreshTime,
			MaxAsyncRefreshTime: cfg.EarlyRefresh.MaxAsyncRefreshTime,
			SyncRefreshTime:     cfg.EarlyRefresh.SyncRefreshTime,
			RetryBaseDelay:      cfg.EarlyRefresh.RetryBaseDelay,
		}
	}

	return LookupConfig{
		Capacity:             cfg.Capacity,
		NumShards:            cfg.NumShards,
		TTL:                  cfg.TTL,
		EvictionPercentage:   cfg.EvictionPercentage,
		EarlyRefresh:         early,
		MissingRecordStorage: cfg.MissingRecordStorage,
		EvictionInterval:     cfg.EvictionInterval,
	}
}
