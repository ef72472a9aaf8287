package transport

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Config configures the HTTP backend.
type Config struct {
	// BaseURL is the API root; resources are addressed as BaseURL/resource.
	BaseURL string
	// Timeout bounds each round trip. Zero leaves it to the caller's context.
	Timeout time.Duration
	Breaker BreakerConfig
}

// BreakerConfig holds the circuit breaker settings. Only transport failures
// and 5xx responses count as failures.
type BreakerConfig struct {
	Enabled     bool
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests requests were seen in the current interval.
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultConfig returns a Config for baseURL with the breaker enabled.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
		Breaker: DefaultBreakerConfig(),
	}
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		Name:             "backend",
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.Breaker),
	)
}

// Validate checks the breaker settings when the breaker is enabled.
func (c BreakerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.FailureThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Interval, validation.Min(time.Duration(0))),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}
