package config

import "time"

// RateLimitConfig configures the token bucket limiter applied to write
// endpoints (claim, release, signup, login).
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled"        envconfig:"RATE_LIMIT_ENABLED"`
	Capacity       int           `yaml:"capacity"       envconfig:"RATE_LIMIT_CAPACITY"`
	RefillTokens   int           `yaml:"refillTokens"   envconfig:"RATE_LIMIT_REFILL_TOKENS"`
	RefillInterval time.Duration `yaml:"refillInterval" envconfig:"RATE_LIMIT_REFILL_INTERVAL"`
	TTL            time.Duration `yaml:"ttl"            envconfig:"RATE_LIMIT_TTL"`
	KeyStrategy    string        `yaml:"keyStrategy"    envconfig:"RATE_LIMIT_KEY_STRATEGY"`
	Prefix         string        `yaml:"prefix"         envconfig:"RATE_LIMIT_PREFIX"`
}

func defaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:        true,
		Capacity:       60,
		RefillTokens:   1,
		RefillInterval: time.Second,
		TTL:            10 * time.Minute,
		KeyStrategy:    "identity_route",
		Prefix:         "rl",
	}
}

// normalize clamps values that would make the bucket unusable.
func (c *RateLimitConfig) normalize() {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
}
