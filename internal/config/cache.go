package config

import (
	"strings"
	"time"
)

// CacheConfig defines settings for the response cache middleware.  Only
// shared, identity-independent GET endpoints (the completed track list and
// aggregate stats) are cached; the tracker purges entries after an archive.
// Methods is a comma separated list such as "GET,HEAD".
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"      envconfig:"CACHE_ENABLED"`
	Methods      string        `yaml:"methods"      envconfig:"CACHE_METHODS"`
	TTL          time.Duration `yaml:"ttl"          envconfig:"CACHE_TTL"`
	Prefix       string        `yaml:"prefix"       envconfig:"CACHE_PREFIX"`
	MaxBodyBytes int           `yaml:"maxBodyBytes" envconfig:"CACHE_MAX_BODY_BYTES"`
}

func defaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      true,
		Methods:      "GET",
		TTL:          30 * time.Second,
		Prefix:       "cache",
		MaxBodyBytes: 1 << 20,
	}
}

// MethodSet returns the upper-cased cacheable methods.
func (c CacheConfig) MethodSet() map[string]bool {
	m := map[string]bool{}
	for _, p := range strings.Split(c.Methods, ",") {
		p = strings.TrimSpace(strings.ToUpper(p))
		if p != "" {
			m[p] = true
		}
	}
	return m
}
