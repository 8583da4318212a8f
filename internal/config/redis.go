package config

// Redis backs the distributed rate limiter, the response cache and the
// "redis" change feed transport.  When the server cannot be reached at
// startup NewRedisClient returns nil and callers degrade gracefully: the
// limiter and cache are disabled and the feed falls back to memory.

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection parameters.  Addr takes precedence over
// Host/Port when both are set.
type RedisConfig struct {
	Host     string `yaml:"host"     envconfig:"REDIS_HOST"`
	Port     string `yaml:"port"     envconfig:"REDIS_PORT"`
	Addr     string `yaml:"addr"     envconfig:"REDIS_ADDR"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"       envconfig:"REDIS_DB"`
	TLS      bool   `yaml:"tls"      envconfig:"REDIS_TLS"`
	Disabled bool   `yaml:"disabled" envconfig:"REDIS_DISABLED"`
}

func defaultRedisConfig() RedisConfig {
	return RedisConfig{}
}

// Address resolves the host:port the client dials.
func (c RedisConfig) Address() string {
	if c.Addr != "" {
		return c.Addr
	}
	if c.Host != "" && c.Port != "" {
		return c.Host + ":" + c.Port
	}
	return "localhost:6379"
}

// NewRedisClient builds a client from cfg and pings it with a short timeout.
// The returned client is nil when Redis is disabled or unreachable.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	if cfg.Disabled {
		return nil
	}
	var tlsConf *tls.Config
	if cfg.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Address(),
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}
