package config // package config loads application configuration from a YAML file and environment variables

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultTrackName is the label of the first reading round before an admin
// names one.
const DefaultTrackName = "الختمة الحالية"

// Config holds all runtime configuration values.  Each field can be set in
// the optional YAML file and overridden by the environment variable named in
// its envconfig tag.
type Config struct {
	Env      string `yaml:"env"      envconfig:"APP_ENV"`
	Port     string `yaml:"port"     envconfig:"APP_PORT"`
	LogLevel string `yaml:"logLevel" envconfig:"LOG_LEVEL"`

	DB        DBConfig        `yaml:"db"`
	Auth      AuthConfig      `yaml:"auth"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Cookie    CookieConfig    `yaml:"cookie"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Cache     CacheConfig     `yaml:"cache"`
	Feed      FeedConfig      `yaml:"feed"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Storage   StorageConfig   `yaml:"storage"`
}

// DBConfig selects the SQL driver and its connection parameters.  Driver is
// "mysql" for deployments and "sqlite" for local runs; Path is only read for
// sqlite.
type DBConfig struct {
	Driver string `yaml:"driver" envconfig:"DB_DRIVER"`
	User   string `yaml:"user"   envconfig:"DB_USER"`
	Pass   string `yaml:"pass"   envconfig:"DB_PASS"`
	Host   string `yaml:"host"   envconfig:"DB_HOST"`
	Port   string `yaml:"port"   envconfig:"DB_PORT"`
	Name   string `yaml:"name"   envconfig:"DB_NAME"`
	Path   string `yaml:"path"   envconfig:"DB_PATH"`
}

// AuthConfig carries token signing and password hashing settings.
type AuthConfig struct {
	JWTSecret      string `yaml:"jwtSecret"      envconfig:"JWT_SECRET"`
	AccessTTLMin   int    `yaml:"accessTtlMin"   envconfig:"ACCESS_TOKEN_TTL_MIN"`
	RefreshTTLDays int    `yaml:"refreshTtlDays" envconfig:"REFRESH_TOKEN_TTL_DAYS"`
	BcryptCost     int    `yaml:"bcryptCost"     envconfig:"BCRYPT_COST"`
}

// TrackerConfig sizes the part grid and names the initial round.
type TrackerConfig struct {
	Parts            int    `yaml:"parts"            envconfig:"TRACKER_PARTS"`
	DefaultTrackName string `yaml:"defaultTrackName" envconfig:"TRACKER_DEFAULT_NAME"`
}

// CookieConfig controls the anonymous device cookie.
type CookieConfig struct {
	Name   string        `yaml:"name"   envconfig:"DEVICE_COOKIE_NAME"`
	MaxAge time.Duration `yaml:"maxAge" envconfig:"DEVICE_COOKIE_MAX_AGE"`
	Secure bool          `yaml:"secure" envconfig:"DEVICE_COOKIE_SECURE"`
}

// FeedConfig picks the change feed transport: "memory", "redis" or "poll".
type FeedConfig struct {
	Driver       string        `yaml:"driver"       envconfig:"FEED_DRIVER"`
	Channel      string        `yaml:"channel"      envconfig:"FEED_CHANNEL_PREFIX"`
	PollInterval time.Duration `yaml:"pollInterval" envconfig:"FEED_POLL_INTERVAL"`
}

// AMQPConfig points at the broker that receives track.completed events.  An
// empty URL disables publishing.
type AMQPConfig struct {
	URL   string `yaml:"url"   envconfig:"RABBITMQ_URL"`
	Queue string `yaml:"queue" envconfig:"RABBITMQ_QUEUE"`
}

// StorageConfig selects the lesson file bucket.  Provider is "s3", "gcs" or
// "" (uploads disabled).
type StorageConfig struct {
	Provider        string        `yaml:"provider"        envconfig:"STORAGE_PROVIDER"`
	Bucket          string        `yaml:"bucket"          envconfig:"STORAGE_BUCKET"`
	Prefix          string        `yaml:"prefix"          envconfig:"STORAGE_PREFIX"`
	Region          string        `yaml:"region"          envconfig:"STORAGE_REGION"`
	Endpoint        string        `yaml:"endpoint"        envconfig:"STORAGE_ENDPOINT"`
	CredentialsFile string        `yaml:"credentialsFile" envconfig:"STORAGE_CREDENTIALS_FILE"`
	PublicBaseURL   string        `yaml:"publicBaseUrl"   envconfig:"STORAGE_PUBLIC_BASE_URL"`
	SignedURLTTL    time.Duration `yaml:"signedUrlTtl"    envconfig:"STORAGE_SIGNED_URL_TTL"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes"  envconfig:"STORAGE_MAX_UPLOAD_BYTES"`
}

// Default returns a Config populated with the built-in defaults.  Load starts
// from this value before applying the file and the environment.
func Default() Config {
	return Config{
		Env:      "dev",
		Port:     "8080",
		LogLevel: "info",
		DB: DBConfig{
			Driver: "mysql",
			Host:   "localhost",
			Port:   "3306",
			Name:   "hajj_portal",
			Path:   "hajj_portal.db",
		},
		Auth: AuthConfig{
			AccessTTLMin:   15,
			RefreshTTLDays: 30,
			BcryptCost:     12,
		},
		Tracker: TrackerConfig{
			Parts:            30,
			DefaultTrackName: DefaultTrackName,
		},
		Cookie: CookieConfig{
			Name:   "device_id",
			MaxAge: 10 * 365 * 24 * time.Hour,
		},
		Redis:     defaultRedisConfig(),
		RateLimit: defaultRateLimitConfig(),
		Cache:     defaultCacheConfig(),
		Feed: FeedConfig{
			Driver:       "memory",
			Channel:      "feed",
			PollInterval: 2 * time.Second,
		},
		AMQP: AMQPConfig{
			Queue: "track.completed",
		},
		Storage: StorageConfig{
			Prefix:         "lessons/",
			SignedURLTTL:   time.Hour,
			MaxUploadBytes: 10 << 20,
		},
	}
}

// Load reads configuration values.  A .env file in the working directory is
// loaded into the environment when present, then configFile (if non-empty) is
// parsed as YAML over the defaults, and finally environment variables
// override both.  Required values are checked by Validate.
func Load(configFile string) (Config, error) {
	// a missing .env is fine; only real parse errors matter
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("error processing environment: %w", err)
	}
	cfg.RateLimit.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the values the server cannot start without.
func (c Config) Validate() error {
	var missing []string
	if c.Port == "" {
		missing = append(missing, "APP_PORT")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	switch c.DB.Driver {
	case "mysql":
		if c.DB.User == "" {
			missing = append(missing, "DB_USER")
		}
		if c.DB.Host == "" {
			missing = append(missing, "DB_HOST")
		}
		if c.DB.Name == "" {
			missing = append(missing, "DB_NAME")
		}
	case "sqlite":
		if c.DB.Path == "" {
			missing = append(missing, "DB_PATH")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.Tracker.Parts < 1 {
		return fmt.Errorf("invalid TRACKER_PARTS %d", c.Tracker.Parts)
	}
	switch c.Feed.Driver {
	case "memory", "redis", "poll":
	default:
		return fmt.Errorf("unsupported FEED_DRIVER %q", c.Feed.Driver)
	}
	switch c.Storage.Provider {
	case "", "s3", "gcs":
	default:
		return fmt.Errorf("unsupported STORAGE_PROVIDER %q", c.Storage.Provider)
	}
	return nil
}
