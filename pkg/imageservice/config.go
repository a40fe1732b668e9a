package imageservice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-imageflow/pkg/cache"
	"github.com/illmade-knight/go-imageflow/pkg/httpfetch"
	"github.com/illmade-knight/go-imageflow/pkg/microservice"
	"github.com/illmade-knight/go-imageflow/pkg/prefetch"
	"github.com/spf13/viper"
)

// Cache backends selectable through cache.backend.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendGCS       = "gcs"
	BackendFirestore = "firestore"
)

// EnvPrefix prefixes environment overrides, e.g. IMAGEFLOW_CACHE_BACKEND.
const EnvPrefix = "IMAGEFLOW"

// Config is the full configuration of the image service.
type Config struct {
	microservice.BaseConfig `mapstructure:",squash"`

	// RequestTimeout bounds how long a GET /image waits for its result.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// SerialDelivery runs every coordinator callback on one goroutine.
	SerialDelivery bool `mapstructure:"serial_delivery"`

	Cache    CacheConfig      `mapstructure:"cache"`
	Download httpfetch.Config `mapstructure:"download"`
	Prefetch PrefetchConfig   `mapstructure:"prefetch"`
}

// CacheConfig selects and configures the slow cache tier.
type CacheConfig struct {
	Backend                 string `mapstructure:"backend"`
	cache.TieredCacheConfig `mapstructure:",squash"`

	Redis     cache.RedisConfig     `mapstructure:"redis"`
	GCS       cache.GCSStoreConfig  `mapstructure:"gcs"`
	Firestore cache.FirestoreConfig `mapstructure:"firestore"`
}

// PrefetchConfig enables warming the cache from a Pub/Sub subscription.
type PrefetchConfig struct {
	Enabled                bool `mapstructure:"enabled"`
	prefetch.ServiceConfig `mapstructure:",squash"`

	Consumer prefetch.GooglePubsubConsumerConfig `mapstructure:"consumer"`
}

func setDefaults(v *viper.Viper) {
	def := httpfetch.DefaultConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_console", false)
	v.SetDefault("http_port", ":8080")
	v.SetDefault("project_id", "")
	v.SetDefault("credentials_file", "")
	v.SetDefault("service_name", "imagefetcher")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("serial_delivery", true)

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.memory_items", 512)
	v.SetDefault("cache.read_timeout", 5*time.Second)
	v.SetDefault("cache.write_timeout", 10*time.Second)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.cache_ttl", 24*time.Hour)
	v.SetDefault("cache.redis.key_prefix", "imageflow:")
	v.SetDefault("cache.gcs.bucket", "")
	v.SetDefault("cache.gcs.object_prefix", "images")
	v.SetDefault("cache.firestore.project_id", "")
	v.SetDefault("cache.firestore.collection", "image-cache")

	v.SetDefault("download.timeout", def.Timeout)
	v.SetDefault("download.max_concurrent", def.MaxConcurrent)
	v.SetDefault("download.max_body_bytes", def.MaxBodyBytes)
	v.SetDefault("download.max_pixels", def.MaxPixels)
	v.SetDefault("download.validator_ttl", def.ValidatorTTL)
	v.SetDefault("download.validator_items", def.ValidatorItems)
	v.SetDefault("download.progressive_interval", def.ProgressiveInterval)
	v.SetDefault("download.user_agent", def.UserAgent)

	v.SetDefault("prefetch.enabled", false)
	v.SetDefault("prefetch.num_workers", 5)
	v.SetDefault("prefetch.fetch_timeout", time.Minute)
	v.SetDefault("prefetch.consumer.project_id", "")
	v.SetDefault("prefetch.consumer.subscription_id", "")
	v.SetDefault("prefetch.consumer.max_outstanding_messages", 100)
	v.SetDefault("prefetch.consumer.num_goroutines", 5)
}

// NewViper returns a viper instance with the service defaults and environment
// overrides applied. Callers may bind flags to it before LoadConfig.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads path, if given, over the defaults held by v and decodes the
// result. Environment variables take precedence over the file.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the selected backend and prefetch need.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr is required for the redis backend")
		}
	case BackendGCS:
		if c.Cache.GCS.BucketName == "" {
			return errors.New("cache.gcs.bucket is required for the gcs backend")
		}
	case BackendFirestore:
		if c.firestoreProject() == "" {
			return errors.New("cache.firestore.project_id or project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.MemoryItems <= 0 {
		return errors.New("cache.memory_items must be positive")
	}
	if c.Prefetch.Enabled && c.Prefetch.Consumer.SubscriptionID == "" {
		return errors.New("prefetch.consumer.subscription_id is required when prefetch is enabled")
	}
	return nil
}

func (c *Config) firestoreProject() string {
	if c.Cache.Firestore.ProjectID != "" {
		return c.Cache.Firestore.ProjectID
	}
	return c.ProjectID
}

func (c *Config) prefetchProject() string {
	if c.Prefetch.Consumer.ProjectID != "" {
		return c.Prefetch.Consumer.ProjectID
	}
	return c.ProjectID
}
