package kelana

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ambiyansyah-risyal/kelana/storage"
)

// Config is a declarative alternative to functional options, convenient for
// wiring the client from a decoded configuration file.
type Config struct {
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent"`
	MaxQueueSize  int           `json:"max_queue_size" yaml:"max_queue_size"`
	Deduplication bool          `json:"deduplication" yaml:"deduplication"`
	PartitionKey  string        `json:"partition_key" yaml:"partition_key"`
	Cache         CacheConfig   `json:"cache" yaml:"cache"`
	Retry         RetryConfig   `json:"retry" yaml:"retry"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

// CacheConfig configures the cache engine section.
type CacheConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
	Strategy string        `json:"strategy" yaml:"strategy"`
	MaxSize  int           `json:"max_size" yaml:"max_size"`
	// Storage selects the backend tier: "memory" (default), "redis" or
	// "sqlite". The persistent tiers need their endpoint set below.
	Storage    string `json:"storage" yaml:"storage"`
	RedisAddr  string `json:"redis_addr" yaml:"redis_addr"`
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`
}

// RetryConfig configures the retry section.
type RetryConfig struct {
	Retries  int           `json:"retries" yaml:"retries"`
	Delay    time.Duration `json:"delay" yaml:"delay"`
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	Jitter   float64       `json:"jitter" yaml:"jitter"`
}

// backend builds the storage tier named by Storage. A nil backend means the
// default in-memory tier.
func (cfg CacheConfig) backend() (storage.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage)) {
	case "", "memory":
		return nil, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("kelana: cache storage %q needs redis_addr", cfg.Storage)
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return storage.NewRedisBackend(client, storage.RedisBackendConfig{}), nil
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("kelana: cache storage %q needs sqlite_path", cfg.Storage)
		}
		return storage.NewSQLiteBackend(storage.SQLiteBackendConfig{Path: cfg.SQLitePath})
	default:
		return nil, fmt.Errorf("kelana: unknown cache storage %q", cfg.Storage)
	}
}

// Options lowers the config into functional options. Zero values are left to
// the client defaults.
func (cfg Config) Options() ([]Option, error) {
	var opts []Option

	if cfg.MaxConcurrent > 0 {
		opts = append(opts, WithMaxConcurrent(cfg.MaxConcurrent))
	}
	if cfg.MaxQueueSize > 0 {
		opts = append(opts, WithMaxQueueSize(cfg.MaxQueueSize))
	}
	if cfg.Deduplication {
		opts = append(opts, WithDeduplication())
	}
	if cfg.PartitionKey != "" {
		opts = append(opts, WithPartitionKey(cfg.PartitionKey))
	}

	if cfg.Cache.Enabled {
		ttl := cfg.Cache.TTL
		if ttl == 0 {
			ttl = 5 * time.Minute
		}
		opts = append(opts, WithCache(ttl))
		if cfg.Cache.Strategy != "" {
			strategy, err := ParseStrategy(cfg.Cache.Strategy)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithCacheStrategy(strategy))
		}
		if cfg.Cache.MaxSize > 0 {
			opts = append(opts, WithCacheMaxSize(cfg.Cache.MaxSize))
		}
		backend, err := cfg.Cache.backend()
		if err != nil {
			return nil, err
		}
		if backend != nil {
			opts = append(opts, WithCacheBackend(backend))
		}
	}

	if cfg.Retry.Retries > 0 {
		opts = append(opts, WithMaxRetries(cfg.Retry.Retries))
	}
	if cfg.Retry.Delay > 0 {
		opts = append(opts, WithRetryDelay(cfg.Retry.Delay))
	}
	if cfg.Retry.MaxDelay > 0 {
		opts = append(opts, WithMaxRetryDelay(cfg.Retry.MaxDelay))
	}
	if cfg.Retry.Jitter > 0 {
		opts = append(opts, WithJitter(cfg.Retry.Jitter))
	}

	if cfg.Timeout > 0 {
		opts = append(opts, func(c *Client) {
			c.httpClient.Timeout = cfg.Timeout
		})
	}

	return opts, nil
}

// NewFromConfig builds a client from a declarative config plus any extra
// options, which win over the config.
func NewFromConfig(cfg Config, extra ...Option) (*Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return New(append(opts, extra...)...), nil
}
