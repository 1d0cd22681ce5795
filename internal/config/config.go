package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Durable    DurableConfig    `yaml:"durable"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Preload    PreloadConfig    `yaml:"preload"`
	Repository RepositoryConfig `yaml:"repository"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
	// Offline skips the remote repository and serves from the fallback dataset.
	Offline bool `yaml:"offline"`
}

// CacheConfig configures the in-memory entry store.
type CacheConfig struct {
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// ListTTL applies to filter results, which go stale faster than single entities.
	ListTTL time.Duration `yaml:"list_ttl"`
	// FetchTimeout bounds each caller's wait. Zero waits for the caller's context only.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// DurableConfig configures the on-disk cache tier.
type DurableConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Path          string            `yaml:"path"`
	TTL           time.Duration     `yaml:"ttl"`
	SchemaVersion int               `yaml:"schema_version"`
	Compression   CompressionConfig `yaml:"compression"`
}

// CompressionConfig represents compression settings
type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	// MinSize is the payload size in bytes above which records are gzipped.
	MinSize int `yaml:"min_size"`
}

// TrackerConfig configures visit tracking and popularity scoring.
type TrackerConfig struct {
	MaxEvents         int           `yaml:"max_events"`
	RecencyWeight     float64       `yaml:"recency_weight"`
	RecencyWindowDays float64       `yaml:"recency_window_days"`
	RetentionWindow   time.Duration `yaml:"retention_window"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	// FlushDelay debounces persistence of the event log.
	FlushDelay time.Duration `yaml:"flush_delay"`
}

// PreloadConfig configures background cache warming.
type PreloadConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	Count         int           `yaml:"count"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Delay         time.Duration `yaml:"delay"`
}

// RepositoryConfig selects and tunes the remote document store.
type RepositoryConfig struct {
	// Backend is "s3" or "static".
	Backend        string               `yaml:"backend"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	S3             S3Config             `yaml:"s3"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Fallback       FallbackConfig       `yaml:"fallback"`
}

// S3Config locates the document bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	MaxRetries      int    `yaml:"max_retries"`
	PoolSize        int    `yaml:"pool_size"`
	// UseCargoShip routes uploads through the cargoship transporter.
	UseCargoShip bool `yaml:"use_cargoship"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// FallbackConfig configures the static dataset served when the repository is unreachable.
type FallbackConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DatasetFile string `yaml:"dataset_file"`
}

// APIConfig configures the admin HTTP server.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Cache: CacheConfig{
			MaxSize:    100,
			DefaultTTL: 5 * time.Minute,
			ListTTL:    2 * time.Minute,
		},
		Durable: DurableConfig{
			Enabled:       true,
			Path:          filepath.Join(os.TempDir(), "dircache", "cache.bbolt"),
			TTL:           24 * time.Hour,
			SchemaVersion: 1,
			Compression: CompressionConfig{
				Enabled: true,
				MinSize: 1024,
			},
		},
		Tracker: TrackerConfig{
			MaxEvents:         1000,
			RecencyWeight:     0.5,
			RecencyWindowDays: 7,
			RetentionWindow:   30 * 24 * time.Hour,
			CleanupInterval:   24 * time.Hour,
			FlushDelay:        time.Second,
		},
		Preload: PreloadConfig{
			Enabled:       true,
			Interval:      5 * time.Minute,
			Count:         10,
			MaxConcurrent: 3,
			Delay:         100 * time.Millisecond,
		},
		Repository: RepositoryConfig{
			Backend:        "static",
			RequestTimeout: 10 * time.Second,
			S3: S3Config{
				Prefix:     "services/",
				Region:     "us-east-1",
				MaxRetries: 3,
				PoolSize:   4,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   50 * time.Millisecond,
				MaxDelay:    2 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
			Fallback: FallbackConfig{
				Enabled: true,
			},
		},
		API: APIConfig{
			Enabled:      true,
			Address:      "127.0.0.1:8089",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "dircache",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies DIRCACHE_* overrides. Unparseable values are reported, not ignored.
func (c *Configuration) LoadFromEnv() error {
	var problems []string

	setString := func(name string, dst *string) {
		if val := os.Getenv(name); val != "" {
			*dst = val
		}
	}
	setInt := func(name string, dst *int) {
		if val := os.Getenv(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s=%q", name, val))
				return
			}
			*dst = n
		}
	}
	setBool := func(name string, dst *bool) {
		if val := os.Getenv(name); val != "" {
			*dst = strings.ToLower(val) == "true"
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if val := os.Getenv(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s=%q", name, val))
				return
			}
			*dst = d
		}
	}

	setString("DIRCACHE_LOG_LEVEL", &c.Global.LogLevel)
	setString("DIRCACHE_LOG_FORMAT", &c.Global.LogFormat)
	setString("DIRCACHE_LOG_FILE", &c.Global.LogFile)
	setBool("DIRCACHE_OFFLINE", &c.Global.Offline)

	setInt("DIRCACHE_CACHE_MAX_SIZE", &c.Cache.MaxSize)
	setDuration("DIRCACHE_CACHE_TTL", &c.Cache.DefaultTTL)
	setDuration("DIRCACHE_FETCH_TIMEOUT", &c.Cache.FetchTimeout)

	setBool("DIRCACHE_DURABLE_ENABLED", &c.Durable.Enabled)
	setString("DIRCACHE_DURABLE_PATH", &c.Durable.Path)
	setDuration("DIRCACHE_DURABLE_TTL", &c.Durable.TTL)
	setInt("DIRCACHE_SCHEMA_VERSION", &c.Durable.SchemaVersion)

	setInt("DIRCACHE_MAX_EVENTS", &c.Tracker.MaxEvents)

	setBool("DIRCACHE_PRELOAD_ENABLED", &c.Preload.Enabled)
	setDuration("DIRCACHE_PRELOAD_INTERVAL", &c.Preload.Interval)
	setInt("DIRCACHE_PRELOAD_COUNT", &c.Preload.Count)
	setInt("DIRCACHE_MAX_CONCURRENT_PRELOADS", &c.Preload.MaxConcurrent)

	setString("DIRCACHE_REPOSITORY_BACKEND", &c.Repository.Backend)
	setString("DIRCACHE_S3_BUCKET", &c.Repository.S3.Bucket)
	setString("DIRCACHE_S3_PREFIX", &c.Repository.S3.Prefix)
	setString("DIRCACHE_S3_REGION", &c.Repository.S3.Region)
	setString("DIRCACHE_S3_ENDPOINT", &c.Repository.S3.Endpoint)
	setString("DIRCACHE_FALLBACK_DATASET", &c.Repository.Fallback.DatasetFile)

	setString("DIRCACHE_API_ADDRESS", &c.API.Address)
	setBool("DIRCACHE_METRICS_ENABLED", &c.Metrics.Enabled)

	if len(problems) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(problems, ", "))
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be greater than 0")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if c.Durable.Enabled {
		if c.Durable.Path == "" {
			return fmt.Errorf("durable.path is required when the durable cache is enabled")
		}
		if c.Durable.SchemaVersion <= 0 {
			return fmt.Errorf("durable.schema_version must be greater than 0")
		}
	}
	if c.Tracker.MaxEvents <= 0 {
		return fmt.Errorf("tracker.max_events must be greater than 0")
	}
	if c.Tracker.RecencyWindowDays <= 0 {
		return fmt.Errorf("tracker.recency_window_days must be positive")
	}
	if c.Tracker.RecencyWeight < 0 {
		return fmt.Errorf("tracker.recency_weight cannot be negative")
	}
	if c.Preload.Enabled {
		if c.Preload.Count <= 0 || c.Preload.MaxConcurrent <= 0 {
			return fmt.Errorf("preload.count and preload.max_concurrent must be greater than 0")
		}
		if c.Preload.Interval <= 0 {
			return fmt.Errorf("preload.interval must be positive")
		}
	}

	switch c.Repository.Backend {
	case "static":
	case "s3":
		if c.Repository.S3.Bucket == "" {
			return fmt.Errorf("repository.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid repository.backend: %s (must be one of: s3, static)", c.Repository.Backend)
	}

	validLogLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Global.LogLevel, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.API.Enabled && c.API.Address == "" {
		return fmt.Errorf("api.address is required when the API is enabled")
	}

	return nil
}
