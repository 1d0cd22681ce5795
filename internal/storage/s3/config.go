package s3

import (
	"strings"
	"time"

	"github.com/localdir/dircache/pkg/errors"
)

// Config represents S3 document store configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	// UseCargoShip routes entity uploads through the cargoship transporter, falling back
	// to a plain PutObject when it fails.
	UseCargoShip bool `yaml:"use_cargoship"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Prefix:         "entities/",
		Region:         "us-east-1",
		MaxRetries:     3,
		RequestTimeout: 10 * time.Second,
		PoolSize:       8,
	}
}

// Validate checks required fields and normalizes the prefix to end in "/".
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").WithComponent("s3")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.Prefix != "" && !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.NewError(errors.ErrCodeInvalidConfig, "access_key_id and secret_access_key must be set together").
			WithComponent("s3")
	}
	return nil
}

// ObjectKey returns the object key for an entity id.
func (c *Config) ObjectKey(id string) string {
	return c.Prefix + id + ".json"
}

// EntityID reverses ObjectKey. ok is false for keys outside the layout.
func (c *Config) EntityID(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, c.Prefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".json")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
