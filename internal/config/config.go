// Package config handles configuration loading and validation for gypsum.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ArtifactDB/gypsum-worker-sub000/pkg/bytesize"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Environment variables that override secrets from the file.
const (
	EnvJWTSecret   = "GYPSUM_JWT_SECRET"
	EnvS3AccessKey = "GYPSUM_S3_ACCESS_KEY"
	EnvS3SecretKey = "GYPSUM_S3_SECRET_KEY"
)

// S3Config holds the connection settings of an S3-compatible bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	Backend string   `yaml:"backend"` // memory, filesystem or s3
	Dir     string   `yaml:"dir"`     // filesystem backend root
	S3      S3Config `yaml:"s3"`
}

// RedisConfig holds the connection settings of the shared cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig selects the cache used for latest versions and identities.
type CacheConfig struct {
	Backend string      `yaml:"backend"` // memory or redis
	Redis   RedisConfig `yaml:"redis"`
}

// AuthConfig configures identity resolution.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	IdentityTTL string `yaml:"identity_ttl"` // Duration string, e.g. "10m"
}

// QuotaConfig holds the quota given to new projects.
type QuotaConfig struct {
	Baseline   bytesize.Size `yaml:"baseline"`
	GrowthRate bytesize.Size `yaml:"growth_rate"`
}

// UploadConfig configures upload sessions.
type UploadConfig struct {
	URLExpiry string `yaml:"url_expiry"` // Duration string, e.g. "1h"
}

// LatestConfig configures the latest version cache.
type LatestConfig struct {
	CacheTTL string `yaml:"cache_ttl"` // Duration string, e.g. "5m"
}

// Config is the configuration of the gypsum server.
type Config struct {
	Listen    string        `yaml:"listen"`
	LogLevel  string        `yaml:"log_level"`
	PublicURL string        `yaml:"public_url"` // Base URL for direct upload links
	Admins    []string      `yaml:"admins"`
	Storage   StorageConfig `yaml:"storage"`
	Cache     CacheConfig   `yaml:"cache"`
	Auth      AuthConfig    `yaml:"auth"`
	Quota     QuotaConfig   `yaml:"quota"`
	Upload    UploadConfig  `yaml:"upload"`
	Latest    LatestConfig  `yaml:"latest"`
}

// Load loads the configuration from a YAML file and applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration and applies defaults and environment
// overrides.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvS3AccessKey); v != "" {
		c.Storage.S3.AccessKey = v
	}
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		c.Storage.S3.SecretKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFilesystem
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "/var/lib/gypsum"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.Storage.Dir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.Storage.Dir = filepath.Join(homeDir, c.Storage.Dir[2:])
		}
	}
	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = "us-east-1"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheMemory
	}
	if c.Auth.IdentityTTL == "" {
		c.Auth.IdentityTTL = "10m"
	}
	if c.Quota.Baseline == 0 {
		c.Quota.Baseline = bytesize.Size(150 * bytesize.GB)
	}
	if c.Quota.GrowthRate == 0 {
		c.Quota.GrowthRate = bytesize.Size(20 * bytesize.GB)
	}
	if c.Upload.URLExpiry == "" {
		c.Upload.URLExpiry = "1h"
	}
	if c.Latest.CacheTTL == "" {
		c.Latest.CacheTTL = "5m"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set %s)", EnvJWTSecret)
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("public_url must be an absolute http(s) URL")
		}
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFilesystem:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the filesystem backend")
		}
	case BackendS3:
		if c.Storage.S3.Endpoint == "" {
			return fmt.Errorf("storage.s3.endpoint is required for the s3 backend")
		}
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}

	for _, f := range []struct{ name, value string }{
		{"auth.identity_ttl", c.Auth.IdentityTTL},
		{"upload.url_expiry", c.Upload.URLExpiry},
		{"latest.cache_ttl", c.Latest.CacheTTL},
	} {
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", f.name)
		}
	}
	return nil
}

// duration parses a value checked by Validate.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// IdentityTTL returns how long resolved identities are cached.
func (c *Config) IdentityTTL() time.Duration {
	return duration(c.Auth.IdentityTTL)
}

// URLExpiry returns the lifetime of presigned upload URLs.
func (c *Config) URLExpiry() time.Duration {
	return duration(c.Upload.URLExpiry)
}

// LatestTTL returns how long latest versions stay cached.
func (c *Config) LatestTTL() time.Duration {
	return duration(c.Latest.CacheTTL)
}

// ApplyLogLevel sets the global log level from a level name. It reports
// whether the level was valid and applied.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}
