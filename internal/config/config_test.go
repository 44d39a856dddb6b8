package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArtifactDB/gypsum-worker-sub000/pkg/bytesize"
	"github.com/ArtifactDB/gypsum-worker-sub000/testutil"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	content := `
listen: ":9000"
log_level: debug
public_url: "https://gypsum.example.com"
admins: [root, ops]
storage:
  backend: s3
  s3:
    endpoint: "s3.example.com"
    bucket: "gypsum"
    access_key: "AKIA"
    secret_key: "shh"
    use_ssl: true
cache:
  backend: redis
  redis:
    addr: "localhost:6379"
    db: 2
auth:
  jwt_secret: "secret"
quota:
  baseline: 10GB
  growth_rate: 512MB
upload:
  url_expiry: 30m
latest:
  cache_ttl: 1m
`
	path := testutil.TempFile(t, dir, "gypsum.yaml", content)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"root", "ops"}, cfg.Admins)
	assert.Equal(t, BackendS3, cfg.Storage.Backend)
	assert.Equal(t, "gypsum", cfg.Storage.S3.Bucket)
	assert.True(t, cfg.Storage.S3.UseSSL)
	assert.Equal(t, "us-east-1", cfg.Storage.S3.Region)
	assert.Equal(t, CacheRedis, cfg.Cache.Backend)
	assert.Equal(t, 2, cfg.Cache.Redis.DB)
	assert.Equal(t, 10*bytesize.GB, cfg.Quota.Baseline.Bytes())
	assert.Equal(t, 512*bytesize.MB, cfg.Quota.GrowthRate.Bytes())
	assert.Equal(t, 30*time.Minute, cfg.URLExpiry())
	assert.Equal(t, time.Minute, cfg.LatestTTL())
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := testutil.TempFile(t, dir, "gypsum.yaml", "auth:\n  jwt_secret: secret\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, BackendFilesystem, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/gypsum", cfg.Storage.Dir)
	assert.Equal(t, CacheMemory, cfg.Cache.Backend)
	assert.Equal(t, 150*bytesize.GB, cfg.Quota.Baseline.Bytes())
	assert.Equal(t, 20*bytesize.GB, cfg.Quota.GrowthRate.Bytes())
	assert.Equal(t, time.Hour, cfg.URLExpiry())
	assert.Equal(t, 5*time.Minute, cfg.LatestTTL())
	assert.Equal(t, 10*time.Minute, cfg.IdentityTTL())
}

func TestLoad_ExpandHomePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := Parse([]byte("storage:\n  dir: ~/gypsum-data\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "gypsum-data"), cfg.Storage.Dir)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvJWTSecret, "from-env")
	t.Setenv(EnvS3AccessKey, "env-access")
	t.Setenv(EnvS3SecretKey, "env-secret")

	cfg, err := Parse([]byte("auth:\n  jwt_secret: from-file\nstorage:\n  s3:\n    access_key: file-access\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "env-access", cfg.Storage.S3.AccessKey)
	assert.Equal(t, "env-secret", cfg.Storage.S3.SecretKey)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("listen: [invalid yaml\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("quota:\n  baseline: lots\n"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.JWTSecret = "secret"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "memory backend", mutate: func(c *Config) { c.Storage.Backend = BackendMemory }},
		{name: "missing listen", mutate: func(c *Config) { c.Listen = "" }, wantErr: "listen"},
		{name: "missing jwt secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: "jwt_secret"},
		{name: "relative public url", mutate: func(c *Config) { c.PublicURL = "/gypsum" }, wantErr: "public_url"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "ftp" }, wantErr: "storage.backend"},
		{name: "s3 without endpoint", mutate: func(c *Config) {
			c.Storage.Backend = BackendS3
			c.Storage.S3.Bucket = "b"
		}, wantErr: "endpoint"},
		{name: "s3 without bucket", mutate: func(c *Config) {
			c.Storage.Backend = BackendS3
			c.Storage.S3.Endpoint = "s3.example.com"
		}, wantErr: "bucket"},
		{name: "redis without addr", mutate: func(c *Config) { c.Cache.Backend = CacheRedis }, wantErr: "redis.addr"},
		{name: "unknown cache", mutate: func(c *Config) { c.Cache.Backend = "memcached" }, wantErr: "cache.backend"},
		{name: "bad expiry", mutate: func(c *Config) { c.Upload.URLExpiry = "soon" }, wantErr: "upload.url_expiry"},
		{name: "negative ttl", mutate: func(c *Config) { c.Latest.CacheTTL = "-1m" }, wantErr: "latest.cache_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyLogLevel(t *testing.T) {
	// Save original level to restore after test
	originalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(originalLevel)

	tests := []struct {
		name          string
		level         string
		expectApplied bool
		expectLevel   zerolog.Level
	}{
		{name: "empty level", level: "", expectApplied: false},
		{name: "debug level", level: "debug", expectApplied: true, expectLevel: zerolog.DebugLevel},
		{name: "warn level", level: "warn", expectApplied: true, expectLevel: zerolog.WarnLevel},
		{name: "invalid level", level: "invalid", expectApplied: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			applied := ApplyLogLevel(tt.level)
			assert.Equal(t, tt.expectApplied, applied)
			if tt.expectApplied {
				assert.Equal(t, tt.expectLevel, zerolog.GlobalLevel())
			}
		})
	}
}
