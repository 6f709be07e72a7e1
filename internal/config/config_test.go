package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IMAGEVAULT_AUTH_JWT_SECRET", "jwt-secret")
	t.Setenv("IMAGEVAULT_AUTH_ASSET_TOKEN_SECRET", "asset-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	assert.Equal(t, "filesystem", cfg.Storage.Backend)
	assert.Equal(t, time.Hour, cfg.Auth.AssetTokenTTL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 10, cfg.Upload.MaxBulkFiles)
	assert.Equal(t, 85, cfg.Upload.DefaultQuality)
	assert.False(t, cfg.Upload.StrictQuota)
	assert.Equal(t, int64(40_000_000), cfg.Upload.MaxPixels)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("IMAGEVAULT_AUTH_JWT_SECRET", "jwt-secret")
	t.Setenv("IMAGEVAULT_AUTH_ASSET_TOKEN_SECRET", "asset-secret")
	t.Setenv("IMAGEVAULT_STORAGE_BACKEND", "s3")
	t.Setenv("IMAGEVAULT_STORAGE_S3_BUCKET", "assets")
	t.Setenv("IMAGEVAULT_PURGE_GRACE", "30s")
	t.Setenv("IMAGEVAULT_UPLOAD_STRICT_QUOTA", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "assets", cfg.Storage.S3.Bucket)
	assert.Equal(t, 30*time.Second, cfg.Purge.Grace)
	assert.True(t, cfg.Upload.StrictQuota)
}

func TestLoadRequiresSecrets(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_JWT_SECRET")
	assert.Contains(t, err.Error(), "AUTH_ASSET_TOKEN_SECRET")
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := &Config{
		Auth:    Auth{JWTSecret: "a", AssetTokenSecret: "b", MaxSessions: 5},
		Storage: Storage{Backend: "tape"},
		Upload:  Upload{DefaultQuality: 85, MaxBulkFiles: 10, MaxPixels: 1000},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tape")
}

func TestValidateQualityBounds(t *testing.T) {
	cfg := &Config{
		Auth:    Auth{JWTSecret: "a", AssetTokenSecret: "b", MaxSessions: 5},
		Storage: Storage{Backend: "filesystem"},
		Upload:  Upload{DefaultQuality: 20, MaxBulkFiles: 10, MaxPixels: 1000},
	}
	assert.Error(t, cfg.Validate())

	cfg.Upload.DefaultQuality = 100
	assert.NoError(t, cfg.Validate())
}

func TestValidateUploadBounds(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Auth:    Auth{JWTSecret: "a", AssetTokenSecret: "b", MaxSessions: 5},
			Storage: Storage{Backend: "filesystem"},
			Upload:  Upload{DefaultQuality: 85, MaxBulkFiles: 10, MaxPixels: 1000},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero bulk files", func(c *Config) { c.Upload.MaxBulkFiles = 0 }, "UPLOAD_MAX_BULK_FILES"},
		{"bulk files above ceiling", func(c *Config) { c.Upload.MaxBulkFiles = 11 }, "UPLOAD_MAX_BULK_FILES"},
		{"zero pixel limit", func(c *Config) { c.Upload.MaxPixels = 0 }, "UPLOAD_MAX_PIXELS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadRejectsOversizedBulkLimit(t *testing.T) {
	t.Setenv("IMAGEVAULT_AUTH_JWT_SECRET", "jwt-secret")
	t.Setenv("IMAGEVAULT_AUTH_ASSET_TOKEN_SECRET", "asset-secret")
	t.Setenv("IMAGEVAULT_UPLOAD_MAX_BULK_FILES", "1000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPLOAD_MAX_BULK_FILES")
}
