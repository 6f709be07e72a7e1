package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "IMAGEVAULT_"

// MaxBulkFilesLimit is the hard ceiling on files per bulk request.
const MaxBulkFilesLimit = 10

type (
	// Config is the immutable process configuration. It is built once by Load
	// and passed by pointer into every component constructor.
	Config struct {
		HTTP      HTTP      `envPrefix:"HTTP_"`
		DB        DB        `envPrefix:"DB_"`
		Storage   Storage   `envPrefix:"STORAGE_"`
		Auth      Auth      `envPrefix:"AUTH_"`
		Upload    Upload    `envPrefix:"UPLOAD_"`
		Variants  Variants  `envPrefix:"VARIANT_"`
		Purge     Purge     `envPrefix:"PURGE_"`
		Log       Log       `envPrefix:"LOG_"`
		RateLimit RateLimit `envPrefix:"RATE_LIMIT_"`
		Metrics   Metrics   `envPrefix:"METRICS_"`
	}

	HTTP struct {
		ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
		BaseURL    string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	}

	DB struct {
		Path string `env:"PATH" envDefault:"/data/db/imagevault.db"`
	}

	Storage struct {
		// Backend is "filesystem" or "s3".
		Backend string `env:"BACKEND" envDefault:"filesystem"`
		Path    string `env:"PATH" envDefault:"/data/images"`
		S3      S3     `envPrefix:"S3_"`
	}

	S3 struct {
		Endpoint  string `env:"ENDPOINT" envDefault:"localhost:9000"`
		AccessKey string `env:"ACCESS_KEY"`
		SecretKey string `env:"SECRET_KEY"`
		Bucket    string `env:"BUCKET" envDefault:"imagevault"`
		Region    string `env:"REGION" envDefault:"us-east-1"`
		UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
	}

	Auth struct {
		// JWTSecret signs tenant access and refresh tokens.
		JWTSecret string `env:"JWT_SECRET"`
		// AssetTokenSecret signs per-asset access tokens.
		AssetTokenSecret string        `env:"ASSET_TOKEN_SECRET"`
		AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"24h"`
		RefreshTokenTTL  time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
		AssetTokenTTL    time.Duration `env:"ASSET_TOKEN_TTL" envDefault:"1h"`
		MaxSessions      int           `env:"MAX_SESSIONS" envDefault:"5"`
		BcryptCost       int           `env:"BCRYPT_COST" envDefault:"10"`
	}

	Upload struct {
		MaxBulkFiles      int   `env:"MAX_BULK_FILES" envDefault:"10"`
		MaxFilenameLength int   `env:"MAX_FILENAME_LENGTH" envDefault:"255"`
		MaxRequestBytes   int64 `env:"MAX_REQUEST_BYTES" envDefault:"536870912"`
		DefaultQuality    int   `env:"DEFAULT_QUALITY" envDefault:"85"`
		// MaxPixels caps width*height of accepted images.
		MaxPixels int64 `env:"MAX_PIXELS" envDefault:"40000000"`
		// StrictQuota serializes admission and persistence per tenant.
		StrictQuota bool `env:"STRICT_QUOTA" envDefault:"false"`
	}

	Variants struct {
		Workers int `env:"WORKERS" envDefault:"0"`
	}

	Purge struct {
		Grace         time.Duration `env:"GRACE" envDefault:"5m"`
		SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
		BatchSize     int           `env:"BATCH_SIZE" envDefault:"100"`
	}

	Log struct {
		Level      string `env:"LEVEL" envDefault:"info"`
		Pretty     bool   `env:"PRETTY" envDefault:"false"`
		FilePath   string `env:"FILE_PATH"`
		MaxSizeMB  int    `env:"MAX_SIZE_MB" envDefault:"100"`
		MaxBackups int    `env:"MAX_BACKUPS" envDefault:"7"`
		MaxAgeDays int    `env:"MAX_AGE_DAYS" envDefault:"28"`
	}

	RateLimit struct {
		Enabled bool    `env:"ENABLED" envDefault:"true"`
		RPS     float64 `env:"RPS" envDefault:"20"`
		Burst   int     `env:"BURST" envDefault:"40"`
	}

	Metrics struct {
		Enabled bool `env:"ENABLED" envDefault:"true"`
	}
)

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	if c.Auth.AssetTokenSecret == "" {
		errs = append(errs, errors.New("AUTH_ASSET_TOKEN_SECRET is required"))
	}
	switch c.Storage.Backend {
	case "filesystem", "s3":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Upload.DefaultQuality < 50 || c.Upload.DefaultQuality > 100 {
		errs = append(errs, fmt.Errorf("UPLOAD_DEFAULT_QUALITY must be within 50-100, got %d", c.Upload.DefaultQuality))
	}
	if c.Upload.MaxBulkFiles < 1 || c.Upload.MaxBulkFiles > MaxBulkFilesLimit {
		errs = append(errs, fmt.Errorf("UPLOAD_MAX_BULK_FILES must be within 1-%d, got %d", MaxBulkFilesLimit, c.Upload.MaxBulkFiles))
	}
	if c.Upload.MaxPixels < 1 {
		errs = append(errs, errors.New("UPLOAD_MAX_PIXELS must be positive"))
	}
	if c.Auth.MaxSessions < 1 {
		errs = append(errs, errors.New("AUTH_MAX_SESSIONS must be positive"))
	}
	return errors.Join(errs...)
}
