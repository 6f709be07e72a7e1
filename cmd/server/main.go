package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/leca/imagevault/internal/config"
	"github.com/leca/imagevault/internal/database"
	"github.com/leca/imagevault/internal/logger"
	"github.com/leca/imagevault/internal/storage"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "imagevault",
	Short:         "Multi-tenant image asset service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, purgeCmd, planCmd, versionCmd)
}

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
			os.Exit(1)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// deps are the process-wide resources every command shares.
type deps struct {
	cfg    *config.Config
	logger zerolog.Logger
	db     *database.SQLiteDB
	store  storage.Storage
}

func (d *deps) Close() {
	if err := d.db.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("close database")
	}
}

// bootstrap loads configuration and opens the catalog and blob store.
func bootstrap(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log)

	if dir := filepath.Dir(cfg.DB.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := database.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var store storage.Storage
	switch cfg.Storage.Backend {
	case "s3":
		store, err = storage.NewS3(ctx, cfg.Storage.S3)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open s3 storage: %w", err)
		}
	default:
		store = storage.NewFileSystem(cfg.Storage.Path)
	}

	log.Info().
		Str("db", cfg.DB.Path).
		Str("storage", cfg.Storage.Backend).
		Msg("resources opened")
	return &deps{cfg: cfg, logger: log, db: db, store: store}, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}
