package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leca/imagevault/internal/metrics"
	"github.com/leca/imagevault/internal/purge"
	"github.com/leca/imagevault/internal/router"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the purge sweeper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	m := metrics.New()
	srv := router.New(d.db, d.store, d.cfg, m, d.logger)

	sweeper := purge.NewSweeper(d.db, d.store, d.cfg.Purge, m, d.logger.With().Str("component", "purge").Logger())
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("stop purge sweeper")
		}
	}()

	httpSrv := &http.Server{
		Addr:              d.cfg.HTTP.ListenAddr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info().Str("addr", httpSrv.Addr).Str("version", version).Msg("starting server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	d.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return nil
}
