package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leca/imagevault/internal/metrics"
	"github.com/leca/imagevault/internal/model"
	"github.com/leca/imagevault/internal/purge"
	"github.com/leca/imagevault/internal/tenant"
	"github.com/leca/imagevault/internal/token"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Run one purge sweep and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		s := purge.NewSweeper(d.db, d.store, d.cfg.Purge, metrics.New(), d.logger.With().Str("component", "purge").Logger())
		r, err := s.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d purged=%d failed=%d\n", r.Scanned, r.Purged, r.Failed)
		return nil
	},
}

var planFlags struct {
	maxFileSize       int64
	maxImagesPerMonth int64
	maxStorageBytes   int64
}

var planCmd = &cobra.Command{
	Use:   "plan <application-id> <free|basic|premium|enterprise>",
	Short: "Change an application's plan and quota limits",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		svc := tenant.NewService(d.db, token.NewIssuer(d.cfg.Auth), d.cfg, d.logger.With().Str("component", "tenant").Logger())
		t, err := svc.ChangePlan(cmd.Context(), args[0], model.Plan(args[1]), tenant.LimitsOverride{
			MaxFileSize:       planFlags.maxFileSize,
			MaxImagesPerMonth: planFlags.maxImagesPerMonth,
			MaxStorageBytes:   planFlags.maxStorageBytes,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"id": t.ID, "plan": t.Plan, "limits": t.Limits})
	},
}

func init() {
	f := planCmd.Flags()
	f.Int64Var(&planFlags.maxFileSize, "max-file-size", 0, "override the per-file size limit in bytes")
	f.Int64Var(&planFlags.maxImagesPerMonth, "max-images-per-month", 0, "override the monthly upload count")
	f.Int64Var(&planFlags.maxStorageBytes, "max-storage", 0, "override the storage budget in bytes")
}
