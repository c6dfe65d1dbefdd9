// Package cli implements the dropctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dropgate/internal/app"
	"dropgate/internal/config"
	"dropgate/internal/logging"
)

func Cmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dropctl",
		Short:         "Manage claim conditions and allowlist snapshots for a drop contract.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(conditionsCmd())
	rootCmd.AddCommand(eligibilityCmd())

	return rootCmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withServices loads config from the environment and opens the services for
// the duration of fn.
func withServices(ctx context.Context, fn func(*app.Services) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	svc, err := app.NewServices(ctx, cfg, log, nil)
	if err != nil {
		log.Error("open services", zap.Error(err))
		return err
	}
	defer svc.Close()
	return fn(svc)
}
