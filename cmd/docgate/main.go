// Command docgate runs the authentication gateway and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"docgate.io/internal/config"
	"docgate.io/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "docgate",
		Short:         "Multi-tenant authentication and session gateway",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (default $DOCGATE_CONFIG or ./docgate.yaml)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		obs.SetLogger(obs.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format))
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load), newMigrateCmd(load), newKeygenCmd(), newMFACmd())
	return root
}
