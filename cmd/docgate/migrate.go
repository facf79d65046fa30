package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"docgate.io/internal/config"
	"docgate.io/internal/migrate"
	"docgate.io/internal/obs"
	"docgate.io/internal/store/pg"
)

func newMigrateCmd(load func() (*config.Config, error)) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")

	run := func(fn func(context.Context, *cobra.Command, *migrate.Manager) error, extra ...migrate.Option) func(*cobra.Command, []string) error {
		return func(c *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return fmt.Errorf("database.dsn is required (DOCGATE_DATABASE_DSN)")
			}
			st, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{MaxOpenConns: 2})
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(c.Context(), timeout)
			defer cancel()
			opts := append([]migrate.Option{migrate.WithLogger(obs.Logger())}, extra...)
			return fn(ctx, c, migrate.NewManager(st.DB(), pg.Migrations(), opts...))
		}
	}

	var seedDir string
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Apply SQL seed files from a directory, each once",
		RunE: func(c *cobra.Command, args []string) error {
			if seedDir == "" {
				return errors.New("--dir is required")
			}
			info, err := os.Stat(seedDir)
			if err != nil {
				return fmt.Errorf("seed dir: %w", err)
			}
			if !info.IsDir() {
				return fmt.Errorf("seed dir %s is not a directory", seedDir)
			}
			return run(func(ctx context.Context, c *cobra.Command, m *migrate.Manager) error {
				if err := m.Seed(ctx); err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), "seeds applied from", seedDir)
				return nil
			}, migrate.WithSeeds(os.DirFS(seedDir)))(c, args)
		},
	}
	seed.Flags().StringVar(&seedDir, "dir", "", "directory of *.sql seed files")

	cmd.AddCommand(
		seed,
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: run(func(ctx context.Context, c *cobra.Command, m *migrate.Manager) error {
				applied, err := m.Up(ctx)
				for _, name := range applied {
					fmt.Fprintln(c.OutOrStdout(), "applied", name)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: run(func(ctx context.Context, c *cobra.Command, m *migrate.Manager) error {
				name, err := m.Down(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), "rolled back", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			RunE: run(func(ctx context.Context, c *cobra.Command, m *migrate.Manager) error {
				applied, err := m.Status(ctx)
				if err != nil {
					return err
				}
				pending, err := m.Pending(ctx)
				if err != nil {
					return err
				}
				for _, name := range applied {
					fmt.Fprintln(c.OutOrStdout(), "applied ", name)
				}
				for _, name := range pending {
					fmt.Fprintln(c.OutOrStdout(), "pending ", name)
				}
				return nil
			}),
		},
	)
	return cmd
}
