package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"posterstore.dev/internal/auth"
	"posterstore.dev/internal/config"
	"posterstore.dev/internal/migrate"
	"posterstore.dev/internal/store/pg"
	"posterstore.dev/ops/migrations"
)

var version = "dev"

type options struct {
	configPath string
	dsn        string
	dir        string
	timeout    time.Duration
}

func main() {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply posterstore database migrations and seeds",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (overrides pg.dsn)")
	rootCmd.PersistentFlags().StringVar(&opts.dir, "dir", "", "read migrations from this directory instead of the embedded set")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout")

	rootCmd.AddCommand(upCmd(opts))
	rootCmd.AddCommand(downCmd(opts))
	rootCmd.AddCommand(seedCmd(opts))
	rootCmd.AddCommand(statusCmd(opts))
	rootCmd.AddCommand(createAdminCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func upCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, m *migrate.Manager, _ *pg.Store) error {
				applied, err := m.Up(ctx)
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}
				if err == nil && len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to apply")
				}
				return err
			})
		},
	}
}

func downCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, m *migrate.Manager, _ *pg.Store) error {
				name, err := m.Down(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
				return nil
			})
		},
	}
}

func seedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load demo data that has not been loaded yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, m *migrate.Manager, _ *pg.Store) error {
				applied, err := m.Seed(ctx)
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "seeded %s\n", name)
				}
				return err
			})
		},
	}
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd.Context(), opts, func(ctx context.Context, m *migrate.Manager, _ *pg.Store) error {
				st, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range st {
					mark := "pending"
					if s.Applied {
						mark = "applied"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", mark, s.Name)
				}
				return nil
			})
		},
	}
}

func createAdminCmd(opts *options) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin panel account",
		Long: `Create an admin panel account with a bcrypt-hashed password.

The password may also be given through POSTERSTORE_ADMIN_PASSWORD so it does
not end up in shell history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("POSTERSTORE_ADMIN_PASSWORD")
			}
			if strings.TrimSpace(email) == "" || password == "" {
				return errors.New("--email and a password are required")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), opts, func(ctx context.Context, _ *migrate.Manager, store *pg.Store) error {
				admin, err := store.Admins().Create(ctx, email, hash)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (%s)\n", admin.Email, admin.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	return cmd
}

func withManager(parent context.Context, opts *options, fn func(context.Context, *migrate.Manager, *pg.Store) error) error {
	dsn := opts.dsn
	if dsn == "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		dsn = cfg.PG.DSN
	}
	if dsn == "" {
		return errors.New("missing DSN: provide --dsn or POSTERSTORE_PG_DSN")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.timeout)
	defer cancel()

	store, err := pg.Open(dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	var fsys fs.FS = migrations.FS
	if opts.dir != "" {
		fsys = os.DirFS(opts.dir)
	}
	m := migrate.NewManager(store.DB(), fsys, migrations.SQLDir, migrations.SeedsDir)
	return fn(ctx, m, store)
}
