package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/license-service/internal/app"
	"github.com/Dhoini/license-service/internal/config"
	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/repository/postgres"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/internal/token"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "licensectl",
		Short: "Administrative tasks for the license service",
		Long: `licensectl runs one-off maintenance against the license service store:
schema migration, a trial-expiry sweep and manual tier changes.`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newMigrateCommand(flags),
		newExpireTrialsCommand(flags),
		newSetTierCommand(flags),
		newDevTokenCommand(flags),
	)
	return rootCmd
}

func (f *globalFlags) load() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := logger.ParseLevel(cfg.App.LogLevel)
	if f.verbose {
		level = logger.DEBUG
	}
	return cfg, logger.New(level), nil
}

// withApp собирает сервис без запуска серверов и закрывает его после fn
func (f *globalFlags) withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, log, err := f.load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newMigrateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.Store.Backend != "postgres" {
				return errors.New("migrate requires store.backend=postgres")
			}

			pool, err := postgres.NewConnection(cmd.Context(), cfg.Database.DSN, postgres.PoolOptions{MaxConns: 2}, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func newExpireTrialsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "expire-trials",
		Short: "Run one trial-expiry sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Ledger.ExpireTrials(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d trial(s)\n", n)
				return nil
			})
		},
	}
}

func newSetTierCommand(flags *globalFlags) *cobra.Command {
	var periodEnd string
	cmd := &cobra.Command{
		Use:   "set-tier <user-id> <tier>",
		Short: "Change a user's tier through the admin path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseTier(args[1])
			if err != nil {
				return err
			}
			var period *domain.Period
			if periodEnd != "" {
				end, err := time.Parse(time.RFC3339, periodEnd)
				if err != nil {
					return fmt.Errorf("--period-end: %w", err)
				}
				period = &domain.Period{Start: domain.TimePtr(time.Now().UTC()), End: &end}
			}

			return flags.withApp(cmd.Context(), func(a *app.App) error {
				sub, err := a.Ledger.ApplyTierChange(cmd.Context(), args[0], t, period, service.CauseAdminChange)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: tier=%s status=%s max_devices=%d\n", sub.UserID, sub.Tier, sub.Status, sub.MaxDevices)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&periodEnd, "period-end", "", "end of the paid period (RFC3339), empty for no end")
	return cmd
}

// newDevTokenCommand выпускает identity токен на общем секрете для локальной разработки
func newDevTokenCommand(flags *globalFlags) *cobra.Command {
	var (
		scope string
		ttl   time.Duration
		email string
	)
	cmd := &cobra.Command{
		Use:   "dev-token <user-id>",
		Short: "Issue an identity token signed with auth.identity_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.Auth.IdentitySecret == "" {
				return errors.New("auth.identity_secret is not configured")
			}
			if cfg.IsProduction() {
				return errors.New("dev tokens are disabled in production")
			}

			now := time.Now()
			claims := token.IdentityClaims{
				Email: email,
				Scope: scope,
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   args[0],
					Issuer:    cfg.Auth.Issuer,
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				},
			}
			if cfg.Auth.Audience != "" {
				claims.Audience = jwt.ClaimStrings{cfg.Auth.Audience}
			}
			signed, err := token.SignIdentity([]byte(cfg.Auth.IdentitySecret), claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "space separated scopes, e.g. license:admin")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
