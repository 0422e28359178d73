package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/config"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagConfig      = "config"
	flagEnvFile     = "env-file"
	flagDatabaseURL = "database-url"
	flagStoreDriver = "store-driver"
	flagLogDev      = "log-dev"
	flagListenAddr  = "listen-addr"
	flagAsOf        = "as-of"
	flagSubject     = "subject"
	flagRole        = "role"
	flagTTL         = "ttl"

	defaultEnvFile  = ".env"
	defaultTokenTTL = 24 * time.Hour
)

type cliState struct {
	cfg    config.Config
	logger *zap.Logger
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	state := &cliState{}
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit wallet and billing ledger daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.load(cmd, v)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "path to a YAML config file (tiers, pricing seeds)")
	flags.String(flagEnvFile, defaultEnvFile, "dotenv file loaded before reading the environment")
	flags.String(flagDatabaseURL, "", "PostgreSQL URL or sqlite path")
	flags.String(flagStoreDriver, "", "store implementation: gorm or pgx")
	flags.Bool(flagLogDev, false, "human-readable development logging")

	cmd.AddCommand(newServeCommand(state), newResetCommand(state), newMigrateCommand(state), newTokenCommand(state))
	return cmd
}

func (state *cliState) load(cmd *cobra.Command, v *viper.Viper) error {
	envFile, _ := cmd.Flags().GetString(flagEnvFile)
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(config.KeyDatabaseURL, config.EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	bindings := map[string]string{
		config.KeyDatabaseURL:    flagDatabaseURL,
		config.KeyStoreDriver:    flagStoreDriver,
		config.KeyLogDevelopment: flagLogDev,
	}
	for key, flagName := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	if listen := cmd.Flags().Lookup(flagListenAddr); listen != nil {
		if err := v.BindPFlag(config.KeyListenAddr, listen); err != nil {
			return err
		}
	}

	if path, _ := cmd.Flags().GetString(flagConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	state.cfg = cfg
	state.logger = logger
	return nil
}

func newServeCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the billing cycle scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, state)
		},
	}
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	return cmd
}

func runServe(ctx context.Context, state *cliState) error {
	instance, err := newEngine(ctx, state.cfg, state.logger, false)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := instance.Close(); closeErr != nil {
			state.logger.Warn("resource cleanup failed", zap.Error(closeErr))
		}
	}()

	if err := instance.services.Scheduler.Start(ctx); err != nil {
		return err
	}
	defer instance.services.Scheduler.Stop()

	tokens, err := httpapi.NewTokenIssuer(state.cfg.JWTSigningKey, state.cfg.JWTIssuer, time.Now)
	if err != nil {
		return err
	}
	router, err := httpapi.NewRouter(httpapi.RouterConfig{
		AllowedOrigins:     state.cfg.AllowedOrigins,
		Tokens:             tokens,
		RateLimitPerSecond: state.cfg.RateLimitPerSecond,
		RateLimitBurst:     state.cfg.RateLimitBurst,
		Logger:             state.logger,
	}, instance.services)
	if err != nil {
		return err
	}
	return httpapi.Serve(ctx, state.cfg.ListenAddr, router, state.logger)
}

func newResetCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Run due billing cycle resets once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			asOf := time.Now().UTC()
			if raw, _ := cmd.Flags().GetString(flagAsOf); raw != "" {
				parsed, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return fmt.Errorf("--%s: %w", flagAsOf, err)
				}
				asOf = parsed.UTC()
			}
			instance, err := newEngine(cmd.Context(), state.cfg, state.logger, false)
			if err != nil {
				return err
			}
			defer instance.Close()
			count, err := instance.services.Scheduler.RunDueResets(cmd.Context(), asOf)
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d wallets as of %s\n", count, asOf.Format(time.RFC3339))
			return err
		},
	}
	cmd.Flags().String(flagAsOf, "", "reset time in RFC3339 (defaults to now)")
	return cmd
}

func newMigrateCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the schema and seed configured pricing rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := newEngine(cmd.Context(), state.cfg, state.logger, true)
			if err != nil {
				return err
			}
			defer instance.Close()
			created, err := instance.seedPricing(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready, %d pricing rules seeded\n", created)
			return nil
		},
	}
}

func newTokenCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString(flagSubject)
			role, _ := cmd.Flags().GetString(flagRole)
			ttl, _ := cmd.Flags().GetDuration(flagTTL)
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--%s is required", flagSubject)
			}
			tokens, err := httpapi.NewTokenIssuer(state.cfg.JWTSigningKey, state.cfg.JWTIssuer, time.Now)
			if err != nil {
				return err
			}
			token, err := tokens.Issue(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String(flagSubject, "", "caller name recorded in the token subject")
	cmd.Flags().String(flagRole, httpapi.RoleService, "role claim: service or admin")
	cmd.Flags().Duration(flagTTL, defaultTokenTTL, "token lifetime")
	return cmd
}
