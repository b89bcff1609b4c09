package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bavix/splitdns/internal/config"
	"github.com/bavix/splitdns/internal/logging"
	verpkg "github.com/bavix/splitdns/internal/version"
)

var (
	cfgFile   string //nolint:gochecknoglobals // cobra command flag
	logLevel  string //nolint:gochecknoglobals // cobra command flag
	logFormat string //nolint:gochecknoglobals // cobra command flag
)

type configKey struct{}

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "splitdns",
		Short:         "DNS proxy that sends regional domains to a local resolver and the rest over DoH",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if cmd.Flag("log-level").Changed || cfg.Log.Level == "" {
				cfg.Log.Level = logLevel
			}

			if cmd.Flag("log-format").Changed || cfg.Log.Format == "" {
				cfg.Log.Format = logFormat
			}

			base := logging.Base(cfg.AppName, cfg.Log.Level, cfg.Log.Format)
			ctx := base.WithContext(cmd.Context())
			ctx = context.WithValue(ctx, configKey{}, cfg)
			cmd.SetContext(ctx)

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to YAML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json, console")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newInitCmd())

	rootCmd.Version = verpkg.GetVersion()
	rootCmd.SetVersionTemplate(verpkg.String() + "\n")

	return rootCmd
}

// loadConfig reads --config when given, otherwise starts from defaults.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// configFrom returns the configuration prepared by the root command.
func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}

	return config.Default()
}

func Execute() {
	ExecuteContext(context.Background())
}

func ExecuteContext(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
