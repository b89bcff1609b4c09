package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bavix/splitdns/internal/config"
)

const defaultConfigName = "splitdns.yaml"

var errConfigExists = errors.New("config file already exists")

var (
	initForce      bool   //nolint:gochecknoglobals // cobra command flag
	initDomainFile string //nolint:gochecknoglobals // cobra command flag
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigName
			if len(args) == 1 {
				path = args[0]
			}

			if _, err := os.Stat(path); err == nil && !initForce {
				return fmt.Errorf("%w: %s (use --force to overwrite)", errConfigExists, path)
			}

			cfg := config.Default()
			cfg.DomainFile = initDomainFile
			cfg.Path = path

			if err := cfg.Save(); err != nil {
				return err
			}

			zerolog.Ctx(cmd.Context()).Info().Str("config", path).Msg("config written")

			return nil
		},
	}

	cmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
	cmd.Flags().StringVarP(&initDomainFile, "domain-file", "f", "domains.txt", "Reference domain list to put in the config")

	return cmd
}
