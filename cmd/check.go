package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bavix/splitdns/internal/domainset"
	customerrors "github.com/bavix/splitdns/internal/errors"
	"github.com/bavix/splitdns/internal/metrics"
)

var checkDomainFile string //nolint:gochecknoglobals // cobra command flag

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <domain>...",
		Short: "Print the forwarding path chosen for each domain",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg := configFrom(ctx)
			if cmd.Flags().Changed("domain-file") {
				cfg.DomainFile = checkDomainFile
			}

			if cfg.DomainFile == "" {
				return fmt.Errorf("%w: set --domain-file or domain_file", customerrors.ErrReferenceLoad)
			}

			trie, err := domainset.Load(cfg.DomainFile)
			if err != nil {
				return err
			}

			zerolog.Ctx(ctx).Debug().Str("domain_file", cfg.DomainFile).Int("domains", trie.Len()).Msg("reference domains loaded")

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0) //nolint:mnd // column padding

			for _, domain := range args {
				path := metrics.PathSecure
				if trie.Match(domain) {
					path = metrics.PathRegional
				}

				_, _ = fmt.Fprintf(tw, "%s\t%s\n", domain, path)
			}

			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&checkDomainFile, "domain-file", "f", "", "Reference domain list, one domain per line")

	return cmd
}
