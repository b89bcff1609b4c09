package cmd

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bavix/splitdns/internal/adminhttp"
	"github.com/bavix/splitdns/internal/config"
	"github.com/bavix/splitdns/internal/dnsproxy"
	"github.com/bavix/splitdns/internal/domainset"
	"github.com/bavix/splitdns/internal/metrics"
	"github.com/bavix/splitdns/internal/version"
)

var (
	domainFile  string //nolint:gochecknoglobals // cobra command flag
	listenPort  string //nolint:gochecknoglobals // cobra command flag
	regionalDNS string //nolint:gochecknoglobals // cobra command flag
	secureURL   string //nolint:gochecknoglobals // cobra command flag
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the classifying DNS proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			cfg := configFrom(ctx)
			applyStartFlags(cmd, cfg)

			if err := cfg.Validate(); err != nil {
				return err
			}

			log.Info().
				Str("version", version.GetVersion()).
				Str("build_time", version.GetBuildTime()).
				Msg("splitdns starting")

			metrics.SetService(cfg.AppName)
			metrics.RegisterCollectors()

			trie, err := domainset.Load(cfg.DomainFile)
			if err != nil {
				return err
			}

			metrics.SetReferenceDomains(trie.Len())
			log.Info().
				Str("domain_file", cfg.DomainFile).
				Int("domains", trie.Len()).
				Int("nodes", trie.Nodes()).
				Msg("reference domains loaded")

			proxy, err := dnsproxy.New(cfg, trie)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error { return proxy.ListenAndServe(gctx) })

			if cfg.HTTP.Enabled {
				admin := adminhttp.NewServer(cfg, proxy)
				g.Go(func() error { return admin.ListenAndServe(gctx) })
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&domainFile, "domain-file", "f", "", "Reference domain list, one domain per line")
	cmd.Flags().StringVarP(&listenPort, "port", "p", "", "UDP listening port (default from listen.udp, "+config.DefaultListenUDP+")")
	cmd.Flags().StringVarP(&regionalDNS, "regional", "c", config.DefaultRegional, "Regional resolver address")
	cmd.Flags().StringVarP(&secureURL, "secure", "t", config.DefaultSecureURL, "DNS-over-HTTPS resolver URL")

	return cmd
}

// applyStartFlags overrides file values with flags the user actually set.
func applyStartFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("domain-file") {
		cfg.DomainFile = domainFile
	}

	if flags.Changed("port") {
		cfg.SetListenPort(listenPort)
	}

	if flags.Changed("regional") {
		cfg.Regional.Address = regionalDNS
	}

	if flags.Changed("secure") {
		cfg.Secure.URL = secureURL
	}
}
