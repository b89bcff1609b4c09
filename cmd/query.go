package cmd

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
)

const defaultQueryTimeout = 5 * time.Second

var errUnknownQueryType = errors.New("unknown query type")

var (
	queryServer  string        //nolint:gochecknoglobals // cobra command flag
	queryType    string        //nolint:gochecknoglobals // cobra command flag
	queryTimeout time.Duration //nolint:gochecknoglobals // cobra command flag
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <domain>",
		Short: "Send one query through a running proxy and print the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qtype, ok := dns.StringToType[strings.ToUpper(queryType)]
			if !ok {
				return fmt.Errorf("%w: %s", errUnknownQueryType, queryType)
			}

			server := queryServer
			if server == "" {
				server = loopback(configFrom(cmd.Context()).Listen.UDP)
			}

			msg := new(dns.Msg)
			msg.SetQuestion(dns.Fqdn(args[0]), qtype)

			client := &dns.Client{Net: "udp", Timeout: queryTimeout}

			in, rtt, err := client.ExchangeContext(cmd.Context(), msg, server)
			if err != nil {
				return fmt.Errorf("query %s via %s: %w", args[0], server, err)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, ";; server %s, rcode %s, rtt %s\n", server, dns.RcodeToString[in.Rcode], rtt.Round(time.Microsecond))

			for _, rr := range in.Answer {
				_, _ = fmt.Fprintln(out, rr.String())
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&queryServer, "server", "s", "", "Proxy address (default: loopback on listen.udp)")
	cmd.Flags().StringVar(&queryType, "type", "A", "Query type")
	cmd.Flags().DurationVar(&queryTimeout, "timeout", defaultQueryTimeout, "Client timeout")

	return cmd
}

// loopback turns a bind address such as ":5300" into a dialable one.
func loopback(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	return net.JoinHostPort(host, port)
}
