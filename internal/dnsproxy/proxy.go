package dnsproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/bavix/splitdns/internal/config"
	"github.com/bavix/splitdns/internal/dnswire"
	"github.com/bavix/splitdns/internal/domainset"
	customerrors "github.com/bavix/splitdns/internal/errors"
	"github.com/bavix/splitdns/internal/metrics"
	"github.com/bavix/splitdns/internal/reqctx"
	"github.com/bavix/splitdns/internal/version"
)

// Proxy accepts DNS datagrams on one UDP socket and relays each of them to the
// regional or the secure upstream depending on the classifier.
type Proxy struct {
	cfg        *config.Config
	classifier domainset.Classifier
	regional   Forwarder
	secure     Forwarder
	history    *historyManager

	mu   sync.Mutex
	conn net.PacketConn
	wg   sync.WaitGroup
}

func New(cfg *config.Config, classifier domainset.Classifier) (*Proxy, error) {
	if cfg == nil {
		return nil, customerrors.ErrConfigCannotBeNil
	}

	if classifier == nil {
		return nil, customerrors.ErrClassifierNotSet
	}

	return &Proxy{
		cfg:        cfg,
		classifier: classifier,
		regional: &MetricsForwarder{
			Next: NewUDPForwarder(cfg.RegionalAddr()),
			Path: metrics.PathRegional,
		},
		secure: &MetricsForwarder{
			Next: NewDoHForwarder(cfg.Secure.URL, nil),
			Path: metrics.PathSecure,
		},
		history: newHistoryManager(cfg.History.MaxEntries),
	}, nil
}

// Start binds the listener and serves it in the background until ctx is done.
func (p *Proxy) Start(ctx context.Context) error {
	conn, err := p.listen(ctx)
	if err != nil {
		return err
	}

	go func() {
		if err := p.Serve(ctx, conn); err != nil {
			zerolog.Ctx(ctx).Err(err).Msg("UDP DNS server error")
		}
	}()

	return nil
}

// ListenAndServe binds the listener and serves it until ctx is done.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	conn, err := p.listen(ctx)
	if err != nil {
		return err
	}

	return p.Serve(ctx, conn)
}

func (p *Proxy) listen(ctx context.Context) (net.PacketConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return nil, customerrors.ErrListenerStarted
	}

	conn, err := (&net.ListenConfig{}).ListenPacket(ctx, "udp", p.cfg.Listen.UDP)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP port %s: %w", p.cfg.Listen.UDP, err)
	}

	p.conn = conn

	zerolog.Ctx(ctx).Info().
		Str("udp", conn.LocalAddr().String()).
		Str("regional", p.regional.Name()).
		Str("secure", p.secure.Name()).
		Str("version", version.GetVersion()).
		Msg("UDP server is listening")

	return conn, nil
}

// Addr returns the bound listener address, or nil before Start.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}

	return p.conn.LocalAddr()
}

// Serve reads datagrams from conn and handles each one in its own goroutine.
// Cancelling ctx closes conn and every in-flight upstream socket; Serve then
// waits for running tasks and returns nil.
func (p *Proxy) Serve(ctx context.Context, conn net.PacketConn) error {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	metrics.SetReady(true)

	defer func() {
		p.wg.Wait()
		metrics.SetReady(false)
		zerolog.Ctx(ctx).Info().Msg("UDP server stopped")
	}()

	buf := make([]byte, MaxMessageSize)

	for {
		n, client, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to read DNS datagram")

			continue
		}

		query := make([]byte, n)
		copy(query, buf[:n])

		p.wg.Add(1)

		go p.handle(ctx, conn, query, client)
	}
}

func (p *Proxy) handle(ctx context.Context, conn net.PacketConn, query []byte, client net.Addr) {
	defer p.wg.Done()

	reqctx.WithNewContext(ctx, func(ctx context.Context) {
		p.route(ctx, conn, query, client)
	})
}

//nolint:funlen // one pass through the query lifecycle
func (p *Proxy) route(ctx context.Context, conn net.PacketConn, query []byte, client net.Addr) {
	start := time.Now()
	ev := QueryEvent{State: StateReceived, Client: client.String(), Time: start}
	ev.ID, _ = reqctx.ID(ctx)

	metrics.IncQuery()
	metrics.AddInflight(1)

	defer func() {
		if rec := recover(); rec != nil {
			zerolog.Ctx(ctx).Error().Interface("panic", rec).Msg("DNS query task panic recovered")
			ev.Error = fmt.Sprint(rec)
		}

		p.finish(ev, start)
	}()

	log := zerolog.Ctx(ctx)

	res := dnswire.Decode(ctx, query)
	ev.Domain, ev.Decode, ev.State = res.Domain(), res.Status.String(), StateDecoded
	metrics.IncDecode(ev.Decode)
	log.Info().Str("domain", ev.Domain).Msg("received DNS query")

	regional := p.classifier.Match(ev.Domain)
	ev.State = StateClassified
	log.Info().Bool("regional", regional).Msg("domain classification")

	fwd, path, state := p.secure, metrics.PathSecure, StateForwardingSecure
	if regional {
		fwd, path, state = p.regional, metrics.PathRegional, StateForwardingRegional
	}

	ev.Path, ev.Upstream, ev.State = path, fwd.Name(), state
	metrics.IncRoute(path)
	log.Info().Str("path", path).Str("upstream", ev.Upstream).Msg("forwarding DNS query")

	reply, err := fwd.Forward(ctx, query)
	if err != nil {
		log.Error().Err(err).Str("path", path).Str("upstream", ev.Upstream).Msg("upstream forwarding failed")

		ev.Error = err.Error()

		return
	}

	if _, err := conn.WriteTo(reply, client); err != nil {
		log.Error().Err(err).Str("client", ev.Client).Msg("failed to relay response to client")

		ev.Error = err.Error()

		return
	}

	ev.State = StateRelayed

	logReply(ctx, reply)
	log.Info().Str("path", path).Int("bytes", len(reply)).Msg("forwarded upstream response to client")
}

// finish records the terminal state. Anything short of Relayed is Dropped.
func (p *Proxy) finish(ev QueryEvent, start time.Time) {
	duration := time.Since(start)
	ev.Duration = duration.String()

	outcome := metrics.OutcomeRelayed
	if ev.State != StateRelayed {
		ev.State = StateDropped
		outcome = metrics.OutcomeDropped
	}

	metrics.AddInflight(-1)
	metrics.ObserveRequest(duration.Seconds())
	metrics.IncOutcome(outcome)

	p.history.AddEvent(ev)
}

// logReply summarizes the upstream reply at debug level. The relayed bytes are
// never touched.
func logReply(ctx context.Context, reply []byte) {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() > zerolog.DebugLevel {
		return
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(reply); err != nil {
		log.Debug().Err(err).Msg("upstream reply is not a parseable DNS message")

		return
	}

	log.Debug().
		Str("rcode", dns.RcodeToString[msg.Rcode]).
		Int("answers", len(msg.Answer)).
		Bool("truncated", msg.Truncated).
		Msg("upstream reply summary")
}

// Classify reports whether domain takes the regional path.
func (p *Proxy) Classify(domain string) bool { return p.classifier.Match(domain) }

// Upstreams returns the names of the regional and secure forwarders.
func (p *Proxy) Upstreams() (string, string) { return p.regional.Name(), p.secure.Name() }

// History returns up to limit recent events, oldest first. limit <= 0 returns all.
func (p *Proxy) History(limit int) []QueryEvent { return p.history.GetHistory(limit) }

func (p *Proxy) HistorySize() int { return p.history.Size() }

func (p *Proxy) ClearHistory() { p.history.Clear() }
