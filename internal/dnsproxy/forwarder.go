package dnsproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	customerrors "github.com/bavix/splitdns/internal/errors"
)

const (
	// MaxMessageSize bounds a single DNS datagram read.
	MaxMessageSize = 65535

	dnsMessageType = "application/dns-message"
)

// Forwarder sends a raw DNS query to an upstream and returns its raw reply.
// Implementations never modify the query bytes.
type Forwarder interface {
	Forward(ctx context.Context, query []byte) ([]byte, error)
	Name() string
}

// UDPForwarder relays a query over a fresh UDP socket per call.
type UDPForwarder struct {
	addr   string
	dialer net.Dialer
}

func NewUDPForwarder(addr string) *UDPForwarder {
	return &UDPForwarder{addr: addr}
}

func (f *UDPForwarder) Name() string { return "udp://" + f.addr }

// Forward writes query to the upstream and waits for exactly one reply datagram.
// There is no deadline: the call returns when a reply arrives, the socket fails,
// or ctx is cancelled.
func (f *UDPForwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	conn, err := f.dialer.DialContext(ctx, "udp", f.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", customerrors.ErrUpstreamTransport, f.addr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()

		_ = conn.Close()
	}()

	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", customerrors.ErrUpstreamTransport, f.addr, err)
	}

	buf := make([]byte, MaxMessageSize)

	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", customerrors.ErrUpstreamTransport, f.addr, err)
	}

	return buf[:n], nil
}

// DoHForwarder relays a query as an RFC 8484 POST.
type DoHForwarder struct {
	url    string
	client *http.Client
}

// NewDoHForwarder returns a forwarder posting to url. A nil client is replaced
// by one with an otelhttp transport and no timeout.
func NewDoHForwarder(url string, client *http.Client) *DoHForwarder {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &DoHForwarder{url: url, client: client}
}

func (f *DoHForwarder) Name() string { return f.url }

func (f *DoHForwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", customerrors.ErrUpstreamTransport, err)
	}

	req.Header.Set("Content-Type", dnsMessageType)
	req.Header.Set("Accept", dnsMessageType)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", customerrors.ErrUpstreamTransport, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w %d", customerrors.ErrUpstreamHTTP, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", customerrors.ErrUpstreamTransport, err)
	}

	return body, nil
}
