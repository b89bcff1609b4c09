package dnsproxy_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/splitdns/internal/config"
	"github.com/bavix/splitdns/internal/dnsproxy"
	"github.com/bavix/splitdns/internal/domainset"
	customerrors "github.com/bavix/splitdns/internal/errors"
	"github.com/bavix/splitdns/internal/logging"
	"github.com/bavix/splitdns/internal/reqctx"
)

const replyWait = 3 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()

	b.mu.Lock()
	data := slices.Clone(b.buf.Bytes())
	b.mu.Unlock()

	var out []map[string]any

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))

		out = append(out, line)
	}

	return out
}

func packQuery(t *testing.T, name string, id uint16) []byte {
	t.Helper()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = id

	buf, err := m.Pack()
	require.NoError(t, err)

	return buf
}

func answer(query []byte, ip string) []byte {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil || len(req.Question) == 0 {
		return nil
	}

	resp := new(dns.Msg)
	resp.SetReply(req)

	rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", req.Question[0].Name, ip))
	if err != nil {
		return nil
	}

	resp.Answer = append(resp.Answer, rr)

	out, err := resp.Pack()
	if err != nil {
		return nil
	}

	return out
}

type udpResolver struct {
	conn    net.PacketConn
	silent  bool
	mu      sync.Mutex
	queries [][]byte
	replies [][]byte
}

func newUDPResolver(t *testing.T, silent bool) *udpResolver {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	r := &udpResolver{conn: conn, silent: silent}
	go r.serve()

	return r
}

func (r *udpResolver) serve() {
	buf := make([]byte, dnsproxy.MaxMessageSize)

	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		q := slices.Clone(buf[:n])
		reply := answer(q, "10.0.0.1")

		r.mu.Lock()
		r.queries = append(r.queries, q)
		r.replies = append(r.replies, reply)
		r.mu.Unlock()

		if r.silent || reply == nil {
			continue
		}

		_, _ = r.conn.WriteTo(reply, addr)
	}
}

func (r *udpResolver) seen() ([][]byte, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.queries), slices.Clone(r.replies)
}

type dohRequest struct {
	method      string
	path        string
	contentType string
	accept      string
	body        []byte
	reply       []byte
}

type dohResolver struct {
	srv    *httptest.Server
	status int
	calls  atomic.Int32
	mu     sync.Mutex
	reqs   []dohRequest
}

func newDoHResolver(t *testing.T, status int) *dohResolver {
	t.Helper()

	d := &dohResolver{status: status}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.calls.Add(1)

		body, _ := io.ReadAll(r.Body)
		rec := dohRequest{
			method:      r.Method,
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			accept:      r.Header.Get("Accept"),
			body:        body,
		}

		if d.status != 0 {
			d.record(rec)
			w.WriteHeader(d.status)

			return
		}

		rec.reply = answer(body, "10.0.0.2")
		d.record(rec)

		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(rec.reply)
	}))
	t.Cleanup(d.srv.Close)

	return d
}

func (d *dohResolver) record(r dohRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reqs = append(d.reqs, r)
}

func (d *dohResolver) seen() []dohRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Clone(d.reqs)
}

type harness struct {
	proxy *dnsproxy.Proxy
	udp   *udpResolver
	doh   *dohResolver
	logs  *syncBuffer
}

func newHarness(t *testing.T, dohStatus int) *harness {
	t.Helper()

	h := &harness{
		udp:  newUDPResolver(t, false),
		doh:  newDoHResolver(t, dohStatus),
		logs: &syncBuffer{},
	}

	cfg := config.Default()
	cfg.DomainFile = "domains.txt"
	cfg.Listen.UDP = "127.0.0.1:0"
	cfg.Regional.Address = h.udp.conn.LocalAddr().String()
	cfg.Secure.URL = h.doh.srv.URL + "/dns-query"

	p, err := dnsproxy.New(cfg, domainset.New("cn", "baidu.com"))
	require.NoError(t, err)

	h.proxy = p

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := logging.New(h.logs, "splitdns", "debug", "json")
	ctx = logger.WithContext(ctx)

	require.NoError(t, p.Start(ctx))
	require.NotNil(t, p.Addr())

	return h
}

func exchange(addr net.Addr, query []byte, wait time.Duration) ([]byte, error) {
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		return nil, err
	}

	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}

	if _, err := conn.Write(query); err != nil {
		return nil, err
	}

	buf := make([]byte, dnsproxy.MaxMessageSize)

	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}

func TestProxy_RegionalPathRelaysVerbatim(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	query := packQuery(t, "www.baidu.com", 0x1234)

	reply, err := exchange(h.proxy.Addr(), query, replyWait)
	require.NoError(t, err)

	queries, replies := h.udp.seen()
	require.Len(t, queries, 1)
	assert.Equal(t, query, queries[0])
	assert.Equal(t, replies[0], reply)
	assert.Zero(t, h.doh.calls.Load())

	require.Eventually(t, func() bool { return h.proxy.HistorySize() == 1 }, replyWait, 10*time.Millisecond)

	ev := h.proxy.History(0)[0]
	assert.Equal(t, "www.baidu.com", ev.Domain)
	assert.Equal(t, "ok", ev.Decode)
	assert.Equal(t, "regional", ev.Path)
	assert.Equal(t, dnsproxy.StateRelayed, ev.State)
	assert.NotEmpty(t, ev.ID)
	assert.Empty(t, ev.Error)
}

func TestProxy_SecurePathPostsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	query := packQuery(t, "example.org", 0x4321)

	reply, err := exchange(h.proxy.Addr(), query, replyWait)
	require.NoError(t, err)

	reqs := h.doh.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, int32(1), h.doh.calls.Load())
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "/dns-query", reqs[0].path)
	assert.Equal(t, "application/dns-message", reqs[0].contentType)
	assert.Equal(t, "application/dns-message", reqs[0].accept)
	assert.Equal(t, query, reqs[0].body)
	assert.Equal(t, reqs[0].reply, reply)

	queries, _ := h.udp.seen()
	assert.Empty(t, queries)

	require.Eventually(t, func() bool { return h.proxy.HistorySize() == 1 }, replyWait, 10*time.Millisecond)
	assert.Equal(t, "secure", h.proxy.History(0)[0].Path)
}

func TestProxy_DropsOnUpstreamHTTPError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, http.StatusBadGateway)

	_, err := exchange(h.proxy.Addr(), packQuery(t, "example.org", 7), 300*time.Millisecond)
	require.Error(t, err)

	var netErr net.Error

	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())

	require.Eventually(t, func() bool { return h.proxy.HistorySize() == 1 }, replyWait, 10*time.Millisecond)

	ev := h.proxy.History(0)[0]
	assert.Equal(t, dnsproxy.StateDropped, ev.State)
	assert.Contains(t, ev.Error, "502")
}

func TestProxy_MalformedQueryIsStillForwarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)

	// Header, then a label claiming 0x3f bytes inside a 6 byte question section.
	query := append(make([]byte, 12), 0x3f, 'a', 'b', 0, 0, 0, 0, 1, 0, 1)

	// The mock answers with an empty body, which is relayed as an empty datagram.
	_, _ = exchange(h.proxy.Addr(), query, 300*time.Millisecond)

	require.Eventually(t, func() bool { return len(h.doh.seen()) == 1 }, replyWait, 10*time.Millisecond)
	assert.Equal(t, query, h.doh.seen()[0].body)

	require.Eventually(t, func() bool { return h.proxy.HistorySize() == 1 }, replyWait, 10*time.Millisecond)

	ev := h.proxy.History(0)[0]
	assert.Equal(t, "[malformed_domain]", ev.Domain)
	assert.Equal(t, "malformed", ev.Decode)
}

func TestProxy_ConcurrentQueriesHaveDistinctIDs(t *testing.T) {
	t.Parallel()

	const n = 24

	h := newHarness(t, 0)

	var wg sync.WaitGroup

	for i := range n {
		name := fmt.Sprintf("q%d.example.org", i)
		if i%2 == 0 {
			name = fmt.Sprintf("q%d.cn", i)
		}

		query := packQuery(t, name, uint16(i+1)) //nolint:gosec // small loop index

		wg.Add(1)

		go func() {
			defer wg.Done()

			reply, err := exchange(h.proxy.Addr(), query, replyWait)
			if !assert.NoError(t, err) {
				return
			}

			msg := new(dns.Msg)
			if assert.NoError(t, msg.Unpack(reply)) {
				assert.Equal(t, uint16(i+1), msg.Id) //nolint:gosec // small loop index
				assert.Equal(t, dns.Fqdn(name), msg.Question[0].Name)
			}
		}()
	}

	wg.Wait()

	require.Eventually(t, func() bool { return h.proxy.HistorySize() == n }, replyWait, 10*time.Millisecond)

	domainByID := make(map[string]string, n)

	for _, line := range h.logs.lines(t) {
		if line["message"] != "received DNS query" {
			continue
		}

		id, ok := line[reqctx.LogField].(string)
		require.True(t, ok)

		domain, _ := line["domain"].(string)

		_, dup := domainByID[id]
		require.False(t, dup, "request id %s reused", id)

		domainByID[id] = domain
	}

	require.Len(t, domainByID, n)

	for _, ev := range h.proxy.History(0) {
		assert.Equal(t, domainByID[ev.ID], ev.Domain)
		assert.Equal(t, dnsproxy.StateRelayed, ev.State)
	}

	for _, line := range h.logs.lines(t) {
		id, ok := line[reqctx.LogField].(string)
		if !ok {
			continue
		}

		_, known := domainByID[id]
		assert.True(t, known, "log line %v carries an unknown request id", line["message"])
	}
}

func TestProxy_ListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Listen.UDP = "127.0.0.1:0"

	p, err := dnsproxy.New(cfg, domainset.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- p.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool { return p.Addr() != nil }, replyWait, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(replyWait):
		t.Fatal("server did not stop")
	}
}

func TestProxy_StartTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)

	require.ErrorIs(t, h.proxy.Start(context.Background()), customerrors.ErrListenerStarted)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := dnsproxy.New(nil, domainset.New())
	require.ErrorIs(t, err, customerrors.ErrConfigCannotBeNil)

	_, err = dnsproxy.New(config.Default(), nil)
	require.ErrorIs(t, err, customerrors.ErrClassifierNotSet)
}

func TestProxy_Classify(t *testing.T) {
	t.Parallel()

	p, err := dnsproxy.New(config.Default(), domainset.New("cn"))
	require.NoError(t, err)

	assert.True(t, p.Classify("www.gov.cn"))
	assert.False(t, p.Classify("example.org"))

	regional, secure := p.Upstreams()
	assert.Equal(t, "udp://223.5.5.5:53", regional)
	assert.Equal(t, "https://1.1.1.1/dns-query", secure)
}
