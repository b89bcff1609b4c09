package adminhttp_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/splitdns/internal/adminhttp"
	"github.com/bavix/splitdns/internal/config"
	"github.com/bavix/splitdns/internal/dnsproxy"
	"github.com/bavix/splitdns/internal/domainset"
	"github.com/bavix/splitdns/internal/metrics"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.DomainFile = "china.txt"

	proxy, err := dnsproxy.New(cfg, domainset.New("cn", "baidu.com"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ctx = zerolog.Nop().WithContext(ctx)

	srv := httptest.NewServer(adminhttp.NewServer(cfg, proxy).Handler(ctx))
	t.Cleanup(srv.Close)

	return srv
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp
}

func TestClassify(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	tests := []struct {
		domain   string
		regional bool
		path     string
		upstream string
	}{
		{domain: "www.baidu.com", regional: true, path: "regional", upstream: "udp://223.5.5.5:53"},
		{domain: "gov.cn", regional: true, path: "regional", upstream: "udp://223.5.5.5:53"},
		{domain: "example.org", regional: false, path: "secure", upstream: "https://1.1.1.1/dns-query"},
		{domain: "WWW.BAIDU.COM", regional: false, path: "secure", upstream: "https://1.1.1.1/dns-query"},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			t.Parallel()

			var got struct {
				Domain   string `json:"domain"`
				Regional bool   `json:"regional"`
				Path     string `json:"path"`
				Upstream string `json:"upstream"`
			}

			resp := getJSON(t, srv.URL+"/api/v1/classify?domain="+tt.domain, &got)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.domain, got.Domain)
			assert.Equal(t, tt.regional, got.Regional)
			assert.Equal(t, tt.path, got.Path)
			assert.Equal(t, tt.upstream, got.Upstream)
		})
	}
}

func TestClassify_EmptyDomain(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	var got map[string]string

	resp := getJSON(t, srv.URL+"/api/v1/classify", &got)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "domain cannot be empty", got["error"])
}

func TestHistory(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	var got struct {
		Events []dnsproxy.QueryEvent `json:"events"`
		Total  int                   `json:"total"`
	}

	resp := getJSON(t, srv.URL+"/api/v1/history?limit=10", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, got.Events)
	assert.Zero(t, got.Total)

	resp = getJSON(t, srv.URL+"/api/v1/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete, srv.URL+"/api/v1/history", nil)
	require.NoError(t, err)

	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
}

func TestInfo(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	var got map[string]any

	resp := getJSON(t, srv.URL+"/api/v1/info", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ":5300", got["dns_listen"])
	assert.Equal(t, "udp://223.5.5.5:53", got["regional"])
	assert.Equal(t, "https://1.1.1.1/dns-query", got["secure"])
	assert.Equal(t, "china.txt", got["domain_file"])
	assert.NotEmpty(t, got["go_version"])
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	resp := getJSON(t, srv.URL+"/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	// one routed request so the admin counter has a sample
	_ = getJSON(t, srv.URL+"/api/v1/stats", nil)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/metrics", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http_server_requests_total")
}

//nolint:paralleltest // toggles the global readiness flag
func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	metrics.SetReady(false)

	resp := getJSON(t, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	metrics.SetReady(true)
	t.Cleanup(func() { metrics.SetReady(false) })

	var got map[string]any

	resp = getJSON(t, srv.URL+"/health", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", got["status"])
}

func TestWebSocketSnapshot(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	defer func() { _ = conn.Close() }()

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var types []string

	for range 2 {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}

		require.NoError(t, conn.ReadJSON(&msg))

		types = append(types, msg.Type)
	}

	assert.Equal(t, []string{"stats", "history"}, types)
}

func TestWebSocketUpgradeRateLimit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	limited := 0

	for range 30 {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/ws", nil)
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			limited++
		}
	}

	assert.Positive(t, limited)
}
