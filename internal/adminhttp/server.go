package adminhttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bavix/splitdns/internal/config"
	"github.com/bavix/splitdns/internal/dnsproxy"
	customerrors "github.com/bavix/splitdns/internal/errors"
	"github.com/bavix/splitdns/internal/metrics"
	"github.com/bavix/splitdns/internal/version"
)

var (
	errInvalidLimit = errors.New("limit must be a non-negative integer")
	errRateLimited  = errors.New("rate limit exceeded")
)

const (
	defaultReadHeaderTimeout     = 5 * time.Second
	defaultShutdownTimeout       = 5 * time.Second
	defaultBroadcastInterval     = 5 * time.Second
	defaultWebSocketReadLimit    = 1024
	defaultWebSocketTimeout      = 60 * time.Second
	defaultWebSocketPingInterval = 30 * time.Second
	defaultWebSocketPingTimeout  = 5 * time.Second
	defaultWebSocketUpgradeRate  = 5
	defaultWebSocketUpgradeBurst = 10
)

// Server is the admin HTTP surface of a running proxy.
type Server struct {
	cfg       *config.Config
	mux       *mux.Router
	proxy     *dnsproxy.Proxy
	wsMu      sync.Mutex
	conns     map[*websocket.Conn]struct{}
	startTime time.Time
	version   string
	buildTime string
}

func NewServer(cfg *config.Config, proxy *dnsproxy.Proxy) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       mux.NewRouter(),
		proxy:     proxy,
		conns:     make(map[*websocket.Conn]struct{}),
		startTime: time.Now(),
		version:   version.GetVersion(),
		buildTime: version.GetBuildTime(),
	}

	s.routes()

	return s
}

func jsonResponse(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func jsonError(w http.ResponseWriter, r *http.Request, status int, err error) {
	jsonResponse(w, r, status, map[string]string{"error": err.Error()})
}

// ListenAndServe serves the admin API until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("failed to bind admin listener %s: %w", s.cfg.HTTP.Listen, err)
	}

	srv := s.createServer(ctx, s.Handler(ctx))

	zerolog.Ctx(ctx).Info().Str("addr", ln.Addr().String()).Msg("http listen")

	go s.broadcastLoop(ctx)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(defaultBroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(map[string]any{"type": "stats", "data": s.collectStats()})
			s.broadcast(map[string]any{"type": "history", "data": s.proxy.History(0)})
		}
	}
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet, http.MethodDelete)
	api.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	api.HandleFunc("/classify", s.handleClassify).Methods(http.MethodGet)

	s.mux.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Use(recordMetrics)
}

type historyResponse struct {
	Events []dnsproxy.QueryEvent `json:"events"`
	Total  int                   `json:"total"`
}

type serverInfoDTO struct {
	Version          string `json:"version"`
	GoVersion        string `json:"go_version"`
	OS               string `json:"os"`
	Arch             string `json:"arch"`
	DNSListen        string `json:"dns_listen"`
	Regional         string `json:"regional"`
	Secure           string `json:"secure"`
	DomainFile       string `json:"domain_file"`
	ReferenceDomains int    `json:"reference_domains"`
	Uptime           string `json:"uptime"`
	BuildTime        string `json:"build_time,omitempty"`
}

type classifyResponse struct {
	Domain   string `json:"domain"`
	Regional bool   `json:"regional"`
	Path     string `json:"path"`
	Upstream string `json:"upstream"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := metrics.GatherStats(metrics.Service())
	if err != nil {
		jsonError(w, r, http.StatusInternalServerError, err)

		return
	}

	jsonResponse(w, r, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		s.proxy.ClearHistory()
		s.broadcast(map[string]any{"type": "history", "data": []dnsproxy.QueryEvent{}})
		w.WriteHeader(http.StatusNoContent)

		return
	}

	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			jsonError(w, r, http.StatusBadRequest, errInvalidLimit)

			return
		}

		limit = n
	}

	jsonResponse(w, r, http.StatusOK, historyResponse{
		Events: s.proxy.History(limit),
		Total:  s.proxy.HistorySize(),
	})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		jsonError(w, r, http.StatusBadRequest, customerrors.ErrEmptyDomain)

		return
	}

	regionalName, secureName := s.proxy.Upstreams()

	resp := classifyResponse{
		Domain:   domain,
		Regional: s.proxy.Classify(domain),
		Path:     metrics.PathSecure,
		Upstream: secureName,
	}

	if resp.Regional {
		resp.Path, resp.Upstream = metrics.PathRegional, regionalName
	}

	jsonResponse(w, r, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !metrics.IsReady() {
		status, code = "starting", http.StatusServiceUnavailable
	}

	jsonResponse(w, r, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.version,
		"uptime":    time.Since(s.startTime).String(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	dnsListen := s.cfg.Listen.UDP
	if addr := s.proxy.Addr(); addr != nil {
		dnsListen = addr.String()
	}

	regionalName, secureName := s.proxy.Upstreams()

	st := s.collectStats()

	jsonResponse(w, r, http.StatusOK, serverInfoDTO{
		Version:          s.version,
		GoVersion:        runtime.Version(),
		OS:               runtime.GOOS,
		Arch:             runtime.GOARCH,
		DNSListen:        dnsListen,
		Regional:         regionalName,
		Secure:           secureName,
		DomainFile:       s.cfg.DomainFile,
		ReferenceDomains: int(st.ReferenceDomains),
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
		BuildTime:        s.buildTime,
	})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }} //nolint:gochecknoglobals // websocket upgrader

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// http.Error would conflict with the failed upgrade response.
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("WebSocket upgrade failed")

		return
	}

	// The server write timeout still applies to the hijacked connection.
	_ = conn.NetConn().SetWriteDeadline(time.Time{})

	s.wsMu.Lock()
	s.conns[conn] = struct{}{}
	_ = conn.WriteJSON(map[string]any{"type": "stats", "data": s.collectStats()})
	_ = conn.WriteJSON(map[string]any{"type": "history", "data": s.proxy.History(0)})
	s.wsMu.Unlock()

	conn.SetReadLimit(defaultWebSocketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))

		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func(c *websocket.Conn) {
		ticker := time.NewTicker(defaultWebSocketPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(defaultWebSocketPingTimeout)); err != nil {
					return
				}
			}
		}
	}(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.wsMu.Lock()
	delete(s.conns, conn)
	s.wsMu.Unlock()

	_ = conn.Close()
}

func (s *Server) collectStats() metrics.Stats {
	st, _ := metrics.GatherStats(metrics.Service())

	return st
}

func (s *Server) broadcast(v any) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	for c := range s.conns {
		_ = c.WriteJSON(v)
	}
}

// Handler returns the full middleware chain. WebSocket upgrades bypass it to
// keep http.Hijacker available.
func (s *Server) Handler(ctx context.Context) http.Handler {
	handler := s.buildMiddlewareChain(ctx)
	ws := rateLimit(defaultWebSocketUpgradeRate, defaultWebSocketUpgradeBurst)(http.HandlerFunc(s.handleWS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			ws.ServeHTTP(w, r.WithContext(zerolog.Ctx(ctx).WithContext(r.Context())))

			return
		}

		handler.ServeHTTP(w, r)
	})
}

func (s *Server) buildMiddlewareChain(ctx context.Context) http.Handler {
	logger := zerolog.Ctx(ctx)

	var h http.Handler = s.mux

	c := cors.New(cors.Options{AllowOriginFunc: func(_ string) bool { return true }, AllowCredentials: true, AllowedHeaders: []string{"*"}})
	h = c.Handler(h)

	sec := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; connect-src 'self' ws: wss:",
	})
	h = sec.Handler(h)

	h = hlog.NewHandler(*logger)(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		logger.Info().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Str("request_id", chimw.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("http")
	})(h)
	h = chimw.RequestID(h)
	h = chimw.RealIP(h)
	// Recoverer last to catch panics
	h = chimw.Recoverer(h)

	return otelhttp.NewHandler(h, "adminhttp")
}

func (s *Server) createServer(ctx context.Context, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       s.cfg.HTTP.ReadTimeout,
		WriteTimeout:      s.cfg.HTTP.WriteTimeout,
		IdleTimeout:       s.cfg.HTTP.IdleTimeout,
	}
	srv.BaseContext = func(_ net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()
		// graceful shutdown with timeout, then force close
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()

		s.closeConns()
	}()

	return srv
}

func (s *Server) closeConns() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	for c := range s.conns {
		_ = c.Close()
	}
}
