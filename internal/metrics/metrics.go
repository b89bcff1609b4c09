//nolint:gochecknoglobals // prometheus metrics and global state
package metrics

import (
	"errors"
	"strconv"
	"sync/atomic"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Label values for the path and outcome dimensions.
const (
	PathRegional = "regional"
	PathSecure   = "secure"

	OutcomeRelayed = "relayed"
	OutcomeDropped = "dropped"
)

var (
	DNSQueriesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "dns_client_queries_total",
			Help: "Total DNS datagrams accepted by the proxy (Counter).",
		},
		[]string{"service"},
	)
	DNSRoutesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "dns_route_decisions_total",
			Help: "Classification decisions (Counter). path=regional|secure.",
		},
		[]string{"service", "path"},
	)
	DNSOutcomesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "dns_query_outcomes_total",
			Help: "Terminal query states (Counter). outcome=relayed|dropped.",
		},
		[]string{"service", "outcome"},
	)
	DNSDecodeTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "dns_question_decode_total",
			Help: "Question name decode results (Counter). status=ok|root|pointer|malformed|fallback.",
		},
		[]string{"service", "status"},
	)
	InflightQueries = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "dns_inflight_queries",
			Help: "Queries currently being forwarded (Gauge).",
		},
		[]string{"service"},
	)
	ReferenceDomains = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "dns_reference_domains",
			Help: "Registered entries in the regional domain list (Gauge).",
		},
		[]string{"service"},
	)
	ReadyGauge = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "service_ready",
			Help: "Service readiness: 1=ready, 0=not ready (Gauge).",
		},
		[]string{"service"},
	)
	AdminRequestsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "http_server_requests_total",
			Help: "Admin HTTP requests handled (Counter). Labels: service, method, route, status.",
		},
		[]string{"service", "method", "route", "status"},
	)

	DNSUpstreamRTT = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "dns_upstream_rtt_seconds",
		Help:    "Upstream round trip in seconds by path (Histogram).",
		Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0},
	}, []string{"service", "path"})
	DNSRequestDuration = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "dns_request_duration_seconds",
		Help:    "End-to-end DNS request duration in seconds (Histogram).",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0},
	}, []string{"service"})
	ResolveErrorsTotal = promauto.NewCounterVec(prom.CounterOpts{
		Name: "dns_resolve_errors_total",
		Help: "Total forwarding errors by upstream (Counter).",
	}, []string{"service", "upstream"})
)

var readyFlag int32 //nolint:gochecknoglobals // service ready flag

var serviceName atomic.Value //nolint:gochecknoglobals // service name // string

// SetService sets the service label value (default: splitdns).
func SetService(name string) { serviceName.Store(name) }

func Service() string {
	if v := serviceName.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}

	return "splitdns"
}

// RegisterCollectors registers default Go and process collectors.
// Should be called once during program startup (e.g., in cmd).
func RegisterCollectors() {
	registerDefault(collectors.NewGoCollector())
	registerDefault(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func registerDefault(c prom.Collector) {
	if err := prom.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		// best-effort: ignore unexpected errors to avoid panics in init
	}
}

// ObserveUpstream records one upstream round trip for path.
func ObserveUpstream(path string, sec float64) {
	DNSUpstreamRTT.WithLabelValues(Service(), path).Observe(sec)
}

// ObserveRequest records one end-to-end request duration.
func ObserveRequest(sec float64) {
	DNSRequestDuration.WithLabelValues(Service()).Observe(sec)
}

// IncQuery counts an accepted datagram.
func IncQuery() { DNSQueriesTotal.WithLabelValues(Service()).Inc() }

// IncRoute counts a classification decision.
func IncRoute(path string) { DNSRoutesTotal.WithLabelValues(Service(), path).Inc() }

// IncOutcome counts a terminal state.
func IncOutcome(outcome string) { DNSOutcomesTotal.WithLabelValues(Service(), outcome).Inc() }

// IncDecode counts a decode status.
func IncDecode(status string) { DNSDecodeTotal.WithLabelValues(Service(), status).Inc() }

// IncResolveError increments error counter for upstream.
func IncResolveError(upstream string) {
	if upstream == "" {
		upstream = "unknown"
	}

	ResolveErrorsTotal.WithLabelValues(Service(), upstream).Inc()
}

// AddInflight adjusts the in-flight gauge by delta.
func AddInflight(delta float64) { InflightQueries.WithLabelValues(Service()).Add(delta) }

// SetReferenceDomains records the size of the loaded domain list.
func SetReferenceDomains(n int) { ReferenceDomains.WithLabelValues(Service()).Set(float64(n)) }

// RecordHTTP increments admin HTTP requests with OTEL-style labels.
func RecordHTTP(method, route string, status int) {
	AdminRequestsTotal.WithLabelValues(Service(), method, route, strconv.Itoa(status)).Inc()
}

// SetReady sets readiness and updates the gauge.
func SetReady(v bool) {
	if v {
		atomic.StoreInt32(&readyFlag, 1)
		ReadyGauge.WithLabelValues(Service()).Set(1)
	} else {
		atomic.StoreInt32(&readyFlag, 0)
		ReadyGauge.WithLabelValues(Service()).Set(0)
	}
}

// IsReady returns current readiness flag.
func IsReady() bool { return atomic.LoadInt32(&readyFlag) == 1 }

// Stats represents a lightweight analytics snapshot for the admin API.
type Stats struct {
	DNSQueriesTotal          float64 `json:"dns_queries_total"`
	RegionalTotal            float64 `json:"regional_total"`
	SecureTotal              float64 `json:"secure_total"`
	RelayedTotal             float64 `json:"relayed_total"`
	DroppedTotal             float64 `json:"dropped_total"`
	MalformedTotal           float64 `json:"malformed_total"`
	InflightQueries          float64 `json:"inflight_queries"`
	ReferenceDomains         float64 `json:"reference_domains"`
	DNSUpstreamRTTAvgSeconds float64 `json:"dns_upstream_rtt_avg_seconds"`
	DNSRequestAvgSeconds     float64 `json:"dns_request_avg_seconds"`
	ServiceReady             float64 `json:"service_ready"`
}

// GatherStats collects basic stats from the default registry for a given service label.
//
//nolint:gocyclo // metric family switch
func GatherStats(service string) (Stats, error) { //nolint:gocognit,cyclop,funlen
	mfs, err := prom.DefaultGatherer.Gather()
	if err != nil {
		return Stats{}, err
	}

	var (
		s                                  Stats
		rttSum, rttCount, reqSum, reqCount float64
	)

	label := func(m *dto.Metric, name string) (string, bool) {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name {
				return lp.GetValue(), true
			}
		}

		return "", false
	}

	withService := func(m *dto.Metric) bool {
		v, ok := label(m, "service")

		return ok && v == service
	}

	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if !withService(m) {
				continue
			}

			switch mf.GetName() {
			case "dns_client_queries_total":
				s.DNSQueriesTotal += m.GetCounter().GetValue()
			case "dns_route_decisions_total":
				switch path, _ := label(m, "path"); path {
				case PathRegional:
					s.RegionalTotal += m.GetCounter().GetValue()
				case PathSecure:
					s.SecureTotal += m.GetCounter().GetValue()
				}
			case "dns_query_outcomes_total":
				switch outcome, _ := label(m, "outcome"); outcome {
				case OutcomeRelayed:
					s.RelayedTotal += m.GetCounter().GetValue()
				case OutcomeDropped:
					s.DroppedTotal += m.GetCounter().GetValue()
				}
			case "dns_question_decode_total":
				if status, _ := label(m, "status"); status == "malformed" {
					s.MalformedTotal += m.GetCounter().GetValue()
				}
			case "dns_inflight_queries":
				s.InflightQueries = m.GetGauge().GetValue()
			case "dns_reference_domains":
				s.ReferenceDomains = m.GetGauge().GetValue()
			case "dns_upstream_rtt_seconds":
				h := m.GetHistogram()
				rttSum += h.GetSampleSum()
				rttCount += float64(h.GetSampleCount())
			case "dns_request_duration_seconds":
				h := m.GetHistogram()
				reqSum += h.GetSampleSum()
				reqCount += float64(h.GetSampleCount())
			case "service_ready":
				s.ServiceReady = m.GetGauge().GetValue()
			}
		}
	}

	if rttCount > 0 {
		s.DNSUpstreamRTTAvgSeconds = rttSum / rttCount
	}

	if reqCount > 0 {
		s.DNSRequestAvgSeconds = reqSum / reqCount
	}

	return s, nil
}
