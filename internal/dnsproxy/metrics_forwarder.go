package dnsproxy

import (
	"context"
	"time"

	"github.com/bavix/splitdns/internal/metrics"
)

// MetricsForwarder records round trip and error metrics for Next under Path.
type MetricsForwarder struct {
	Next Forwarder
	Path string
}

func (m *MetricsForwarder) Name() string { return m.Next.Name() }

func (m *MetricsForwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	start := time.Now()

	out, err := m.Next.Forward(ctx, query)
	metrics.ObserveUpstream(m.Path, time.Since(start).Seconds())

	if err != nil {
		metrics.IncResolveError(m.Next.Name())
	}

	return out, err
}
