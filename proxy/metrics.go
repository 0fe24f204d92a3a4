package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/fr13n8/tunsock/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Tunnel outcomes recorded by Metrics.
const (
	resultEstablished = "established"
	resultRejected    = "rejected"
	resultFailed      = "failed"
	resultOverloaded  = "overloaded"
)

// Metrics collects tunnel counters for the proxy front ends.
type Metrics struct {
	tunnels *prometheus.CounterVec
	active  *prometheus.GaugeVec
	bytes   *prometheus.CounterVec
}

// NewMetrics creates the proxy metrics and registers them with reg. A nil reg
// keeps them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tunnels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunsock",
			Subsystem: "proxy",
			Name:      "tunnels_total",
			Help:      "Tunnel requests by transport and outcome.",
		}, []string{"transport", "result"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tunsock",
			Subsystem: "proxy",
			Name:      "tunnels_active",
			Help:      "Tunnels currently relaying.",
		}, []string{"transport"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunsock",
			Subsystem: "proxy",
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed by transport and direction.",
		}, []string{"transport", "direction"}),
	}
}

func (m *Metrics) observe(transport, result string) {
	if m == nil {
		return
	}
	m.tunnels.WithLabelValues(transport, result).Inc()
}

// track marks a tunnel active until the returned func is called with the
// bytes it relayed.
func (m *Metrics) track(transport string) func(up, down int64) {
	if m == nil {
		return func(int64, int64) {}
	}
	g := m.active.WithLabelValues(transport)
	g.Inc()
	return func(up, down int64) {
		g.Dec()
		m.bytes.WithLabelValues(transport, "up").Add(float64(up))
		m.bytes.WithLabelValues(transport, "down").Add(float64(down))
	}
}

// ServeMetrics exposes gatherer on /metrics until ctx is done.
func ServeMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shut down metrics server")
		}
	}()

	log.Info().Str("addr", addr).Msg("metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
