// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics bundles every collector the server updates.  All updates happen on
// the engine goroutine; prometheus collectors are safe for the concurrent
// scrapes coming from the HTTP handler.
type Metrics struct {
	registry *prometheus.Registry

	Connections    prometheus.Gauge
	NamedUsers     prometheus.Gauge
	PoolSize       prometheus.Gauge
	MessagesPosted prometheus.Counter
	MessagesRouted prometheus.Counter
	Replayed       prometheus.Counter
	PostsDenied    *prometheus.CounterVec
	Reaped         prometheus.Counter
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_connections",
			Help: "Open TCP connections.",
		}),
		NamedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_named_users",
			Help: "Connections that completed name negotiation.",
		}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_message_pool_size",
			Help: "Messages currently held in the pool.",
		}),
		MessagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gochat_messages_posted_total",
			Help: "Messages accepted from clients.",
		}),
		MessagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gochat_messages_routed_total",
			Help: "Live deliveries written to recipient transports.",
		}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gochat_messages_replayed_total",
			Help: "Messages enqueued for replay on join or scope change.",
		}),
		PostsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_posts_denied_total",
			Help: "Posts rejected by the rate limit or an active ban.",
		}, []string{"reason"}),
		Reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gochat_messages_reaped_total",
			Help: "Delivered messages removed by the retention sweep.",
		}),
	}
	reg.MustRegister(
		m.Connections, m.NamedUsers, m.PoolSize,
		m.MessagesPosted, m.MessagesRouted, m.Replayed,
		m.PostsDenied, m.Reaped,
	)
	return m
}

// Serve exposes /metrics on addr until the process exits.  It is a no-op
// when addr is empty.
func (m *Metrics) Serve(addr string, log zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listener started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}
