package engine

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the optional Prometheus counters/gauges this engine
// exposes. A nil registry at construction disables collection: the
// counters/gauges still exist so call sites never need a nil check,
// but they are registered nowhere and so never observable.
type metrics struct {
	messagesAdmitted prometheus.Counter
	peersConnected   prometheus.Gauge
	syncExchanges    prometheus.Counter
}

// newMetrics builds the engine's metric set. When reg is non-nil the
// metrics are registered on it (promauto.With(reg)); when it is nil
// (as in every engine_test.go case) they are left unregistered.
// prometheus.DefaultRegisterer is never used, so several Engines in one
// process do not collide as long as they do not share one registry.
func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		return &metrics{
			messagesAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshchat_messages_admitted_total",
				Help: "Total CRDT messages admitted to the local log.",
			}),
			peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "meshchat_peers_connected",
				Help: "Number of peers currently connected.",
			}),
			syncExchanges: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshchat_sync_exchanges_total",
				Help: "Total Compare/Batch exchanges completed with any peer.",
			}),
		}
	}

	factory := promauto.With(reg)
	return &metrics{
		messagesAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_messages_admitted_total",
			Help: "Total CRDT messages admitted to the local log.",
		}),
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshchat_peers_connected",
			Help: "Number of peers currently connected.",
		}),
		syncExchanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_sync_exchanges_total",
			Help: "Total Compare/Batch exchanges completed with any peer.",
		}),
	}
}

// serveMetrics starts the optional Prometheus HTTP endpoint backed by
// reg, until ctx is canceled. reg must be non-nil; callers gate on
// cfg.Metrics.Enabled before constructing one.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
