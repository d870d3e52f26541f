package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WSConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_ws_connections_total",
		Help: "WebSocket connections accepted",
	})
	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bustrack_active_subscribers",
		Help: "Subscribers currently registered with the broker",
	})
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_broadcasts_total",
		Help: "Snapshots fanned out, by event",
	}, []string{"event"})
	SnapshotRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bustrack_snapshot_records",
		Help: "Records in the last computed global snapshot",
	})
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_mutations_total",
		Help: "Mutations handled by the gateway, by operation and result",
	}, []string{"op", "result"})
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_store_errors_total",
		Help: "Store calls that failed with the store unavailable",
	}, []string{"op"})
	SlowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustrack_slow_consumers_total",
		Help: "Sessions dropped because their outbox overflowed",
	})
	RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_relay_errors_total",
		Help: "Snapshots a relay failed to forward",
	}, []string{"relay"})
	BroadcastLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bustrack_broadcast_latency_seconds",
		Help:    "Time to reload the store and fan out one snapshot",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveBroadcastLatency(start time.Time) {
	BroadcastLatency.Observe(time.Since(start).Seconds())
}

// NewMetricsServer serves /metrics and /healthz. healthz answers 503 while
// ready returns an error.
func NewMetricsServer(addr string, ready func(context.Context) error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
