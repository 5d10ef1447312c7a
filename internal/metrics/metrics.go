package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics groups the collectors shared by the tracker and the bridge.
type Metrics struct {
	EventsTotal    *prometheus.CounterVec
	ActiveCalls    prometheus.Gauge
	HoldsTotal     prometheus.Counter
	DroppedTotal   prometheus.Counter
	PublishedTotal *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phonestate_events_total",
			Help: "Call state events emitted by the tracker, partitioned by status",
		}, []string{"status"}),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "phonestate_active_calls",
			Help: "Calls with a live record in the tracker",
		}),
		HoldsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "phonestate_holds_total",
			Help: "Hold intervals opened across all calls",
		}),
		DroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "phonestate_bridge_dropped_total",
			Help: "Events dropped because the bridge queue was full",
		}),
		PublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phonestate_bridge_published_total",
			Help: "Bridge publish attempts, partitioned by result",
		}, []string{"result"}),
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
