package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fzft/go-sft/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "sft"

// Metrics is the Prometheus instrumentation of the reactor.
//
// Every method is safe to call on a nil *Metrics, which is what the server
// uses when no metrics address is configured.
type Metrics struct {
	accepted  prometheus.Counter
	closed    *prometheus.CounterVec
	active    prometheus.Gauge
	requests  *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	evictions prometheus.Counter
}

// New registers the reactor metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		accepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_accepted_total",
				Help:      "Total number of accepted connections",
			},
		),
		closed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_closed_total",
				Help:      "Total number of closed connections by reason",
			},
			[]string{"reason"}, // "hangup", "error", "timeout", "protocol", "done", "shutdown"
		),
		active: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_active",
				Help:      "Number of connections in the connection table",
			},
		),
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests by verb and outcome",
			},
			[]string{"verb", "outcome"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Payload bytes moved by verb and direction",
			},
			[]string{"verb", "direction"}, // direction: "in", "out"
		),
		evictions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idle_evictions_total",
				Help:      "Connections closed by the idle sweep",
			},
		),
	}
}

func (m *Metrics) ConnAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.active.Inc()
}

func (m *Metrics) ConnClosed(reason string) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(reason).Inc()
	m.active.Dec()
}

func (m *Metrics) RequestDone(verb, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(verb, outcome).Inc()
}

func (m *Metrics) BytesReceived(verb string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(verb, "in").Add(float64(n))
}

func (m *Metrics) BytesSent(verb string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(verb, "out").Add(float64(n))
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.Add(float64(n))
}

// Serve exposes gatherer on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Logger.Warn("Metrics server shutdown", zap.Error(err))
		}
	}()

	log.Logger.Info("Metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
