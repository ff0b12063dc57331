// Package metrics exposes Prometheus collectors for the HTTP API, mech
// submissions, deliveries and queued jobs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mechx/internal/delivery"
	xerrors "mechx/internal/errors"
	"mechx/internal/mech"
)

const namespace = "mechx"

var (
	latencyBuckets  = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	deliveryBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 900}
)

var registry = prometheus.NewRegistry()

// Measures groups all collectors.
var Measures = struct {
	HTTPRequests      *prometheus.CounterVec
	HTTPLatency       *prometheus.HistogramVec
	Submissions       *prometheus.CounterVec
	SubmissionLatency *prometheus.HistogramVec
	Deliveries        *prometheus.CounterVec
	DeliveriesMissing *prometheus.CounterVec
	DeliveryWait      *prometheus.HistogramVec
	Jobs              *prometheus.CounterVec
	JobQueueDepth     prometheus.Gauge
}{
	HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served by the API, by handler, method and status code.",
	}, []string{"handler", "method", "code"}),
	HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   latencyBuckets,
	}, []string{"handler", "method"}),
	Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Mech submissions by flow, payment type and outcome kind.",
	}, []string{"flow", "payment_type", "outcome"}),
	SubmissionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "submission_duration_seconds",
		Help:      "Time from submission start to the end of the delivery wait.",
		Buckets:   deliveryBuckets,
	}, []string{"flow"}),
	Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Observed deliveries by flow, source and status.",
	}, []string{"flow", "source", "status"}),
	DeliveriesMissing: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_missing_total",
		Help:      "Requests without a delivery when the wait ended.",
	}, []string{"flow"}),
	DeliveryWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delivery_wait_seconds",
		Help:      "Time spent waiting for deliveries.",
		Buckets:   deliveryBuckets,
	}, []string{"flow"}),
	Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Processed jobs by final status.",
	}, []string{"status"}),
	JobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_pending",
		Help:      "Jobs accepted but not yet finished.",
	}),
}

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Measures.HTTPRequests,
		Measures.HTTPLatency,
		Measures.Submissions,
		Measures.SubmissionLatency,
		Measures.Deliveries,
		Measures.DeliveriesMissing,
		Measures.DeliveryWait,
		Measures.Jobs,
		Measures.JobQueueDepth,
	)
}

// Registry returns the registry holding all collectors.
func Registry() *prometheus.Registry { return registry }

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	Measures.HTTPRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	Measures.HTTPLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveJob records a job reaching a final status.
func ObserveJob(status string) {
	Measures.Jobs.WithLabelValues(status).Inc()
}

// SetPendingJobs reports jobs accepted but not yet finished.
func SetPendingJobs(n int) {
	Measures.JobQueueDepth.Set(float64(n))
}

// Engine feeds orchestrator outcomes into the collectors.
type Engine struct{}

var _ mech.Observer = Engine{}

// SubmissionFinished implements mech.Observer.
func (Engine) SubmissionFinished(flow mech.Flow, paymentType string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = string(xerrors.KindOf(err))
	}
	if paymentType == "" {
		paymentType = "unknown"
	}
	Measures.Submissions.WithLabelValues(string(flow), paymentType, outcome).Inc()
	Measures.SubmissionLatency.WithLabelValues(string(flow)).Observe(elapsed.Seconds())
}

// DeliveriesFinished implements mech.Observer.
func (Engine) DeliveriesFinished(flow mech.Flow, requested int, res delivery.Result, elapsed time.Duration) {
	for _, d := range res {
		Measures.Deliveries.WithLabelValues(string(flow), string(d.Source), d.Status.String()).Inc()
	}
	if missing := requested - len(res); missing > 0 {
		Measures.DeliveriesMissing.WithLabelValues(string(flow)).Add(float64(missing))
	}
	Measures.DeliveryWait.WithLabelValues(string(flow)).Observe(elapsed.Seconds())
}

// Handler exposes the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer launches a standalone HTTP server exposing /metrics until ctx
// ends.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
