package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// outcomes are the values of the outcome label.
var outcomes = []string{"success", "degraded", "failed"}

// RunMetrics describes the last run for a Prometheus Pushgateway. A
// short-lived process cannot be scraped, so the values are pushed at exit.
//
// The last success timestamp lives on its own registry and is only pushed
// after a successful run, so failed runs leave the previous value in place.
type RunMetrics struct {
	registry       *prometheus.Registry
	successes      *prometheus.Registry
	succeeded      bool
	duration       prometheus.Gauge
	uploadedBytes  prometheus.Gauge
	deleted        prometheus.Gauge
	deleteFailures prometheus.Gauge
	lastSuccess    prometheus.Gauge
	outcome        *prometheus.GaugeVec
}

// NewRunMetrics creates the run metrics on a private registry.
func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{
		registry:  prometheus.NewRegistry(),
		successes: prometheus.NewRegistry(),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spo_archiver_run_duration_seconds",
			Help: "Duration of the last run in seconds",
		}),
		uploadedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spo_archiver_uploaded_bytes",
			Help: "Size of the archive uploaded by the last run",
		}),
		deleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spo_archiver_deleted_archives",
			Help: "Number of archives deleted by the last run",
		}),
		deleteFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spo_archiver_delete_failures",
			Help: "Number of archives the last run failed to delete",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spo_archiver_last_success_timestamp_seconds",
			Help: "Unix time of the last fully successful run",
		}),
		outcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spo_archiver_run_outcome",
			Help: "Outcome of the last run, 1 for the outcome that occurred",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.duration,
		m.uploadedBytes,
		m.deleted,
		m.deleteFailures,
		m.outcome,
	)
	m.successes.MustRegister(m.lastSuccess)
	return m
}

// Observe records the result of a run.
func (m *RunMetrics) Observe(outcome string, duration time.Duration, uploadedBytes int64, deleted, failures int) {
	m.duration.Set(duration.Seconds())
	m.uploadedBytes.Set(float64(uploadedBytes))
	m.deleted.Set(float64(deleted))
	m.deleteFailures.Set(float64(failures))
	for _, o := range outcomes {
		v := 0.0
		if o == outcome {
			v = 1
		}
		m.outcome.WithLabelValues(o).Set(v)
	}
	m.succeeded = outcome == "success"
	if m.succeeded {
		m.lastSuccess.SetToCurrentTime()
	}
}

// Push sends the metrics of job to the Pushgateway. Only metrics carried by
// this push are replaced; the last success timestamp is sent only after a
// successful run.
func (m *RunMetrics) Push(ctx context.Context, gatewayURL, job string) error {
	gatherers := prometheus.Gatherers{m.registry}
	if m.succeeded {
		gatherers = append(gatherers, m.successes)
	}
	if err := push.New(gatewayURL, job).Gatherer(gatherers).AddContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
