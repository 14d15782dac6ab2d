package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/pixelnorm/internal/pipeline"
)

type metrics struct {
	registry        *prometheus.Registry
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	activeRuns      prometheus.Gauge
	bytesSavedTotal prometheus.Counter
	iterations      prometheus.Histogram
	warningsTotal   *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelnorm_worker_runs_total",
			Help: "Normalize runs by final pipeline state.",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelnorm_worker_run_duration_seconds",
			Help:    "Duration of each normalize run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"state"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelnorm_worker_active_runs",
			Help: "Normalize runs currently in progress.",
		}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelnorm_bytes_saved_total",
			Help: "Stored bytes removed by committed runs.",
		}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelnorm_compression_iterations",
			Help:    "Re-encodes performed by the compression search per run.",
			Buckets: []float64{0, 1, 2, 4, 8, 12, 16, 20},
		}),
		warningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelnorm_warnings_total",
			Help: "Non-fatal diagnostics reported by runs.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.activeRuns,
		m.bytesSavedTotal,
		m.iterations,
		m.warningsTotal,
	)
	return m
}

func (m *metrics) observe(res pipeline.Result) {
	state := res.State.String()
	m.runsTotal.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(res.Duration.Seconds())
	for _, w := range res.Warnings {
		m.warningsTotal.WithLabelValues(string(w.Kind)).Inc()
	}
	if res.State == pipeline.StateSkipped {
		return
	}
	m.iterations.Observe(float64(res.Iterations))
	m.bytesSavedTotal.Add(float64(res.BytesSaved()))
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
