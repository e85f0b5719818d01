package rastertile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records engine activity in Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	tilesRendered   *prometheus.CounterVec
	renderDuration  prometheus.Histogram
	statsScans      prometheus.Counter
	pyramidBuilds   *prometheus.CounterVec
	pyramidDuration prometheus.Histogram
	openRasters     prometheus.Gauge
}

// NewMetrics registers the engine collectors with reg. A nil registerer
// yields nil metrics.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		return nil
	}
	if namespace == "" {
		namespace = "rastertile"
	}
	factory := promauto.With(reg)

	return &Metrics{
		tilesRendered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_rendered_total",
				Help:      "Total number of rendered tiles",
			},
			[]string{"status"},
		),

		renderDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "render_duration_seconds",
				Help:      "Tile render duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		statsScans: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stats_scans_total",
				Help:      "Total number of full-band statistics scans",
			},
		),

		pyramidBuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pyramid_builds_total",
				Help:      "Total number of overview pyramid checks by outcome",
			},
			[]string{"result"},
		),

		pyramidDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pyramid_duration_seconds",
				Help:      "Overview pyramid build duration in seconds",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),

		openRasters: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_rasters",
				Help:      "Number of open raster handles",
			},
		),
	}
}

// RecordRender records a tile render with the given status ("ok" or "error").
func (m *Metrics) RecordRender(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.tilesRendered.WithLabelValues(status).Inc()
	m.renderDuration.Observe(d.Seconds())
}

// RecordStatsScan counts one full-band scan.
func (m *Metrics) RecordStatsScan() {
	if m == nil {
		return
	}
	m.statsScans.Inc()
}

// RecordPyramid records an EnsurePyramid outcome ("built", "reused" or
// "error").
func (m *Metrics) RecordPyramid(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.pyramidBuilds.WithLabelValues(result).Inc()
	if result == "built" {
		m.pyramidDuration.Observe(d.Seconds())
	}
}

// SetOpenRasters sets the open handle gauge.
func (m *Metrics) SetOpenRasters(n int) {
	if m == nil {
		return
	}
	m.openRasters.Set(float64(n))
}
