package handler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/adaptest/internal/cat"
)

// metrics holds the collectors of one Handler. Each Handler owns its own
// registry so several can coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	sessionsStarted   prometheus.Counter
	sessionsFinalized *prometheus.CounterVec
	responses         *prometheus.CounterVec
	errors            *prometheus.CounterVec
	estimateDuration  *prometheus.HistogramVec
	itemsCalibrated   prometheus.Counter
}

func newMetrics(e *cat.Engine) *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &metrics{
		registry: reg,

		// sessionsStarted counts adaptive tests started
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "adaptest_sessions_started_total",
			Help: "Total adaptive tests started",
		}),

		// sessionsFinalized counts finalized tests by archive outcome
		sessionsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptest_sessions_finalized_total",
			Help: "Total adaptive tests finalized by archive result",
		}, []string{"archived"}),

		// responses counts submitted responses by correctness
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptest_responses_total",
			Help: "Total responses submitted by correctness",
		}, []string{"correct"}),

		// errors counts error responses by code
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptest_http_errors_total",
			Help: "Total error responses by error code",
		}, []string{"code"}),

		// estimateDuration tracks ability estimation latency
		estimateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adaptest_estimate_duration_seconds",
			Help:    "Ability estimation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		}, []string{"operation"}),

		// itemsCalibrated counts item parameters rewritten by calibration
		itemsCalibrated: f.NewCounter(prometheus.CounterOpts{
			Name: "adaptest_items_calibrated_total",
			Help: "Total item parameter sets rewritten by calibration",
		}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "adaptest_sessions_active",
		Help: "Adaptive tests currently in progress",
	}, func() float64 { return float64(e.Active()) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "adaptest_sessions_registered",
		Help: "Adaptive tests held in memory, including finalized ones awaiting eviction",
	}, func() float64 { return float64(e.Len()) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "adaptest_catalog_items",
		Help: "Items with parameters in the catalog",
	}, func() float64 { return float64(e.Catalog().Len()) })

	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
