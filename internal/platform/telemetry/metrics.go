// Package telemetry exposes Prometheus collectors for the scheduling engine
// and its HTTP surface.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinicsched"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing, so components can be built without a registry.
type Metrics struct {
	commits             *prometheus.CounterVec
	lockWait            prometheus.Histogram
	availabilitySlots   prometheus.Histogram
	optimizerRequests   *prometheus.CounterVec
	maintenanceMoves    *prometheus.CounterVec
	sweepFailures       prometheus.Counter
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// MustNewMetrics registers the collectors with reg and panics on a
// registration error. Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_commits_total",
			Help:      "Booking commit attempts by result code.",
		}, []string{"result"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring per-resource serialization points.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		availabilitySlots: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "availability_slots",
			Help:      "Number of candidate slots returned per availability search.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		optimizerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizer_requests_total",
			Help:      "Treatment requests processed by the optimizer by outcome.",
		}, []string{"outcome"}),
		maintenanceMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_transitions_total",
			Help:      "Maintenance schedule transitions by target status.",
		}, []string{"to"}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_sweep_failures_total",
			Help:      "Schedule items skipped by a sweep because their transition failed.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.commits, m.lockWait, m.availabilitySlots, m.optimizerRequests,
		m.maintenanceMoves, m.sweepFailures, m.httpRequests, m.httpRequestDuration)
	return m
}

func (m *Metrics) CommitResult(result string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result).Inc()
}

func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) SlotsReturned(n int) {
	if m == nil {
		return
	}
	m.availabilitySlots.Observe(float64(n))
}

func (m *Metrics) OptimizerOutcome(outcome string) {
	if m == nil {
		return
	}
	m.optimizerRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MaintenanceTransition(to string) {
	if m == nil {
		return
	}
	m.maintenanceMoves.WithLabelValues(to).Inc()
}

func (m *Metrics) SweepFailure() {
	if m == nil {
		return
	}
	m.sweepFailures.Inc()
}

// Middleware records request counts and latency per matched route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus exposition format for g.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
