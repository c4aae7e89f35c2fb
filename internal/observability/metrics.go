package observability

import (
	"net/http"
	"strconv"
	"time"

	"amp-controller/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var states = []models.State{models.StateIdle, models.StateRegulating, models.StateFailSafe}

// Metrics is a tick reporter exporting the controller's decisions to Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	state          *prometheus.GaugeVec
	targetAmps     prometheus.Gauge
	availableAmps  prometheus.Gauge
	loadAmps       prometheus.Gauge
	windowSamples  prometheus.Gauge
	vehicleAmps    prometheus.Gauge
	ticksTotal     *prometheus.CounterVec
	readingsTotal  prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	reportsDropped *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "charge_controller_state",
			Help: "1 for the controller's current state, 0 otherwise.",
		}, []string{"state"}),
		targetAmps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "charge_controller_target_amps",
			Help: "Charge current decided on the last tick.",
		}),
		availableAmps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "charge_controller_available_amps",
			Help: "Circuit headroom computed on the last tick.",
		}),
		loadAmps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "charge_controller_load_amps",
			Help: "Smoothed household load on the last tick.",
		}),
		windowSamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "charge_controller_window_samples",
			Help: "Readings in the sample window on the last tick.",
		}),
		vehicleAmps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "charge_controller_vehicle_amps",
			Help: "Charge current last reported by the vehicle.",
		}),
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "charge_controller_ticks_total",
			Help: "Ticks by dispatch outcome.",
		}, []string{"outcome"}),
		readingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "charge_controller_readings_total",
			Help: "Circuit readings ingested.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		reportsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "charge_controller_reports_dropped_total",
			Help: "Tick reports dropped because a sink was full.",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		m.state,
		m.targetAmps,
		m.availableAmps,
		m.loadAmps,
		m.windowSamples,
		m.vehicleAmps,
		m.ticksTotal,
		m.readingsTotal,
		m.httpRequests,
		m.httpDuration,
		m.reportsDropped,
	)

	for _, s := range states {
		m.state.WithLabelValues(string(s)).Set(0)
	}
	m.state.WithLabelValues(string(models.StateFailSafe)).Set(1)

	return m
}

func (m *Metrics) Report(report models.TickReport) {
	if m == nil {
		return
	}
	if report.State != "" {
		for _, s := range states {
			value := 0.0
			if s == report.State {
				value = 1
			}
			m.state.WithLabelValues(string(s)).Set(value)
		}
	}
	m.targetAmps.Set(float64(report.TargetAmps))
	m.availableAmps.Set(report.Budget.AvailableAmps)
	m.loadAmps.Set(report.LoadAmps)
	m.windowSamples.Set(float64(report.Samples))
	m.ticksTotal.WithLabelValues(report.Outcome).Inc()
}

// VehicleUpdated is the poller's update callback.
func (m *Metrics) VehicleUpdated(status models.VehicleStatus) {
	if m == nil {
		return
	}
	m.vehicleAmps.Set(status.CurrentAmps)
}

func (m *Metrics) ReadingReceived() {
	if m == nil {
		return
	}
	m.readingsTotal.Inc()
}

func (m *Metrics) ReportDropped(sink string) {
	if m == nil {
		return
	}
	m.reportsDropped.WithLabelValues(sink).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
