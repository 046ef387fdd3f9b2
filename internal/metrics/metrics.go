// Package metrics exposes collector counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

const namespace = "smdr"

// Metrics holds the collector's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	linesTotal       prometheus.Counter
	recordsTotal     *prometheus.CounterVec
	parseErrorsTotal *prometheus.CounterVec
	alertsTotal      *prometheus.CounterVec
	storeErrorsTotal *prometheus.CounterVec
	publishedTotal   *prometheus.CounterVec
	statusChanges    *prometheus.CounterVec
	connectionStatus *prometheus.GaugeVec
	activeController prometheus.Gauge
}

// New creates the instruments on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		linesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "lines_total",
			Help:      "Framed SMDR lines handed to the parser",
		}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Records parsed, by call type",
		}, []string{"call_type"}),
		parseErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "parse_errors_total",
			Help:      "Lines rejected by the parser, by reason",
		}, []string{"reason"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "fired_total",
			Help:      "Alerts fired, by type",
		}, []string{"type"}),
		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Failed database writes, by table",
		}, []string{"table"}),
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "published_total",
			Help:      "Messages published to NATS, by kind and result",
		}, []string{"kind", "result"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "status_changes_total",
			Help:      "Connection status transitions, by new status",
		}, []string{"status"}),
		connectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "status",
			Help:      "1 for the current connection status, 0 otherwise",
		}, []string{"status"}),
		activeController: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "active_controller",
			Help:      "Index of the controller currently in use",
		}),
	}

	m.registry.MustRegister(
		m.linesTotal, m.recordsTotal, m.parseErrorsTotal, m.alertsTotal,
		m.storeErrorsTotal, m.publishedTotal, m.statusChanges,
		m.connectionStatus, m.activeController,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetStatus(models.StatusDisconnected, 0)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) LineReceived() {
	if m == nil {
		return
	}
	m.linesTotal.Inc()
}

func (m *Metrics) RecordParsed(ct models.CallType) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(string(ct)).Inc()
}

func (m *Metrics) ParseFailed(reason string) {
	if m == nil {
		return
	}
	m.parseErrorsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) AlertFired(alertType string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(alertType).Inc()
}

func (m *Metrics) StoreFailed(table string) {
	if m == nil {
		return
	}
	m.storeErrorsTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) Published(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishedTotal.WithLabelValues(kind, result).Inc()
}

// SetStatus moves the status gauge to status and counts the transition.
func (m *Metrics) SetStatus(status models.ConnectionStatus, controller int) {
	if m == nil {
		return
	}
	for _, s := range []models.ConnectionStatus{models.StatusDisconnected, models.StatusRetrying, models.StatusConnected} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.connectionStatus.WithLabelValues(string(s)).Set(v)
	}
	m.statusChanges.WithLabelValues(string(status)).Inc()
	m.activeController.Set(float64(controller))
}
