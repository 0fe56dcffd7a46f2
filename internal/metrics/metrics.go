package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metrics for Mailgate
type Metrics struct {
	// Dispatch outcomes by operator and result category
	DispatchTotal *prometheus.CounterVec

	// Ticket decode failures by reason (malformed, expired)
	TicketRejectedTotal *prometheus.CounterVec

	// Single-flight cache activity
	AsyncProducerStartsTotal prometheus.Counter
	AsyncDedupHitsTotal      prometheus.Counter
	AsyncProducerFailsTotal  prometheus.Counter

	// Outbound mail by classified result
	MailSendTotal *prometheus.CounterVec

	// SMTP probes by result
	ProbeTotal *prometheus.CounterVec

	// HTTP surface
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_dispatch_total",
				Help: "Ticket dispatches by operator and result category",
			},
			[]string{"operator", "category"},
		),
		TicketRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_ticket_rejected_total",
				Help: "Tickets rejected at decode time",
			},
			[]string{"reason"},
		),
		AsyncProducerStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailgate_async_producer_starts_total",
				Help: "Background producers started by the single-flight cache",
			},
		),
		AsyncDedupHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailgate_async_dedup_hits_total",
				Help: "Requests answered from an existing cache entry",
			},
		),
		AsyncProducerFailsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailgate_async_producer_fails_total",
				Help: "Background producers that finished with an error",
			},
		),
		MailSendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_mail_send_total",
				Help: "Outbound confirmation mail attempts by classified result",
			},
			[]string{"result"},
		),
		ProbeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_probe_total",
				Help: "SMTP reachability probes by result",
			},
			[]string{"result"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailgate_http_requests_total",
				Help: "HTTP requests by method and status",
			},
			[]string{"method", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailgate_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.DispatchTotal,
		m.TicketRejectedTotal,
		m.AsyncProducerStartsTotal,
		m.AsyncDedupHitsTotal,
		m.AsyncProducerFailsTotal,
		m.MailSendTotal,
		m.ProbeTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the Prometheus registry for serving
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Dispatch implements dispatch.Recorder
func (m *Metrics) Dispatch(operator, category string) {
	m.DispatchTotal.WithLabelValues(operator, category).Inc()
}

// MailResult records a classified outbound-mail outcome
func (m *Metrics) MailResult(result string) {
	m.MailSendTotal.WithLabelValues(result).Inc()
}

// ProbeResult records a classified probe outcome
func (m *Metrics) ProbeResult(result string) {
	m.ProbeTotal.WithLabelValues(result).Inc()
}

// TicketRejected records a decode-time rejection
func (m *Metrics) TicketRejected(reason string) {
	m.TicketRejectedTotal.WithLabelValues(reason).Inc()
}

// ProducerStarted implements asyncjob.Metrics
func (m *Metrics) ProducerStarted(string) {
	m.AsyncProducerStartsTotal.Inc()
}

// DedupHit implements asyncjob.Metrics
func (m *Metrics) DedupHit(string) {
	m.AsyncDedupHitsTotal.Inc()
}

// ProducerFailed implements asyncjob.Metrics
func (m *Metrics) ProducerFailed(string) {
	m.AsyncProducerFailsTotal.Inc()
}

// HTTPRequest records one served request
func (m *Metrics) HTTPRequest(method string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
}
