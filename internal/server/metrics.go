package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is created before the server so the storage layer can report into it.
type Metrics struct {
	registry           *prometheus.Registry
	eligibilityTotal   *prometheus.CounterVec
	ineligibleReasons  *prometheus.CounterVec
	conditionWrites    *prometheus.CounterVec
	signaturesTotal    *prometheus.CounterVec
	storageOpsTotal    *prometheus.CounterVec
	idempotencyTotal   *prometheus.CounterVec
	httpRequestSeconds *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	eligibility := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dropgate_eligibility_checks_total",
		Help: "Eligibility checks by result",
	}, []string{"result"})

	reasons := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dropgate_ineligibility_reasons_total",
		Help: "Ineligibility reasons returned by eligibility checks",
	}, []string{"reason"})

	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dropgate_condition_writes_total",
		Help: "Claim condition set and update calls",
	}, []string{"op", "status"})

	signatures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dropgate_signatures_total",
		Help: "Mint request signatures generated and verified",
	}, []string{"op", "status"})

	storageOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dropgate_storage_operations_total",
		Help: "Off-chain storage operations by result",
	}, []string{"op", "result"})

	idem := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dropgate_idempotency_total",
		Help: "Admin requests by idempotency outcome",
	}, []string{"outcome"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dropgate_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status code",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})

	r := prometheus.NewRegistry()
	r.MustRegister(eligibility, reasons, writes, signatures, storageOps, idem, latency)

	return &Metrics{
		registry:           r,
		eligibilityTotal:   eligibility,
		ineligibleReasons:  reasons,
		conditionWrites:    writes,
		signaturesTotal:    signatures,
		storageOpsTotal:    storageOps,
		idempotencyTotal:   idem,
		httpRequestSeconds: latency,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incEligibility(result string) {
	m.eligibilityTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incReason(reason string) {
	m.ineligibleReasons.WithLabelValues(reason).Inc()
}

func (m *Metrics) incConditionWrite(op, status string) {
	m.conditionWrites.WithLabelValues(op, status).Inc()
}

func (m *Metrics) incSignature(op, status string) {
	m.signaturesTotal.WithLabelValues(op, status).Inc()
}

// ObserveStorage matches storage.Observer.
func (m *Metrics) ObserveStorage(op, result string) {
	m.storageOpsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) incIdempotency(outcome string) {
	m.idempotencyTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRequest(route string, code int, elapsed time.Duration) {
	m.httpRequestSeconds.WithLabelValues(route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}
