package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query outcomes.
const (
	QueryFound          = "found"
	QueryNoSlots        = "no_slots"
	QueryNoProviders    = "no_providers"
	QueryUnknownService = "unknown_service"
)

// Admission outcomes.
const (
	AdmissionAccepted = "accepted"
	AdmissionConflict = "conflict"
	AdmissionInvalid  = "invalid"
	AdmissionError    = "error"
)

var (
	once sync.Once

	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fieldops",
			Subsystem: "availability",
			Name:      "query_duration_seconds",
			Help:      "Availability query latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	slotsReturned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fieldops",
			Subsystem: "availability",
			Name:      "slots_returned_total",
			Help:      "Slots offered across all availability queries.",
		},
	)

	admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldops",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Booking admission decisions by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldops",
			Subsystem: "availability",
			Name:      "cache_lookups_total",
			Help:      "Availability cache lookups by result.",
		},
		[]string{"result"},
	)
)

// Register registers metrics with the default registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(queryDuration, slotsReturned, admissions, cacheLookups)
	})
}

func ObserveQuery(outcome string, d time.Duration, slots int) {
	queryDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if slots > 0 {
		slotsReturned.Add(float64(slots))
	}
}

func IncAdmission(operation, outcome string) {
	admissions.WithLabelValues(operation, outcome).Inc()
}

func IncCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

// Handler serves the registered collectors for scraping.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
