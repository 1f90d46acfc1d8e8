package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TransitionsAccepted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_transitions_accepted_total", Help: "Accepted job transitions"}, []string{"event"})
	TransitionsRejected   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_transitions_rejected_total", Help: "Transitions rejected as invalid for the current status"}, []string{"event"})
	UnknownJobEvents      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_unknown_job_events_total", Help: "Events referencing a job with no record"})
	DuplicateEvents       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_duplicate_events_total", Help: "Deliveries suppressed by message-id dedup"})
	LedgerAppendConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_ledger_append_conflicts_total", Help: "Lost ledger append races that were retried"})
	ChainVerifyFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_chain_verify_failures_total", Help: "Audit chain verifications that found a divergence"})
	BusPublished          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_bus_published_total", Help: "Events published to the bus"}, []string{"subject"})
	EventsInFlight        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_events_inflight", Help: "Bus events currently being handled"})
	SubmitRateRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_submit_rate_rejects_total", Help: "Job submissions rejected by the org rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TransitionsAccepted,
			TransitionsRejected,
			UnknownJobEvents,
			DuplicateEvents,
			LedgerAppendConflicts,
			ChainVerifyFailures,
			BusPublished,
			EventsInFlight,
			SubmitRateRejects,
		)
	})
	return promhttp.Handler()
}
