package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the reminder write path, idempotency layer,
// broker publishes and the due-reminder scanner.
var (
	RemindersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reminders_created_total",
			Help: "Total number of reminders created",
		},
	)

	RemindersNotifiedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reminders_notified_total",
			Help: "Total number of reminders claimed and marked notified by the scanner",
		},
	)

	IdempotentReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotent_replays_total",
			Help: "Total number of creation requests answered from a stored idempotency record",
		},
	)

	IdempotencyConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_conflicts_total",
			Help: "Total number of idempotency key reuses with a different request body",
		},
	)

	IdempotencyRecordsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_records_swept_total",
			Help: "Total number of expired idempotency records deleted by the sweeper",
		},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published to the broker",
		},
		[]string{"routing_key"},
	)

	EventPublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Total number of failed broker publishes",
		},
		[]string{"routing_key"},
	)

	ScanDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scan_duration_seconds",
			Help:    "Duration of due-reminder scan ticks",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScanClaimRacesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scan_claim_races_total",
			Help: "Total number of due candidates already claimed by another scanner",
		},
	)
)

// Register registers all metrics with the default registry.
func Register() {
	prometheus.MustRegister(RemindersCreatedTotal)
	prometheus.MustRegister(RemindersNotifiedTotal)
	prometheus.MustRegister(IdempotentReplaysTotal)
	prometheus.MustRegister(IdempotencyConflictsTotal)
	prometheus.MustRegister(IdempotencyRecordsSweptTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventPublishFailuresTotal)
	prometheus.MustRegister(ScanDurationSeconds)
	prometheus.MustRegister(ScanClaimRacesTotal)
}
