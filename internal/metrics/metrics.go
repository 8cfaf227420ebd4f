// Package metrics declares the Prometheus collectors exported on /metrics.
// Collectors register with the default registry at init via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued counts jobs inserted as pending, by payload label.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paidqueue_jobs_enqueued_total",
		Help: "Jobs inserted into the queue.",
	}, []string{"label"})

	// Claims counts ClaimNext outcomes: won, lost (conditional update did not
	// apply) or empty (no pending job).
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paidqueue_claims_total",
		Help: "ClaimNext calls by outcome.",
	}, []string{"result"})

	// JobsResolved counts transitions into a terminal status.
	JobsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paidqueue_jobs_resolved_total",
		Help: "Jobs moved to a terminal status.",
	}, []string{"status"})

	// ResolveNoops counts Resolve calls that did not change the record.
	ResolveNoops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paidqueue_resolve_noops_total",
		Help: "Resolve calls ignored because the job was terminal or never claimed.",
	}, []string{"reason"})

	// LedgerCASRetries counts conditional updates on account rows that lost a race.
	LedgerCASRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paidqueue_ledger_cas_retries_total",
		Help: "Account read-modify-write retries after a lost conditional update.",
	})

	// Payments counts payment webhook events by outcome.
	Payments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paidqueue_payment_events_total",
		Help: "Payment events by reconciliation outcome.",
	}, []string{"outcome"})

	// JobsRecovered counts processing jobs force-failed by the recovery sweep.
	JobsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paidqueue_jobs_recovered_total",
		Help: "Stale processing jobs failed by the recovery sweep.",
	})

	// NotifyFailures counts user notifications that could not be delivered.
	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paidqueue_notify_failures_total",
		Help: "User notifications that failed to send.",
	})

	// WorkersBusy is the number of worker goroutines executing a job.
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paidqueue_workers_busy",
		Help: "Worker goroutines currently executing a job.",
	})
)
