// Package metrics exposes the pipeline's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all pipeline Prometheus metrics.
type Metrics struct {
	RecordsIngested prometheus.Counter
	BytesIngested   prometheus.Counter
	Decisions       *prometheus.CounterVec
	DegradedTotal   prometheus.Counter
	StorageErrors   prometheus.Counter
	StaleRecords    prometheus.Counter
	RulesUpserted   *prometheus.CounterVec
	RulesRevoked    prometheus.Counter
	ArchiveFlushes  prometheus.Counter
	ArchiveErrors   prometheus.Counter
}

// New creates the metric set and registers it with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_records_ingested_total",
			Help: "Total number of packet records ingested by the pipeline",
		}),
		BytesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_bytes_ingested_total",
			Help: "Total bytes carried by ingested packet records",
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_decisions_total",
			Help: "Total decisions emitted, by action",
		}, []string{"action"}),
		DegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_decisions_degraded_total",
			Help: "Total decisions made while the classifier was unavailable",
		}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_storage_errors_total",
			Help: "Total records dropped because the record store rejected the append",
		}),
		StaleRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_stale_records_total",
			Help: "Total records older than the aggregator's retention horizon",
		}),
		RulesUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_rules_upserted_total",
			Help: "Total rule upserts, by origin",
		}, []string{"origin"}),
		RulesRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_rules_revoked_total",
			Help: "Total rule revocations",
		}),
		ArchiveFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_archive_flushes_total",
			Help: "Total batches flushed to the ClickHouse archive",
		}),
		ArchiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_archive_errors_total",
			Help: "Total failed archive flushes",
		}),
	}

	reg.MustRegister(
		m.RecordsIngested,
		m.BytesIngested,
		m.Decisions,
		m.DegradedTotal,
		m.StorageErrors,
		m.StaleRecords,
		m.RulesUpserted,
		m.RulesRevoked,
		m.ArchiveFlushes,
		m.ArchiveErrors,
	)
	return m
}
