// Package metrics holds all prometheus metrics for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every prometheus collector the engine exports.
type Metrics struct {
	// session lifecycle
	SessionsStarted   prometheus.Counter
	SessionsCompleted *prometheus.CounterVec // result={committed,aborted}
	SessionDuration   *prometheus.HistogramVec
	SessionState      *prometheus.GaugeVec // 1 for the currently active state per (peer,table)

	// clock
	ClockOffset       *prometheus.GaugeVec // per peer, ms
	ClockDrift        *prometheus.GaugeVec // per peer, ms
	CalibrationsTotal *prometheus.CounterVec
	BackwardJumps     prometheus.Counter

	// chunking and diff
	ChunksComputed  prometheus.Histogram
	ChunksMismatched prometheus.Counter
	RowsDrilled     prometheus.Counter

	// reconciliation outcomes
	RowsDeletedHistorical prometheus.Counter
	RowsInsertedRecent    prometheus.Counter
	ConflictsResolved     prometheus.Counter

	// transport and errors
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	MessageTimeouts prometheus.Counter
	Errors          *prometheus.CounterVec // by syncerr.Kind

	// checkpoint
	CheckpointsSaved    prometheus.Counter
	CheckpointsInvalid  prometheus.Counter
	SessionsResumed     prometheus.Counter

	// health probing
	HealthRTT            *prometheus.GaugeVec // per peer, seconds
	HealingEventsTotal   prometheus.Counter
}

// New creates and registers all metrics under namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total reconciliation sessions started",
		}),

		SessionsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Total reconciliation sessions completed, by result",
		}, []string{"result"}),

		SessionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of a reconciliation session end to end",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),

		SessionState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current protocol state for an active (peer,table) session (1=active)",
		}, []string{"peer", "table", "state"}),

		ClockOffset: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_offset_milliseconds",
			Help:      "Calibrated clock offset to the master, per peer",
		}, []string{"peer"}),

		ClockDrift: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_drift_milliseconds",
			Help:      "Observed drift since the last calibration, per peer",
		}, []string{"peer"}),

		CalibrationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calibrations_total",
			Help:      "Total calibration rounds run, by result",
		}, []string{"result"}),

		BackwardJumps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_backward_jumps_total",
			Help:      "Total backward wall-clock jumps rejected as fatal",
		}),

		ChunksComputed: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunks_computed",
			Help:      "Number of chunks produced per table chunking pass",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),

		ChunksMismatched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_mismatched_total",
			Help:      "Total chunk-hash mismatches requiring a drill",
		}),

		RowsDrilled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_drilled_total",
			Help:      "Total row descriptors exchanged via DRILL/ROWS",
		}),

		RowsDeletedHistorical: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_deleted_historical_total",
			Help:      "Total rows deleted by the Phase 1 intersection rule",
		}),

		RowsInsertedRecent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_inserted_recent_total",
			Help:      "Total rows inserted by the Phase 2 union rule",
		}),

		ConflictsResolved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Total Phase 2 conflicts resolved by LWW",
		}),

		BytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to session transports",
		}),

		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from session transports",
		}),

		MessageTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_timeouts_total",
			Help:      "Total per-message timeouts",
		}),

		Errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by kind",
		}, []string{"kind"}),

		CheckpointsSaved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_saved_total",
			Help:      "Total checkpoints persisted after a session finished diffing",
		}),

		CheckpointsInvalid: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_invalidated_total",
			Help:      "Total checkpoints discarded due to a chunk-hash mismatch on resume",
		}),

		SessionsResumed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_resumed_total",
			Help:      "Total sessions that found a still-valid checkpoint from a prior attempt",
		}),

		HealthRTT: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_rtt_seconds",
			Help:      "Most recent health-probe round-trip time, per peer",
		}, []string{"peer"}),

		HealingEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "healing_events_total",
			Help:      "Total partition-healing transitions detected by the health prober",
		}),
	}
}

// RecordError increments the Errors counter for kind.
func (m *Metrics) RecordError(kind string) {
	m.Errors.WithLabelValues(kind).Inc()
}
