package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speechd_active_sessions",
		Help: "Number of currently open sessions",
	})

	PendingAggregations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speechd_pending_aggregations",
		Help: "Number of chunk aggregations awaiting stage results",
	})

	ChunksFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speechd_chunks_finalized_total",
		Help: "Total finalized chunks by outcome (complete, partial)",
	}, []string{"outcome"})

	StageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speechd_stage_failures_total",
		Help: "Total stage failures by stage and reason class",
	}, []string{"stage", "reason"})

	StageInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speechd_stage_invocations_total",
		Help: "Total analysis invocations by stage",
	}, []string{"stage"})

	BusHandlerPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speechd_bus_handler_panics_total",
		Help: "Total handler panics recovered at the bus dispatch boundary",
	})

	FramesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speechd_frames_rejected_total",
		Help: "Total inbound frames rejected by reason",
	}, []string{"reason"})
)

// IncStageFailure records one stage failure with a normalized reason label.
func IncStageFailure(stage, reason string) {
	if stage == "" {
		stage = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	StageFailuresTotal.WithLabelValues(stage, reason).Inc()
}

// IncFrameRejected records one rejected inbound frame.
func IncFrameRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	FramesRejectedTotal.WithLabelValues(reason).Inc()
}
