package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChallengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mintgate_challenges_issued_total",
		Help: "Total number of 402 challenges returned to proof-less requests.",
	})

	ProofsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mintgate_proofs_received_total",
		Help: "Total number of parsed proofs, labelled by variant.",
	}, []string{"kind"})

	ProofsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mintgate_proofs_rejected_total",
		Help: "Total number of rejected proofs, labelled by rejection code.",
	}, []string{"code"})

	SettlementsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mintgate_settlements_committed_total",
		Help: "Total number of settlements committed (mints executed).",
	})

	SettlementsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mintgate_settlements_replayed_total",
		Help: "Total number of already-settled proofs answered from the store.",
	})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mintgate_settlement_duration_seconds",
		Help:    "End-to-end duration of successful settlements.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)
