package tokens

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenledger",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome",
		},
		[]string{"outcome"},
	)
	settlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenledger",
			Name:      "settlements_total",
			Help:      "Confirm, refund and abort calls by outcome",
		},
		[]string{"kind", "outcome"},
	)
	tokensMoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenledger",
			Name:      "tokens_total",
			Help:      "Tokens reserved, refunded, recharged and released by sweeps",
		},
		[]string{"direction"},
	)
	compensationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tokenledger",
			Name:      "compensation_failures_total",
			Help:      "Refunds that failed while compensating a failed operation",
		},
	)
)
