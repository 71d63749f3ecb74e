package receipt

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recognitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receipt_recognitions_total",
		Help: "Receipt recognitions by result.",
	}, []string{"result"})

	recognitionCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receipt_recognition_cache_total",
		Help: "Recognition cache lookups by result.",
	}, []string{"result"})

	splitClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receipt_split_claims_total",
		Help: "Split claims by outcome.",
	}, []string{"outcome"})
)

// claimOutcome labels a split outcome for metrics and responses
func claimOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidChoice):
		return "invalid_choice"
	case errors.Is(err, ErrOverCapacity):
		return "over_capacity"
	case errors.Is(err, ErrAlreadyFullyAllocated):
		return "already_fully_allocated"
	case errors.Is(err, ErrWouldExceedCapacity):
		return "would_exceed_capacity"
	default:
		return "error"
	}
}
