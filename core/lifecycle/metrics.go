package lifecycle

import (
	"errors"

	"fair_platform/core/schema"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fair_status_transitions_total",
		Help: "Committed status transitions",
	}, []string{"kind", "from", "to"})

	rejectionMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fair_status_transition_rejections_total",
		Help: "Rejected status transitions by reason",
	}, []string{"kind", "reason"})

	dispatchMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fair_job_dispatches_total",
		Help: "Training jobs handed to the dispatcher",
	}, []string{"outcome"})

	syncFailureMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fair_status_sync_failed_jobs_total",
		Help: "Trainings marked failed because their job was lost",
	})
)

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, schema.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, schema.ErrForbidden):
		return "forbidden"
	case errors.Is(err, schema.ErrNotFound):
		return "not_found"
	case errors.Is(err, schema.ErrFieldConstraintViolation):
		return "constraint"
	default:
		return "error"
	}
}
