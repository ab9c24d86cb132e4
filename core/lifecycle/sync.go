package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fair_platform/core/dispatch"
	"fair_platform/core/schema"
)

// syncRecord reconciles one in-flight dispatch with the cluster. Pending
// training dispatches are retried; dispatched jobs the cluster has lost or
// finished without calling back are settled here.
func (e *Engine) syncRecord(ctx context.Context, record schema.DispatchRecord) {
	if record.State == schema.DispatchPending {
		if record.Kind != schema.DispatchTraining {
			return
		}
		if err := e.dispatchTraining(ctx, record); err != nil {
			slog.Error("status sync: retrying dispatch", "job_name", record.JobName, "error", err)
		}
		return
	}

	info, err := e.dispatcher.JobInfo(ctx, record.JobName)
	jobNotFound := errors.Is(err, dispatch.ErrJobNotFound)
	if err != nil && !jobNotFound {
		slog.Error("status sync: job info", "job_name", record.JobName, "error", err)
		return
	}

	var outcome dispatch.Outcome
	var details string
	switch {
	case jobNotFound:
		outcome, details = dispatch.OutcomeFailure, "job lost by the cluster"
	case info.Status == dispatch.StatusFailed:
		outcome, details = dispatch.OutcomeFailure, "job failed without reporting"
	case info.Status == dispatch.StatusSucceeded:
		outcome, details = dispatch.OutcomeSuccess, "job finished without reporting"
	default:
		return
	}

	if err := e.OnJobComplete(ctx, record.JobName, outcome, JobResult{Details: details}); err != nil {
		slog.Error("status sync: settling job", "job_name", record.JobName, "error", err)
		return
	}
	if outcome == dispatch.OutcomeFailure {
		syncFailureMetric.Inc()
	}
	slog.Info("status sync: settled job", "job_name", record.JobName, "outcome", outcome)
}

func (e *Engine) statusSync(ctx context.Context) {
	records, err := e.store.InFlightDispatches(ctx, schema.DispatchPending, schema.DispatchDispatched)
	if err != nil {
		slog.Error("status sync: querying in-flight jobs", "error", err)
		return
	}

	for _, record := range records {
		e.syncRecord(ctx, record)
	}
}

func (e *Engine) JobStatusSync(interval time.Duration) {
	slog.Info("status sync: starting")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.statusSync(context.Background())
		case <-e.stop:
			slog.Info("status sync: process stopped")
			return
		}
	}
}

func (e *Engine) StopJobStatusSync() {
	close(e.stop)
}
