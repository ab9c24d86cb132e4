package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fair_platform/core/dispatch"
	"fair_platform/core/schema"
	"fair_platform/core/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobResult carries what a job reports alongside its outcome.
type JobResult struct {
	Accuracy *float64 `json:"accuracy"`
	Details  string   `json:"details"`
}

// advanceModel steps the model from -> to, and does nothing when the model is
// in any other state.
func (e *Engine) advanceModel(ctx context.Context, txn *gorm.DB, modelId uuid.UUID, from, to schema.ModelStatus) ([]change, error) {
	current, err := store.CurrentStatus(txn, schema.KindModel, modelId)
	if err != nil {
		return nil, err
	}
	if current != string(from) {
		return nil, nil
	}
	c, err := e.step(ctx, txn, schema.KindModel, modelId, string(to), schema.SystemPrincipal, stepOptions{})
	if err != nil {
		return nil, err
	}
	return []change{c}, nil
}

func newTrainingDispatch(training schema.Training) schema.DispatchRecord {
	return schema.DispatchRecord{
		Id:         uuid.New(),
		Kind:       schema.DispatchTraining,
		TrainingId: training.Id,
		Ticket:     uuid.New(),
		JobName:    training.JobName(),
		State:      schema.DispatchPending,
	}
}

// SubmitTraining creates a QUEUED training, requests training on its model
// and hands the job to the dispatcher. If the dispatcher is unavailable the
// training is still returned, together with an ErrDispatchUnavailable error;
// the status sync retries the dispatch.
func (e *Engine) SubmitTraining(ctx context.Context, params store.TrainingParams, actor schema.Principal) (schema.Training, error) {
	training, err := store.NewTraining(params, actor)
	if err != nil {
		return schema.Training{}, err
	}
	if len(training.ZoomLevel) == 0 {
		return schema.Training{}, schema.FieldViolation("zoom_level", "at least one zoom level is required to train")
	}
	record := newTrainingDispatch(training)

	err = e.run(ctx, func(txn *gorm.DB) ([]change, error) {
		if err := store.InsertTraining(txn, &training); err != nil {
			return nil, err
		}
		c, err := e.step(ctx, txn, schema.KindModel, training.ModelId, string(schema.ModelTrainingRequested), actor, stepOptions{})
		if err != nil {
			return nil, err
		}
		if err := store.InsertDispatch(txn, &record); err != nil {
			return nil, err
		}
		return []change{c}, nil
	})
	if err != nil {
		e.rejected(schema.KindModel, params.ModelId, string(schema.ModelTrainingRequested), err)
		return schema.Training{}, err
	}

	slog.Info("submitted training", "training_id", training.Id, "model_id", training.ModelId, "job_name", record.JobName)
	return training, e.dispatchTraining(ctx, record)
}

// Requeue moves a FAILED training back to QUEUED and dispatches it again,
// provided it has been retried fewer than budget times.
func (e *Engine) Requeue(ctx context.Context, id uuid.UUID, actor schema.Principal, budget int) (schema.Training, error) {
	guard := func(txn *gorm.DB) error {
		training, err := schema.GetTraining(id, txn)
		if err != nil {
			return err
		}
		if training.RetryCount >= budget {
			return schema.FieldViolation("retry_count", fmt.Sprintf("training has been retried %d times, budget is %d", training.RetryCount, budget))
		}
		return nil
	}
	return e.requeue(ctx, id, actor, guard)
}

// requeue moves the training to QUEUED together with its model and dispatches
// a fresh job for it. Like SubmitTraining it returns the training alongside
// ErrDispatchUnavailable when only the dispatch failed.
func (e *Engine) requeue(ctx context.Context, id uuid.UUID, actor schema.Principal, guard func(txn *gorm.DB) error) (schema.Training, error) {
	var record schema.DispatchRecord

	err := e.run(ctx, func(txn *gorm.DB) ([]change, error) {
		c, err := e.step(ctx, txn, schema.KindTraining, id, string(schema.TrainingQueued), actor, stepOptions{guard: guard})
		if err != nil {
			return nil, err
		}
		changes := []change{c}

		training, err := schema.GetTraining(id, txn)
		if err != nil {
			return nil, err
		}
		modelChanges, err := e.advanceModel(ctx, txn, training.ModelId, schema.ModelFailed, schema.ModelTrainingRequested)
		if err != nil {
			return nil, err
		}
		changes = append(changes, modelChanges...)

		record = newTrainingDispatch(training)
		if err := store.InsertDispatch(txn, &record); err != nil {
			return nil, err
		}
		return changes, nil
	})
	if err != nil {
		e.rejected(schema.KindTraining, id, string(schema.TrainingQueued), err)
		return schema.Training{}, err
	}

	training, err := e.store.GetTraining(ctx, id)
	if err != nil {
		return schema.Training{}, err
	}
	return training, e.dispatchTraining(ctx, record)
}

// transitionTraining applies a directly requested training status together
// with what the job callbacks would have done: the model follows the
// training, a finished training releases its job and QUEUED dispatches anew.
func (e *Engine) transitionTraining(ctx context.Context, id uuid.UUID, target schema.TrainingStatus, actor schema.Principal) (interface{}, error) {
	if target == schema.TrainingQueued {
		training, err := e.requeue(ctx, id, actor, nil)
		if err != nil && !errors.Is(err, schema.ErrDispatchUnavailable) {
			return nil, err
		}
		return training, err
	}

	var released []schema.DispatchRecord
	err := e.run(ctx, func(txn *gorm.DB) ([]change, error) {
		c, err := e.step(ctx, txn, schema.KindTraining, id, string(target), actor, stepOptions{})
		if err != nil {
			return nil, err
		}
		changes := []change{c}

		training, err := schema.GetTraining(id, txn)
		if err != nil {
			return nil, err
		}

		modelChanges, err := e.advanceModel(ctx, txn, training.ModelId, schema.ModelTrainingRequested, schema.ModelTraining)
		if err != nil {
			return nil, err
		}
		changes = append(changes, modelChanges...)
		if target == schema.TrainingRunning {
			return changes, nil
		}

		state, modelTarget := schema.DispatchSucceeded, schema.ModelTrained
		if target == schema.TrainingFailed {
			state, modelTarget = schema.DispatchFailed, schema.ModelFailed
		}

		active, err := store.ActiveDispatch(txn, id, schema.DispatchTraining)
		if err != nil {
			return nil, err
		}
		if active != nil {
			if _, err := store.FinishDispatch(txn, active.Id, state, fmt.Sprintf("training set to %v by user %d", target, actor.Id)); err != nil {
				return nil, err
			}
			released = append(released, *active)
		}

		modelChanges, err = e.advanceModel(ctx, txn, training.ModelId, schema.ModelTraining, modelTarget)
		if err != nil {
			return nil, err
		}
		return append(changes, modelChanges...), nil
	})
	if err != nil {
		e.rejected(schema.KindTraining, id, string(target), err)
		return nil, err
	}

	e.StopJobs(ctx, released)
	return e.store.Get(ctx, schema.KindTraining, id)
}

// StopJobs asks the cluster to stop the jobs of in-flight records. Jobs the
// cluster no longer knows are skipped.
func (e *Engine) StopJobs(ctx context.Context, records []schema.DispatchRecord) {
	for _, record := range records {
		if record.State != schema.DispatchPending && record.State != schema.DispatchDispatched {
			continue
		}
		err := e.dispatcher.StopJob(ctx, record.JobName)
		if err != nil && !errors.Is(err, dispatch.ErrJobNotFound) {
			slog.Error("error stopping job", "job_name", record.JobName, "training_id", record.TrainingId, "error", err)
			continue
		}
		slog.Info("stopped job", "job_name", record.JobName, "training_id", record.TrainingId)
	}
}

func (e *Engine) dispatchTraining(ctx context.Context, record schema.DispatchRecord) error {
	training, err := e.store.GetTraining(ctx, record.TrainingId)
	if err != nil {
		return err
	}
	model, err := e.store.GetModel(ctx, training.ModelId)
	if err != nil {
		return err
	}

	job := dispatch.TrainingJob{
		JobName:       record.JobName,
		TrainingId:    training.Id,
		ModelId:       model.Id,
		DatasetId:     model.DatasetId,
		Epochs:        training.Epochs,
		BatchSize:     training.BatchSize,
		ZoomLevel:     training.ZoomLevel,
		SourceImagery: training.SourceImagery,
	}
	if err := e.dispatcher.DispatchTraining(ctx, job); err != nil {
		dispatchMetric.WithLabelValues("unavailable").Inc()
		slog.Error("error dispatching training job", "training_id", training.Id, "job_name", record.JobName, "error", err)
		return fmt.Errorf("%w: %v", schema.ErrDispatchUnavailable, err)
	}
	dispatchMetric.WithLabelValues("dispatched").Inc()

	return e.store.MarkDispatched(ctx, record.Id)
}

// OnJobStarted marks the training of a job as running. Repeated or stale
// callbacks are ignored.
func (e *Engine) OnJobStarted(ctx context.Context, jobName string) error {
	record, err := e.store.GetDispatchByJobName(ctx, jobName)
	if err != nil {
		return err
	}
	if record.Kind != schema.DispatchTraining {
		slog.Info("correction job started", "job_name", jobName, "ticket", record.Ticket)
		return nil
	}

	return e.run(ctx, func(txn *gorm.DB) ([]change, error) {
		record, err := store.GetDispatchForUpdate(txn, record.Id)
		if err != nil {
			return nil, err
		}
		if record.State != schema.DispatchPending && record.State != schema.DispatchDispatched {
			return nil, nil
		}
		return e.startTraining(ctx, txn, record.TrainingId)
	})
}

func (e *Engine) startTraining(ctx context.Context, txn *gorm.DB, trainingId uuid.UUID) ([]change, error) {
	training, err := schema.GetTraining(trainingId, txn)
	if err != nil {
		return nil, err
	}
	if training.Status != schema.TrainingQueued {
		return nil, nil
	}

	c, err := e.step(ctx, txn, schema.KindTraining, training.Id, string(schema.TrainingRunning), schema.SystemPrincipal, stepOptions{})
	if err != nil {
		return nil, err
	}
	modelChanges, err := e.advanceModel(ctx, txn, training.ModelId, schema.ModelTrainingRequested, schema.ModelTraining)
	if err != nil {
		return nil, err
	}
	return append([]change{c}, modelChanges...), nil
}

// OnJobComplete settles the job named jobName. Training jobs finish their
// training and model; correction jobs are handed to the correction handler.
// A job that completes while its training is still QUEUED passes through
// RUNNING first.
func (e *Engine) OnJobComplete(ctx context.Context, jobName string, outcome dispatch.Outcome, result JobResult) error {
	record, err := e.store.GetDispatchByJobName(ctx, jobName)
	if err != nil {
		return err
	}

	if record.Kind == schema.DispatchCorrection {
		if e.corrections == nil {
			return fmt.Errorf("no handler for correction job %v", jobName)
		}
		return e.corrections.Complete(ctx, record.Ticket, outcome, result.Details)
	}

	state := schema.DispatchSucceeded
	trainingTarget, modelTarget := schema.TrainingCompleted, schema.ModelTrained
	extra := map[string]interface{}{}
	if outcome == dispatch.OutcomeSuccess {
		if result.Accuracy != nil {
			extra["accuracy"] = *result.Accuracy
		}
	} else {
		state = schema.DispatchFailed
		trainingTarget, modelTarget = schema.TrainingFailed, schema.ModelFailed
	}

	err = e.run(ctx, func(txn *gorm.DB) ([]change, error) {
		finished, err := store.FinishDispatch(txn, record.Id, state, result.Details)
		if err != nil {
			return nil, err
		}
		if !finished {
			slog.Info("ignoring repeated job completion", "job_name", jobName)
			return nil, nil
		}

		changes, err := e.startTraining(ctx, txn, record.TrainingId)
		if err != nil {
			return nil, err
		}

		training, err := schema.GetTraining(record.TrainingId, txn)
		if err != nil {
			return nil, err
		}
		if training.Status != schema.TrainingRunning {
			slog.Info("training no longer running, leaving status", "training_id", training.Id, "status", training.Status)
			return changes, nil
		}

		c, err := e.step(ctx, txn, schema.KindTraining, training.Id, string(trainingTarget), schema.SystemPrincipal, stepOptions{extra: extra})
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)

		modelChanges, err := e.advanceModel(ctx, txn, training.ModelId, schema.ModelTrainingRequested, schema.ModelTraining)
		if err != nil {
			return nil, err
		}
		changes = append(changes, modelChanges...)

		modelChanges, err = e.advanceModel(ctx, txn, training.ModelId, schema.ModelTraining, modelTarget)
		if err != nil {
			return nil, err
		}
		return append(changes, modelChanges...), nil
	})
	if err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			slog.Warn("job completed for deleted training", "job_name", jobName)
		}
		return err
	}

	slog.Info("job completed", "job_name", jobName, "outcome", outcome)
	return nil
}
