package feedback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"

	"fair_platform/core/dispatch"
	"fair_platform/core/schema"
	"fair_platform/core/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var correctionMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fair_correction_batches_total",
	Help: "Correction batches by outcome",
}, []string{"outcome"})

// CorrectionBatch is the labeled feedback of one completed training, ready to
// be retrained on.
type CorrectionBatch struct {
	TrainingId     uuid.UUID             `json:"training"`
	FeedbackAoiIds []uuid.UUID           `json:"feedback_aoi_ids"`
	LabelCount     int                   `json:"label_count"`
	FeedbackTypes  []schema.FeedbackType `json:"feedback_types"`
}

// Key identifies the batch contents.
func (b *CorrectionBatch) Key() string {
	h := sha256.New()
	h.Write(b.TrainingId[:])
	for _, id := range b.FeedbackAoiIds {
		h.Write(id[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

type DispatchTicket struct {
	Ticket  uuid.UUID            `json:"ticket"`
	JobName string               `json:"job_name"`
	State   schema.DispatchState `json:"state"`
}

func ticketOf(record schema.DispatchRecord) DispatchTicket {
	return DispatchTicket{Ticket: record.Ticket, JobName: record.JobName, State: record.State}
}

type Aggregator struct {
	store      *store.Store
	dispatcher dispatch.Dispatcher
	thresholds Thresholds
	locks      *keyedMutex
}

func NewAggregator(store *store.Store, dispatcher dispatch.Dispatcher, thresholds Thresholds) *Aggregator {
	return &Aggregator{
		store:      store,
		dispatcher: dispatcher,
		thresholds: thresholds,
		locks:      newKeyedMutex(),
	}
}

// Evaluate builds the correction batch for a training, or returns nil when
// the training is not COMPLETED or its feedback is below the thresholds. It
// never writes.
func (a *Aggregator) Evaluate(ctx context.Context, trainingId uuid.UUID) (*CorrectionBatch, error) {
	var batch *CorrectionBatch

	err := a.store.Transaction(ctx, func(txn *gorm.DB) error {
		training, err := schema.GetTraining(trainingId, txn)
		if err != nil {
			return err
		}
		if training.Status != schema.TrainingCompleted {
			return nil
		}

		var aoiIds []uuid.UUID
		result := txn.Model(&schema.FeedbackAOI{}).
			Where("training_id = ? AND label_status = ?", trainingId, schema.Labeled).
			Order("created_at, id").
			Pluck("id", &aoiIds)
		if result.Error != nil {
			slog.Error("sql error loading labeled feedback aois", "training_id", trainingId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if len(aoiIds) < a.thresholds.MinLabeledAOIs {
			return nil
		}

		var labels int64
		result = txn.Model(&schema.FeedbackLabel{}).Where("feedback_aoi_id IN ?", aoiIds).Count(&labels)
		if result.Error != nil {
			slog.Error("sql error counting feedback labels", "training_id", trainingId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if int(labels) < a.thresholds.MinLabels {
			return nil
		}

		var types []schema.FeedbackType
		result = txn.Model(&schema.Feedback{}).Where("training_id = ?", trainingId).Distinct("feedback_type").Pluck("feedback_type", &types)
		if result.Error != nil {
			slog.Error("sql error loading feedback types", "training_id", trainingId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if len(types) < a.thresholds.MinFeedbackTypes {
			return nil
		}
		slices.Sort(types)

		batch = &CorrectionBatch{
			TrainingId:     trainingId,
			FeedbackAoiIds: aoiIds,
			LabelCount:     int(labels),
			FeedbackTypes:  types,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return batch, nil
}

// Commit hands the batch to the dispatcher. Only one correction job per
// training is in flight: committing while one is outstanding returns its
// ticket, and a ticket whose dispatch failed earlier is dispatched again. A
// batch that was already corrected returns the ticket of that correction.
func (a *Aggregator) Commit(ctx context.Context, batch *CorrectionBatch) (DispatchTicket, error) {
	if batch == nil || len(batch.FeedbackAoiIds) == 0 {
		return DispatchTicket{}, schema.FieldViolation("batch", "an empty correction batch cannot be committed")
	}

	unlock := a.locks.Lock(batch.TrainingId)
	defer unlock()

	record, err := a.claim(ctx, batch)
	if err != nil {
		return DispatchTicket{}, err
	}

	if record.State != schema.DispatchPending {
		correctionMetric.WithLabelValues("existing").Inc()
		return ticketOf(record), nil
	}

	job := dispatch.CorrectionJob{
		JobName:        record.JobName,
		Ticket:         record.Ticket,
		TrainingId:     record.TrainingId,
		FeedbackAoiIds: record.FeedbackAoiIds,
		LabelCount:     record.LabelCount,
	}
	if err := a.dispatcher.DispatchCorrection(ctx, job); err != nil {
		correctionMetric.WithLabelValues("unavailable").Inc()
		slog.Error("error dispatching correction job", "training_id", record.TrainingId, "ticket", record.Ticket, "error", err)
		return DispatchTicket{}, fmt.Errorf("%w: %v", schema.ErrDispatchUnavailable, err)
	}
	if err := a.store.MarkDispatched(ctx, record.Id); err != nil {
		return DispatchTicket{}, err
	}
	record.State = schema.DispatchDispatched

	correctionMetric.WithLabelValues("dispatched").Inc()
	slog.Info("dispatched correction batch", "training_id", record.TrainingId, "ticket", record.Ticket, "aois", len(record.FeedbackAoiIds), "labels", record.LabelCount)
	return ticketOf(record), nil
}

// claim returns the in-flight correction record of the training, or the
// record that already corrected this exact batch, creating a PENDING one for
// batch when there is neither. The per training lock only serializes commits
// within this process; across processes ClaimDispatch settles who wins.
func (a *Aggregator) claim(ctx context.Context, batch *CorrectionBatch) (schema.DispatchRecord, error) {
	var record schema.DispatchRecord

	err := a.store.Transaction(ctx, func(txn *gorm.DB) error {
		training, err := schema.GetTraining(batch.TrainingId, schema.ForShare(txn))
		if err != nil {
			return err
		}
		if training.Status != schema.TrainingCompleted {
			return schema.FieldViolation("training", fmt.Sprintf("training %v is %v, feedback can only be committed once it is %v", training.Id, training.Status, schema.TrainingCompleted))
		}

		active, err := store.ActiveDispatch(txn, batch.TrainingId, schema.DispatchCorrection)
		if err != nil {
			return err
		}
		if active != nil {
			record = *active
			return nil
		}

		key := batch.Key()
		done, err := store.LatestBatchDispatch(txn, batch.TrainingId, schema.DispatchCorrection, key)
		if err != nil {
			return err
		}
		if done != nil {
			record = *done
			return nil
		}

		ticket := uuid.New()
		record, err = store.ClaimDispatch(txn, schema.DispatchRecord{
			Id:             uuid.New(),
			Kind:           schema.DispatchCorrection,
			TrainingId:     batch.TrainingId,
			Ticket:         ticket,
			JobName:        schema.CorrectionJobName(ticket),
			BatchKey:       key,
			FeedbackAoiIds: batch.FeedbackAoiIds,
			LabelCount:     batch.LabelCount,
			State:          schema.DispatchPending,
		})
		return err
	})
	if err != nil {
		return record, err
	}

	return record, nil
}

// Complete settles a correction job and frees the training for the next
// batch. Settling an already finished ticket is a no-op.
func (a *Aggregator) Complete(ctx context.Context, ticket uuid.UUID, outcome dispatch.Outcome, details string) error {
	record, err := a.store.GetDispatchByTicket(ctx, ticket)
	if err != nil {
		return err
	}

	state := schema.DispatchSucceeded
	if outcome != dispatch.OutcomeSuccess {
		state = schema.DispatchFailed
	}

	var finished bool
	err = a.store.Transaction(ctx, func(txn *gorm.DB) error {
		finished, err = store.FinishDispatch(txn, record.Id, state, details)
		return err
	})
	if err != nil {
		return err
	}

	if finished {
		correctionMetric.WithLabelValues(string(state)).Inc()
		slog.Info("correction job finished", "training_id", record.TrainingId, "ticket", ticket, "state", state)
	}
	return nil
}

// Ticket reports the current state of a committed batch.
func (a *Aggregator) Ticket(ctx context.Context, ticket uuid.UUID) (DispatchTicket, error) {
	record, err := a.store.GetDispatchByTicket(ctx, ticket)
	if err != nil {
		return DispatchTicket{}, err
	}
	return ticketOf(record), nil
}
