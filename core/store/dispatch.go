package store

import (
	"context"
	"errors"
	"log/slog"

	"fair_platform/core/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActiveDispatch returns the in-flight record of the given kind for a training,
// or nil when the slot is free. The row is locked for the rest of txn.
func ActiveDispatch(txn *gorm.DB, trainingId uuid.UUID, kind schema.DispatchKind) (*schema.DispatchRecord, error) {
	var record schema.DispatchRecord
	result := schema.ForUpdate(txn).Where("active_training_id = ? AND kind = ?", trainingId, kind).First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("sql error loading active dispatch", "training_id", trainingId, "kind", kind, "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}
	return &record, nil
}

// InsertDispatch claims the in-flight slot for record.TrainingId. A concurrent
// claim of the same slot fails on the unique index.
func InsertDispatch(txn *gorm.DB, record *schema.DispatchRecord) error {
	trainingId := record.TrainingId
	record.ActiveTrainingId = &trainingId
	if record.State == "" {
		record.State = schema.DispatchPending
	}
	return insert(txn, kindDispatchRecord, record)
}

// ClaimDispatch inserts record into the in-flight slot of its training unless
// another record holds it, in which case that record is returned instead. The
// insert does not fail when a concurrent transaction claimed the slot first,
// so txn stays usable for the lookup.
func ClaimDispatch(txn *gorm.DB, record schema.DispatchRecord) (schema.DispatchRecord, error) {
	trainingId := record.TrainingId
	record.ActiveTrainingId = &trainingId
	if record.State == "" {
		record.State = schema.DispatchPending
	}

	result := txn.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		slog.Error("sql error claiming dispatch slot", "training_id", trainingId, "kind", record.Kind, "error", result.Error)
		return record, schema.ErrDbAccessFailed
	}
	if result.RowsAffected == 1 {
		return record, nil
	}

	active, err := ActiveDispatch(txn, trainingId, record.Kind)
	if err != nil {
		return record, err
	}
	if active == nil {
		slog.Error("dispatch record conflicts with a finished record", "training_id", trainingId, "job_name", record.JobName)
		return record, schema.ErrDbAccessFailed
	}
	return *active, nil
}

// LatestBatchDispatch returns the newest record of the training that ran or is
// running the batch with the given key and did not fail, or nil.
func LatestBatchDispatch(txn *gorm.DB, trainingId uuid.UUID, kind schema.DispatchKind, batchKey string) (*schema.DispatchRecord, error) {
	var record schema.DispatchRecord
	result := txn.
		Where("training_id = ? AND kind = ? AND batch_key = ? AND state <> ?", trainingId, kind, batchKey, schema.DispatchFailed).
		Order("created_at DESC, id DESC").
		First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("sql error loading batch dispatch", "training_id", trainingId, "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}
	return &record, nil
}

func getDispatch(db *gorm.DB, query string, arg interface{}) (schema.DispatchRecord, error) {
	var record schema.DispatchRecord
	result := db.Where(query, arg).First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return record, schema.NotFound(kindDispatchRecord, arg)
		}
		slog.Error("sql error loading dispatch record", "query", query, "error", result.Error)
		return record, schema.ErrDbAccessFailed
	}
	return record, nil
}

func (s *Store) GetDispatchByJobName(ctx context.Context, jobName string) (schema.DispatchRecord, error) {
	return getDispatch(s.db.WithContext(ctx), "job_name = ?", jobName)
}

func (s *Store) GetDispatchByTicket(ctx context.Context, ticket uuid.UUID) (schema.DispatchRecord, error) {
	return getDispatch(s.db.WithContext(ctx), "ticket = ?", ticket)
}

func GetDispatchForUpdate(txn *gorm.DB, id uuid.UUID) (schema.DispatchRecord, error) {
	return getDispatch(schema.ForUpdate(txn), "id = ?", id)
}

// MarkDispatched records that the dispatcher accepted a PENDING record.
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&schema.DispatchRecord{}).
		Where("id = ? AND state = ?", id, schema.DispatchPending).
		Updates(map[string]interface{}{"state": schema.DispatchDispatched, "updated_at": now()})
	if result.Error != nil {
		slog.Error("sql error marking dispatch", "dispatch_id", id, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// FinishDispatch moves an in-flight record to its final state and frees the
// slot. It reports false if the record had already finished.
func FinishDispatch(txn *gorm.DB, id uuid.UUID, state schema.DispatchState, details string) (bool, error) {
	result := txn.Model(&schema.DispatchRecord{}).
		Where("id = ? AND state IN ?", id, []schema.DispatchState{schema.DispatchPending, schema.DispatchDispatched}).
		Updates(map[string]interface{}{
			"state":              state,
			"details":            details,
			"active_training_id": nil,
			"updated_at":         now(),
		})
	if result.Error != nil {
		slog.Error("sql error finishing dispatch", "dispatch_id", id, "error", result.Error)
		return false, schema.ErrDbAccessFailed
	}
	return result.RowsAffected == 1, nil
}

// InFlightDispatches lists records of the given states, oldest first.
func (s *Store) InFlightDispatches(ctx context.Context, states ...schema.DispatchState) ([]schema.DispatchRecord, error) {
	return list[schema.DispatchRecord](ctx, s.db, kindDispatchRecord, "state IN ?", states)
}

func (s *Store) ListDispatches(ctx context.Context, trainingId uuid.UUID) ([]schema.DispatchRecord, error) {
	return list[schema.DispatchRecord](ctx, s.db, kindDispatchRecord, "training_id = ?", trainingId)
}
