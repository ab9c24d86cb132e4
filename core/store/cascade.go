package store

import (
	"context"
	"fmt"
	"log/slog"

	"fair_platform/core/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const kindDispatchRecord schema.Kind = "dispatch_record"

type edge struct {
	child  schema.Kind
	column string
}

// ownership lists, for every kind, the kinds it owns and the column on the
// child that points back at it.
var ownership = map[schema.Kind][]edge{
	schema.KindDataset: {
		{child: schema.KindAOI, column: "dataset_id"},
		{child: schema.KindModel, column: "dataset_id"},
	},
	schema.KindModel: {
		{child: schema.KindTraining, column: "model_id"},
	},
	schema.KindTraining: {
		{child: schema.KindFeedback, column: "training_id"},
		{child: schema.KindFeedbackAOI, column: "training_id"},
		{child: kindDispatchRecord, column: "training_id"},
	},
	schema.KindFeedbackAOI: {
		{child: schema.KindFeedbackLabel, column: "feedback_aoi_id"},
	},
}

func tableOf(kind schema.Kind) interface{} {
	switch kind {
	case schema.KindDataset:
		return &schema.Dataset{}
	case schema.KindAOI:
		return &schema.AOI{}
	case schema.KindModel:
		return &schema.Model{}
	case schema.KindTraining:
		return &schema.Training{}
	case schema.KindFeedback:
		return &schema.Feedback{}
	case schema.KindFeedbackAOI:
		return &schema.FeedbackAOI{}
	case schema.KindFeedbackLabel:
		return &schema.FeedbackLabel{}
	case kindDispatchRecord:
		return &schema.DispatchRecord{}
	}
	return nil
}

type level struct {
	kind schema.Kind
	ids  []uuid.UUID
}

// ownedBy locks and returns the ids of every row of kind whose column refers to
// one of the parents.
func ownedBy(txn *gorm.DB, kind schema.Kind, column string, parents []uuid.UUID) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0)
	result := schema.ForUpdate(txn.Model(tableOf(kind))).Where(column+" IN ?", parents).Order("id").Pluck("id", &ids)
	if result.Error != nil {
		slog.Error("sql error collecting owned entities", "kind", kind, "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}
	return ids, nil
}

// Delete removes the entity and everything it owns in one transaction. The
// ownership graph is walked top down with every visited row locked, then the
// rows are deleted bottom up.
func (s *Store) Delete(ctx context.Context, kind schema.Kind, id uuid.UUID) error {
	_, err := s.DeleteWithDispatches(ctx, kind, id)
	return err
}

// DeleteWithDispatches is Delete, also returning the dispatch records removed
// by the cascade so the caller can stop their jobs and clean their files.
func (s *Store) DeleteWithDispatches(ctx context.Context, kind schema.Kind, id uuid.UUID) ([]schema.DispatchRecord, error) {
	table := tableOf(kind)
	if table == nil || kind == kindDispatchRecord {
		return nil, fmt.Errorf("unknown entity kind %v", kind)
	}

	deleted := map[schema.Kind]int64{}
	records := make([]schema.DispatchRecord, 0)
	err := s.Transaction(ctx, func(txn *gorm.DB) error {
		root, err := ownedBy(txn, kind, "id", []uuid.UUID{id})
		if err != nil {
			return err
		}
		if len(root) == 0 {
			return schema.NotFound(kind, id)
		}

		levels := []level{{kind: kind, ids: root}}
		for i := 0; i < len(levels); i++ {
			parent := levels[i]
			for _, e := range ownership[parent.kind] {
				ids, err := ownedBy(txn, e.child, e.column, parent.ids)
				if err != nil {
					return err
				}
				if len(ids) > 0 {
					levels = append(levels, level{kind: e.child, ids: ids})
				}
			}
		}

		for _, l := range levels {
			if l.kind != kindDispatchRecord {
				continue
			}
			var found []schema.DispatchRecord
			if result := txn.Where("id IN ?", l.ids).Order("created_at").Find(&found); result.Error != nil {
				slog.Error("sql error loading cascaded dispatch records", "error", result.Error)
				return schema.ErrDbAccessFailed
			}
			records = append(records, found...)
		}

		for i := len(levels) - 1; i >= 0; i-- {
			l := levels[i]
			result := txn.Where("id IN ?", l.ids).Delete(tableOf(l.kind))
			if result.Error != nil {
				slog.Error("sql error deleting entities", "kind", l.kind, "error", result.Error)
				return schema.ErrDbAccessFailed
			}
			deleted[l.kind] += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("deleted entity", "kind", kind, "id", id, "cascaded", deleted)
	return records, nil
}
