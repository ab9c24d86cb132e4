package store

import (
	"context"
	"fmt"
	"log/slog"

	"fair_platform/core/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DatasetPatch struct {
	Name          *string `json:"name"`
	SourceImagery *string `json:"source_imagery"`
}

type AOIPatch struct {
	Geometry *string `json:"geom"`
}

type ModelPatch struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// TrainingPatch may only change hyperparameters while the training is QUEUED.
type TrainingPatch struct {
	Description   *string `json:"description"`
	Epochs        *int    `json:"epochs"`
	BatchSize     *int    `json:"batch_size"`
	ZoomLevel     *[]int  `json:"zoom_level"`
	SourceImagery *string `json:"source_imagery"`
}

type FeedbackPatch struct {
	FeedbackType *schema.FeedbackType `json:"feedback_type"`
	ZoomLevel    *int                 `json:"zoom_level"`
	Comments     *string              `json:"comments"`
	Geometry     *string              `json:"geom"`
}

type FeedbackAOIPatch struct {
	Geometry      *string `json:"geom"`
	SourceImagery *string `json:"source_imagery"`
}

type FeedbackLabelPatch struct {
	OsmId    *int64             `json:"osm_id"`
	Tags     *map[string]string `json:"tags"`
	Geometry *string            `json:"geom"`
}

// update loads the row for update, applies the patch, and writes back only the
// listed columns. Status columns are never listed.
func update[T any](
	ctx context.Context, s *Store, kind schema.Kind, id uuid.UUID,
	get func(uuid.UUID, *gorm.DB) (T, error),
	apply func(entity *T) ([]string, error),
) (T, error) {
	var entity T
	err := s.Transaction(ctx, func(txn *gorm.DB) error {
		var err error
		entity, err = get(id, schema.ForUpdate(txn))
		if err != nil {
			return err
		}

		dataset, err := datasetOf(txn, kind, id)
		if err != nil {
			return err
		}
		if dataset.Status == schema.DatasetArchived && kind != schema.KindDataset {
			return schema.FieldViolation(string(kind), fmt.Sprintf("dataset %v is archived", dataset.Id))
		}

		columns, err := apply(&entity)
		if err != nil {
			return err
		}
		if len(columns) == 0 {
			return nil
		}

		result := txn.Model(&entity).Select(append(columns, "updated_at")).Updates(&entity)
		if result.Error != nil {
			slog.Error("sql error updating entity", "kind", kind, "id", id, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		return entity, err
	}

	slog.Info("updated entity", "kind", kind, "id", id)
	return entity, nil
}

func (s *Store) UpdateDataset(ctx context.Context, id uuid.UUID, patch DatasetPatch) (schema.Dataset, error) {
	return update(ctx, s, schema.KindDataset, id, schema.GetDataset, func(dataset *schema.Dataset) ([]string, error) {
		if dataset.Status == schema.DatasetArchived {
			return nil, schema.FieldViolation("status", "archived datasets cannot be modified")
		}
		columns := []string{}
		if patch.Name != nil {
			if err := validateName("name", *patch.Name); err != nil {
				return nil, err
			}
			dataset.Name = *patch.Name
			columns = append(columns, "name")
		}
		if patch.SourceImagery != nil {
			dataset.SourceImagery = *patch.SourceImagery
			columns = append(columns, "source_imagery")
		}
		return columns, nil
	})
}

func (s *Store) UpdateAOI(ctx context.Context, id uuid.UUID, patch AOIPatch) (schema.AOI, error) {
	return update(ctx, s, schema.KindAOI, id, schema.GetAOI, func(aoi *schema.AOI) ([]string, error) {
		if patch.Geometry == nil {
			return nil, nil
		}
		aoi.Geometry = *patch.Geometry
		return []string{"geometry"}, nil
	})
}

func (s *Store) UpdateModel(ctx context.Context, id uuid.UUID, patch ModelPatch) (schema.Model, error) {
	return update(ctx, s, schema.KindModel, id, schema.GetModel, func(model *schema.Model) ([]string, error) {
		columns := []string{}
		if patch.Name != nil {
			if err := validateName("name", *patch.Name); err != nil {
				return nil, err
			}
			model.Name = *patch.Name
			columns = append(columns, "name")
		}
		if patch.Description != nil {
			model.Description = *patch.Description
			columns = append(columns, "description")
		}
		return columns, nil
	})
}

func (s *Store) UpdateTraining(ctx context.Context, id uuid.UUID, patch TrainingPatch) (schema.Training, error) {
	return update(ctx, s, schema.KindTraining, id, schema.GetTraining, func(training *schema.Training) ([]string, error) {
		columns := []string{}
		if patch.Description != nil {
			training.Description = *patch.Description
			columns = append(columns, "description")
		}

		if patch.Epochs == nil && patch.BatchSize == nil && patch.ZoomLevel == nil && patch.SourceImagery == nil {
			return columns, nil
		}
		if training.Status != schema.TrainingQueued {
			return nil, schema.FieldViolation("status", fmt.Sprintf("hyperparameters are fixed once a training leaves %v", schema.TrainingQueued))
		}

		epochs, batchSize := training.Epochs, training.BatchSize
		if patch.Epochs != nil {
			epochs = *patch.Epochs
			columns = append(columns, "epochs")
		}
		if patch.BatchSize != nil {
			batchSize = *patch.BatchSize
			columns = append(columns, "batch_size")
		}
		if err := validateHyperparameters(epochs, batchSize); err != nil {
			return nil, err
		}
		training.Epochs, training.BatchSize = epochs, batchSize

		if patch.ZoomLevel != nil {
			zooms, err := NormalizeZoomLevels(*patch.ZoomLevel)
			if err != nil {
				return nil, err
			}
			training.ZoomLevel = zooms
			columns = append(columns, "zoom_level")
		}
		if patch.SourceImagery != nil {
			training.SourceImagery = *patch.SourceImagery
			columns = append(columns, "source_imagery")
		}
		return columns, nil
	})
}

func (s *Store) UpdateFeedback(ctx context.Context, id uuid.UUID, patch FeedbackPatch) (schema.Feedback, error) {
	return update(ctx, s, schema.KindFeedback, id, schema.GetFeedback, func(feedback *schema.Feedback) ([]string, error) {
		columns := []string{}
		if patch.FeedbackType != nil {
			if err := schema.CheckValidFeedbackType(*patch.FeedbackType); err != nil {
				return nil, err
			}
			feedback.FeedbackType = *patch.FeedbackType
			columns = append(columns, "feedback_type")
		}
		if patch.ZoomLevel != nil {
			if err := validateFeedbackZoom(*patch.ZoomLevel); err != nil {
				return nil, err
			}
			feedback.ZoomLevel = *patch.ZoomLevel
			columns = append(columns, "zoom_level")
		}
		if patch.Comments != nil {
			if err := validateComments(*patch.Comments); err != nil {
				return nil, err
			}
			feedback.Comments = *patch.Comments
			columns = append(columns, "comments")
		}
		if patch.Geometry != nil {
			feedback.Geometry = *patch.Geometry
			columns = append(columns, "geometry")
		}
		return columns, nil
	})
}

func (s *Store) UpdateFeedbackAOI(ctx context.Context, id uuid.UUID, patch FeedbackAOIPatch) (schema.FeedbackAOI, error) {
	return update(ctx, s, schema.KindFeedbackAOI, id, schema.GetFeedbackAOI, func(aoi *schema.FeedbackAOI) ([]string, error) {
		columns := []string{}
		if patch.Geometry != nil {
			aoi.Geometry = *patch.Geometry
			columns = append(columns, "geometry")
		}
		if patch.SourceImagery != nil {
			aoi.SourceImagery = *patch.SourceImagery
			columns = append(columns, "source_imagery")
		}
		return columns, nil
	})
}

func (s *Store) UpdateFeedbackLabel(ctx context.Context, id uuid.UUID, patch FeedbackLabelPatch) (schema.FeedbackLabel, error) {
	return update(ctx, s, schema.KindFeedbackLabel, id, schema.GetFeedbackLabel, func(label *schema.FeedbackLabel) ([]string, error) {
		columns := []string{}
		if patch.OsmId != nil {
			label.OsmId = patch.OsmId
			columns = append(columns, "osm_id")
		}
		if patch.Tags != nil {
			label.Tags = *patch.Tags
			columns = append(columns, "tags")
		}
		if patch.Geometry != nil {
			label.Geometry = *patch.Geometry
			columns = append(columns, "geometry")
		}
		return columns, nil
	})
}
