package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fair_platform/core/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable home of every entity. Each write runs in a single
// transaction that either satisfies every invariant or leaves no trace.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Transaction(ctx context.Context, fn func(txn *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

type DatasetParams struct {
	Name          string `json:"name"`
	SourceImagery string `json:"source_imagery"`
}

type AOIParams struct {
	DatasetId uuid.UUID `json:"dataset"`
	Geometry  string    `json:"geom"`
}

type ModelParams struct {
	DatasetId   uuid.UUID `json:"dataset"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
}

type TrainingParams struct {
	ModelId       uuid.UUID `json:"model"`
	Epochs        int       `json:"epochs"`
	BatchSize     int       `json:"batch_size"`
	ZoomLevel     []int     `json:"zoom_level"`
	SourceImagery string    `json:"source_imagery"`
	Description   string    `json:"description"`
}

type FeedbackParams struct {
	TrainingId   uuid.UUID           `json:"training"`
	FeedbackType schema.FeedbackType `json:"feedback_type"`
	// nil selects schema.DefaultFeedbackZoom
	ZoomLevel *int   `json:"zoom_level"`
	Comments  string `json:"comments"`
	Geometry  string `json:"geom"`
}

type FeedbackAOIParams struct {
	TrainingId    uuid.UUID `json:"training"`
	Geometry      string    `json:"geom"`
	SourceImagery string    `json:"source_imagery"`
}

type FeedbackLabelParams struct {
	FeedbackAoiId uuid.UUID         `json:"feedback_aoi"`
	OsmId         *int64            `json:"osm_id"`
	Tags          map[string]string `json:"tags"`
	Geometry      string            `json:"geom"`
}

func insert(txn *gorm.DB, kind schema.Kind, entity interface{}) error {
	result := txn.Omit(clause.Associations).Create(entity)
	if result.Error != nil {
		slog.Error("sql error creating entity", "kind", kind, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// datasetOf walks up the ownership graph to the owning dataset, share locking
// each row on the way so the chain cannot be deleted underneath the caller.
func datasetOf(txn *gorm.DB, kind schema.Kind, id uuid.UUID) (schema.Dataset, error) {
	locked := schema.ForShare(txn)
	switch kind {
	case schema.KindDataset:
		return schema.GetDataset(id, locked)
	case schema.KindAOI:
		aoi, err := schema.GetAOI(id, locked)
		if err != nil {
			return schema.Dataset{}, err
		}
		return datasetOf(txn, schema.KindDataset, aoi.DatasetId)
	case schema.KindModel:
		model, err := schema.GetModel(id, locked)
		if err != nil {
			return schema.Dataset{}, err
		}
		return datasetOf(txn, schema.KindDataset, model.DatasetId)
	case schema.KindTraining:
		training, err := schema.GetTraining(id, locked)
		if err != nil {
			return schema.Dataset{}, err
		}
		return datasetOf(txn, schema.KindModel, training.ModelId)
	case schema.KindFeedback:
		feedback, err := schema.GetFeedback(id, locked)
		if err != nil {
			return schema.Dataset{}, err
		}
		return datasetOf(txn, schema.KindTraining, feedback.TrainingId)
	case schema.KindFeedbackAOI:
		aoi, err := schema.GetFeedbackAOI(id, locked)
		if err != nil {
			return schema.Dataset{}, err
		}
		return datasetOf(txn, schema.KindTraining, aoi.TrainingId)
	case schema.KindFeedbackLabel:
		label, err := schema.GetFeedbackLabel(id, locked)
		if err != nil {
			return schema.Dataset{}, err
		}
		return datasetOf(txn, schema.KindFeedbackAOI, label.FeedbackAoiId)
	}
	return schema.Dataset{}, fmt.Errorf("unknown entity kind %v", kind)
}

// DatasetOf returns the dataset that owns the given entity.
func DatasetOf(txn *gorm.DB, kind schema.Kind, id uuid.UUID) (schema.Dataset, error) {
	return datasetOf(txn, kind, id)
}

// requireLiveParent rejects creation under a missing parent or under an
// archived dataset.
func requireLiveParent(txn *gorm.DB, kind schema.Kind, id uuid.UUID) (schema.Dataset, error) {
	dataset, err := datasetOf(txn, kind, id)
	if err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			return dataset, schema.DanglingReference(kind, id)
		}
		return dataset, err
	}
	if dataset.Status == schema.DatasetArchived {
		return dataset, schema.FieldViolation(string(kind), fmt.Sprintf("dataset %v is archived", dataset.Id))
	}
	return dataset, nil
}

func (s *Store) CreateDataset(ctx context.Context, params DatasetParams, actor schema.Principal) (schema.Dataset, error) {
	if err := validateActor(actor); err != nil {
		return schema.Dataset{}, err
	}
	if err := validateName("name", params.Name); err != nil {
		return schema.Dataset{}, err
	}

	dataset := schema.Dataset{
		Id:            uuid.New(),
		Name:          params.Name,
		Status:        schema.DatasetDraft,
		SourceImagery: params.SourceImagery,
		CreatedBy:     actor.Id,
	}
	if err := insert(s.db.WithContext(ctx), schema.KindDataset, &dataset); err != nil {
		return schema.Dataset{}, err
	}

	slog.Info("created dataset", "dataset_id", dataset.Id, "name", dataset.Name, "created_by", actor.Id)
	return dataset, nil
}

func (s *Store) CreateAOI(ctx context.Context, params AOIParams, actor schema.Principal) (schema.AOI, error) {
	if err := validateActor(actor); err != nil {
		return schema.AOI{}, err
	}

	aoi := schema.AOI{
		Id:          uuid.New(),
		DatasetId:   params.DatasetId,
		Geometry:    params.Geometry,
		LabelStatus: schema.NotDownloaded,
	}
	err := s.Transaction(ctx, func(txn *gorm.DB) error {
		if _, err := requireLiveParent(txn, schema.KindDataset, params.DatasetId); err != nil {
			return err
		}
		return insert(txn, schema.KindAOI, &aoi)
	})
	if err != nil {
		return schema.AOI{}, err
	}

	slog.Info("created aoi", "aoi_id", aoi.Id, "dataset_id", aoi.DatasetId)
	return aoi, nil
}

func (s *Store) CreateModel(ctx context.Context, params ModelParams, actor schema.Principal) (schema.Model, error) {
	if err := validateActor(actor); err != nil {
		return schema.Model{}, err
	}
	if err := validateName("name", params.Name); err != nil {
		return schema.Model{}, err
	}

	model := schema.Model{
		Id:          uuid.New(),
		Name:        params.Name,
		Description: params.Description,
		DatasetId:   params.DatasetId,
		Status:      schema.ModelDraft,
		CreatedBy:   actor.Id,
	}
	err := s.Transaction(ctx, func(txn *gorm.DB) error {
		if _, err := requireLiveParent(txn, schema.KindDataset, params.DatasetId); err != nil {
			return err
		}
		return insert(txn, schema.KindModel, &model)
	})
	if err != nil {
		return schema.Model{}, err
	}

	slog.Info("created model", "model_id", model.Id, "dataset_id", model.DatasetId, "name", model.Name)
	return model, nil
}

func (s *Store) CreateTraining(ctx context.Context, params TrainingParams, actor schema.Principal) (schema.Training, error) {
	training, err := NewTraining(params, actor)
	if err != nil {
		return schema.Training{}, err
	}

	err = s.Transaction(ctx, func(txn *gorm.DB) error {
		return InsertTraining(txn, &training)
	})
	if err != nil {
		return schema.Training{}, err
	}

	slog.Info("created training", "training_id", training.Id, "model_id", training.ModelId, "epochs", training.Epochs, "batch_size", training.BatchSize)
	return training, nil
}

// NewTraining validates the params and builds a QUEUED training without
// persisting it.
func NewTraining(params TrainingParams, actor schema.Principal) (schema.Training, error) {
	if err := validateActor(actor); err != nil {
		return schema.Training{}, err
	}
	if err := validateHyperparameters(params.Epochs, params.BatchSize); err != nil {
		return schema.Training{}, err
	}
	zooms, err := NormalizeZoomLevels(params.ZoomLevel)
	if err != nil {
		return schema.Training{}, err
	}

	return schema.Training{
		Id:            uuid.New(),
		ModelId:       params.ModelId,
		Description:   params.Description,
		Epochs:        params.Epochs,
		BatchSize:     params.BatchSize,
		ZoomLevel:     zooms,
		SourceImagery: params.SourceImagery,
		Status:        schema.TrainingQueued,
		CreatedBy:     actor.Id,
	}, nil
}

// InsertTraining persists a training built by NewTraining inside txn.
func InsertTraining(txn *gorm.DB, training *schema.Training) error {
	if _, err := requireLiveParent(txn, schema.KindModel, training.ModelId); err != nil {
		return err
	}
	return insert(txn, schema.KindTraining, training)
}

func (s *Store) CreateFeedback(ctx context.Context, params FeedbackParams, actor schema.Principal) (schema.Feedback, error) {
	if err := validateActor(actor); err != nil {
		return schema.Feedback{}, err
	}
	if err := schema.CheckValidFeedbackType(params.FeedbackType); err != nil {
		return schema.Feedback{}, err
	}
	zoom := schema.DefaultFeedbackZoom
	if params.ZoomLevel != nil {
		zoom = *params.ZoomLevel
	}
	if err := validateFeedbackZoom(zoom); err != nil {
		return schema.Feedback{}, err
	}
	if err := validateComments(params.Comments); err != nil {
		return schema.Feedback{}, err
	}

	feedback := schema.Feedback{
		Id:           uuid.New(),
		TrainingId:   params.TrainingId,
		UserId:       actor.Id,
		FeedbackType: params.FeedbackType,
		ZoomLevel:    zoom,
		Comments:     params.Comments,
		Geometry:     params.Geometry,
	}
	err := s.Transaction(ctx, func(txn *gorm.DB) error {
		if _, err := requireLiveParent(txn, schema.KindTraining, params.TrainingId); err != nil {
			return err
		}
		return insert(txn, schema.KindFeedback, &feedback)
	})
	if err != nil {
		return schema.Feedback{}, err
	}

	slog.Info("created feedback", "feedback_id", feedback.Id, "training_id", feedback.TrainingId, "type", feedback.FeedbackType)
	return feedback, nil
}

func (s *Store) CreateFeedbackAOI(ctx context.Context, params FeedbackAOIParams, actor schema.Principal) (schema.FeedbackAOI, error) {
	if err := validateActor(actor); err != nil {
		return schema.FeedbackAOI{}, err
	}

	aoi := schema.FeedbackAOI{
		Id:            uuid.New(),
		TrainingId:    params.TrainingId,
		UserId:        actor.Id,
		Geometry:      params.Geometry,
		SourceImagery: params.SourceImagery,
		LabelStatus:   schema.NotDownloaded,
	}
	err := s.Transaction(ctx, func(txn *gorm.DB) error {
		if _, err := requireLiveParent(txn, schema.KindTraining, params.TrainingId); err != nil {
			return err
		}
		return insert(txn, schema.KindFeedbackAOI, &aoi)
	})
	if err != nil {
		return schema.FeedbackAOI{}, err
	}

	slog.Info("created feedback aoi", "feedback_aoi_id", aoi.Id, "training_id", aoi.TrainingId)
	return aoi, nil
}

func (s *Store) CreateFeedbackLabel(ctx context.Context, params FeedbackLabelParams, actor schema.Principal) (schema.FeedbackLabel, error) {
	if err := validateActor(actor); err != nil {
		return schema.FeedbackLabel{}, err
	}

	label := schema.FeedbackLabel{
		Id:            uuid.New(),
		FeedbackAoiId: params.FeedbackAoiId,
		OsmId:         params.OsmId,
		Tags:          params.Tags,
		Geometry:      params.Geometry,
	}
	err := s.Transaction(ctx, func(txn *gorm.DB) error {
		if _, err := requireLiveParent(txn, schema.KindFeedbackAOI, params.FeedbackAoiId); err != nil {
			return err
		}
		return insert(txn, schema.KindFeedbackLabel, &label)
	})
	if err != nil {
		return schema.FeedbackLabel{}, err
	}

	return label, nil
}

func (s *Store) GetDataset(ctx context.Context, id uuid.UUID) (schema.Dataset, error) {
	return schema.GetDataset(id, s.db.WithContext(ctx))
}

func (s *Store) GetAOI(ctx context.Context, id uuid.UUID) (schema.AOI, error) {
	return schema.GetAOI(id, s.db.WithContext(ctx))
}

func (s *Store) GetModel(ctx context.Context, id uuid.UUID) (schema.Model, error) {
	return schema.GetModel(id, s.db.WithContext(ctx))
}

func (s *Store) GetTraining(ctx context.Context, id uuid.UUID) (schema.Training, error) {
	return schema.GetTraining(id, s.db.WithContext(ctx))
}

func (s *Store) GetFeedback(ctx context.Context, id uuid.UUID) (schema.Feedback, error) {
	return schema.GetFeedback(id, s.db.WithContext(ctx))
}

func (s *Store) GetFeedbackAOI(ctx context.Context, id uuid.UUID) (schema.FeedbackAOI, error) {
	return schema.GetFeedbackAOI(id, s.db.WithContext(ctx))
}

func (s *Store) GetFeedbackLabel(ctx context.Context, id uuid.UUID) (schema.FeedbackLabel, error) {
	return schema.GetFeedbackLabel(id, s.db.WithContext(ctx))
}

// Get loads any entity by kind, for callers that only hold a kind name.
func (s *Store) Get(ctx context.Context, kind schema.Kind, id uuid.UUID) (interface{}, error) {
	switch kind {
	case schema.KindDataset:
		return s.GetDataset(ctx, id)
	case schema.KindAOI:
		return s.GetAOI(ctx, id)
	case schema.KindModel:
		return s.GetModel(ctx, id)
	case schema.KindTraining:
		return s.GetTraining(ctx, id)
	case schema.KindFeedback:
		return s.GetFeedback(ctx, id)
	case schema.KindFeedbackAOI:
		return s.GetFeedbackAOI(ctx, id)
	case schema.KindFeedbackLabel:
		return s.GetFeedbackLabel(ctx, id)
	}
	return nil, fmt.Errorf("unknown entity kind %v", kind)
}

func list[T any](ctx context.Context, db *gorm.DB, kind schema.Kind, query interface{}, args ...interface{}) ([]T, error) {
	entities := make([]T, 0)
	tx := db.WithContext(ctx)
	if query != nil {
		tx = tx.Where(query, args...)
	}
	result := tx.Order("created_at, id").Find(&entities)
	if result.Error != nil {
		slog.Error("sql error listing entities", "kind", kind, "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}
	return entities, nil
}

func (s *Store) ListDatasets(ctx context.Context) ([]schema.Dataset, error) {
	return list[schema.Dataset](ctx, s.db, schema.KindDataset, nil)
}

func (s *Store) ListAOIs(ctx context.Context, datasetId uuid.UUID) ([]schema.AOI, error) {
	return list[schema.AOI](ctx, s.db, schema.KindAOI, "dataset_id = ?", datasetId)
}

func (s *Store) ListModels(ctx context.Context, datasetId uuid.UUID) ([]schema.Model, error) {
	return list[schema.Model](ctx, s.db, schema.KindModel, "dataset_id = ?", datasetId)
}

func (s *Store) ListTrainings(ctx context.Context, modelId uuid.UUID) ([]schema.Training, error) {
	return list[schema.Training](ctx, s.db, schema.KindTraining, "model_id = ?", modelId)
}

func (s *Store) ListFeedback(ctx context.Context, trainingId uuid.UUID) ([]schema.Feedback, error) {
	return list[schema.Feedback](ctx, s.db, schema.KindFeedback, "training_id = ?", trainingId)
}

func (s *Store) ListFeedbackAOIs(ctx context.Context, trainingId uuid.UUID) ([]schema.FeedbackAOI, error) {
	return list[schema.FeedbackAOI](ctx, s.db, schema.KindFeedbackAOI, "training_id = ?", trainingId)
}

func (s *Store) ListFeedbackLabels(ctx context.Context, feedbackAoiId uuid.UUID) ([]schema.FeedbackLabel, error) {
	return list[schema.FeedbackLabel](ctx, s.db, schema.KindFeedbackLabel, "feedback_aoi_id = ?", feedbackAoiId)
}

func now() time.Time {
	return time.Now().UTC()
}
