package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"fair_platform/core/dispatch"
	"fair_platform/core/lifecycle"
	"fair_platform/core/schema"
	"fair_platform/core/storage"
	"fair_platform/core/store"
	"fair_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// EntityService serves the plain CRUD surface of datasets, AOIs, models and
// the feedback entities. Status never changes here; see TransitionService.
type EntityService struct {
	store   *store.Store
	engine  *lifecycle.Engine
	storage storage.Storage
}

func (s *EntityService) DatasetRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.ListDatasets)
	r.Post("/", createEntity(schema.KindDataset, s.store.CreateDataset))

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", getEntity(schema.KindDataset, s.store.GetDataset))
		r.Patch("/", updateEntity(s.engine, schema.KindDataset, s.store.UpdateDataset))
		r.Delete("/", deleteEntity(s.engine, schema.KindDataset, removeWithJobs(s.store, s.engine, s.storage), s.datasetIdle))
		r.Get("/aoi", listEntities(schema.KindAOI, "id", s.store.ListAOIs))
		r.Get("/model", listEntities(schema.KindModel, "id", s.store.ListModels))
	})

	return r
}

func (s *EntityService) ListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.store.ListDatasets(r.Context())
	if err != nil {
		writeError(w, "listing datasets", err)
		return
	}
	utils.WriteJsonResponse(w, datasets)
}

func (s *EntityService) AOIRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", createEntity(schema.KindAOI, s.store.CreateAOI))
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", getEntity(schema.KindAOI, s.store.GetAOI))
		r.Patch("/", updateEntity(s.engine, schema.KindAOI, s.store.UpdateAOI))
		r.Delete("/", deleteEntity(s.engine, schema.KindAOI, s.store.Delete, nil))
	})

	return r
}

func (s *EntityService) ModelRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", createEntity(schema.KindModel, s.store.CreateModel))
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", getEntity(schema.KindModel, s.store.GetModel))
		r.Patch("/", updateEntity(s.engine, schema.KindModel, s.store.UpdateModel))
		r.Delete("/", deleteEntity(s.engine, schema.KindModel, removeWithJobs(s.store, s.engine, s.storage), s.modelIdle))
		r.Get("/training", listEntities(schema.KindTraining, "id", s.store.ListTrainings))
	})

	return r
}

// modelIdle refuses to delete a model while one of its trainings is in flight.
func (s *EntityService) modelIdle(ctx context.Context, id uuid.UUID) error {
	model, err := s.store.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if model.Status == schema.ModelTrainingRequested || model.Status == schema.ModelTraining {
		return CodedError(fmt.Errorf("model %v is %v, wait for the training to finish", id, model.Status), http.StatusConflict)
	}
	return nil
}

// datasetIdle refuses to delete a dataset while any of its models is being
// trained.
func (s *EntityService) datasetIdle(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.GetDataset(ctx, id); err != nil {
		return err
	}
	models, err := s.store.ListModels(ctx, id)
	if err != nil {
		return err
	}
	for _, model := range models {
		if err := s.modelIdle(ctx, model.Id); err != nil {
			return CodedError(fmt.Errorf("dataset %v has a model in training: %w", id, err), http.StatusConflict)
		}
		trainings, err := s.store.ListTrainings(ctx, model.Id)
		if err != nil {
			return err
		}
		for _, training := range trainings {
			if training.Status == schema.TrainingQueued || training.Status == schema.TrainingRunning {
				return CodedError(fmt.Errorf("dataset %v has training %v in status %v", id, training.Id, training.Status), http.StatusConflict)
			}
		}
	}
	return nil
}

// removeWithJobs deletes the entity with its cascade, then stops the jobs of
// the dispatch records that went with it and removes their files from shared
// storage. Cleanup failures are logged and do not fail the delete.
func removeWithJobs(s *store.Store, engine *lifecycle.Engine, storage storage.Storage) func(context.Context, schema.Kind, uuid.UUID) error {
	return func(ctx context.Context, kind schema.Kind, id uuid.UUID) error {
		records, err := s.DeleteWithDispatches(ctx, kind, id)
		if err != nil {
			return err
		}

		engine.StopJobs(ctx, records)
		for _, record := range records {
			if err := dispatch.RemoveJobFiles(storage, record.JobName); err != nil {
				slog.Warn("entity deleted but job files remain", "kind", kind, "id", id, "job_name", record.JobName, "error", err)
			}
		}
		return nil
	}
}

func (s *EntityService) FeedbackRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", createEntity(schema.KindFeedback, s.store.CreateFeedback))
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", getEntity(schema.KindFeedback, s.store.GetFeedback))
		r.Patch("/", updateEntity(s.engine, schema.KindFeedback, s.store.UpdateFeedback))
		r.Delete("/", deleteEntity(s.engine, schema.KindFeedback, s.store.Delete, nil))
	})

	return r
}

func (s *EntityService) FeedbackAOIRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", createEntity(schema.KindFeedbackAOI, s.store.CreateFeedbackAOI))
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", getEntity(schema.KindFeedbackAOI, s.store.GetFeedbackAOI))
		r.Patch("/", updateEntity(s.engine, schema.KindFeedbackAOI, s.store.UpdateFeedbackAOI))
		r.Delete("/", deleteEntity(s.engine, schema.KindFeedbackAOI, s.store.Delete, nil))
		r.Get("/label", listEntities(schema.KindFeedbackLabel, "id", s.store.ListFeedbackLabels))
	})

	return r
}

func (s *EntityService) FeedbackLabelRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", createEntity(schema.KindFeedbackLabel, s.store.CreateFeedbackLabel))
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", getEntity(schema.KindFeedbackLabel, s.store.GetFeedbackLabel))
		r.Patch("/", updateEntity(s.engine, schema.KindFeedbackLabel, s.store.UpdateFeedbackLabel))
		r.Delete("/", deleteEntity(s.engine, schema.KindFeedbackLabel, s.store.Delete, nil))
	})

	return r
}
