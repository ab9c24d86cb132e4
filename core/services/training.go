package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"fair_platform/core/dispatch"
	"fair_platform/core/feedback"
	"fair_platform/core/lifecycle"
	"fair_platform/core/schema"
	"fair_platform/core/storage"
	"fair_platform/core/store"
	"fair_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type TrainingService struct {
	store      *store.Store
	engine     *lifecycle.Engine
	aggregator *feedback.Aggregator
	storage    storage.Storage
	variables  Variables
}

func (s *TrainingService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", s.Submit)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", getEntity(schema.KindTraining, s.store.GetTraining))
		r.Patch("/", updateEntity(s.engine, schema.KindTraining, s.store.UpdateTraining))
		r.Delete("/", deleteEntity(s.engine, schema.KindTraining, removeWithJobs(s.store, s.engine, s.storage), s.trainingIdle))
		r.Post("/requeue", s.Requeue)
		r.Get("/dispatches", listEntities(schema.KindTraining, "id", s.store.ListDispatches))
		r.Get("/logs", s.Logs)

		r.Get("/feedback", listEntities(schema.KindFeedback, "id", s.store.ListFeedback))
		r.Get("/feedback-aoi", listEntities(schema.KindFeedbackAOI, "id", s.store.ListFeedbackAOIs))
		r.Get("/feedback/evaluate", s.Evaluate)
		r.Post("/feedback/commit", s.Commit)
	})

	return r
}

func (s *TrainingService) CorrectionRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{ticket}", s.Ticket)
	return r
}

// Submit creates a training and hands it to the dispatcher. When the
// dispatcher is down the training is still created and 202 is returned; the
// status sync dispatches it later.
func (s *TrainingService) Submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireUser(w, r)
	if !ok {
		return
	}

	var params store.TrainingParams
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	training, err := s.engine.SubmitTraining(r.Context(), params, actor)
	if err != nil {
		if errors.Is(err, schema.ErrDispatchUnavailable) && training.Id != uuid.Nil {
			utils.WriteJsonStatus(w, http.StatusAccepted, training)
			return
		}
		writeError(w, "submitting training", err)
		return
	}

	utils.WriteJsonResponse(w, training)
}

func (s *TrainingService) trainingIdle(ctx context.Context, id uuid.UUID) error {
	training, err := s.store.GetTraining(ctx, id)
	if err != nil {
		return err
	}
	if training.Status == schema.TrainingQueued || training.Status == schema.TrainingRunning {
		return CodedError(fmt.Errorf("training %v is %v and cannot be deleted", id, training.Status), http.StatusConflict)
	}
	return nil
}

// Logs streams the log of the latest training job of the training, or of the
// job named by the job query param.
func (s *TrainingService) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := urlId(w, r, "id")
	if !ok {
		return
	}

	records, err := s.store.ListDispatches(r.Context(), id)
	if err != nil {
		writeError(w, "retrieving training logs", err)
		return
	}

	requested := r.URL.Query().Get("job")
	jobName := ""
	for _, record := range records {
		if requested != "" {
			if record.JobName == requested {
				jobName = requested
				break
			}
		} else if record.Kind == schema.DispatchTraining {
			jobName = record.JobName
		}
	}
	if jobName == "" {
		http.Error(w, fmt.Sprintf("training %v has no job to read logs from", id), http.StatusNotFound)
		return
	}

	logs, err := dispatch.OpenJobLog(s.storage, jobName)
	if err != nil {
		if errors.Is(err, dispatch.ErrJobLogNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, "retrieving training logs", err)
		return
	}
	defer logs.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.Copy(w, logs); err != nil {
		slog.Error("error streaming job log", "job_name", jobName, "error", err)
	}
}

func (s *TrainingService) Requeue(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := urlId(w, r, "id")
	if !ok {
		return
	}

	training, err := s.engine.Requeue(r.Context(), id, actor, s.variables.RequeueBudget)
	if err != nil {
		if errors.Is(err, schema.ErrDispatchUnavailable) && training.Id != uuid.Nil {
			utils.WriteJsonStatus(w, http.StatusAccepted, training)
			return
		}
		writeError(w, "requeueing training", err)
		return
	}

	utils.WriteJsonResponse(w, training)
}

type evaluateResponse struct {
	Ready bool                      `json:"ready"`
	Batch *feedback.CorrectionBatch `json:"batch"`
}

func (s *TrainingService) Evaluate(w http.ResponseWriter, r *http.Request) {
	id, ok := urlId(w, r, "id")
	if !ok {
		return
	}

	batch, err := s.aggregator.Evaluate(r.Context(), id)
	if err != nil {
		writeError(w, "evaluating feedback", err)
		return
	}

	utils.WriteJsonResponse(w, evaluateResponse{Ready: batch != nil, Batch: batch})
}

// Commit re-evaluates the feedback of the training and dispatches the batch.
func (s *TrainingService) Commit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := urlId(w, r, "id")
	if !ok {
		return
	}

	if err := s.engine.Authorize(r.Context(), schema.KindTraining, id, actor); err != nil {
		writeError(w, "committing feedback", err)
		return
	}

	batch, err := s.aggregator.Evaluate(r.Context(), id)
	if err != nil {
		writeError(w, "committing feedback", err)
		return
	}
	if batch == nil {
		http.Error(w, fmt.Sprintf("training %v has no feedback ready to commit", id), http.StatusConflict)
		return
	}

	ticket, err := s.aggregator.Commit(r.Context(), batch)
	if err != nil {
		writeError(w, "committing feedback", err)
		return
	}

	utils.WriteJsonResponse(w, ticket)
}

func (s *TrainingService) Ticket(w http.ResponseWriter, r *http.Request) {
	ticket, ok := urlId(w, r, "ticket")
	if !ok {
		return
	}

	result, err := s.aggregator.Ticket(r.Context(), ticket)
	if err != nil {
		writeError(w, "retrieving correction ticket", err)
		return
	}

	utils.WriteJsonResponse(w, result)
}
