package services

import (
	"log/slog"
	"net/http"

	"fair_platform/core/auth"
	"fair_platform/core/dispatch"
	"fair_platform/core/lifecycle"
	"fair_platform/utils"

	"github.com/go-chi/chi/v5"
)

// JobService receives the status callbacks of training and correction jobs.
// Jobs authenticate with the token issued to them at dispatch.
type JobService struct {
	engine  *lifecycle.Engine
	jobAuth *auth.JwtManager
}

func (s *JobService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.jobAuth.Verifier(), s.jobAuth.Authenticator())

	r.Post("/started", s.Started)
	r.Post("/complete", s.Complete)

	return r
}

func jobName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := auth.JobNameFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return "", false
	}
	return name, true
}

func (s *JobService) Started(w http.ResponseWriter, r *http.Request) {
	name, ok := jobName(w, r)
	if !ok {
		return
	}

	if err := s.engine.OnJobStarted(r.Context(), name); err != nil {
		writeError(w, "recording job start", err)
		return
	}

	utils.WriteSuccess(w)
}

type completeRequest struct {
	Outcome  string   `json:"outcome"`
	Details  string   `json:"details"`
	Accuracy *float64 `json:"accuracy"`
}

func (s *JobService) Complete(w http.ResponseWriter, r *http.Request) {
	name, ok := jobName(w, r)
	if !ok {
		return
	}

	var params completeRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	outcome, err := dispatch.ParseOutcome(params.Outcome)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("job reported completion", "job_name", name, "outcome", outcome)
	result := lifecycle.JobResult{Accuracy: params.Accuracy, Details: params.Details}
	if err := s.engine.OnJobComplete(r.Context(), name, outcome, result); err != nil {
		writeError(w, "recording job completion", err)
		return
	}

	utils.WriteSuccess(w)
}
