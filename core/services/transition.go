package services

import (
	"errors"
	"net/http"

	"fair_platform/core/lifecycle"
	"fair_platform/core/schema"
	"fair_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type TransitionService struct {
	engine *lifecycle.Engine
}

func (s *TransitionService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", s.Transition)
	r.Get("/{kind}/{status}", s.Successors)

	return r
}

type transitionRequest struct {
	Kind   string    `json:"kind"`
	Id     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

func (s *TransitionService) Transition(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireUser(w, r)
	if !ok {
		return
	}

	var params transitionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	kind, err := schema.ParseKind(params.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entity, err := s.engine.Transition(r.Context(), kind, params.Id, params.Status, actor)
	if err != nil {
		if errors.Is(err, schema.ErrDispatchUnavailable) && entity != nil {
			utils.WriteJsonStatus(w, http.StatusAccepted, entity)
			return
		}
		writeError(w, "changing status", err)
		return
	}

	utils.WriteJsonResponse(w, entity)
}

type successorsResponse struct {
	Successors []string `json:"successors"`
	Terminal   bool     `json:"terminal"`
}

// Successors lists the statuses an entity of kind may move to from status.
func (s *TransitionService) Successors(w http.ResponseWriter, r *http.Request) {
	kind, err := schema.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status := chi.URLParam(r, "status")

	successors := lifecycle.Successors(kind, status)
	if successors == nil {
		successors = []string{}
	}
	utils.WriteJsonResponse(w, successorsResponse{Successors: successors, Terminal: lifecycle.Terminal(kind, status)})
}
