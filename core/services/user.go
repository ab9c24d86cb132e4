package services

import (
	"errors"
	"net/http"
	"strconv"

	"fair_platform/core/auth"
	"fair_platform/core/store"
	"fair_platform/utils"

	"github.com/go-chi/chi/v5"
)

type UserService struct {
	store    *store.Store
	userAuth *auth.Authenticator
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/login", s.Login)
	r.With(s.userAuth.Required()).Get("/me", s.Me)
	r.With(auth.AdminOnly).Post("/{osm_id}/staff", s.SetStaff)

	return r
}

type loginResponse struct {
	LoginUrl string `json:"login_url"`
}

func (s *UserService) Login(w http.ResponseWriter, r *http.Request) {
	url, err := s.userAuth.LoginUrl(r.URL.Query().Get("state"))
	if err != nil {
		if errors.Is(err, auth.ErrLoginNotSupported) {
			http.Error(w, err.Error(), http.StatusNotImplemented)
			return
		}
		writeError(w, "building login url", err)
		return
	}
	utils.WriteJsonResponse(w, loginResponse{LoginUrl: url})
}

func (s *UserService) Me(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	utils.WriteJsonResponse(w, user)
}

type staffRequest struct {
	IsStaff bool `json:"is_staff"`
}

func (s *UserService) SetStaff(w http.ResponseWriter, r *http.Request) {
	osmId, err := strconv.ParseInt(chi.URLParam(r, "osm_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid osm id", http.StatusBadRequest)
		return
	}

	var params staffRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := s.store.SetStaff(r.Context(), osmId, params.IsStaff); err != nil {
		writeError(w, "updating user", err)
		return
	}

	utils.WriteSuccess(w)
}
