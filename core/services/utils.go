package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"fair_platform/core/auth"
	"fair_platform/core/schema"
	"fair_platform/utils"

	"github.com/google/uuid"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

// GetResponseCode maps an error to its http status. Explicitly coded errors
// win, then the schema sentinels.
func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}

	switch {
	case errors.Is(err, schema.ErrNotFound), errors.Is(err, schema.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrDanglingReference), errors.Is(err, schema.ErrFieldConstraintViolation):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, schema.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, schema.ErrAuthenticationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, schema.ErrDispatchUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, schema.ErrDbAccessFailed):
		return http.StatusInternalServerError
	}

	slog.Error("unmapped error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, action string, err error) {
	http.Error(w, fmt.Sprintf("error %v: %v", action, err), GetResponseCode(err))
}

// requireUser returns the acting principal, or writes 401 when the request is
// anonymous or its token is not bound to an OSM identity.
func requireUser(w http.ResponseWriter, r *http.Request) (schema.Principal, bool) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, "an osm identity is required for this request", http.StatusUnauthorized)
		return schema.Principal{}, false
	}
	return user.Principal(), true
}

func urlId(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := utils.URLParamUUID(r, key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func getEntity[T any](kind schema.Kind, get func(context.Context, uuid.UUID) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlId(w, r, "id")
		if !ok {
			return
		}

		entity, err := get(r.Context(), id)
		if err != nil {
			writeError(w, fmt.Sprintf("retrieving %v", kind), err)
			return
		}

		utils.WriteJsonResponse(w, entity)
	}
}

func listEntities[T any](kind schema.Kind, param string, list func(context.Context, uuid.UUID) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parent, ok := urlId(w, r, param)
		if !ok {
			return
		}

		entities, err := list(r.Context(), parent)
		if err != nil {
			writeError(w, fmt.Sprintf("listing %v", kind), err)
			return
		}

		utils.WriteJsonResponse(w, entities)
	}
}

func createEntity[P any, T any](kind schema.Kind, create func(context.Context, P, schema.Principal) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireUser(w, r)
		if !ok {
			return
		}

		var params P
		if !utils.ParseRequestBody(w, r, &params) {
			return
		}

		entity, err := create(r.Context(), params, actor)
		if err != nil {
			writeError(w, fmt.Sprintf("creating %v", kind), err)
			return
		}

		utils.WriteJsonResponse(w, entity)
	}
}

type authorizer interface {
	Authorize(ctx context.Context, kind schema.Kind, id uuid.UUID, actor schema.Principal) error
}

func updateEntity[U any, T any](policy authorizer, kind schema.Kind, update func(context.Context, uuid.UUID, U) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireUser(w, r)
		if !ok {
			return
		}
		id, ok := urlId(w, r, "id")
		if !ok {
			return
		}

		var patch U
		if !utils.ParseRequestBody(w, r, &patch) {
			return
		}

		if err := policy.Authorize(r.Context(), kind, id, actor); err != nil {
			writeError(w, fmt.Sprintf("updating %v", kind), err)
			return
		}

		entity, err := update(r.Context(), id, patch)
		if err != nil {
			writeError(w, fmt.Sprintf("updating %v", kind), err)
			return
		}

		utils.WriteJsonResponse(w, entity)
	}
}

// deleteEntity removes the entity with everything it owns. check, when set,
// may veto the delete after authorization.
func deleteEntity(policy authorizer, kind schema.Kind, remove func(context.Context, schema.Kind, uuid.UUID) error, check func(context.Context, uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireUser(w, r)
		if !ok {
			return
		}
		id, ok := urlId(w, r, "id")
		if !ok {
			return
		}

		if err := policy.Authorize(r.Context(), kind, id, actor); err != nil {
			writeError(w, fmt.Sprintf("deleting %v", kind), err)
			return
		}
		if check != nil {
			if err := check(r.Context(), id); err != nil {
				writeError(w, fmt.Sprintf("deleting %v", kind), err)
				return
			}
		}

		if err := remove(r.Context(), kind, id); err != nil {
			writeError(w, fmt.Sprintf("deleting %v", kind), err)
			return
		}

		utils.WriteSuccess(w)
	}
}
