package lifecycle

import (
	"context"
	"fmt"
	"slices"

	"fair_platform/core/schema"

	"github.com/google/uuid"
)

// Resource describes the entity an actor wants to move.
type Resource struct {
	Kind   schema.Kind
	Id     uuid.UUID
	Owners []int64
}

// Policy decides whether an actor may transition a resource.
type Policy interface {
	Authorize(ctx context.Context, actor schema.Principal, resource Resource) error
}

// OwnerOrAdmin allows admins and any owner of the resource.
type OwnerOrAdmin struct{}

func (OwnerOrAdmin) Authorize(ctx context.Context, actor schema.Principal, resource Resource) error {
	if actor.IsAdmin || slices.Contains(resource.Owners, actor.Id) {
		return nil
	}
	return fmt.Errorf("%w: user %d may not change the status of %v %v", schema.ErrForbidden, actor.Id, resource.Kind, resource.Id)
}
