package store

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"fair_platform/core/schema"
)

func validateName(field, name string) error {
	if strings.TrimSpace(name) == "" {
		return schema.FieldViolation(field, "must not be empty")
	}
	if n := utf8.RuneCountInString(name); n > schema.MaxNameLength {
		return schema.FieldViolation(field, fmt.Sprintf("length %d exceeds maximum of %d", n, schema.MaxNameLength))
	}
	return nil
}

func validateHyperparameters(epochs, batchSize int) error {
	if epochs < 1 {
		return schema.FieldViolation("epochs", fmt.Sprintf("must be a positive integer, got %d", epochs))
	}
	if batchSize < 1 {
		return schema.FieldViolation("batch_size", fmt.Sprintf("must be a positive integer, got %d", batchSize))
	}
	return nil
}

// NormalizeZoomLevels sorts the requested levels and checks they form a set of
// at most MaxZoomLevels values drawn from AllowedTrainingZooms.
func NormalizeZoomLevels(levels []int) (schema.ZoomLevels, error) {
	if len(levels) > schema.MaxZoomLevels {
		return nil, schema.FieldViolation("zoom_level", fmt.Sprintf("at most %d zoom levels may be given, got %d", schema.MaxZoomLevels, len(levels)))
	}

	out := make(schema.ZoomLevels, 0, len(levels))
	for _, z := range levels {
		if !slices.Contains(schema.AllowedTrainingZooms, z) {
			return nil, schema.FieldViolation("zoom_level", fmt.Sprintf("zoom level %d is not one of %v", z, schema.AllowedTrainingZooms))
		}
		if slices.Contains(out, z) {
			return nil, schema.FieldViolation("zoom_level", fmt.Sprintf("zoom level %d given more than once", z))
		}
		out = append(out, z)
	}
	slices.Sort(out)

	return out, nil
}

func validateFeedbackZoom(zoom int) error {
	if zoom < schema.MinFeedbackZoom || zoom > schema.MaxFeedbackZoom {
		return schema.FieldViolation("zoom_level", fmt.Sprintf("must be between %d and %d, got %d", schema.MinFeedbackZoom, schema.MaxFeedbackZoom, zoom))
	}
	return nil
}

func validateComments(comments string) error {
	if n := utf8.RuneCountInString(comments); n > schema.MaxCommentsLength {
		return schema.FieldViolation("comments", fmt.Sprintf("length %d exceeds maximum of %d", n, schema.MaxCommentsLength))
	}
	return nil
}

func validateActor(actor schema.Principal) error {
	if actor.Id == 0 {
		return schema.FieldViolation("created_by", "an attributing principal is required")
	}
	return nil
}
