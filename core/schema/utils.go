package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func first[T any](db *gorm.DB, kind Kind, id uuid.UUID) (T, error) {
	var entity T

	result := db.First(&entity, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return entity, NotFound(kind, id)
		}
		slog.Error("sql error in get entity", "kind", kind, "id", id, "error", result.Error)
		return entity, ErrDbAccessFailed
	}

	return entity, nil
}

func GetDataset(id uuid.UUID, db *gorm.DB) (Dataset, error) {
	return first[Dataset](db, KindDataset, id)
}

func GetAOI(id uuid.UUID, db *gorm.DB) (AOI, error) {
	return first[AOI](db, KindAOI, id)
}

func GetModel(id uuid.UUID, db *gorm.DB) (Model, error) {
	return first[Model](db, KindModel, id)
}

func GetTraining(id uuid.UUID, db *gorm.DB) (Training, error) {
	return first[Training](db, KindTraining, id)
}

func GetFeedback(id uuid.UUID, db *gorm.DB) (Feedback, error) {
	return first[Feedback](db, KindFeedback, id)
}

func GetFeedbackAOI(id uuid.UUID, db *gorm.DB) (FeedbackAOI, error) {
	return first[FeedbackAOI](db, KindFeedbackAOI, id)
}

func GetFeedbackLabel(id uuid.UUID, db *gorm.DB) (FeedbackLabel, error) {
	return first[FeedbackLabel](db, KindFeedbackLabel, id)
}

var ErrUserNotFound = errors.New("user not found")

func GetOsmUser(osmId int64, db *gorm.DB) (OsmUser, error) {
	var user OsmUser

	result := db.First(&user, "osm_id = ?", osmId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "osm_id", osmId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

// ForShare and ForUpdate take row locks on postgres; the sqlite dialect drops them.
func ForShare(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "SHARE"})
}

func ForUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
