package store

import (
	"fmt"
	"log/slog"

	"fair_platform/core/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StatusColumn names the column holding the lifecycle state of kind, or ""
// for kinds without one.
func StatusColumn(kind schema.Kind) string {
	switch kind {
	case schema.KindDataset, schema.KindModel, schema.KindTraining:
		return "status"
	case schema.KindAOI, schema.KindFeedbackAOI:
		return "label_status"
	}
	return ""
}

// CompareAndSwapStatus is the only writer of status columns. The row moves to
// `to` only if it still holds `from`; otherwise the caller lost a race and
// gets ErrIllegalTransition. Extra columns are written in the same statement.
func CompareAndSwapStatus(txn *gorm.DB, kind schema.Kind, id uuid.UUID, from, to string, extra map[string]interface{}) error {
	column := StatusColumn(kind)
	if column == "" {
		return fmt.Errorf("%v has no status", kind)
	}

	updates := map[string]interface{}{column: to, "updated_at": now()}
	for k, v := range extra {
		updates[k] = v
	}

	result := txn.Model(tableOf(kind)).Where("id = ? AND "+column+" = ?", id, from).Updates(updates)
	if result.Error != nil {
		slog.Error("sql error updating status", "kind", kind, "id", id, "from", from, "to", to, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	if result.RowsAffected != 1 {
		return schema.IllegalTransition(kind, from, to)
	}

	return nil
}

// CurrentStatus reads the status column of any kind.
func CurrentStatus(txn *gorm.DB, kind schema.Kind, id uuid.UUID) (string, error) {
	column := StatusColumn(kind)
	if column == "" {
		return "", fmt.Errorf("%v has no status", kind)
	}

	var statuses []string
	result := txn.Model(tableOf(kind)).Where("id = ?", id).Limit(1).Pluck(column, &statuses)
	if result.Error != nil {
		slog.Error("sql error reading status", "kind", kind, "id", id, "error", result.Error)
		return "", schema.ErrDbAccessFailed
	}
	if len(statuses) == 0 {
		return "", schema.NotFound(kind, id)
	}
	return statuses[0], nil
}
