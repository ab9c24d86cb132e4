package versions

import (
	"gorm.io/gorm"
)

const trainingStatusIndex = "idx_trainings_model_status"

// The status sync and the feedback endpoints look trainings up by model and
// status.
func Migration_1_training_status_index(txn *gorm.DB) error {
	return txn.Exec("CREATE INDEX IF NOT EXISTS " + trainingStatusIndex + " ON trainings (model_id, status)").Error
}

func Rollback_1_training_status_index(txn *gorm.DB) error {
	return txn.Exec("DROP INDEX IF EXISTS " + trainingStatusIndex).Error
}
