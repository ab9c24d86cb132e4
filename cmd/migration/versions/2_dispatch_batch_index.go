package versions

import (
	"gorm.io/gorm"
)

const dispatchBatchIndex = "idx_dispatch_records_batch"

// Committing feedback looks for an earlier correction of the same batch.
func Migration_2_dispatch_batch_index(txn *gorm.DB) error {
	return txn.Exec("CREATE INDEX IF NOT EXISTS " + dispatchBatchIndex + " ON dispatch_records (training_id, kind, batch_key)").Error
}

func Rollback_2_dispatch_batch_index(txn *gorm.DB) error {
	return txn.Exec("DROP INDEX IF EXISTS " + dispatchBatchIndex).Error
}
