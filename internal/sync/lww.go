package sync

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// stampWins reports whether the incoming (clock, hlc) stamp outranks the
// existing one under the merge rule: higher clock wins; equal clocks break
// ties by lexicographic hlc comparison.
func stampWins(incomingClock int64, incomingHLC string, existingClock int64, existingHLC string) bool {
	if incomingClock != existingClock {
		return incomingClock > existingClock
	}
	return incomingHLC > existingHLC
}

// applyLWW merges one op into the shared materialized-row table, guarded
// by row locking so a concurrent merge of the same key cannot interleave.
func applyLWW(tx *gorm.DB, workspaceID string, op PendingOp, now time.Time) error {
	payload := "{}"
	if op.Payload != nil && *op.Payload != "" {
		payload = *op.Payload
	}

	var existing MaterializedRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("workspace_id = ? AND table_name = ? AND pk = ?", workspaceID, op.TableName, op.PK).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		insertedPayload := payload
		if op.Operation == OperationDelete {
			insertedPayload = "{}"
		}
		row := MaterializedRow{
			WorkspaceID: workspaceID,
			TableName:   op.TableName,
			PK:          op.PK,
			DataJSON:    insertedPayload,
			Clock:       op.Clock,
			HLC:         op.HLC,
			DeviceID:    op.DeviceID,
			Deleted:     op.Operation == OperationDelete,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}

	if !stampWins(op.Clock, op.HLC, existing.Clock, existing.HLC) {
		return nil
	}

	updates := map[string]interface{}{
		"data_json": payload,
		"clock":     op.Clock,
		"hlc":       op.HLC,
		"device_id": op.DeviceID,
		"deleted":   op.Operation == OperationDelete,
		"updated_at": now,
	}
	return tx.Model(&MaterializedRow{}).
		Where("workspace_id = ? AND table_name = ? AND pk = ?", workspaceID, op.TableName, op.PK).
		Updates(updates).Error
}
