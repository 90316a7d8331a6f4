package sync

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// upsertTombstone guarantees exactly one tombstone row per logical key
// (I5) and that its stamp corresponds to the LWW-winning delete among that
// key's delete ops. The comparison uses (clock, server_version), not hlc —
// distinct from the materialized-row merge rule, per the tombstone design.
func upsertTombstone(tx *gorm.DB, workspaceID string, op PendingOp, version int64, now time.Time) error {
	var existing Tombstone
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("workspace_id = ? AND table_name = ? AND pk = ?", workspaceID, op.TableName, op.PK).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		id, genErr := uuid.NewV7()
		if genErr != nil {
			return genErr
		}
		tombstone := Tombstone{
			ID:            id.String(),
			WorkspaceID:   workspaceID,
			TableName:     op.TableName,
			PK:            op.PK,
			DeletedAt:     now,
			Clock:         op.Clock,
			ServerVersion: version,
			CreatedAt:     now,
		}
		return tx.Create(&tombstone).Error
	}
	if err != nil {
		return err
	}

	var wins bool
	if op.Clock != existing.Clock {
		wins = op.Clock > existing.Clock
	} else {
		wins = version > existing.ServerVersion
	}
	if !wins {
		return nil
	}

	return tx.Model(&Tombstone{}).
		Where("workspace_id = ? AND table_name = ? AND pk = ?", workspaceID, op.TableName, op.PK).
		Updates(map[string]interface{}{
			"clock":          op.Clock,
			"server_version": version,
			"deleted_at":     now,
		}).Error
}
