package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/syncgateway/workspace/internal/apperr"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

const (
	opPush         = "sync.push"
	opPull         = "sync.pull"
	opUpdateCursor = "sync.update_cursor"
	opGCChangeLog  = "sync.gc_change_log"
	opGCTombstones = "sync.gc_tombstones"
)

const (
	maxPullLimit      = 1000
	idLookupChunkSize = 500
	gcBatchSize       = 1000
)

// ServiceConfig describes the dependencies required by the sync gateway.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service implements push, pull, cursor reconciliation, and garbage
// collection over the shared change log.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the sync gateway.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New("sync.new_service", apperr.KindInternal, errors.New("database handle is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Push applies a batch of client ops to a workspace inside a single
// reserved-writer transaction.
func (s *Service) Push(ctx context.Context, batch PushBatch) (*PushResponse, error) {
	if len(batch.Ops) == 0 {
		version, err := s.currentCounterValue(ctx, batch.WorkspaceID)
		if err != nil {
			return nil, err
		}
		return &PushResponse{Results: []PushResult{}, ServerVersion: version}, nil
	}

	for _, op := range batch.Ops {
		if IsAllowedTable(op.TableName) {
			continue
		}
		results := make([]PushResult, len(batch.Ops))
		for i, rejected := range batch.Ops {
			results[i] = PushResult{
				OpID:      rejected.OpID,
				Success:   false,
				ErrorCode: "VALIDATION_ERROR",
				Error:     fmt.Sprintf("unknown sync table %q", rejected.TableName),
			}
		}
		version, verErr := s.currentCounterValue(ctx, batch.WorkspaceID)
		if verErr != nil {
			return nil, verErr
		}
		return &PushResponse{Results: results, ServerVersion: version}, nil
	}

	results := make([]PushResult, len(batch.Ops))
	var finalVersion int64

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		opIDs := make([]string, len(batch.Ops))
		for i, op := range batch.Ops {
			opIDs[i] = op.OpID
		}
		existing, err := lookupExistingVersions(tx, batch.WorkspaceID, opIDs)
		if err != nil {
			return err
		}

		var firstOccurrenceOrder []string
		assigned := make(map[string]int64, len(batch.Ops))
		for _, op := range batch.Ops {
			if _, known := existing[op.OpID]; known {
				continue
			}
			if _, seen := assigned[op.OpID]; seen {
				continue
			}
			assigned[op.OpID] = 0
			firstOccurrenceOrder = append(firstOccurrenceOrder, op.OpID)
		}
		distinctNew := int64(len(firstOccurrenceOrder))

		var counter Counter
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workspace_id = ?", batch.WorkspaceID).Take(&counter).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			counter = Counter{WorkspaceID: batch.WorkspaceID, Value: 0}
			if err := tx.Create(&counter).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		}

		base := counter.Value
		for i, opID := range firstOccurrenceOrder {
			assigned[opID] = base + int64(i) + 1
		}
		newValue := base + distinctNew

		if distinctNew > 0 {
			if err := tx.Model(&Counter{}).Where("workspace_id = ?", batch.WorkspaceID).
				Update("value", newValue).Error; err != nil {
				return err
			}
		}

		now := s.clock().UTC()
		processedInBatch := make(map[string]bool, len(firstOccurrenceOrder))
		for i, op := range batch.Ops {
			if version, known := existing[op.OpID]; known {
				results[i] = PushResult{OpID: op.OpID, Success: true, ServerVersion: version}
				continue
			}

			version := assigned[op.OpID]
			if processedInBatch[op.OpID] {
				results[i] = PushResult{OpID: op.OpID, Success: true, ServerVersion: version}
				continue
			}
			processedInBatch[op.OpID] = true

			entryID, genErr := uuid.NewV7()
			if genErr != nil {
				return genErr
			}
			entry := ChangeLogEntry{
				ID:            entryID.String(),
				WorkspaceID:   batch.WorkspaceID,
				ServerVersion: version,
				TableName:     op.TableName,
				PK:            op.PK,
				Op:            op.Operation,
				PayloadJSON:   op.Payload,
				Clock:         op.Clock,
				HLC:           op.HLC,
				DeviceID:      op.DeviceID,
				OpID:          op.OpID,
				CreatedAt:     now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
			if err := applyLWW(tx, batch.WorkspaceID, op, now); err != nil {
				return err
			}
			if op.Operation == OperationDelete {
				if err := upsertTombstone(tx, batch.WorkspaceID, op, version, now); err != nil {
					return err
				}
			}
			results[i] = PushResult{OpID: op.OpID, Success: true, ServerVersion: version}
		}

		finalVersion = newValue
		return nil
	})

	if txErr != nil {
		s.logError(opPush, txErr, zap.String("workspace_id", batch.WorkspaceID))
		return nil, apperr.New(opPush, apperr.KindInternal, txErr)
	}

	return &PushResponse{Results: results, ServerVersion: finalVersion}, nil
}

// lookupExistingVersions probes op_ids against the change log in bounded
// chunks to respect per-statement parameter limits.
func lookupExistingVersions(tx *gorm.DB, workspaceID string, opIDs []string) (map[string]int64, error) {
	existing := make(map[string]int64, len(opIDs))
	seen := make(map[string]bool, len(opIDs))
	var unique []string
	for _, id := range opIDs {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	for start := 0; start < len(unique); start += idLookupChunkSize {
		end := start + idLookupChunkSize
		if end > len(unique) {
			end = len(unique)
		}
		chunk := unique[start:end]

		var rows []ChangeLogEntry
		err := tx.Where("workspace_id = ? AND op_id IN ?", workspaceID, chunk).Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			existing[row.OpID] = row.ServerVersion
		}
	}
	return existing, nil
}

func (s *Service) currentCounterValue(ctx context.Context, workspaceID string) (int64, error) {
	var counter Counter
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.New(opPush, apperr.KindInternal, err)
	}
	return counter.Value, nil
}

// Pull returns change-log entries strictly after cursor, in ascending
// server_version order, without mutating state.
func (s *Service) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	limit := req.Limit
	if limit > maxPullLimit {
		limit = maxPullLimit
	}
	if limit < 0 {
		limit = 0
	}

	query := s.db.WithContext(ctx).Model(&ChangeLogEntry{}).
		Where("workspace_id = ? AND server_version > ?", req.WorkspaceID, req.Cursor)
	if len(req.Tables) > 0 {
		query = query.Where("table_name IN ?", req.Tables)
	}

	var rows []ChangeLogEntry
	if err := query.Order("server_version ASC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, apperr.New(opPull, apperr.KindInternal, err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	nextCursor := req.Cursor
	changes := make([]Change, len(rows))
	for i, row := range rows {
		changes[i] = Change{
			ServerVersion: row.ServerVersion,
			TableName:     row.TableName,
			PK:            row.PK,
			Op:            row.Op,
			Payload:       row.PayloadJSON,
			Clock:         row.Clock,
			HLC:           row.HLC,
			DeviceID:      row.DeviceID,
			OpID:          row.OpID,
		}
		nextCursor = row.ServerVersion
	}

	return &PullResponse{Changes: changes, HasMore: hasMore, NextCursor: nextCursor}, nil
}

// UpdateCursor upserts a device cursor with forward-only reconciliation:
// the persisted last_seen_version becomes max(existing, incoming) (I6).
func (s *Service) UpdateCursor(ctx context.Context, workspaceID, deviceID string, version int64) error {
	now := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cursor DeviceCursor
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workspace_id = ? AND device_id = ?", workspaceID, deviceID).
			Take(&cursor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			id, genErr := uuid.NewV7()
			if genErr != nil {
				return genErr
			}
			newCursor := DeviceCursor{
				ID:              id.String(),
				WorkspaceID:     workspaceID,
				DeviceID:        deviceID,
				LastSeenVersion: version,
				UpdatedAt:       now,
			}
			return tx.Create(&newCursor).Error
		}
		if err != nil {
			return err
		}

		reconciled := version
		if cursor.LastSeenVersion > reconciled {
			reconciled = cursor.LastSeenVersion
		}
		return tx.Model(&DeviceCursor{}).
			Where("workspace_id = ? AND device_id = ?", workspaceID, deviceID).
			Updates(map[string]interface{}{"last_seen_version": reconciled, "updated_at": now}).Error
	})
	if txErr != nil {
		s.logError(opUpdateCursor, txErr, zap.String("workspace_id", workspaceID), zap.String("device_id", deviceID))
		return apperr.New(opUpdateCursor, apperr.KindInternal, txErr)
	}
	return nil
}

// MinCursor returns the minimum last_seen_version across every device
// cursor for a workspace, or 0 if none exist.
func (s *Service) MinCursor(ctx context.Context, workspaceID string) (int64, error) {
	var result sql.NullInt64
	err := s.db.WithContext(ctx).Model(&DeviceCursor{}).
		Where("workspace_id = ?", workspaceID).
		Select("MIN(last_seen_version)").Scan(&result).Error
	if err != nil {
		return 0, apperr.New("sync.min_cursor", apperr.KindInternal, err)
	}
	if !result.Valid {
		return 0, nil
	}
	return result.Int64, nil
}

// GCChangeLog deletes change-log rows behind every device's cursor and
// older than the retention window, in bounded batches.
func (s *Service) GCChangeLog(ctx context.Context, workspaceID string, retentionSeconds int64) (int64, error) {
	minCursor, err := s.MinCursor(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock().UTC().Add(-time.Duration(retentionSeconds) * time.Second)

	total, err := s.gcBatched(ctx, &ChangeLogEntry{}, workspaceID, minCursor, cutoff, "server_version")
	if err != nil {
		return total, apperr.New(opGCChangeLog, apperr.KindInternal, err)
	}
	return total, nil
}

// GCTombstones applies the same bounded, batched deletion predicate to the
// tombstone table.
func (s *Service) GCTombstones(ctx context.Context, workspaceID string, retentionSeconds int64) (int64, error) {
	minCursor, err := s.MinCursor(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock().UTC().Add(-time.Duration(retentionSeconds) * time.Second)

	total, err := s.gcBatched(ctx, &Tombstone{}, workspaceID, minCursor, cutoff, "server_version")
	if err != nil {
		return total, apperr.New(opGCTombstones, apperr.KindInternal, err)
	}
	return total, nil
}

func (s *Service) gcBatched(ctx context.Context, model interface{}, workspaceID string, minCursor int64, cutoff time.Time, versionColumn string) (int64, error) {
	var total int64
	for {
		var ids []string
		plucked := s.db.WithContext(ctx).Model(model).
			Where(fmt.Sprintf("workspace_id = ? AND %s < ? AND created_at < ?", versionColumn), workspaceID, minCursor, cutoff).
			Limit(gcBatchSize).
			Pluck("id", &ids)
		if plucked.Error != nil {
			return total, plucked.Error
		}
		if len(ids) == 0 {
			return total, nil
		}
		if err := s.db.WithContext(ctx).Model(model).Where("id IN ?", ids).Delete(model).Error; err != nil {
			return total, err
		}
		total += int64(len(ids))
		if len(ids) < gcBatchSize {
			return total, nil
		}
	}
}

func (s *Service) logError(op string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", op)}, fields...)
	attrs = append(attrs, zap.Error(err))
	s.logger.Error(fmt.Sprintf("%s failed", op), attrs...)
}
