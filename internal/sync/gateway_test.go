package sync

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *fakeClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&Counter{}, &ChangeLogEntry{}, &DeviceCursor{}, &Tombstone{}, &MaterializedRow{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db, clock
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func payloadOf(s string) *string { return &s }

func op(table, pk, operation, opID, hlc string, clock int64, payload *string) PendingOp {
	return PendingOp{TableName: table, Operation: operation, PK: pk, Payload: payload, DeviceID: "device-a", OpID: opID, HLC: hlc, Clock: clock}
}

func TestPushMonotonicAllocation(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	resp1, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-1", "h-0001", 1, nil),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp1.Results[0].ServerVersion != 1 || resp1.ServerVersion != 1 {
		t.Fatalf("expected server_version 1, got %+v", resp1)
	}

	resp2, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t2", OperationPut, "op-2", "h-0001", 1, nil),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp2.Results[0].ServerVersion != 2 || resp2.ServerVersion != 2 {
		t.Fatalf("expected server_version 2, got %+v", resp2)
	}
}

func TestPushHigherClockWins(t *testing.T) {
	service, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-1", "A", 1, payloadOf(`{"title":"first"}`)),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-2", "A", 2, payloadOf(`{"title":"second"}`)),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var row MaterializedRow
	if err := db.Where("workspace_id = ? AND table_name = ? AND pk = ?", "ws-1", "threads", "t1").Take(&row).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.DataJSON != `{"title":"second"}` || row.Clock != 2 {
		t.Fatalf("expected higher clock to win, got %+v", row)
	}
}

func TestPushHLCTiebreak(t *testing.T) {
	service, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-1", "2026-01-01T00:00:00.000Z-0001", 1, payloadOf(`{"v":1}`)),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-2", "2026-01-01T00:00:00.000Z-0002", 1, payloadOf(`{"v":2}`)),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var row MaterializedRow
	if err := db.Where("workspace_id = ? AND table_name = ? AND pk = ?", "ws-1", "threads", "t1").Take(&row).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.DataJSON != `{"v":2}` {
		t.Fatalf("expected the later hlc to win the tie, got %+v", row)
	}
}

func TestPushStaleWriteDoesNotOverwrite(t *testing.T) {
	service, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-1", "A", 5, payloadOf(`{"v":5}`)),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-2", "A", 3, payloadOf(`{"v":3}`)),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var row MaterializedRow
	if err := db.Where("workspace_id = ? AND table_name = ? AND pk = ?", "ws-1", "threads", "t1").Take(&row).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Clock != 5 || row.DataJSON != `{"v":5}` {
		t.Fatalf("expected clock=5 payload to survive a stale write, got %+v", row)
	}
}

func TestPushDeleteThenRedeleteLeavesOneTombstone(t *testing.T) {
	service, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-1", "A", 1, payloadOf(`{"v":1}`)),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d1 := op("threads", "t1", OperationDelete, "op-2", "A", 2, nil)
	d1.DeviceID = "device-a"
	_, err = service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{d1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d2 := op("threads", "t1", OperationDelete, "op-3", "A", 3, nil)
	d2.DeviceID = "device-b"
	_, err = service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{d2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int64
	if err := db.Model(&Tombstone{}).Where("workspace_id = ? AND table_name = ? AND pk = ?", "ws-1", "threads", "t1").Count(&count).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one tombstone, got %d", count)
	}

	var tombstone Tombstone
	if err := db.Where("workspace_id = ? AND table_name = ? AND pk = ?", "ws-1", "threads", "t1").Take(&tombstone).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tombstone.Clock != 3 {
		t.Fatalf("expected the winning delete's clock=3, got %d", tombstone.Clock)
	}

	var row MaterializedRow
	if err := db.Where("workspace_id = ? AND table_name = ? AND pk = ?", "ws-1", "threads", "t1").Take(&row).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !row.Deleted {
		t.Fatalf("expected materialized row to be marked deleted")
	}
}

func TestPushWorkspaceIsolation(t *testing.T) {
	service, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-A", Ops: []PendingOp{
		op("threads", "shared-pk", OperationPut, "op-1", "A", 1, nil),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = service.Push(ctx, PushBatch{WorkspaceID: "ws-B", Ops: []PendingOp{
		op("threads", "shared-pk", OperationPut, "op-2", "A", 1, nil),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int64
	if err := db.Model(&MaterializedRow{}).Where("table_name = ? AND pk = ?", "threads", "shared-pk").Count(&count).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected two independent materialized rows, got %d", count)
	}
}

func TestPushIdempotentReplayReturnsSameVersion(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	batch := PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-1", "A", 1, nil),
	}}

	first, err := service.Push(ctx, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := service.Push(ctx, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Results[0].ServerVersion != first.Results[0].ServerVersion {
		t.Fatalf("expected replay to observe the same server_version")
	}
	if second.ServerVersion != first.ServerVersion {
		t.Fatalf("expected no counter increment on a pure replay")
	}
}

func TestPushIntraBatchDedupeSharesVersion(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	resp, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "dup-op", "A", 1, nil),
		op("threads", "t1", OperationPut, "dup-op", "A", 1, nil),
		op("threads", "t2", OperationPut, "fresh-op", "A", 1, nil),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ServerVersion != 2 {
		t.Fatalf("expected counter to increment by exactly the distinct-new count (2), got %d", resp.ServerVersion)
	}
	if resp.Results[0].ServerVersion != resp.Results[1].ServerVersion {
		t.Fatalf("expected duplicate op_ids within a batch to share one allocated version")
	}
}

func TestPushUnknownTableRejectsWholeBatch(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	resp, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-1", "A", 1, nil),
		op("not_a_real_table", "t2", OperationPut, "op-2", "A", 1, nil),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ServerVersion != 0 {
		t.Fatalf("expected counter to remain unchanged, got %d", resp.ServerVersion)
	}
	for _, result := range resp.Results {
		if result.Success || result.ErrorCode != "VALIDATION_ERROR" {
			t.Fatalf("expected every result to be rejected, got %+v", result)
		}
	}
}

func TestPushEmptyBatchReportsCurrentCounter(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-1", "A", 1, nil),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: nil})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ServerVersion != 1 || len(resp.Results) != 0 {
		t.Fatalf("expected empty batch to report the current counter untouched, got %+v", resp)
	}
}

func TestPullPagination(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	ops := make([]PendingOp, 0, 5)
	for i := 0; i < 5; i++ {
		ops = append(ops, op("threads", fmt.Sprintf("t%d", i), OperationPut, fmt.Sprintf("op-%d", i), "A", int64(i+1), nil))
	}
	if _, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: ops}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	page1, err := service.Pull(ctx, PullRequest{WorkspaceID: "ws-1", Cursor: 0, Limit: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page1.Changes) != 3 || !page1.HasMore || page1.NextCursor != 3 {
		t.Fatalf("unexpected first page: %+v", page1)
	}

	page2, err := service.Pull(ctx, PullRequest{WorkspaceID: "ws-1", Cursor: 3, Limit: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page2.Changes) != 2 || page2.HasMore || page2.NextCursor != 5 {
		t.Fatalf("unexpected second page: %+v", page2)
	}
}

func TestPullIsOrderedAndExclusiveOfCursor(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	ops := []PendingOp{
		op("threads", "t1", OperationPut, "op-1", "A", 1, nil),
		op("messages", "m1", OperationPut, "op-2", "A", 1, nil),
		op("posts", "p1", OperationPut, "op-3", "A", 1, nil),
	}
	if _, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: ops}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := service.Pull(ctx, PullRequest{WorkspaceID: "ws-1", Cursor: 1, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Changes) != 2 {
		t.Fatalf("expected only changes after cursor=1, got %+v", resp.Changes)
	}
	for i, change := range resp.Changes {
		if change.ServerVersion <= 1 {
			t.Fatalf("pull leaked a change at or before the cursor: %+v", change)
		}
		if i > 0 && resp.Changes[i-1].ServerVersion >= change.ServerVersion {
			t.Fatalf("expected strictly ascending server_version ordering")
		}
	}
}

func TestUpdateCursorIsForwardOnly(t *testing.T) {
	service, db, _ := newTestService(t)
	ctx := context.Background()

	if err := service.UpdateCursor(ctx, "ws-1", "device-a", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.UpdateCursor(ctx, "ws-1", "device-a", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var cursor DeviceCursor
	if err := db.Where("workspace_id = ? AND device_id = ?", "ws-1", "device-a").Take(&cursor).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cursor.LastSeenVersion != 5 {
		t.Fatalf("expected forward-only reconciliation to keep the max, got %d", cursor.LastSeenVersion)
	}

	if err := service.UpdateCursor(ctx, "ws-1", "device-a", 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.Where("workspace_id = ? AND device_id = ?", "ws-1", "device-a").Take(&cursor).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cursor.LastSeenVersion != 9 {
		t.Fatalf("expected cursor to advance to 9, got %d", cursor.LastSeenVersion)
	}
}

func TestGCChangeLogRespectsCursorsAndRetention(t *testing.T) {
	service, db, clock := newTestService(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
			op("threads", fmt.Sprintf("t%d", i), OperationPut, fmt.Sprintf("op-%d", i), "A", int64(i), nil),
		}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Backdate every row past the retention cutoff.
	if err := db.Model(&ChangeLogEntry{}).Where("workspace_id = ?", "ws-1").
		Update("created_at", clock.now.Add(-time.Hour)).Error; err != nil {
		t.Fatalf("unexpected error backdating rows: %v", err)
	}

	if err := service.UpdateCursor(ctx, "ws-1", "device-a", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.UpdateCursor(ctx, "ws-1", "device-b", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deleted, err := service.GCChangeLog(ctx, "ws-1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected exactly the two rows below min_cursor=3 to be deleted, got %d", deleted)
	}

	var remaining []int64
	if err := db.Model(&ChangeLogEntry{}).Where("workspace_id = ?", "ws-1").
		Order("server_version ASC").Pluck("server_version", &remaining).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 3 || remaining[0] != 3 || remaining[1] != 4 || remaining[2] != 5 {
		t.Fatalf("expected server_versions 3,4,5 to survive, got %v", remaining)
	}
}

func TestGCChangeLogSparesRecentRowsRegardlessOfCursor(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.Push(ctx, PushBatch{WorkspaceID: "ws-1", Ops: []PendingOp{
		op("threads", "t1", OperationPut, "op-1", "A", 1, nil),
	}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.UpdateCursor(ctx, "ws-1", "device-a", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deleted, err := service.GCChangeLog(ctx, "ws-1", 3600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected the grace window to spare a freshly created row, got %d deleted", deleted)
	}
}
