package server

import (
	"net/http"

	syncgw "github.com/syncgateway/workspace/internal/sync"

	"github.com/gin-gonic/gin"
)

type pushOpPayload struct {
	TableName string  `json:"table_name"`
	Operation string  `json:"operation"`
	PK        string  `json:"pk"`
	Payload   *string `json:"payload"`
	DeviceID  string  `json:"device_id"`
	OpID      string  `json:"op_id"`
	HLC       string  `json:"hlc"`
	Clock     int64   `json:"clock"`
}

type pushRequestPayload struct {
	Ops []pushOpPayload `json:"ops"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	var payload pushRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}

	ops := make([]syncgw.PendingOp, 0, len(payload.Ops))
	for _, op := range payload.Ops {
		ops = append(ops, syncgw.PendingOp{
			TableName: op.TableName,
			Operation: op.Operation,
			PK:        op.PK,
			Payload:   op.Payload,
			DeviceID:  op.DeviceID,
			OpID:      op.OpID,
			HLC:       op.HLC,
			Clock:     op.Clock,
		})
	}

	response, err := h.sync.Push(c.Request.Context(), syncgw.PushBatch{WorkspaceID: c.Param("id"), Ops: ops})
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePull(c *gin.Context) {
	req := syncgw.PullRequest{
		WorkspaceID: c.Param("id"),
		Cursor:      queryInt64(c, "cursor", 0),
		Limit:       queryInt(c, "limit", 1000),
		Tables:      queryStringSlice(c, "tables"),
	}
	response, err := h.sync.Pull(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

type updateCursorPayload struct {
	DeviceID string `json:"device_id"`
	Version  int64  `json:"version"`
}

func (h *httpHandler) handleUpdateCursor(c *gin.Context) {
	var payload updateCursorPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	err := h.sync.UpdateCursor(c.Request.Context(), c.Param("id"), payload.DeviceID, payload.Version)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
