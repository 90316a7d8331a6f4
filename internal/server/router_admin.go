package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListAdmins(c *gin.Context) {
	admins, err := h.admin.ListAdmins(c.Request.Context())
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admins": admins})
}

func (h *httpHandler) handleGrantAdmin(c *gin.Context) {
	if err := h.admin.GrantAdmin(c.Request.Context(), currentUserID(c), c.Param("userId")); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRevokeAdmin(c *gin.Context) {
	if err := h.admin.RevokeAdmin(c.Request.Context(), c.Param("userId")); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAdminListWorkspaces(c *gin.Context) {
	search := c.Query("search")
	includeDeleted := c.Query("include_deleted") == "true"
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	workspaces, err := h.admin.ListWorkspaces(c.Request.Context(), search, includeDeleted, limit, offset)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}

func (h *httpHandler) handleAdminRestoreWorkspace(c *gin.Context) {
	if err := h.admin.RestoreWorkspace(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAdminSoftDeleteWorkspace(c *gin.Context) {
	if err := h.admin.SoftDeleteWorkspace(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAdminListMembers(c *gin.Context) {
	members, err := h.admin.ListMembers(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

type memberRolePayload struct {
	Role string `json:"role"`
}

func (h *httpHandler) handleAdminUpsertMember(c *gin.Context) {
	var payload memberRolePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	err := h.admin.UpsertMember(c.Request.Context(), c.Param("id"), c.Param("userId"), payload.Role)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAdminSetMemberRole(c *gin.Context) {
	var payload memberRolePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	err := h.admin.SetMemberRole(c.Request.Context(), c.Param("id"), c.Param("userId"), payload.Role)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAdminRemoveMember(c *gin.Context) {
	if err := h.admin.RemoveMember(c.Request.Context(), c.Param("id"), c.Param("userId")); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAdminSearchUsers(c *gin.Context) {
	query := c.Query("q")
	limit := queryInt(c, "limit", 50)
	users, err := h.admin.SearchUsers(c.Request.Context(), query, limit)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *httpHandler) handleAdminGCStatus(c *gin.Context) {
	status, err := h.admin.GCStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type gcRequestPayload struct {
	WorkspaceID      string `json:"workspace_id"`
	RetentionSeconds int64  `json:"retention_seconds"`
}

func (h *httpHandler) handleGCChangeLog(c *gin.Context) {
	var payload gcRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	deleted, err := h.sync.GCChangeLog(c.Request.Context(), payload.WorkspaceID, payload.RetentionSeconds)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *httpHandler) handleGCTombstones(c *gin.Context) {
	var payload gcRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	deleted, err := h.sync.GCTombstones(c.Request.Context(), payload.WorkspaceID, payload.RetentionSeconds)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
