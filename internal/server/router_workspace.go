package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type createWorkspacePayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *httpHandler) handleListWorkspaces(c *gin.Context) {
	summaries, err := h.workspace.ListUserWorkspaces(c.Request.Context(), currentUserID(c))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": summaries})
}

func (h *httpHandler) handleCreateWorkspace(c *gin.Context) {
	var payload createWorkspacePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	workspaceID, err := h.workspace.CreateWorkspace(c.Request.Context(), currentUserID(c), payload.Name, payload.Description)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workspace_id": workspaceID})
}

func (h *httpHandler) handleGetWorkspace(c *gin.Context) {
	workspaceID := c.Param("id")
	if _, err := h.workspace.GetWorkspaceRole(c.Request.Context(), currentUserID(c), workspaceID); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	ws, err := h.workspace.GetWorkspace(c.Request.Context(), workspaceID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *httpHandler) handleUpdateWorkspace(c *gin.Context) {
	var payload createWorkspacePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	err := h.workspace.UpdateWorkspace(c.Request.Context(), currentUserID(c), c.Param("id"), payload.Name, payload.Description)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveWorkspace(c *gin.Context) {
	if err := h.workspace.RemoveWorkspace(c.Request.Context(), currentUserID(c), c.Param("id")); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSetActiveWorkspace(c *gin.Context) {
	if err := h.workspace.SetActiveWorkspace(c.Request.Context(), currentUserID(c), c.Param("id")); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetSetting(c *gin.Context) {
	value, err := h.workspace.GetSetting(c.Request.Context(), c.Param("id"), c.Param("key"))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	if value == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": *value})
}

type setSettingPayload struct {
	Value string `json:"value"`
}

func (h *httpHandler) handleSetSetting(c *gin.Context) {
	var payload setSettingPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	err := h.workspace.SetSetting(c.Request.Context(), c.Param("id"), c.Param("key"), payload.Value)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createInvitePayload struct {
	Email      string `json:"email"`
	Role       string `json:"role"`
	TTLMinutes int64  `json:"ttl_minutes"`
}

func (h *httpHandler) handleCreateInvite(c *gin.Context) {
	var payload createInvitePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	ttl := time.Duration(payload.TTLMinutes) * time.Minute
	invite, token, err := h.workspace.CreateInvite(c.Request.Context(), c.Param("id"), currentUserID(c), payload.Email, payload.Role, ttl)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invite": invite, "token": token})
}

func (h *httpHandler) handleListInvites(c *gin.Context) {
	invites, err := h.workspace.ListInvites(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invites": invites})
}

func (h *httpHandler) handleRevokeInvite(c *gin.Context) {
	if err := h.workspace.RevokeInvite(c.Request.Context(), c.Param("inviteId")); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type consumeInvitePayload struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

func (h *httpHandler) handleConsumeInvite(c *gin.Context) {
	var payload consumeInvitePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	workspaceID, err := h.workspace.ConsumeInvite(c.Request.Context(), currentUserID(c), payload.Email, payload.Token)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace_id": workspaceID})
}
