// Package server exposes the sync gateway and workspace store over HTTP.
// Every handler extracts the caller's identity from the validated session,
// delegates to one of the core services, and maps apperr.Kind to a status
// code.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/syncgateway/workspace/internal/admin"
	"github.com/syncgateway/workspace/internal/apperr"
	"github.com/syncgateway/workspace/internal/auth"
	"github.com/syncgateway/workspace/internal/identity"
	syncgw "github.com/syncgateway/workspace/internal/sync"
	"github.com/syncgateway/workspace/internal/workspace"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	contextKeyUserID = "syncgw_user_id"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentityService  = errors.New("identity service dependency required")
	errMissingWorkspaceService = errors.New("workspace service dependency required")
	errMissingSyncService      = errors.New("sync service dependency required")
	errMissingAdminService     = errors.New("admin service dependency required")
)

// Dependencies are the core services the HTTP layer binds to. None are
// optional: every route exercises at least one of them.
type Dependencies struct {
	SessionValidator *auth.SessionValidator
	Identity         *identity.Service
	Workspace        *workspace.Service
	Sync             *syncgw.Service
	Admin            *admin.Service
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync gateway and workspace
// store, wiring session authentication ahead of every protected route.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Identity == nil {
		return nil, errMissingIdentityService
	}
	if deps.Workspace == nil {
		return nil, errMissingWorkspaceService
	}
	if deps.Sync == nil {
		return nil, errMissingSyncService
	}
	if deps.Admin == nil {
		return nil, errMissingAdminService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	h := &httpHandler{
		sessions:  deps.SessionValidator,
		identity:  deps.Identity,
		workspace: deps.Workspace,
		sync:      deps.Sync,
		admin:     deps.Admin,
		logger:    logger,
	}

	router.GET("/healthz", h.handleHealthz)

	protected := router.Group("/v1")
	protected.Use(h.authenticate)
	{
		protected.GET("/workspaces", h.handleListWorkspaces)
		protected.POST("/workspaces", h.handleCreateWorkspace)
		protected.GET("/workspaces/:id", h.handleGetWorkspace)
		protected.PATCH("/workspaces/:id", h.handleUpdateWorkspace)
		protected.DELETE("/workspaces/:id", h.handleRemoveWorkspace)
		protected.POST("/workspaces/:id/active", h.handleSetActiveWorkspace)

		protected.GET("/workspaces/:id/settings/:key", h.handleGetSetting)
		protected.PUT("/workspaces/:id/settings/:key", h.handleSetSetting)

		protected.POST("/workspaces/:id/invites", h.handleCreateInvite)
		protected.GET("/workspaces/:id/invites", h.handleListInvites)
		protected.DELETE("/invites/:inviteId", h.handleRevokeInvite)
		protected.POST("/invites/consume", h.handleConsumeInvite)

		protected.POST("/workspaces/:id/sync/push", h.handlePush)
		protected.GET("/workspaces/:id/sync/pull", h.handlePull)
		protected.POST("/workspaces/:id/sync/cursor", h.handleUpdateCursor)

		adminGroup := protected.Group("/admin")
		adminGroup.Use(h.requireAdmin)
		{
			adminGroup.GET("/admins", h.handleListAdmins)
			adminGroup.POST("/admins/:userId", h.handleGrantAdmin)
			adminGroup.DELETE("/admins/:userId", h.handleRevokeAdmin)

			adminGroup.GET("/workspaces", h.handleAdminListWorkspaces)
			adminGroup.POST("/workspaces/:id/restore", h.handleAdminRestoreWorkspace)
			adminGroup.DELETE("/workspaces/:id", h.handleAdminSoftDeleteWorkspace)

			adminGroup.GET("/workspaces/:id/members", h.handleAdminListMembers)
			adminGroup.PUT("/workspaces/:id/members/:userId", h.handleAdminUpsertMember)
			adminGroup.PATCH("/workspaces/:id/members/:userId", h.handleAdminSetMemberRole)
			adminGroup.DELETE("/workspaces/:id/members/:userId", h.handleAdminRemoveMember)

			adminGroup.GET("/users", h.handleAdminSearchUsers)
			adminGroup.GET("/workspaces/:id/gc-status", h.handleAdminGCStatus)
			adminGroup.POST("/gc/change-log", h.handleGCChangeLog)
			adminGroup.POST("/gc/tombstones", h.handleGCTombstones)
		}
	}

	return router, nil
}

type httpHandler struct {
	sessions  *auth.SessionValidator
	identity  *identity.Service
	workspace *workspace.Service
	sync      *syncgw.Service
	admin     *admin.Service
	logger    *zap.Logger
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authenticate validates the session token and resolves it to a canonical
// user id via the identity store, making every downstream handler free of
// provider concerns.
func (h *httpHandler) authenticate(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	provider, providerUserID, email, displayName := h.sessions.IdentityTuple(claims)
	userID, err := h.identity.ResolveOrCreateUser(c.Request.Context(), provider, providerUserID, email, displayName)
	if err != nil {
		h.logger.Error("failed to resolve session identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}

	c.Set(contextKeyUserID, userID)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	userID := c.GetString(contextKeyUserID)
	isAdmin, err := h.admin.IsAdmin(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	if !isAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden_role"})
		return
	}
	c.Next()
}

// writeServiceError maps an apperr.Kind to an HTTP status: validation->400,
// forbidden_*/not_member->403, not_found->404, conflict->409,
// idempotent_replay->200, everything else->500.
func writeServiceError(c *gin.Context, logger *zap.Logger, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		logger.Error("unmapped service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	switch appErr.Kind {
	case apperr.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": string(appErr.Kind)})
	case apperr.KindForbiddenRole, apperr.KindForbiddenOwner, apperr.KindNotMember:
		c.JSON(http.StatusForbidden, gin.H{"error": string(appErr.Kind)})
	case apperr.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": string(appErr.Kind)})
	case apperr.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": string(appErr.Kind)})
	case apperr.KindIdempotentReplay:
		c.JSON(http.StatusOK, gin.H{"error": string(appErr.Kind)})
	default:
		logger.Error("internal service error", zap.String("op", appErr.Op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

func currentUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func queryInt64(c *gin.Context, key string, fallback int64) int64 {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func queryStringSlice(c *gin.Context, key string) []string {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
