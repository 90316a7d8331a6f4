package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/syncgateway/workspace/internal/admin"
	"github.com/syncgateway/workspace/internal/auth"
	"github.com/syncgateway/workspace/internal/identity"
	syncgw "github.com/syncgateway/workspace/internal/sync"
	"github.com/syncgateway/workspace/internal/workspace"

	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

const testRouterSigningSecret = "router-test-secret"
const testRouterIssuer = "syncgw-session"

func newTestRouter(t *testing.T) (http.Handler, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	err = db.AutoMigrate(
		&identity.User{}, &identity.AuthAccount{},
		&workspace.Workspace{}, &workspace.Member{}, &workspace.Invite{}, &workspace.Setting{},
		&admin.AdminUser{},
		&syncgw.Counter{}, &syncgw.ChangeLogEntry{}, &syncgw.DeviceCursor{}, &syncgw.Tombstone{}, &syncgw.MaterializedRow{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	identityService, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct identity service: %v", err)
	}
	workspaceService, err := workspace.NewService(workspace.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct workspace service: %v", err)
	}
	syncService, err := syncgw.NewService(syncgw.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}
	adminService, err := admin.NewService(admin.ServiceConfig{Database: db, Workspace: workspaceService, Sync: syncService})
	if err != nil {
		t.Fatalf("failed to construct admin service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testRouterSigningSecret),
		Issuer:        testRouterIssuer,
		CookieName:    "sync_session",
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Identity:         identityService,
		Workspace:        workspaceService,
		Sync:             syncService,
		Admin:            adminService,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler, db
}

func sessionTokenFor(t *testing.T, providerUserID, email string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		Provider:  "test-provider",
		UserEmail: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testRouterIssuer,
			Subject:   providerUserID,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testRouterSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign test session token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, handler http.Handler, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestRouterHealthzIsUnauthenticated(t *testing.T) {
	handler, _ := newTestRouter(t)
	recorder := doRequest(t, handler, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestRouterRejectsMissingSession(t *testing.T) {
	handler, _ := newTestRouter(t)
	recorder := doRequest(t, handler, http.MethodGet, "/v1/workspaces", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestRouterCreateWorkspaceThenPushPullCursor(t *testing.T) {
	handler, _ := newTestRouter(t)
	token := sessionTokenFor(t, "user-1", "user1@example.com")

	createResp := doRequest(t, handler, http.MethodPost, "/v1/workspaces", token, createWorkspacePayload{Name: "Alpha"})
	if createResp.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating workspace, got %d: %s", createResp.Code, createResp.Body.String())
	}
	var created struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := json.Unmarshal(createResp.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}

	pushBody := pushRequestPayload{Ops: []pushOpPayload{
		{TableName: "threads", Operation: syncgw.OperationPut, PK: "thread-1", DeviceID: "device-a", OpID: "op-1", HLC: "A", Clock: 1},
	}}
	pushResp := doRequest(t, handler, http.MethodPost, "/v1/workspaces/"+created.WorkspaceID+"/sync/push", token, pushBody)
	if pushResp.Code != http.StatusOK {
		t.Fatalf("expected 200 pushing change, got %d: %s", pushResp.Code, pushResp.Body.String())
	}
	var pushed syncgw.PushResponse
	if err := json.Unmarshal(pushResp.Body.Bytes(), &pushed); err != nil {
		t.Fatalf("failed to decode push response: %v", err)
	}
	if len(pushed.Results) != 1 || !pushed.Results[0].Success {
		t.Fatalf("expected a single successful push result, got %+v", pushed)
	}

	pullResp := doRequest(t, handler, http.MethodGet, "/v1/workspaces/"+created.WorkspaceID+"/sync/pull?cursor=0", token, nil)
	if pullResp.Code != http.StatusOK {
		t.Fatalf("expected 200 pulling changes, got %d: %s", pullResp.Code, pullResp.Body.String())
	}
	var pulled syncgw.PullResponse
	if err := json.Unmarshal(pullResp.Body.Bytes(), &pulled); err != nil {
		t.Fatalf("failed to decode pull response: %v", err)
	}
	if len(pulled.Changes) != 1 || pulled.Changes[0].PK != "thread-1" {
		t.Fatalf("expected one pulled change for thread-1, got %+v", pulled)
	}

	cursorResp := doRequest(t, handler, http.MethodPost, "/v1/workspaces/"+created.WorkspaceID+"/sync/cursor", token,
		updateCursorPayload{DeviceID: "device-b", Version: pulled.NextCursor})
	if cursorResp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 updating cursor, got %d: %s", cursorResp.Code, cursorResp.Body.String())
	}
}

func TestRouterAdminRoutesRequireAdmin(t *testing.T) {
	handler, _ := newTestRouter(t)
	token := sessionTokenFor(t, "user-2", "user2@example.com")

	recorder := doRequest(t, handler, http.MethodGet, "/v1/admin/admins", token, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin caller, got %d: %s", recorder.Code, recorder.Body.String())
	}
}
