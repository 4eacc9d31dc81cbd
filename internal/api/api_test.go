package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bay/internal/apierr"
	"bay/internal/cargo"
	"bay/internal/capability"
	"bay/internal/config"
	"bay/internal/driver/drivertest"
	"bay/internal/gc"
	"bay/internal/history"
	"bay/internal/idempotency"
	"bay/internal/runtime"
	"bay/internal/sandboxmgr"
	"bay/internal/session"
	"bay/internal/store"
)

const testOwnerHeader = "X-Bay-Owner"

func testProfiles() []config.ProfileConfig {
	return []config.ProfileConfig{{
		ID: "python-default",
		Containers: []config.ContainerSpec{{
			Name: "ship", Role: "primary", Image: "bay/ship:latest", RuntimeKind: "ship", RuntimePort: 8000,
			Resources: config.ResourceSpec{CPUs: 1, Memory: "512m"}, Capabilities: []string{"shell"},
		}},
		PrimaryFor:  map[string]string{"shell": "ship"},
		IdleTimeout: time.Minute,
	}}
}

func newTestRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	drv := drivertest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapterFactory := func(runtimeKind, endpoint string) (runtime.Adapter, error) {
		return healthyAdapter{}, nil
	}
	sessions := session.NewManager(st, drv, adapterFactory, nil, logger)
	cargos := cargo.NewManager(st, drv, logger)
	sandboxes := sandboxmgr.NewManager(st, sessions, cargos, testProfiles(), logger)
	hist := history.NewService(st)
	capRouter := capability.NewRouter(sandboxes, sessions, testProfiles(), nil, hist, logger)
	idem := idempotency.NewService(st)
	coord := gc.NewCoordinator(st, drv, sandboxes, sessions, cargos, idem, nil, gc.Config{
		IdleSessionInterval: time.Hour, ExpiredSandboxInterval: time.Hour, OrphanCargoInterval: time.Hour,
		OrphanContainerInterval: time.Hour, IdempotencyPurgeInterval: time.Hour, LeaseTTL: time.Minute,
	}, logger)

	r := NewRouter(Dependencies{
		Store: st, Sandboxes: sandboxes, Capability: capRouter, Cargos: cargos, History: hist,
		GC: coord, Idempotency: idem, Profiles: testProfiles(), DevMode: true, OwnerHeader: testOwnerHeader,
	})
	return r, st
}

type healthyAdapter struct{}

func (healthyAdapter) Meta(ctx context.Context) (*runtime.Meta, error) {
	return &runtime.Meta{
		MountPath:    "/workspace",
		APIVersion:   "v1",
		Capabilities: map[string]any{"shell": true},
	}, nil
}
func (healthyAdapter) Health(ctx context.Context) error                { return nil }

func doRequest(r *gin.Engine, method, path, owner, body string, extraHeaders map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set(testOwnerHeader, owner)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointDoesNotRequireOwner(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doRequest(r, "GET", "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSandboxEndpointsRequireOwnerHeader(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doRequest(r, "GET", "/v1/sandboxes", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateGetListDeleteSandbox(t *testing.T) {
	r, _ := newTestRouter(t)

	createRec := doRequest(r, "POST", "/v1/sandboxes", "owner-1", `{"profile_id":"python-default"}`, nil)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created SandboxResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	assert.Equal(t, "owner-1", created.Owner)
	assert.Equal(t, "idle", created.Status)

	getRec := doRequest(r, "GET", "/v1/sandboxes/"+created.ID, "owner-1", "", nil)
	assert.Equal(t, http.StatusOK, getRec.Code)

	listRec := doRequest(r, "GET", "/v1/sandboxes", "owner-1", "", nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	var listBody struct {
		Sandboxes []SandboxResponse `json:"sandboxes"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listBody))
	require.Len(t, listBody.Sandboxes, 1)

	otherOwnerRec := doRequest(r, "GET", "/v1/sandboxes/"+created.ID, "owner-2", "", nil)
	assert.Equal(t, http.StatusNotFound, otherOwnerRec.Code)

	delRec := doRequest(r, "DELETE", "/v1/sandboxes/"+created.ID, "owner-1", "", nil)
	assert.Equal(t, http.StatusNoContent, delRec.Code)

	getAfterDelete := doRequest(r, "GET", "/v1/sandboxes/"+created.ID, "owner-1", "", nil)
	assert.Equal(t, http.StatusNotFound, getAfterDelete.Code)
}

func TestCreateSandboxUnknownProfileReturnsValidationError(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doRequest(r, "POST", "/v1/sandboxes", "owner-1", `{"profile_id":"nonexistent"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(apierr.CodeValidation), body["code"])
}

func TestIdempotencyKeyReplaysCachedResponse(t *testing.T) {
	r, _ := newTestRouter(t)
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first := doRequest(r, "POST", "/v1/sandboxes", "owner-1", `{"profile_id":"python-default"}`, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(r, "POST", "/v1/sandboxes", "owner-1", `{"profile_id":"python-default"}`, headers)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String(), "a replayed idempotency key must return the exact cached response")

	listRec := doRequest(r, "GET", "/v1/sandboxes", "owner-1", "", nil)
	var listBody struct {
		Sandboxes []SandboxResponse `json:"sandboxes"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listBody))
	assert.Len(t, listBody.Sandboxes, 1, "a replayed key must not create a second sandbox")
}

func TestIdempotencyKeyMismatchedBodyIsRejected(t *testing.T) {
	r, _ := newTestRouter(t)
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first := doRequest(r, "POST", "/v1/sandboxes", "owner-1", `{"profile_id":"python-default"}`, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(r, "POST", "/v1/sandboxes", "owner-1", `{"profile_id":"other-profile"}`, headers)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestExternalCargoCreateGetDelete(t *testing.T) {
	r, _ := newTestRouter(t)

	createRec := doRequest(r, "POST", "/v1/cargos", "owner-1", `{"mount_path":"/data","external":true}`, nil)
	require.Equal(t, http.StatusCreated, createRec.Code)
	var created CargoResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	assert.Equal(t, store.CargoExternal, created.Kind)

	getRec := doRequest(r, "GET", "/v1/cargos/"+created.ID, "owner-1", "", nil)
	assert.Equal(t, http.StatusOK, getRec.Code)

	delRec := doRequest(r, "DELETE", "/v1/cargos/"+created.ID, "owner-1", "", nil)
	assert.Equal(t, http.StatusNoContent, delRec.Code)
}

func TestManagedCargoCreationIsRejected(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doRequest(r, "POST", "/v1/cargos", "owner-1", `{"mount_path":"/data","external":false}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCargoEndpointsRejectOtherOwners(t *testing.T) {
	r, _ := newTestRouter(t)

	createRec := doRequest(r, "POST", "/v1/cargos", "owner-1", `{"mount_path":"/data","external":true}`, nil)
	require.Equal(t, http.StatusCreated, createRec.Code)
	var created CargoResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	getRec := doRequest(r, "GET", "/v1/cargos/"+created.ID, "owner-2", "", nil)
	assert.Equal(t, http.StatusNotFound, getRec.Code)

	delRec := doRequest(r, "DELETE", "/v1/cargos/"+created.ID, "owner-2", "", nil)
	assert.Equal(t, http.StatusNotFound, delRec.Code)
}

func TestManagedCargoCannotBeDeletedDirectly(t *testing.T) {
	r, _ := newTestRouter(t)

	createRec := doRequest(r, "POST", "/v1/sandboxes", "owner-1", `{"profile_id":"python-default"}`, nil)
	require.Equal(t, http.StatusCreated, createRec.Code)
	var sb SandboxResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &sb))

	delRec := doRequest(r, "DELETE", "/v1/cargos/"+sb.CargoID, "owner-1", "", nil)
	assert.Equal(t, http.StatusConflict, delRec.Code)
}

func TestProfileListing(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doRequest(r, "GET", "/v1/profiles", "owner-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Profiles []ProfileResponse `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Profiles, 1)
	assert.Equal(t, "python-default", body.Profiles[0].ID)
	assert.Equal(t, []string{"shell"}, body.Profiles[0].Capabilities)
}

func TestAdminHealthAndGCTrigger(t *testing.T) {
	r, _ := newTestRouter(t)

	healthRec := doRequest(r, "GET", "/v1/admin/health", "owner-1", "", nil)
	assert.Equal(t, http.StatusOK, healthRec.Code)

	gcRec := doRequest(r, "POST", "/v1/admin/gc/trigger", "owner-1", "", nil)
	assert.Equal(t, http.StatusAccepted, gcRec.Code)
}
