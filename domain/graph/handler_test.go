package graph

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/tenant"
)

type apiClient struct {
	t      *testing.T
	e      *echo.Echo
	env    *testEnv
	branch string
}

func newAPIClient(t *testing.T, env *testEnv) *apiClient {
	e := echo.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(discardLogger())
	RegisterRoutes(e, NewHandler(env.objects, env.rels, env.traversal, env.merge))
	return &apiClient{t: t, e: e, env: env}
}

func (c *apiClient) do(method, path, body string) (int, map[string]any) {
	c.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(tenant.HeaderProjectID, c.env.project.String())
	req.Header.Set(tenant.HeaderActorID, "user-1")
	if c.branch != "" {
		req.Header.Set(tenant.HeaderBranchID, c.branch)
	}
	rec := httptest.NewRecorder()
	c.e.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "response has no error object: %v", body)
	return errObj["code"].(string)
}

// =============================================================================
// Objects
// =============================================================================

func TestHandler_ObjectLifecycle(t *testing.T) {
	api := newAPIClient(t, newTestEnv(t))

	code, body := api.do(http.MethodPost, "/api/graph/objects", `{"type":"Person","properties":{"name":"Ada"}}`)
	require.Equal(t, http.StatusCreated, code)
	id := body["canonical_id"].(string)
	assert.Equal(t, body["id"], id)
	assert.EqualValues(t, 1, body["version"])
	assert.Equal(t, "user-1", body["actor_id"])
	assert.NotEmpty(t, body["content_hash"])

	code, body = api.do(http.MethodPatch, "/api/graph/objects/"+id, `{"expectedVersion":1,"properties":{"age":36}}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["version"])
	assert.Equal(t, map[string]any{"name": "Ada", "age": float64(36)}, body["properties"])

	code, body = api.do(http.MethodPatch, "/api/graph/objects/"+id, `{"expectedVersion":1,"properties":{"age":37}}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "version_conflict", errorCode(t, body))

	code, body = api.do(http.MethodDelete, "/api/graph/objects/"+id+"?expectedVersion=2", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["version"])
	assert.NotNil(t, body["deleted_at"])

	code, body = api.do(http.MethodGet, "/api/graph/objects/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", errorCode(t, body))

	code, body = api.do(http.MethodPost, "/api/graph/objects/"+id+"/restore", `{"expectedVersion":3}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 4, body["version"])

	code, body = api.do(http.MethodGet, "/api/graph/objects/"+id+"/history?limit=2", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 2)
	assert.EqualValues(t, 3, body["next_cursor"])

	code, body = api.do(http.MethodGet, "/api/graph/objects?type=Person", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)
}

func TestHandler_UpsertObject(t *testing.T) {
	api := newAPIClient(t, newTestEnv(t))

	code, body := api.do(http.MethodPut, "/api/graph/objects", `{"type":"Person","key":"ada","properties":{"name":"Ada"}}`)
	require.Equal(t, http.StatusCreated, code)
	id := body["canonical_id"]

	code, body = api.do(http.MethodPut, "/api/graph/objects", `{"type":"Person","key":"ada","properties":{"age":36}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["canonical_id"])
	assert.EqualValues(t, 2, body["version"])
}

func TestHandler_RequestErrors(t *testing.T) {
	env := newTestEnv(t)
	api := newAPIClient(t, env)

	code, body := api.do(http.MethodGet, "/api/graph/objects/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", errorCode(t, body))

	code, _ = api.do(http.MethodPost, "/api/graph/objects", `{"type":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = api.do(http.MethodPost, "/api/graph/objects", `{"type":"Person","properties":[1]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", errorCode(t, body))

	api.branch = uuid.NewString()
	code, _ = api.do(http.MethodPost, "/api/graph/objects", `{"type":"Person"}`)
	assert.Equal(t, http.StatusNotFound, code)

	// No project header at all.
	req := httptest.NewRequest(http.MethodGet, "/api/graph/objects", nil)
	rec := httptest.NewRecorder()
	api.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Relationships and Traversal
// =============================================================================

func TestHandler_Relationships(t *testing.T) {
	env := newTestEnv(t)
	api := newAPIClient(t, env)
	ada := env.person(t, env.ctx, "Ada")
	bob := env.person(t, env.ctx, "Bob")

	code, body := api.do(http.MethodPost, "/api/graph/relationships",
		`{"type":"KNOWS","src_id":"`+ada.ID.String()+`","dst_id":"`+bob.ID.String()+`"}`)
	require.Equal(t, http.StatusCreated, code)
	relID := body["canonical_id"].(string)

	code, body = api.do(http.MethodPost, "/api/graph/relationships",
		`{"type":"KNOWS","src_id":"`+ada.ID.String()+`","dst_id":"`+ada.ID.String()+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "validation_failed", errorCode(t, body))

	code, body = api.do(http.MethodPost, "/api/graph/relationships", `{"type":"KNOWS"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", errorCode(t, body))

	code, body = api.do(http.MethodGet, "/api/graph/objects/"+ada.CanonicalID.String()+"/edges?direction=out", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["edges"], 1)
	code, body = api.do(http.MethodGet, "/api/graph/objects/"+ada.CanonicalID.String()+"/edges?direction=in", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["edges"])

	code, body = api.do(http.MethodPost, "/api/graph/expand",
		`{"root_ids":["`+ada.CanonicalID.String()+`"],"max_depth":2}`)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["nodes"], 2)

	code, _ = api.do(http.MethodDelete, "/api/graph/relationships/"+relID+"?expectedVersion=1", "")
	require.Equal(t, http.StatusOK, code)
	code, body = api.do(http.MethodPost, "/api/graph/relationships/"+relID+"/restore", `{"expectedVersion":2}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["version"])
}

func TestHandler_TraverseRootLimit(t *testing.T) {
	api := newAPIClient(t, newTestEnv(t))
	ids := make([]string, maxRootIDs+1)
	for i := range ids {
		ids[i] = `"` + uuid.NewString() + `"`
	}
	code, body := api.do(http.MethodPost, "/api/graph/traverse", `{"root_ids":[`+strings.Join(ids, ",")+`]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", errorCode(t, body))
}

// =============================================================================
// Merge
// =============================================================================

func TestHandler_MergeBranch(t *testing.T) {
	env := newTestEnv(t)
	api := newAPIClient(t, env)
	ada := env.person(t, env.ctx, "Ada")
	branch := env.fork(t, "feature")
	env.patch(t, env.on(branch), ada, Properties{"age": Number(36)})

	code, body := api.do(http.MethodPost, "/api/graph/branches/trunk/merge", `{"source_branch_id":"`+branch.String()+`"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["dry_run"])
	assert.Nil(t, body["applied"])
	counts := body["object_counts"].(map[string]any)
	assert.EqualValues(t, 1, counts["fast_forward"])

	code, body = api.do(http.MethodPost, "/api/graph/branches/trunk/merge", `{"source_branch_id":"`+branch.String()+`","execute":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["dry_run"])
	applied := body["applied"].(map[string]any)
	assert.EqualValues(t, 1, applied["objects"])

	code, _ = api.do(http.MethodPost, "/api/graph/branches/nope/merge", `{"source_branch_id":"`+branch.String()+`"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = api.do(http.MethodPost, "/api/graph/branches/"+uuid.NewString()+"/merge", `{"source_branch_id":"`+branch.String()+`"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", errorCode(t, body))
}
