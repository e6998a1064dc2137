package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dataflowhq/dataflow/internal/config"
	"github.com/dataflowhq/dataflow/internal/events"
	"github.com/dataflowhq/dataflow/internal/model"
	"github.com/dataflowhq/dataflow/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		CORSOrigin:      "*",
		DefaultPageSize: 100,
		MaxPageSize:     1000,
		User: config.User{
			ID:    "1",
			Email: "user@local",
			Name:  "Local User",
			Role:  "admin",
		},
		GitLab: config.GitLab{Branch: "main"},
	}
}

func newTestServer(ms *mockStore) (*Server, *recordingPublisher, http.Handler) {
	pub := &recordingPublisher{}
	srv := New(ms, pub, testConfig())
	return srv, pub, srv.NewHTTPHandler()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reqBody = bytes.NewBuffer(encoded)
	} else {
		reqBody = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestListEntitiesOffsetMode(t *testing.T) {
	ms := newMockStore()
	ms.add("pipeline", map[string]any{"name": "a"})
	ms.add("pipeline", map[string]any{"name": "b"})
	_, _, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodGet, "/api/entities/Pipeline?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	records := decodeBody[[]map[string]any](t, rec)
	if len(records) != 2 {
		t.Fatalf("records = %v", records)
	}
	if records[0]["id"] != "2" {
		t.Errorf("first id = %v, want newest first", records[0]["id"])
	}
	if ms.lastOpts.Limit != 10 {
		t.Errorf("limit passed = %d", ms.lastOpts.Limit)
	}
}

func TestListEntitiesLimitClamped(t *testing.T) {
	ms := newMockStore()
	_, _, handler := newTestServer(ms)

	for _, tc := range []struct {
		raw  string
		want int
	}{
		{raw: "0", want: 1},
		{raw: "-5", want: 1},
		{raw: "9999", want: 1000},
		{raw: "abc", want: 100},
		{raw: "", want: 100},
	} {
		path := "/api/entities/Pipeline"
		if tc.raw != "" {
			path += "?limit=" + tc.raw
		}
		rec := doJSON(t, handler, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("limit=%q status = %d", tc.raw, rec.Code)
		}
		if ms.lastOpts.Limit != tc.want {
			t.Errorf("limit=%q passed = %d, want %d", tc.raw, ms.lastOpts.Limit, tc.want)
		}
	}
}

func TestListEntitiesUnknownEntity(t *testing.T) {
	_, _, handler := newTestServer(newMockStore())

	rec := doJSON(t, handler, http.MethodGet, "/api/entities/User", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListEntitiesMissingTableIsEmpty(t *testing.T) {
	ms := newMockStore()
	ms.listErr = store.ErrNoTable
	_, _, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodGet, "/api/entities/Pipeline", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	records := decodeBody[[]map[string]any](t, rec)
	if len(records) != 0 {
		t.Errorf("records = %v, want empty", records)
	}
}

func TestListEntitiesCursorMode(t *testing.T) {
	ms := newMockStore()
	for i := 0; i < 5; i++ {
		ms.add("pipeline", map[string]any{})
	}
	_, _, handler := newTestServer(ms)

	// Empty cursor value starts from the top.
	rec := doJSON(t, handler, http.MethodGet, "/api/entities/Pipeline?cursor=&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	page := decodeBody[struct {
		Items      []map[string]any `json:"items"`
		NextCursor *string          `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}](t, rec)
	if len(page.Items) != 2 {
		t.Fatalf("items = %v", page.Items)
	}
	if page.Items[0]["id"] != "5" || page.Items[1]["id"] != "4" {
		t.Errorf("items out of order: %v", page.Items)
	}
	if page.NextCursor == nil || *page.NextCursor != "4" {
		t.Errorf("nextCursor = %v, want \"4\"", page.NextCursor)
	}
	if !page.HasMore {
		t.Error("hasMore = false, want true for a full page")
	}

	// Follow the cursor to the final short page.
	rec = doJSON(t, handler, http.MethodGet, "/api/entities/Pipeline?cursor=2&limit=2", nil)
	page = decodeBody[struct {
		Items      []map[string]any `json:"items"`
		NextCursor *string          `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}](t, rec)
	if len(page.Items) != 1 || page.Items[0]["id"] != "1" {
		t.Fatalf("items = %v", page.Items)
	}
	if page.HasMore {
		t.Error("hasMore = true on a short page")
	}
}

func TestListEntitiesInvalidCursor(t *testing.T) {
	_, _, handler := newTestServer(newMockStore())

	rec := doJSON(t, handler, http.MethodGet, "/api/entities/Pipeline?cursor=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestFilterEntities(t *testing.T) {
	ms := newMockStore()
	ms.add("pipeline", map[string]any{"status": "active"})
	_, _, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodPost, "/api/entities/Pipeline/filter", map[string]any{
		"query": map[string]any{"status": "active"},
		"sort":  "-name",
		"limit": 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ms.lastFilter == nil || len(ms.lastFilter.Conds) != 1 {
		t.Fatalf("filter = %+v", ms.lastFilter)
	}
	if ms.lastOpts.Sort != "-name" || ms.lastOpts.Limit != 10 {
		t.Errorf("opts = %+v", ms.lastOpts)
	}
}

func TestFilterEntitiesBadOperator(t *testing.T) {
	_, _, handler := newTestServer(newMockStore())

	rec := doJSON(t, handler, http.MethodPost, "/api/entities/Pipeline/filter", map[string]any{
		"query": map[string]any{"status": map[string]any{"$gt": 5}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestBatchCreate(t *testing.T) {
	ms := newMockStore()
	_, pub, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodPost, "/api/entities/IngestionJob/batch", map[string]any{
		"items": []any{map[string]any{"a": "1"}, map[string]any{"b": "2"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	records := decodeBody[[]map[string]any](t, rec)
	if len(records) != 2 {
		t.Fatalf("records = %v", records)
	}
	if len(pub.topics) != 2 || pub.topics[0] != events.TopicEntityCreated {
		t.Errorf("published = %v", pub.topics)
	}
}

func TestBatchCreateSizeErrors(t *testing.T) {
	_, _, handler := newTestServer(newMockStore())

	rec := doJSON(t, handler, http.MethodPost, "/api/entities/IngestionJob/batch", map[string]any{
		"items": []any{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	errResp := decodeBody[map[string]string](t, rec)
	if errResp["error"] != "Request body must contain a non-empty items array" {
		t.Errorf("error = %q", errResp["error"])
	}

	items := make([]any, 101)
	for i := range items {
		items[i] = map[string]any{}
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/entities/IngestionJob/batch", map[string]any{"items": items})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	errResp = decodeBody[map[string]string](t, rec)
	if errResp["error"] != "Batch size limited to 100 items" {
		t.Errorf("error = %q", errResp["error"])
	}
}

func TestGetEntity(t *testing.T) {
	ms := newMockStore()
	row := ms.add("connection", map[string]any{"name": "wh", "password": "secret"})
	_, _, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodGet, "/api/entities/Connection/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	record := decodeBody[map[string]any](t, rec)
	if record["password"] != model.RedactionMarker {
		t.Errorf("password = %v, want redacted", record["password"])
	}
	if row.Data["password"] != "secret" {
		t.Error("stored secret mutated")
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/entities/Connection/999", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing id status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/entities/Connection/abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestCreateEntityDefaultsCreatedBy(t *testing.T) {
	ms := newMockStore()
	_, pub, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodPost, "/api/entities/Pipeline", map[string]any{"name": "etl"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	record := decodeBody[map[string]any](t, rec)
	if record["created_by"] != "user@local" {
		t.Errorf("created_by = %v, want configured user", record["created_by"])
	}
	if len(pub.topics) != 1 || pub.topics[0] != events.TopicEntityCreated {
		t.Errorf("published = %v", pub.topics)
	}
}

func TestUpdateEntityStripsMarkers(t *testing.T) {
	ms := newMockStore()
	ms.add("connection", map[string]any{"name": "wh", "password": "secret"})
	_, _, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodPut, "/api/entities/Connection/1", map[string]any{
		"name":       "renamed",
		"password":   model.RedactionMarker,
		"id":         "1",
		"created_by": "spoof",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, ok := ms.lastUpdate["password"]; ok {
		t.Error("marker-valued password reached the store")
	}
	if _, ok := ms.lastUpdate["id"]; ok {
		t.Error("system field reached the store")
	}
	if ms.lastUpdate["name"] != "renamed" {
		t.Errorf("update = %v", ms.lastUpdate)
	}
	if ms.tables["connection"][1].Data["password"] != "secret" {
		t.Error("stored secret overwritten")
	}
}

func TestDeleteEntity(t *testing.T) {
	ms := newMockStore()
	ms.add("pipeline", map[string]any{})
	_, pub, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodDelete, "/api/entities/Pipeline/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(pub.topics) != 1 || pub.topics[0] != events.TopicEntityDeleted {
		t.Errorf("published = %v", pub.topics)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/entities/Pipeline/1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestFunctionSearchActivityLogs(t *testing.T) {
	ms := newMockStore()
	ms.add("activity_log", map[string]any{"message": "timeout"})
	_, _, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodPost, "/api/functions/searchActivityLogs", map[string]any{
		"searchTerm": "timeout",
		"filters":    map[string]any{"category": "error", "empty": ""},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	page := decodeBody[struct {
		Items      []map[string]any `json:"items"`
		NextCursor *string          `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}](t, rec)
	if len(page.Items) != 1 || page.NextCursor != nil || page.HasMore {
		t.Errorf("page = %+v", page)
	}
	if ms.lastSearch.Table != "activity_log" || ms.lastSearch.Term != "timeout" {
		t.Errorf("search = %+v", ms.lastSearch)
	}
	if ms.lastSearch.Limit != 50 {
		t.Errorf("limit = %d, want default 50", ms.lastSearch.Limit)
	}
	if _, ok := ms.lastSearch.Filters["empty"]; ok {
		t.Error("empty filter value reached the store")
	}
	if ms.lastSearch.Filters["category"] != "error" {
		t.Errorf("filters = %v", ms.lastSearch.Filters)
	}
}

func TestFunctionSearchPipelinesFlatArray(t *testing.T) {
	ms := newMockStore()
	ms.add("pipeline", map[string]any{"name": "etl"})
	_, _, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodPost, "/api/functions/searchPipelines", map[string]any{
		"searchTerm": "etl",
		"limit":      5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "[") {
		t.Errorf("body = %s, want flat array", rec.Body.String())
	}
	if ms.lastSearch.Limit != 5 {
		t.Errorf("limit = %d", ms.lastSearch.Limit)
	}
}

func TestFunctionStubs(t *testing.T) {
	_, _, handler := newTestServer(newMockStore())

	rec := doJSON(t, handler, http.MethodPost, "/api/functions/triggerDependentPipelines", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[map[string]any](t, rec)
	if triggered, ok := resp["triggered"].([]any); !ok || len(triggered) != 0 {
		t.Errorf("triggered = %v", resp["triggered"])
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/functions/syncAirflowDagsAsync", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	sync := decodeBody[map[string]string](t, rec)
	if sync["status"] != "sync_not_available" {
		t.Errorf("status = %q, want sync_not_available", sync["status"])
	}
	if sync["message"] != "Airflow sync not configured in local environment" {
		t.Errorf("message = %q", sync["message"])
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/functions/generateLineage", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	lineage := decodeBody[map[string]string](t, rec)
	if lineage["error"] != "Lineage feature has been removed" {
		t.Errorf("error = %q", lineage["error"])
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/functions/doesNotExist", map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown function status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	ms := newMockStore()
	_, _, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	ms.pingErr = errDatabaseDown
	rec = doJSON(t, handler, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", rec.Code)
	}
	resp := decodeBody[map[string]any](t, rec)
	if resp["status"] != "degraded" {
		t.Errorf("status field = %v", resp["status"])
	}
}

func TestAuthMe(t *testing.T) {
	_, _, handler := newTestServer(newMockStore())

	rec := doJSON(t, handler, http.MethodGet, "/api/auth/me", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[map[string]any](t, rec)
	if resp["email"] != "user@local" || resp["is_authenticated"] != true {
		t.Errorf("resp = %v", resp)
	}
}

func TestPurgeLogsDefaultDays(t *testing.T) {
	ms := newMockStore()
	_, _, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodPost, "/api/admin/purge-logs", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ms.purgedDays != 30 {
		t.Errorf("days = %d, want default 30", ms.purgedDays)
	}
	resp := decodeBody[map[string]any](t, rec)
	if resp["deleted"] != float64(7) {
		t.Errorf("deleted = %v", resp["deleted"])
	}
}

func TestAdminAuth(t *testing.T) {
	cfg := testConfig()
	cfg.AdminToken = "sekrit"
	srv := New(newMockStore(), &recordingPublisher{}, cfg)
	handler := srv.NewHTTPHandler()

	// Non-admin routes pass without a token.
	rec := doJSON(t, handler, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	// Admin routes without a token are rejected.
	rec = doJSON(t, handler, http.MethodGet, "/api/admin/data-model", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/data-model", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong-token status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/data-model", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("good-token status = %d, want 200", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, _, handler := newTestServer(newMockStore())

	req := httptest.NewRequest(http.MethodOptions, "/api/entities/Pipeline", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestAirflowConnectionsSecretsStripped(t *testing.T) {
	ms := newMockStore()
	ms.add("connection", map[string]any{
		"name":     "prod airflow",
		"platform": "airflow",
		"host":     "https://airflow.example.com",
		"password": "secret",
		"api_token": "tok",
	})
	_, _, handler := newTestServer(ms)

	rec := doJSON(t, handler, http.MethodGet, "/api/airflow/connections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	records := decodeBody[[]map[string]any](t, rec)
	if len(records) != 1 {
		t.Fatalf("records = %v", records)
	}
	for _, field := range []string{"password", "api_token", "airflow_password", "connection_string"} {
		if _, ok := records[0][field]; ok {
			t.Errorf("secret field %q present in response", field)
		}
	}
	if records[0]["host"] != "https://airflow.example.com" {
		t.Errorf("host = %v", records[0]["host"])
	}
	// The listing backs the connection picker and must not be paginated.
	if ms.lastOpts.Limit != 0 {
		t.Errorf("limit = %d, want 0 (unbounded)", ms.lastOpts.Limit)
	}
}

func TestAirflowCreateConnectionRejectsPrivateHost(t *testing.T) {
	_, _, handler := newTestServer(newMockStore())

	rec := doJSON(t, handler, http.MethodPost, "/api/airflow/connections", map[string]any{
		"name": "local",
		"host": "http://192.168.1.10:8080",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGitLabCommitRejectsBadPaths(t *testing.T) {
	cfg := testConfig()
	cfg.GitLab.BaseURL = "https://gitlab.example.com"
	cfg.GitLab.ProjectID = "42"
	srv := New(newMockStore(), &recordingPublisher{}, cfg)
	handler := srv.NewHTTPHandler()

	for _, path := range []string{"README.md", "specs/../secrets.yaml"} {
		rec := doJSON(t, handler, http.MethodPost, "/api/gitlab/commit", map[string]any{
			"username": "u",
			"password": "p",
			"files":    []any{map[string]any{"path": path, "content": "x"}},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("path %q status = %d, want 400", path, rec.Code)
		}
	}
}

func TestGitLabCommitNotConfigured(t *testing.T) {
	_, _, handler := newTestServer(newMockStore())

	rec := doJSON(t, handler, http.MethodPost, "/api/gitlab/commit", map[string]any{
		"files": []any{map[string]any{"path": "specs/p.yaml", "content": "x"}},
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

var errDatabaseDown = &mockError{"database down"}

type mockError struct{ msg string }

func (e *mockError) Error() string { return e.msg }
