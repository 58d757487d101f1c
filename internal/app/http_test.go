package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mosaic/sync/internal/store"
)

func doRequest(t *testing.T, svc *Service, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	server := NewHTTPServer(svc, "*")

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer test-token")
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	rr := doRequest(t, svc, http.MethodGet, "/api/health", "", false)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpointReportsDatabaseFailure(t *testing.T) {
	fs := newFakeStore()
	fs.pingErr = errors.New("connection refused")
	svc := newTestService(t, fs)

	rr := doRequest(t, svc, http.MethodGet, "/api/ready", "", false)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["status"] != "not_ready" {
		t.Errorf("expected not_ready, got %v", response["status"])
	}
}

func TestAuthenticatedRoutesRejectMissingToken(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/projects/p1/files"},
		{http.MethodPost, "/api/projects/p1/changes"},
		{http.MethodPost, "/api/rooms"},
		{http.MethodGet, "/api/search?q=x"},
	}
	for _, tc := range paths {
		rr := doRequest(t, svc, tc.method, tc.path, "", false)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestQueueChangesRejectsUnknownType(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	body := `{"changes":[{"path":"/a.txt","type":"renamed"}]}`
	rr := doRequest(t, svc, http.MethodPost, "/api/projects/p1/changes", body, true)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestQueueChangesRejectsEmptyPath(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	body := `{"changes":[{"path":"  ","type":"added"}]}`
	rr := doRequest(t, svc, http.MethodPost, "/api/projects/p1/changes", body, true)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rr.Code)
	}
}

func TestQueueChangesAccepted(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	body := `{"changes":[{"path":"/a.txt","type":"deleted"}]}`
	rr := doRequest(t, svc, http.MethodPost, "/api/projects/p1/changes", body, true)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["queued"] != float64(1) {
		t.Errorf("expected queued=1, got %v", response["queued"])
	}
}

func TestJoinRoomValidation(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	rr := doRequest(t, svc, http.MethodPost, "/api/rooms", `{"projectId":"p1"}`, true)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rr.Code)
	}
}

func TestRoomLifecycleOverHTTP(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	body := `{"projectId":"p1","documentId":"d1","userId":"alice","displayName":"Alice"}`
	rr := doRequest(t, svc, http.MethodPost, "/api/rooms", body, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("join: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var join JoinResult
	if err := json.Unmarshal(rr.Body.Bytes(), &join); err != nil {
		t.Fatalf("failed to parse join response: %v", err)
	}
	if join.SessionID == "" {
		t.Fatal("expected session id")
	}

	put := `{"content":[{"type":"hero"}],"root":{}}`
	rr = doRequest(t, svc, http.MethodPut, "/api/rooms/"+join.SessionID+"/document", put, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("put document: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, svc, http.MethodGet, "/api/rooms/"+join.SessionID+"/document", "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("get document: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "hero") {
		t.Errorf("document missing content: %s", rr.Body.String())
	}

	rr = doRequest(t, svc, http.MethodDelete, "/api/rooms/"+join.SessionID, "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("leave: expected 200, got %d", rr.Code)
	}

	rr = doRequest(t, svc, http.MethodGet, "/api/rooms/"+join.SessionID+"/users", "", true)
	if rr.Code != http.StatusNotFound {
		t.Errorf("users after leave: expected 404, got %d", rr.Code)
	}
}

func TestDocumentSnapshotEndpoint(t *testing.T) {
	fs := newFakeStore()
	fs.snapshots["d1"] = storeSnapshot("d1", "p1", `[{"type":"text"}]`)
	svc := newTestService(t, fs)

	rr := doRequest(t, svc, http.MethodGet, "/api/documents/d1", "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = doRequest(t, svc, http.MethodGet, "/api/documents/unknown", "", true)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestSearchRejectsUnknownType(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	rr := doRequest(t, svc, http.MethodGet, "/api/search?q=x&type=thread", "", true)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rr.Code)
	}
}

func TestSearchWithoutBackendReturnsEmpty(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	rr := doRequest(t, svc, http.MethodGet, "/api/search?q=hello", "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	results, ok := response["results"].([]any)
	if !ok || len(results) != 0 {
		t.Errorf("expected empty results, got %v", response["results"])
	}
}

func TestHistoryUnavailableWithoutHistoryDir(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	rr := doRequest(t, svc, http.MethodGet, "/api/documents/d1/history", "", true)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	rr := doRequest(t, svc, http.MethodGet, "/api/nope", "", true)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func storeSnapshot(documentID, projectID, content string) store.DocumentSnapshot {
	return store.DocumentSnapshot{
		DocumentID: documentID,
		ProjectID:  projectID,
		Content:    json.RawMessage(content),
		Root:       json.RawMessage(`{}`),
	}
}
