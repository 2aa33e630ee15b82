package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
	"github.com/Hiviexd/kanban-board/storage"
)

type mockAuth struct{}

// PrincipalFromAuthHeader accepts "Bearer <user>"; "Bearer bad" fails.
func (mockAuth) PrincipalFromAuthHeader(h string) (domain.Principal, error) {
	id := strings.TrimPrefix(h, "Bearer ")
	if id == "bad" || id == h {
		return domain.Principal{}, errors.New("token rejected")
	}
	return domain.Principal{UserID: id}, nil
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

type testServer struct {
	e      *echo.Echo
	svc    *domain.Service
	events []domain.ChangeEvent
}

func newTestServer(t *testing.T, deduper Deduper) *testServer {
	t.Helper()
	ts := &testServer{e: echo.New()}
	sink := domain.SinkFunc(func(_ context.Context, ev domain.ChangeEvent) error {
		ts.events = append(ts.events, ev)
		return nil
	})
	seq := 0
	ts.svc = domain.NewService(storage.NewMemory(), domain.NewEmitter(quietLogger(), sink),
		domain.WithLogger(quietLogger()),
		domain.WithIDs(func() string { seq++; return fmt.Sprintf("id-%d", seq) }),
	)
	ts.e.Use(GzipRequestMiddleware())
	Register(ts.e, ts.svc, mockAuth{}, deduper, quietLogger())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		data, err := sonic.ConfigStd.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		buf.Write(data)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) errorResponse {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d got %d: %s", status, rec.Code, rec.Body.String())
	}
	var body errorResponse
	decodeJSON(t, rec, &body)
	if body.Kind != kind {
		t.Fatalf("expected kind %q got %q", kind, body.Kind)
	}
	return body
}

// seedBoard creates a board owned by "owner" with columns Todo and Done and
// tasks A, B in Todo.
func (ts *testServer) seedBoard(t *testing.T) (boardID, todo, done string, tasks []string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/boards", "owner", domain.BoardInput{Title: "Roadmap"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create board: %d %s", rec.Code, rec.Body.String())
	}
	var b domain.Board
	decodeJSON(t, rec, &b)
	var cols []string
	for _, title := range []string{"Todo", "Done"} {
		rec = ts.do(t, http.MethodPost, "/api/boards/"+b.ID+"/columns", "owner", domain.ColumnInput{Title: title})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create column: %d %s", rec.Code, rec.Body.String())
		}
		var c domain.Column
		decodeJSON(t, rec, &c)
		cols = append(cols, c.ID)
	}
	for _, title := range []string{"A", "B"} {
		rec = ts.do(t, http.MethodPost, "/api/columns/"+cols[0]+"/tasks", "owner", domain.TaskInput{Title: title})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create task: %d %s", rec.Code, rec.Body.String())
		}
		var task domain.TaskView
		decodeJSON(t, rec, &task)
		tasks = append(tasks, task.ID)
	}
	ts.events = nil
	return b.ID, cols[0], cols[1], tasks
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
}

func TestGetBoardIncludesCapabilities(t *testing.T) {
	ts := newTestServer(t, nil)
	boardID, _, _, _ := ts.seedBoard(t)

	rec := ts.do(t, http.MethodGet, "/api/boards/"+boardID, "owner", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var view domain.BoardView
	decodeJSON(t, rec, &view)
	if !view.Capabilities.CanManageMembers || len(view.Columns) != 2 || len(view.Tasks) != 2 {
		t.Fatalf("unexpected board view: %+v", view)
	}
	if view.Tasks[0].Priority != domain.PriorityNone {
		t.Fatalf("expected derived priority, got %q", view.Tasks[0].Priority)
	}

	expectError(t, ts.do(t, http.MethodGet, "/api/boards/"+boardID, "stranger", nil), http.StatusForbidden, "forbidden")
	expectError(t, ts.do(t, http.MethodGet, "/api/boards/"+boardID, "", nil), http.StatusUnauthorized, "unauthenticated")
	expectError(t, ts.do(t, http.MethodGet, "/api/boards/missing", "owner", nil), http.StatusNotFound, "not_found")
}

func TestBadTokenRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	expectError(t, ts.do(t, http.MethodGet, "/api/boards", "bad", nil), http.StatusUnauthorized, "unauthenticated")
}

func TestMoveTaskEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	_, todo, done, tasks := ts.seedBoard(t)

	rec := ts.do(t, http.MethodPost, "/api/tasks/"+tasks[1]+"/move", "owner", moveTaskRequest{ColumnID: done, Position: 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var res domain.MoveResult
	decodeJSON(t, rec, &res)
	if !res.Changed || res.State != domain.MoveCommitted || res.SourceParentID != todo || res.OldPosition != 1 {
		t.Fatalf("unexpected move result: %+v", res)
	}
	if len(ts.events) != 1 || ts.events[0].Kind != domain.TaskMoved {
		t.Fatalf("expected one task_moved event, got %+v", ts.events)
	}

	stale := 1
	rec = ts.do(t, http.MethodPost, "/api/tasks/"+tasks[0]+"/move", "owner",
		moveTaskRequest{ColumnID: done, Position: 0, SourceColumnID: todo, OldPosition: &stale})
	expectError(t, rec, http.StatusConflict, "conflict")

	rec = ts.do(t, http.MethodPost, "/api/tasks/"+tasks[0]+"/move", "owner", map[string]any{"columnId": done, "bogus": 1})
	expectError(t, rec, http.StatusBadRequest, "invalid_operation")
}

func TestMoveColumnEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	boardID, todo, done, _ := ts.seedBoard(t)

	rec := ts.do(t, http.MethodPost, "/api/columns/"+done+"/move", "owner", moveColumnRequest{Position: 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodGet, "/api/boards/"+boardID+"/columns", "owner", nil)
	var cols []domain.Column
	decodeJSON(t, rec, &cols)
	if len(cols) != 2 || cols[0].ID != done || cols[1].ID != todo || cols[1].Position != 1 {
		t.Fatalf("unexpected column order: %+v", cols)
	}
}

func TestDeleteNonEmptyColumnReportsTaskCount(t *testing.T) {
	ts := newTestServer(t, nil)
	_, todo, done, _ := ts.seedBoard(t)

	body := expectError(t, ts.do(t, http.MethodDelete, "/api/columns/"+todo, "owner", nil), http.StatusBadRequest, "invalid_operation")
	if body.TaskCount == nil || *body.TaskCount != 2 {
		t.Fatalf("expected taskCount 2, got %v", body.TaskCount)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/columns/"+done, "owner", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d", rec.Code)
	}
}

func TestMemberRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	boardID, _, done, tasks := ts.seedBoard(t)

	rec := ts.do(t, http.MethodPost, "/api/boards/"+boardID+"/members", "owner", memberRequest{UserID: "ann", Role: domain.RoleViewer})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rec.Code, rec.Body.String())
	}
	expectError(t, ts.do(t, http.MethodPost, "/api/tasks/"+tasks[0]+"/move", "ann", moveTaskRequest{ColumnID: done}), http.StatusForbidden, "forbidden")

	rec = ts.do(t, http.MethodPatch, "/api/boards/"+boardID+"/members/ann", "owner", roleRequest{Role: domain.RoleEditor})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, "/api/tasks/"+tasks[0]+"/move", "ann", moveTaskRequest{ColumnID: done}); rec.Code != http.StatusOK {
		t.Fatalf("editor move: expected 200 got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/boards/"+boardID+"/members", "ann", nil)
	var members membersResponse
	decodeJSON(t, rec, &members)
	if members.OwnerID != "owner" || len(members.Members) != 1 || members.Members[0].Role != domain.RoleEditor {
		t.Fatalf("unexpected members: %+v", members)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/boards/"+boardID+"/members/ann", "owner", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d", rec.Code)
	}
}

func TestTaskPatchAndDelete(t *testing.T) {
	ts := newTestServer(t, nil)
	_, todo, _, tasks := ts.seedBoard(t)

	title := "renamed"
	pos := 0
	rec := ts.do(t, http.MethodPatch, "/api/tasks/"+tasks[1], "owner", domain.TaskPatch{Title: &title, Position: &pos})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var view domain.TaskView
	decodeJSON(t, rec, &view)
	if view.Title != title || view.Position != 0 {
		t.Fatalf("unexpected task: %+v", view)
	}

	if rec := ts.do(t, http.MethodDelete, "/api/tasks/"+tasks[1], "owner", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/columns/"+todo+"/tasks", "owner", nil)
	var left []domain.TaskView
	decodeJSON(t, rec, &left)
	if len(left) != 1 || left[0].ID != tasks[0] || left[0].Position != 0 {
		t.Fatalf("expected compacted column, got %+v", left)
	}
}

func TestGzipRequestBody(t *testing.T) {
	ts := newTestServer(t, nil)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"title":"Zipped"}`))
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/boards", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer owner")
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/boards", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer owner")
	rec = httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestIdempotentCreate(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ts := newTestServer(t, NewRedisDeduper(client, time.Minute))
	rec := ts.do(t, http.MethodPost, "/api/boards", "owner", domain.BoardInput{Title: "Once"}, headerIdempotencyKey, "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/boards", "owner", domain.BoardInput{Title: "Once"}, headerIdempotencyKey, "k1")
	expectError(t, rec, http.StatusConflict, "conflict")

	// same key from another caller is independent
	rec = ts.do(t, http.MethodPost, "/api/boards", "other", domain.BoardInput{Title: "Once"}, headerIdempotencyKey, "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}

	// failures release the key so the caller can retry
	rec = ts.do(t, http.MethodPost, "/api/boards", "owner", domain.BoardInput{Title: ""}, headerIdempotencyKey, "k2")
	expectError(t, rec, http.StatusBadRequest, "invalid_operation")
	if m.Exists("idem:owner:k2") {
		t.Fatalf("expected failed request to release its key")
	}
	rec = ts.do(t, http.MethodPost, "/api/boards", "owner", domain.BoardInput{Title: "Retry"}, headerIdempotencyKey, "k2")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected retry to succeed, got %d", rec.Code)
	}
}
