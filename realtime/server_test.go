package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Hiviexd/kanban-board/domain"
)

type fakeAuth struct{}

func (fakeAuth) PrincipalFromAuthHeader(h string) (domain.Principal, error) {
	id := strings.TrimPrefix(h, "Bearer ")
	if id == "bad" {
		return domain.Principal{}, domain.ErrUnauthenticated
	}
	return domain.Principal{UserID: id, Name: strings.ToUpper(id)}, nil
}

// fakeAuthz lets everyone view board "B" and nothing else.
type fakeAuthz struct{}

func (fakeAuthz) Authorize(_ context.Context, p domain.Principal, boardID string, _ domain.Operation) error {
	if boardID != "B" {
		return domain.ErrForbidden
	}
	return nil
}

type flushRecorder struct{ *httptest.ResponseRecorder }

func (flushRecorder) Flush() {}

func newTestServer() (*Server, *Hub) {
	hub := NewHub(quietLogger(), nil)
	presence := NewPresence(hub, quietLogger())
	return NewServer(hub, presence, fakeAuth{}, fakeAuthz{}, Config{PingInterval: time.Second}, quietLogger()), hub
}

func TestSSEStreamsConnectedSnapshotAndEvents(t *testing.T) {
	srv, hub := newTestServer()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/sse?boardId=B&token=u1", nil)
	rec := flushRecorder{httptest.NewRecorder()}
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	c := e.NewContext(req, rec)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.handleSSE(c) }()
	deadline := time.Now().Add(time.Second)
	for len(srv.presence.Viewers("B")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ev, _ := domain.NewEvent(domain.TaskMoved, "B", "T1", "u2", time.Now(), domain.TaskMovedPayload{BoardID: "B", TaskID: "T1"})
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("handler error: %v", err)
	}

	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var types []string
	for _, chunk := range strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n") {
		if !strings.HasPrefix(chunk, sseDataPrefix) {
			t.Fatalf("unexpected chunk %q", chunk)
		}
		types = append(types, decode(t, []byte(strings.TrimPrefix(chunk, sseDataPrefix))).Type)
	}
	want := []string{"connected", "board_presence_updated", "task_moved"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("frames = %v, want %v", types, want)
	}
	if hub.Subscribers("B") != 0 {
		t.Fatalf("expected unsubscribe after disconnect")
	}
}

func TestSSERejectsForbiddenBoard(t *testing.T) {
	srv, _ := newTestServer()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/sse?boardId=secret&token=u1", nil)
	rec := httptest.NewRecorder()
	if err := srv.handleSSE(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"kind":"forbidden"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func dial(t *testing.T, url, user string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+user, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) domain.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return decode(t, data)
}

func TestSocketJoinPresenceAndBroadcast(t *testing.T) {
	srv, hub := newTestServer()
	e := echo.New()
	srv.Register(e)
	ts := httptest.NewServer(e)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/socket"

	y := dial(t, url, "y")
	if f := read(t, y); f.Type != "connected" {
		t.Fatalf("expected connected, got %s", f.Type)
	}
	if err := y.WriteJSON(ClientMessage{Type: MessageJoinBoard, BoardID: "B"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if f := read(t, y); f.Type != "board_presence_updated" {
		t.Fatalf("expected snapshot, got %s", f.Type)
	}

	x := dial(t, url, "x")
	read(t, x)
	if err := x.WriteJSON(ClientMessage{Type: MessageJoinBoard, BoardID: "secret"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if f := read(t, x); f.Type != "error" {
		t.Fatalf("expected error frame for forbidden board, got %s", f.Type)
	}
	if err := x.WriteJSON(ClientMessage{Type: MessageJoinBoard, BoardID: "B"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if f := read(t, y); f.Type != "user_joined" {
		t.Fatalf("y expected user_joined, got %s", f.Type)
	}
	var snap domain.PresencePayload
	f := read(t, x)
	if err := f.Decode(&snap); err != nil || len(snap.Users) != 2 {
		t.Fatalf("x snapshot = %+v (%v)", snap, err)
	}

	ev, _ := domain.NewEvent(domain.ColumnMoved, "B", "C1", "y", time.Now(), domain.ColumnMovedPayload{BoardID: "B", ColumnID: "C1"})
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if f := read(t, x); f.Type != "column_moved" {
		t.Fatalf("x expected column_moved, got %s", f.Type)
	}
	if f := read(t, y); f.Type != "column_moved" {
		t.Fatalf("y expected column_moved, got %s", f.Type)
	}

	_ = x.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = x.Close()
	if f := read(t, y); f.Type != "user_left" {
		t.Fatalf("y expected user_left, got %s", f.Type)
	}
}

func TestSocketRequiresToken(t *testing.T) {
	srv, _ := newTestServer()
	e := echo.New()
	srv.Register(e)
	ts := httptest.NewServer(e)
	defer ts.Close()
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/socket", nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}
