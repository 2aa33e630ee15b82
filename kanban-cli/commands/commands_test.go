package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hiviexd/kanban-board/api"
	"github.com/Hiviexd/kanban-board/domain"
	"github.com/Hiviexd/kanban-board/realtime"
	"github.com/Hiviexd/kanban-board/reconcile"
	"github.com/Hiviexd/kanban-board/storage"
)

func init() {
	color.NoColor = true
}

type userAuth struct{}

func (userAuth) PrincipalFromAuthHeader(h string) (domain.Principal, error) {
	id := strings.TrimPrefix(h, "Bearer ")
	if id == "" || id == h {
		return domain.Principal{}, domain.ErrUnauthenticated
	}
	return domain.Principal{UserID: id}, nil
}

// serve starts board-api in memory with one board owned by "owner" that has
// columns Todo and Done and tasks A and B in Todo.
func serve(t *testing.T) (url string, board domain.Board, cols []domain.Column, tasks []domain.Task) {
	t.Helper()
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	hub := realtime.NewHub(logger, nil)
	svc := domain.NewService(storage.NewMemory(), domain.NewEmitter(logger, hub), domain.WithLogger(logger))
	e := echo.New()
	api.Register(e, svc, userAuth{}, nil, logger)
	realtime.NewServer(hub, realtime.NewPresence(hub, logger), userAuth{}, svc, realtime.Config{}, logger).Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	owner := domain.Principal{UserID: "owner"}
	board, err := svc.CreateBoard(ctx, owner, domain.BoardInput{Title: "Roadmap"})
	require.NoError(t, err)
	for _, title := range []string{"Todo", "Done"} {
		c, err := svc.CreateColumn(ctx, owner, board.ID, domain.ColumnInput{Title: title})
		require.NoError(t, err)
		cols = append(cols, c)
	}
	for _, title := range []string{"A", "B"} {
		task, err := svc.CreateTask(ctx, owner, cols[0].ID, domain.TaskInput{Title: title})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	return srv.URL, board, cols, tasks
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd(&out, &errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestRootShowsHelp(t *testing.T) {
	out, _, err := run(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "move-task")
}

func TestRootRejectsUnknownFlags(t *testing.T) {
	_, _, err := run(t, "--unknown-flag", "value")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestMoveTaskRequiresBoardAndColumn(t *testing.T) {
	_, errOut, err := run(t, "move-task", "t1", "--board", "b1")
	require.Error(t, err)
	assert.Contains(t, errOut, "no target column")

	_, errOut, err = run(t, "move-task", "t1", "--to", "c1", "--board", "")
	require.Error(t, err)
	assert.Contains(t, errOut, "no board selected")
}

func TestMoveTaskCommand(t *testing.T) {
	for _, transport := range []string{"websocket", "sse"} {
		t.Run(transport, func(t *testing.T) {
			url, board, cols, tasks := serve(t)
			args := []string{"move-task", tasks[1].ID, "--to", cols[1].ID, "--position", "5",
				"--server", url, "--token", "owner", "--board", board.ID}
			if transport == "sse" {
				args = append(args, "--sse")
			}
			out, errOut, err := run(t, args...)
			require.NoError(t, err, errOut)
			assert.Contains(t, out, "moved "+tasks[1].ID+" from 1 to 0")
			done := out[strings.Index(out, "Done"):]
			assert.Contains(t, done, "0. B")
			assert.NotContains(t, out, "*")
		})
	}
}

func TestMoveColumnNoOp(t *testing.T) {
	url, board, cols, _ := serve(t)
	out, errOut, err := run(t, "move-column", cols[0].ID, "-p", "0", "--server", url, "--token", "owner", "--board", board.ID)
	require.NoError(t, err, errOut)
	assert.Contains(t, out, "already in place")
}

func TestMoveForbiddenExplained(t *testing.T) {
	url, board, cols, tasks := serve(t)
	_, errOut, err := run(t, "move-task", tasks[0].ID, "--to", cols[1].ID,
		"--server", url, "--token", "stranger", "--board", board.ID, "--sse")
	require.Error(t, err)
	assert.Contains(t, errOut, "access denied")
}

func TestPrintBoardMarksPending(t *testing.T) {
	r := reconcile.Rendered{
		Board:   domain.Board{ID: "b1", Title: "Roadmap"},
		Viewers: []domain.Viewer{{UserID: "u1", Name: "Ada"}, {UserID: "u2"}},
		Columns: []reconcile.RenderedColumn{
			{Column: domain.Column{ID: "c1", Title: "Todo"}, Tasks: []reconcile.RenderedTask{
				{Task: domain.Task{ID: "t1", Title: "A"}},
				{Task: domain.Task{ID: "t2", Title: "B", Position: 1}, Pending: true},
			}},
		},
	}
	var buf bytes.Buffer
	printBoard(&buf, r)
	want := "Roadmap (b1)\nviewing: Ada, u2\n[0] Todo (c1)\n  0. A (t1)\n  1. B (t2) *\n"
	assert.Equal(t, want, buf.String())

	buf.Reset()
	printBoard(&buf, reconcile.Rendered{Board: domain.Board{ID: "b1"}, Deleted: true})
	assert.Equal(t, "board b1 was deleted\n", buf.String())
}

func TestTokenCommandAcceptedByAuth(t *testing.T) {
	out, errOut, err := run(t, "token", "alice", "--secret", "s3cret", "--name", "Alice", "--audience", "api://kanban")
	require.NoError(t, err, errOut)

	auth := api.NewAuth(nil, api.AuthConfig{Audience: "api://kanban", HS256Secret: "s3cret"})
	p, err := auth.PrincipalFromAuthHeader("Bearer " + out)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "Alice", p.Name)

	_, errOut, err = run(t, "token", "alice", "--secret", "")
	require.Error(t, err)
	assert.Contains(t, errOut, "cannot sign token")
}
