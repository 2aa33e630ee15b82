package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
)

const (
	maxBodySize          = 64 << 10
	headerIdempotencyKey = "Idempotency-Key"
	dedupeTimeout        = 2 * time.Second
)

type handlers struct {
	svc     *domain.Service
	deduper Deduper
	log     *log.Logger
}

// Register wires up all API routes on the provided Echo instance. deduper
// may be nil, which disables Idempotency-Key handling.
func Register(e *echo.Echo, svc *domain.Service, auth Authenticator, deduper Deduper, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handlers{svc: svc, deduper: deduper, log: logger}

	e.GET("/healthz", healthz)

	g := e.Group("/api", AuthMiddleware(auth))
	g.GET("/boards", h.listBoards)
	g.POST("/boards", h.mutation("/api/boards", h.idempotent(h.createBoard)))
	g.GET("/boards/:id", h.getBoard)
	g.PATCH("/boards/:id", h.mutation("/api/boards/:id", h.updateBoard))
	g.DELETE("/boards/:id", h.mutation("/api/boards/:id", h.deleteBoard))

	g.GET("/boards/:id/members", h.listMembers)
	g.POST("/boards/:id/members", h.mutation("/api/boards/:id/members", h.addMember))
	g.PATCH("/boards/:id/members/:userId", h.mutation("/api/boards/:id/members/:userId", h.updateMember))
	g.DELETE("/boards/:id/members/:userId", h.mutation("/api/boards/:id/members/:userId", h.removeMember))

	g.GET("/boards/:id/columns", h.listColumns)
	g.POST("/boards/:id/columns", h.mutation("/api/boards/:id/columns", h.idempotent(h.createColumn)))
	g.GET("/columns/:id", h.getColumn)
	g.PATCH("/columns/:id", h.mutation("/api/columns/:id", h.updateColumn))
	g.DELETE("/columns/:id", h.mutation("/api/columns/:id", h.deleteColumn))
	g.POST("/columns/:id/move", h.mutation("/api/columns/:id/move", h.moveColumn))

	g.GET("/columns/:id/tasks", h.listTasks)
	g.POST("/columns/:id/tasks", h.mutation("/api/columns/:id/tasks", h.idempotent(h.createTask)))
	g.GET("/tasks/:id", h.getTask)
	g.PATCH("/tasks/:id", h.mutation("/api/tasks/:id", h.updateTask))
	g.DELETE("/tasks/:id", h.mutation("/api/tasks/:id", h.deleteTask))
	g.POST("/tasks/:id/move", h.mutation("/api/tasks/:id/move", h.moveTask))
}

func healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type mutationFunc func(c echo.Context, m *mutationMetrics) error

func (h *handlers) mutation(route string, fn mutationFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := newMutationMetrics(c.Request().Context(), h.log, route)
		m.ObserveAuth(authElapsed(c))
		err := fn(c, m)
		m.Log(c.Response().Status, err)
		return err
	}
}

// idempotent rejects a repeated Idempotency-Key from the same caller with a
// conflict. The key is released again when the request fails.
func (h *handlers) idempotent(fn mutationFunc) mutationFunc {
	return func(c echo.Context, m *mutationMetrics) error {
		key := c.Request().Header.Get(headerIdempotencyKey)
		if key == "" || h.deduper == nil {
			return fn(c, m)
		}
		userID := principalOf(c).UserID
		ctx, cancel := context.WithTimeout(c.Request().Context(), dedupeTimeout)
		added, err := h.deduper.Add(ctx, userID, key)
		cancel()
		if err != nil {
			h.log.WithError(err).WithField("key", key).Warn("idempotency check failed, processing anyway")
			return fn(c, m)
		}
		if !added {
			err := fmt.Errorf("%w: duplicate request %s", domain.ErrConflict, key)
			m.Fail("duplicate", err)
			return writeError(c, err)
		}
		err = fn(c, m)
		if c.Response().Status >= http.StatusBadRequest {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), dedupeTimeout)
			if rerr := h.deduper.Remove(ctx, userID, key); rerr != nil {
				h.log.WithError(rerr).WithField("key", key).Warn("release idempotency key")
			}
			cancel()
		}
		return err
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalidBody("invalid body")
	}
	return nil
}

// apply times a service call and records failures on m.
func apply[T any](m *mutationMetrics, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()
	m.ObserveApply(time.Since(start))
	if err != nil {
		m.Fail("apply", err)
	}
	return out, err
}

func (h *handlers) listBoards(c echo.Context) error {
	boards, err := h.svc.ListBoards(c.Request().Context(), principalOf(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, boards)
}

func (h *handlers) getBoard(c echo.Context) error {
	view, err := h.svc.LoadBoard(c.Request().Context(), principalOf(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *handlers) createBoard(c echo.Context, m *mutationMetrics) error {
	var in domain.BoardInput
	if err := decodeBody(c, &in); err != nil {
		m.Fail("decode", err)
		return writeError(c, err)
	}
	b, err := apply(m, func() (domain.Board, error) {
		return h.svc.CreateBoard(c.Request().Context(), principalOf(c), in)
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *handlers) updateBoard(c echo.Context, m *mutationMetrics) error {
	var patch domain.BoardPatch
	if err := decodeBody(c, &patch); err != nil {
		m.Fail("decode", err)
		return writeError(c, err)
	}
	b, err := apply(m, func() (domain.Board, error) {
		return h.svc.UpdateBoard(c.Request().Context(), principalOf(c), c.Param("id"), patch)
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *handlers) deleteBoard(c echo.Context, m *mutationMetrics) error {
	_, err := apply(m, func() (struct{}, error) {
		return struct{}{}, h.svc.DeleteBoard(c.Request().Context(), principalOf(c), c.Param("id"))
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) listMembers(c echo.Context) error {
	view, err := h.svc.LoadBoard(c.Request().Context(), principalOf(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	members := view.Board.Members
	if members == nil {
		members = []domain.Member{}
	}
	return c.JSON(http.StatusOK, membersResponse{OwnerID: view.Board.OwnerID, Members: members})
}

func (h *handlers) addMember(c echo.Context, m *mutationMetrics) error {
	var body memberRequest
	if err := decodeBody(c, &body); err != nil {
		m.Fail("decode", err)
		return writeError(c, err)
	}
	member, err := apply(m, func() (domain.Member, error) {
		return h.svc.AddMember(c.Request().Context(), principalOf(c), c.Param("id"), body.UserID, body.Role)
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, member)
}

func (h *handlers) updateMember(c echo.Context, m *mutationMetrics) error {
	var body roleRequest
	if err := decodeBody(c, &body); err != nil {
		m.Fail("decode", err)
		return writeError(c, err)
	}
	member, err := apply(m, func() (domain.Member, error) {
		return h.svc.UpdateMemberRole(c.Request().Context(), principalOf(c), c.Param("id"), c.Param("userId"), body.Role)
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, member)
}

func (h *handlers) removeMember(c echo.Context, m *mutationMetrics) error {
	_, err := apply(m, func() (struct{}, error) {
		return struct{}{}, h.svc.RemoveMember(c.Request().Context(), principalOf(c), c.Param("id"), c.Param("userId"))
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) listColumns(c echo.Context) error {
	cols, err := h.svc.ListColumns(c.Request().Context(), principalOf(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, cols)
}

func (h *handlers) getColumn(c echo.Context) error {
	col, err := h.svc.GetColumn(c.Request().Context(), principalOf(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, col)
}

func (h *handlers) createColumn(c echo.Context, m *mutationMetrics) error {
	var in domain.ColumnInput
	if err := decodeBody(c, &in); err != nil {
		m.Fail("decode", err)
		return writeError(c, err)
	}
	col, err := apply(m, func() (domain.Column, error) {
		return h.svc.CreateColumn(c.Request().Context(), principalOf(c), c.Param("id"), in)
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, col)
}

func (h *handlers) updateColumn(c echo.Context, m *mutationMetrics) error {
	var patch domain.ColumnPatch
	if err := decodeBody(c, &patch); err != nil {
		m.Fail("decode", err)
		return writeError(c, err)
	}
	col, err := apply(m, func() (domain.Column, error) {
		return h.svc.UpdateColumn(c.Request().Context(), principalOf(c), c.Param("id"), patch)
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, col)
}

func (h *handlers) deleteColumn(c echo.Context, m *mutationMetrics) error {
	_, err := apply(m, func() (struct{}, error) {
		return struct{}{}, h.svc.DeleteColumn(c.Request().Context(), principalOf(c), c.Param("id"))
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) moveColumn(c echo.Context, m *mutationMetrics) error {
	var body moveColumnRequest
	if err := decodeBody(c, &body); err != nil {
		m.Fail("decode", err)
		return writeError(c, err)
	}
	req := domain.MoveRequest{ItemID: c.Param("id"), Position: body.Position, ExpectedPosition: body.OldPosition}
	res, err := apply(m, func() (domain.MoveResult, error) {
		return h.svc.MoveColumn(c.Request().Context(), principalOf(c), req)
	})
	m.SetMoveState(res.State)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) listTasks(c echo.Context) error {
	tasks, err := h.svc.ListTasks(c.Request().Context(), principalOf(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	views := make([]domain.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, h.svc.View(t))
	}
	return c.JSON(http.StatusOK, views)
}

func (h *handlers) getTask(c echo.Context) error {
	t, err := h.svc.GetTask(c.Request().Context(), principalOf(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, h.svc.View(t))
}

func (h *handlers) createTask(c echo.Context, m *mutationMetrics) error {
	var in domain.TaskInput
	if err := decodeBody(c, &in); err != nil {
		m.Fail("decode", err)
		return writeError(c, err)
	}
	t, err := apply(m, func() (domain.Task, error) {
		return h.svc.CreateTask(c.Request().Context(), principalOf(c), c.Param("id"), in)
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, h.svc.View(t))
}

func (h *handlers) updateTask(c echo.Context, m *mutationMetrics) error {
	var patch domain.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		m.Fail("decode", err)
		return writeError(c, err)
	}
	t, err := apply(m, func() (domain.Task, error) {
		return h.svc.UpdateTask(c.Request().Context(), principalOf(c), c.Param("id"), patch)
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, h.svc.View(t))
}

func (h *handlers) deleteTask(c echo.Context, m *mutationMetrics) error {
	_, err := apply(m, func() (struct{}, error) {
		return struct{}{}, h.svc.DeleteTask(c.Request().Context(), principalOf(c), c.Param("id"))
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) moveTask(c echo.Context, m *mutationMetrics) error {
	var body moveTaskRequest
	if err := decodeBody(c, &body); err != nil {
		m.Fail("decode", err)
		return writeError(c, err)
	}
	req := domain.MoveRequest{
		ItemID:           c.Param("id"),
		TargetParentID:   body.ColumnID,
		Position:         body.Position,
		ExpectedParentID: body.SourceColumnID,
		ExpectedPosition: body.OldPosition,
	}
	res, err := apply(m, func() (domain.MoveResult, error) {
		return h.svc.MoveTask(c.Request().Context(), principalOf(c), req)
	})
	m.SetMoveState(res.State)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
