package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Hiviexd/kanban-board/domain"
)

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	TaskCount *int   `json:"taskCount,omitempty"`
}

// writeError replies with the status and kind of the sentinel err wraps.
// Clients use the kind to decide whether to revert optimistic state.
func writeError(c echo.Context, err error) error {
	status := domain.HTTPStatus(err)
	body := errorResponse{Error: err.Error(), Kind: domain.Kind(err)}
	var notEmpty *domain.ColumnNotEmptyError
	if errors.As(err, &notEmpty) {
		body.TaskCount = &notEmpty.TaskCount
	}
	if status >= http.StatusInternalServerError {
		c.Logger().Error(err)
		body.Error = http.StatusText(status)
	}
	return c.JSON(status, body)
}

func invalidBody(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidOperation, msg)
}

func unauthenticated(err error) error {
	if errors.Is(err, domain.ErrUnauthenticated) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
}
