// Package client talks to board-api: REST calls for moves and snapshots, and
// a realtime session that prefers WebSocket and falls back to SSE.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/Hiviexd/kanban-board/domain"
)

// APIError is a non-2xx reply. It unwraps to the matching domain sentinel so
// callers can use errors.Is.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Kind    string `json:"kind"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("board-api: status %d", e.Status)
	}
	return fmt.Sprintf("board-api: %s (%d)", e.Message, e.Status)
}

func (e *APIError) Unwrap() error {
	switch e.Kind {
	case "unauthenticated":
		return domain.ErrUnauthenticated
	case "forbidden":
		return domain.ErrForbidden
	case "not_found":
		return domain.ErrNotFound
	case "conflict":
		return domain.ErrConflict
	case "invalid_operation":
		return domain.ErrInvalidOperation
	}
	if e.Status >= 500 {
		return domain.ErrStorageFailure
	}
	return nil
}

// Client wraps http.Client with helpers for the board-api JSON endpoints.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a new Client.
func New(baseURL, bearer string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Bearer: bearer, HTTP: &http.Client{}}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := sonic.ConfigStd.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = sonic.ConfigStd.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return sonic.ConfigStd.Unmarshal(data, out)
}

// LoadBoard fetches the board with its columns and tasks.
func (c *Client) LoadBoard(ctx context.Context, boardID string) (domain.Snapshot, domain.Capabilities, error) {
	var view struct {
		Board        domain.Board        `json:"board"`
		Columns      []domain.Column     `json:"columns"`
		Tasks        []domain.Task       `json:"tasks"`
		Capabilities domain.Capabilities `json:"capabilities"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/boards/"+boardID, nil, &view); err != nil {
		return domain.Snapshot{}, domain.Capabilities{}, err
	}
	snap := domain.Snapshot{Board: view.Board, Columns: view.Columns, Tasks: view.Tasks}
	snap.Sort()
	return snap, view.Capabilities, nil
}

type moveTaskBody struct {
	ColumnID       string `json:"columnId"`
	Position       int    `json:"position"`
	SourceColumnID string `json:"sourceColumnId,omitempty"`
	OldPosition    *int   `json:"oldPosition,omitempty"`
}

// MoveTask moves a task under columnID at position. Non-empty expectations
// are sent as preconditions; a mismatch comes back as a conflict.
func (c *Client) MoveTask(ctx context.Context, taskID, columnID string, position int, expectColumn string, expectPosition *int) (domain.MoveResult, error) {
	var res domain.MoveResult
	body := moveTaskBody{ColumnID: columnID, Position: position, SourceColumnID: expectColumn, OldPosition: expectPosition}
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/move", body, &res)
	return res, err
}

type moveColumnBody struct {
	Position    int  `json:"position"`
	OldPosition *int `json:"oldPosition,omitempty"`
}

func (c *Client) MoveColumn(ctx context.Context, columnID string, position int, expectPosition *int) (domain.MoveResult, error) {
	var res domain.MoveResult
	err := c.do(ctx, http.MethodPost, "/api/columns/"+columnID+"/move", moveColumnBody{Position: position, OldPosition: expectPosition}, &res)
	return res, err
}
