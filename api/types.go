package api

import (
	"context"

	"github.com/Hiviexd/kanban-board/domain"
)

// Authenticator is implemented by types able to resolve callers from headers.
type Authenticator interface {
	PrincipalFromAuthHeader(string) (domain.Principal, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
}

type moveTaskRequest struct {
	ColumnID       string `json:"columnId"`
	Position       int    `json:"position"`
	SourceColumnID string `json:"sourceColumnId,omitempty"`
	OldPosition    *int   `json:"oldPosition,omitempty"`
}

type moveColumnRequest struct {
	Position    int  `json:"position"`
	OldPosition *int `json:"oldPosition,omitempty"`
}

type memberRequest struct {
	UserID string      `json:"userId"`
	Role   domain.Role `json:"role"`
}

type roleRequest struct {
	Role domain.Role `json:"role"`
}

type membersResponse struct {
	OwnerID string          `json:"ownerId"`
	Members []domain.Member `json:"members"`
}
