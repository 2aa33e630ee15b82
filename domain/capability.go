package domain

import (
	"context"
	"errors"
)

type Operation string

const (
	OpView          Operation = "view"
	OpEdit          Operation = "edit"
	OpDelete        Operation = "delete"
	OpManageMembers Operation = "manage_members"
)

type Capabilities struct {
	CanView          bool `json:"canView"`
	CanEdit          bool `json:"canEdit"`
	CanDelete        bool `json:"canDelete"`
	CanManageMembers bool `json:"canManageMembers"`
}

// CapabilitiesFor derives what userID may do on b. The owner can do
// everything, editors can view and edit, viewers can view, and anyone can
// view a public board.
func CapabilitiesFor(b Board, userID string) Capabilities {
	if userID == "" {
		return Capabilities{CanView: b.IsPublic}
	}
	if userID == b.OwnerID {
		return Capabilities{CanView: true, CanEdit: true, CanDelete: true, CanManageMembers: true}
	}
	m, member := b.Member(userID)
	return Capabilities{
		CanView: b.IsPublic || member,
		CanEdit: member && m.Role == RoleEditor,
	}
}

func (c Capabilities) Allows(op Operation) bool {
	switch op {
	case OpView:
		return c.CanView
	case OpEdit:
		return c.CanEdit
	case OpDelete:
		return c.CanDelete
	case OpManageMembers:
		return c.CanManageMembers
	}
	return false
}

type Authorizer interface {
	Allowed(ctx context.Context, p Principal, boardID string, op Operation) (bool, error)
}

// BoardAuthorizer answers capability questions from the stored board.
type BoardAuthorizer struct {
	Boards Reader
}

func (a BoardAuthorizer) Allowed(ctx context.Context, p Principal, boardID string, op Operation) (bool, error) {
	b, err := a.Boards.GetBoard(ctx, boardID)
	if err != nil {
		return false, err
	}
	return CapabilitiesFor(b, p.UserID).Allows(op), nil
}

// authorize turns an Authorizer answer into the error a caller sees.
// Mutations require a signed-in principal; viewing a public board does not.
func authorize(ctx context.Context, a Authorizer, p Principal, boardID string, op Operation) error {
	if p.Anonymous() && op != OpView {
		return ErrUnauthenticated
	}
	ok, err := a.Allowed(ctx, p, boardID, op)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storageFailure(err)
	}
	if !ok {
		if p.Anonymous() {
			return ErrUnauthenticated
		}
		return ErrForbidden
	}
	return nil
}
