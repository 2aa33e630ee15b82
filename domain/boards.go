package domain

import (
	"context"
	"fmt"
	"slices"
)

type BoardInput struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	IsPublic    bool    `json:"isPublic"`
	Labels      []Label `json:"labels"`
}

type BoardPatch struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	IsPublic    *bool    `json:"isPublic,omitempty"`
	Labels      *[]Label `json:"labels,omitempty"`
}

// BoardView is a snapshot plus what the caller may do with it.
type BoardView struct {
	Board        Board        `json:"board"`
	Columns      []Column     `json:"columns"`
	Tasks        []TaskView   `json:"tasks"`
	Capabilities Capabilities `json:"capabilities"`
}

func (s *Service) CreateBoard(ctx context.Context, actor Principal, in BoardInput) (Board, error) {
	if actor.Anonymous() {
		return Board{}, ErrUnauthenticated
	}
	title, err := cleanTitle("title", in.Title, MaxBoardTitle)
	if err != nil {
		return Board{}, err
	}
	desc, err := cleanText("description", in.Description, MaxBoardDescription)
	if err != nil {
		return Board{}, err
	}
	labels := in.Labels
	if len(labels) == 0 {
		labels = DefaultLabels()
	}
	if err := checkBoardLabels(labels); err != nil {
		return Board{}, err
	}
	now := s.stamp()
	b := Board{
		ID:          s.newID(),
		Title:       title,
		Description: desc,
		OwnerID:     actor.UserID,
		IsPublic:    in.IsPublic,
		Members:     []Member{},
		Labels:      slices.Clone(labels),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateBoard(ctx, b); err != nil {
		return Board{}, storageFailure(err)
	}
	ev, err := NewEvent(BoardCreated, b.ID, b.ID, actor.UserID, now, BoardCreatedPayload{Board: b, CreatedBy: actor.UserID})
	s.emit(ctx, ev, err)
	return b, nil
}

// ListBoards returns the boards actor can view.
func (s *Service) ListBoards(ctx context.Context, actor Principal) ([]Board, error) {
	all, err := s.store.ListBoards(ctx)
	if err != nil {
		return nil, storageFailure(err)
	}
	out := make([]Board, 0, len(all))
	for _, b := range all {
		if CapabilitiesFor(b, actor.UserID).CanView {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Service) LoadBoard(ctx context.Context, actor Principal, boardID string) (BoardView, error) {
	snap, err := s.store.Snapshot(ctx, boardID)
	if err != nil {
		return BoardView{}, storageFailure(err)
	}
	caps := CapabilitiesFor(snap.Board, actor.UserID)
	if !caps.CanView {
		if actor.Anonymous() {
			return BoardView{}, ErrUnauthenticated
		}
		return BoardView{}, ErrForbidden
	}
	now := s.now()
	view := BoardView{Board: snap.Board, Columns: snap.Columns, Tasks: make([]TaskView, len(snap.Tasks)), Capabilities: caps}
	for i, t := range snap.Tasks {
		view.Tasks[i] = ViewOf(t, now)
	}
	return view, nil
}

func (s *Service) UpdateBoard(ctx context.Context, actor Principal, boardID string, patch BoardPatch) (Board, error) {
	if err := s.Authorize(ctx, actor, boardID, OpEdit); err != nil {
		return Board{}, err
	}
	if patch.IsPublic != nil || patch.Labels != nil {
		// Visibility and the label set are owner settings.
		if err := s.Authorize(ctx, actor, boardID, OpManageMembers); err != nil {
			return Board{}, err
		}
	}
	if patch.Title != nil {
		v, err := cleanTitle("title", *patch.Title, MaxBoardTitle)
		if err != nil {
			return Board{}, err
		}
		patch.Title = &v
	}
	if patch.Description != nil {
		v, err := cleanText("description", *patch.Description, MaxBoardDescription)
		if err != nil {
			return Board{}, err
		}
		patch.Description = &v
	}
	if patch.Labels != nil {
		if err := checkBoardLabels(*patch.Labels); err != nil {
			return Board{}, err
		}
	}
	if patch == (BoardPatch{}) {
		return Board{}, invalid("nothing to update")
	}

	var out Board
	err := s.apply(ctx, boardID, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetBoard(ctx, boardID)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			b.Title = *patch.Title
		}
		if patch.Description != nil {
			b.Description = *patch.Description
		}
		if patch.IsPublic != nil {
			b.IsPublic = *patch.IsPublic
		}
		if patch.Labels != nil {
			b.Labels = slices.Clone(*patch.Labels)
			if err := stripLabels(ctx, tx, b); err != nil {
				return err
			}
		}
		b.UpdatedAt = s.stamp()
		out = b
		return tx.PutBoard(ctx, b)
	})
	if err != nil {
		return Board{}, err
	}
	ev, err := NewEvent(BoardUpdated, boardID, boardID, actor.UserID, out.UpdatedAt, BoardUpdatedPayload{
		BoardID: boardID, Changes: patch, Board: out, UpdatedBy: actor.UserID,
	})
	s.emit(ctx, ev, err)
	return out, nil
}

// stripLabels drops task labels that b no longer defines.
func stripLabels(ctx context.Context, tx Tx, b Board) error {
	cols, err := tx.ColumnsByBoard(ctx, b.ID)
	if err != nil {
		return err
	}
	for _, c := range cols {
		tasks, err := tx.TasksByColumn(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			kept := slices.DeleteFunc(slices.Clone(t.Labels), func(id string) bool { return !b.HasLabel(id) })
			if len(kept) == len(t.Labels) {
				continue
			}
			t.Labels = kept
			if err := tx.PutTask(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) DeleteBoard(ctx context.Context, actor Principal, boardID string) error {
	if err := s.Authorize(ctx, actor, boardID, OpDelete); err != nil {
		return err
	}
	if err := s.store.DeleteBoard(ctx, boardID); err != nil {
		return storageFailure(err)
	}
	ev, err := NewEvent(BoardDeleted, boardID, boardID, actor.UserID, s.stamp(), BoardDeletedPayload{BoardID: boardID, DeletedBy: actor.UserID})
	s.emit(ctx, ev, err)
	return nil
}

func (s *Service) AddMember(ctx context.Context, actor Principal, boardID, userID string, role Role) (Member, error) {
	if err := s.Authorize(ctx, actor, boardID, OpManageMembers); err != nil {
		return Member{}, err
	}
	if userID == "" {
		return Member{}, invalid("user id is required")
	}
	if !role.Valid() {
		return Member{}, invalid("unknown role %q", role)
	}
	m := Member{UserID: userID, Role: role, AddedAt: s.stamp()}
	err := s.apply(ctx, boardID, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetBoard(ctx, boardID)
		if err != nil {
			return err
		}
		if b.Participant(userID) {
			return fmt.Errorf("%w: %s is already on the board", ErrConflict, userID)
		}
		b.Members = append(b.Members, m)
		b.UpdatedAt = m.AddedAt
		return tx.PutBoard(ctx, b)
	})
	if err != nil {
		return Member{}, err
	}
	s.emitMember(ctx, MemberAdded, boardID, userID, role, actor)
	return m, nil
}

func (s *Service) UpdateMemberRole(ctx context.Context, actor Principal, boardID, userID string, role Role) (Member, error) {
	if err := s.Authorize(ctx, actor, boardID, OpManageMembers); err != nil {
		return Member{}, err
	}
	if !role.Valid() {
		return Member{}, invalid("unknown role %q", role)
	}
	var out Member
	err := s.apply(ctx, boardID, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetBoard(ctx, boardID)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(b.Members, func(m Member) bool { return m.UserID == userID })
		if i < 0 {
			return fmt.Errorf("%w: member %s", ErrNotFound, userID)
		}
		b.Members[i].Role = role
		b.UpdatedAt = s.stamp()
		out = b.Members[i]
		return tx.PutBoard(ctx, b)
	})
	if err != nil {
		return Member{}, err
	}
	s.emitMember(ctx, MemberRoleUpdated, boardID, userID, role, actor)
	return out, nil
}

// RemoveMember removes userID from the board. Members may remove themselves.
func (s *Service) RemoveMember(ctx context.Context, actor Principal, boardID, userID string) error {
	if actor.Anonymous() {
		return ErrUnauthenticated
	}
	if actor.UserID != userID {
		if err := s.Authorize(ctx, actor, boardID, OpManageMembers); err != nil {
			return err
		}
	}
	err := s.apply(ctx, boardID, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetBoard(ctx, boardID)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(b.Members, func(m Member) bool { return m.UserID == userID })
		if i < 0 {
			return fmt.Errorf("%w: member %s", ErrNotFound, userID)
		}
		b.Members = slices.Delete(b.Members, i, i+1)
		b.UpdatedAt = s.stamp()
		return tx.PutBoard(ctx, b)
	})
	if err != nil {
		return err
	}
	s.emitMember(ctx, MemberRemoved, boardID, userID, "", actor)
	return nil
}

func (s *Service) emitMember(ctx context.Context, kind EventKind, boardID, userID string, role Role, actor Principal) {
	ev, err := NewEvent(kind, boardID, userID, actor.UserID, s.stamp(), MemberPayload{
		BoardID: boardID, UserID: userID, Role: role, ChangedBy: actor.UserID,
	})
	s.emit(ctx, ev, err)
}
