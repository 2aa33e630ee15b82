package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

type EventKind string

const (
	BoardCreated      EventKind = "board_created"
	BoardUpdated      EventKind = "board_updated"
	BoardDeleted      EventKind = "board_deleted"
	ColumnCreated     EventKind = "column_created"
	ColumnUpdated     EventKind = "column_updated"
	ColumnMoved       EventKind = "column_moved"
	ColumnDeleted     EventKind = "column_deleted"
	TaskCreated       EventKind = "task_created"
	TaskUpdated       EventKind = "task_updated"
	TaskMoved         EventKind = "task_moved"
	TaskDeleted       EventKind = "task_deleted"
	MemberAdded       EventKind = "member_added"
	MemberRemoved     EventKind = "member_removed"
	MemberRoleUpdated EventKind = "member_role_updated"

	// Frames that never come from a mutation.
	UserJoined      EventKind = "user_joined"
	UserLeft        EventKind = "user_left"
	PresenceUpdated EventKind = "board_presence_updated"
	Connected       EventKind = "connected"
	ErrorOccurred   EventKind = "error"
)

// ChangeEvent records one committed mutation. It is a value: copies share
// the payload bytes, which nobody writes to after creation.
type ChangeEvent struct {
	BoardID        string          `json:"boardId"`
	Kind           EventKind       `json:"kind"`
	SubjectID      string          `json:"subjectId"`
	ParentBefore   string          `json:"parentBefore,omitempty"`
	ParentAfter    string          `json:"parentAfter,omitempty"`
	PositionBefore *int            `json:"positionBefore,omitempty"`
	PositionAfter  *int            `json:"positionAfter,omitempty"`
	ActorID        string          `json:"actorId"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

func NewEvent(kind EventKind, boardID, subjectID, actorID string, at time.Time, payload any) (ChangeEvent, error) {
	raw, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return ChangeEvent{
		BoardID:   boardID,
		Kind:      kind,
		SubjectID: subjectID,
		ActorID:   actorID,
		Timestamp: at.UTC(),
		Payload:   raw,
	}, nil
}

func (e ChangeEvent) withMove(parentBefore, parentAfter string, before, after int) ChangeEvent {
	e.ParentBefore, e.ParentAfter = parentBefore, parentAfter
	e.PositionBefore, e.PositionAfter = &before, &after
	return e
}

func (e ChangeEvent) Frame() Frame {
	return Frame{Type: string(e.Kind), BoardID: e.BoardID, Payload: e.Payload, ActorID: e.ActorID}
}

// Frame is the wire shape shared by the WebSocket and SSE channels.
type Frame struct {
	Type    string          `json:"type"`
	BoardID string          `json:"boardId,omitempty"`
	Payload json.RawMessage `json:"payload"`
	ActorID string          `json:"actorId,omitempty"`
}

func NewFrame(kind EventKind, boardID string, payload any) (Frame, error) {
	raw, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", kind, err)
	}
	return Frame{Type: string(kind), BoardID: boardID, Payload: raw}, nil
}

func EncodeFrame(f Frame) ([]byte, error) {
	if f.Payload == nil {
		f.Payload = json.RawMessage("{}")
	}
	return sonic.ConfigStd.Marshal(f)
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := sonic.ConfigStd.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame without type")
	}
	return f, nil
}

func (f Frame) Decode(v any) error {
	return sonic.ConfigStd.Unmarshal(f.Payload, v)
}

type BoardCreatedPayload struct {
	Board     Board  `json:"board"`
	CreatedBy string `json:"createdBy"`
}

type BoardUpdatedPayload struct {
	BoardID   string     `json:"boardId"`
	Changes   BoardPatch `json:"changes"`
	Board     Board      `json:"board"`
	UpdatedBy string     `json:"updatedBy"`
}

type BoardDeletedPayload struct {
	BoardID   string `json:"boardId"`
	DeletedBy string `json:"deletedBy"`
}

type ColumnCreatedPayload struct {
	BoardID   string `json:"boardId"`
	Column    Column `json:"column"`
	CreatedBy string `json:"createdBy"`
}

type ColumnUpdatedPayload struct {
	BoardID     string      `json:"boardId"`
	ColumnID    string      `json:"columnId"`
	Changes     ColumnPatch `json:"changes"`
	OldPosition int         `json:"oldPosition"`
	UpdatedBy   string      `json:"updatedBy"`
}

type ColumnMovedPayload struct {
	BoardID     string `json:"boardId"`
	ColumnID    string `json:"columnId"`
	OldPosition int    `json:"oldPosition"`
	NewPosition int    `json:"newPosition"`
	MovedBy     string `json:"movedBy"`
}

type ColumnDeletedPayload struct {
	BoardID   string `json:"boardId"`
	ColumnID  string `json:"columnId"`
	Position  int    `json:"position"`
	DeletedBy string `json:"deletedBy"`
}

type TaskCreatedPayload struct {
	BoardID   string `json:"boardId"`
	ColumnID  string `json:"columnId"`
	Task      Task   `json:"task"`
	CreatedBy string `json:"createdBy"`
}

type TaskUpdatedPayload struct {
	BoardID     string    `json:"boardId"`
	ColumnID    string    `json:"columnId"`
	TaskID      string    `json:"taskId"`
	Changes     TaskPatch `json:"changes"`
	Task        Task      `json:"task"`
	OldPosition int       `json:"oldPosition"`
	UpdatedBy   string    `json:"updatedBy"`
}

type TaskMovedPayload struct {
	BoardID        string `json:"boardId"`
	TaskID         string `json:"taskId"`
	SourceColumnID string `json:"sourceColumnId"`
	TargetColumnID string `json:"targetColumnId"`
	OldPosition    int    `json:"oldPosition"`
	NewPosition    int    `json:"newPosition"`
	MovedBy        string `json:"movedBy"`
}

type TaskDeletedPayload struct {
	BoardID   string `json:"boardId"`
	ColumnID  string `json:"columnId"`
	TaskID    string `json:"taskId"`
	Position  int    `json:"position"`
	DeletedBy string `json:"deletedBy"`
}

type MemberPayload struct {
	BoardID   string `json:"boardId"`
	UserID    string `json:"userId"`
	Role      Role   `json:"role,omitempty"`
	ChangedBy string `json:"changedBy"`
}

// Viewer is one entry of a board's presence set.
type Viewer struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name,omitempty"`
	Picture  string    `json:"picture,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

type UserJoinedPayload struct {
	BoardID string `json:"boardId"`
	Viewer
}

type UserLeftPayload struct {
	BoardID string `json:"boardId"`
	UserID  string `json:"userId"`
}

type PresencePayload struct {
	BoardID string   `json:"boardId"`
	Users   []Viewer `json:"users"`
}

type ConnectedPayload struct {
	UserID    string `json:"userId,omitempty"`
	Transport string `json:"transport"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
