package domain

import (
	"slices"
	"sort"
	"time"
)

type Role string

const (
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	return r == RoleEditor || r == RoleViewer
}

type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Member struct {
	UserID  string    `json:"userId"`
	Role    Role      `json:"role"`
	AddedAt time.Time `json:"addedAt"`
}

type Board struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"ownerId"`
	IsPublic    bool      `json:"isPublic"`
	Members     []Member  `json:"members"`
	Labels      []Label   `json:"labels"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Member returns the membership record of userID. The owner is not listed
// among members.
func (b Board) Member(userID string) (Member, bool) {
	for _, m := range b.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

func (b Board) HasLabel(id string) bool {
	for _, l := range b.Labels {
		if l.ID == id {
			return true
		}
	}
	return false
}

// Participant reports whether userID may be assigned tasks on the board.
func (b Board) Participant(userID string) bool {
	if userID == b.OwnerID {
		return true
	}
	_, ok := b.Member(userID)
	return ok
}

func (b Board) Clone() Board {
	b.Members = slices.Clone(b.Members)
	b.Labels = slices.Clone(b.Labels)
	return b
}

type Column struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	Title     string    `json:"title"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Task struct {
	ID          string     `json:"id"`
	BoardID     string     `json:"boardId"`
	ColumnID    string     `json:"columnId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	StartDate   *time.Time `json:"startDate"`
	DueDate     *time.Time `json:"dueDate"`
	Labels      []string   `json:"labels"`
	IsComplete  bool       `json:"isComplete"`
	Position    int        `json:"position"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (t Task) Clone() Task {
	t.Labels = slices.Clone(t.Labels)
	if t.StartDate != nil {
		d := *t.StartDate
		t.StartDate = &d
	}
	if t.DueDate != nil {
		d := *t.DueDate
		t.DueDate = &d
	}
	return t
}

type Priority string

const (
	PriorityNone   Priority = "none"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (t Task) IsOverdue(now time.Time) bool {
	return t.DueDate != nil && !t.IsComplete && t.DueDate.Before(now)
}

// Priority is derived from the due date: overdue or due within three days is
// high, within a week medium, anything later low.
func (t Task) Priority(now time.Time) Priority {
	if t.DueDate == nil {
		return PriorityNone
	}
	left := t.DueDate.Sub(now)
	switch {
	case left <= 3*24*time.Hour:
		return PriorityHigh
	case left <= 7*24*time.Hour:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Snapshot is a committed, self-consistent view of one board.
type Snapshot struct {
	Board   Board    `json:"board"`
	Columns []Column `json:"columns"`
	Tasks   []Task   `json:"tasks"`
}

// Sort orders columns by position and tasks by column position, then by
// their own position.
func (s *Snapshot) Sort() {
	sort.SliceStable(s.Columns, func(i, j int) bool { return s.Columns[i].Position < s.Columns[j].Position })
	order := make(map[string]int, len(s.Columns))
	for i, c := range s.Columns {
		order[c.ID] = i
	}
	sort.SliceStable(s.Tasks, func(i, j int) bool {
		a, b := s.Tasks[i], s.Tasks[j]
		if a.ColumnID != b.ColumnID {
			return order[a.ColumnID] < order[b.ColumnID]
		}
		return a.Position < b.Position
	})
}

func (s Snapshot) TasksIn(columnID string) []Task {
	var out []Task
	for _, t := range s.Tasks {
		if t.ColumnID == columnID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Board: s.Board.Clone(), Columns: slices.Clone(s.Columns)}
	out.Tasks = make([]Task, len(s.Tasks))
	for i, t := range s.Tasks {
		out.Tasks[i] = t.Clone()
	}
	return out
}

func DefaultLabels() []Label {
	return []Label{
		{ID: "label-1", Name: "Priority", Color: "#FF6B6B"},
		{ID: "label-2", Name: "In Progress", Color: "#4ECDC4"},
		{ID: "label-3", Name: "Review", Color: "#45B7D1"},
		{ID: "label-4", Name: "Completed", Color: "#96CEB4"},
		{ID: "label-5", Name: "Bug", Color: "#FECA57"},
		{ID: "label-6", Name: "Feature", Color: "#FF9FF3"},
	}
}

// Principal is the authenticated caller. A zero UserID means anonymous.
type Principal struct {
	UserID  string `json:"userId"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

func (p Principal) Anonymous() bool {
	return p.UserID == ""
}
