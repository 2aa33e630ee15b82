package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"github.com/Hiviexd/kanban-board/domain"
)

// ErrConcurrencyConflict is returned when an entity changed under a
// transaction's ETag preconditions.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// maxBatch is the entity-group transaction limit of Azure Tables.
const maxBatch = 100

// Tables stores every board as one partition: a "board" row plus one row
// per column and task. A board transaction is a single entity-group
// transaction guarded by the ETags read when it started.
type Tables struct {
	table *aztables.Client
	locks boardLocks
}

func NewTables(connStr, tableName string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{table: svc.NewClient(tableName)}, nil
}

type entityRow struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	ETag         string `json:"odata.etag,omitempty"`
	Title        string `json:"Title"`
	Description  string `json:"Description"`
	OwnerID      string `json:"OwnerID,omitempty"`
	IsPublic     bool   `json:"IsPublic"`
	Members      string `json:"Members,omitempty"`
	Labels       string `json:"Labels,omitempty"`
	ColumnID     string `json:"ColumnID,omitempty"`
	AssigneeID   string `json:"AssigneeID,omitempty"`
	StartDate    string `json:"StartDate,omitempty"`
	DueDate      string `json:"DueDate,omitempty"`
	IsComplete   bool   `json:"IsComplete"`
	Position     int    `json:"Position"`
	CreatedAt    string `json:"CreatedAt"`
	UpdatedAt    string `json:"UpdatedAt"`
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatOptTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseOptTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeBoard(b domain.Board) (entityRow, error) {
	members, err := sonic.ConfigStd.MarshalToString(b.Members)
	if err != nil {
		return entityRow{}, err
	}
	labels, err := sonic.ConfigStd.MarshalToString(b.Labels)
	if err != nil {
		return entityRow{}, err
	}
	return entityRow{
		PartitionKey: b.ID, RowKey: boardRow,
		Title: b.Title, Description: b.Description, OwnerID: b.OwnerID, IsPublic: b.IsPublic,
		Members: members, Labels: labels,
		CreatedAt: formatTime(b.CreatedAt), UpdatedAt: formatTime(b.UpdatedAt),
	}, nil
}

func decodeBoard(r entityRow) (domain.Board, error) {
	b := domain.Board{ID: r.PartitionKey, Title: r.Title, Description: r.Description, OwnerID: r.OwnerID, IsPublic: r.IsPublic}
	if r.Members != "" {
		if err := sonic.ConfigStd.UnmarshalFromString(r.Members, &b.Members); err != nil {
			return domain.Board{}, fmt.Errorf("board %s members: %w", r.PartitionKey, err)
		}
	}
	if r.Labels != "" {
		if err := sonic.ConfigStd.UnmarshalFromString(r.Labels, &b.Labels); err != nil {
			return domain.Board{}, fmt.Errorf("board %s labels: %w", r.PartitionKey, err)
		}
	}
	if b.Members == nil {
		b.Members = []domain.Member{}
	}
	var err error
	if b.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return domain.Board{}, err
	}
	if b.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

func encodeColumn(c domain.Column) entityRow {
	return entityRow{
		PartitionKey: c.BoardID, RowKey: columnRow(c.ID),
		Title: c.Title, Position: c.Position,
		CreatedAt: formatTime(c.CreatedAt), UpdatedAt: formatTime(c.UpdatedAt),
	}
}

func decodeColumn(r entityRow) (domain.Column, error) {
	_, id, _ := rowID(r.RowKey)
	c := domain.Column{ID: id, BoardID: r.PartitionKey, Title: r.Title, Position: r.Position}
	var err error
	if c.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return domain.Column{}, err
	}
	if c.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return domain.Column{}, err
	}
	return c, nil
}

func encodeTask(t domain.Task) (entityRow, error) {
	labels, err := sonic.ConfigStd.MarshalToString(t.Labels)
	if err != nil {
		return entityRow{}, err
	}
	return entityRow{
		PartitionKey: t.BoardID, RowKey: taskRow(t.ID),
		Title: t.Title, Description: t.Description, ColumnID: t.ColumnID, AssigneeID: t.AssigneeID,
		StartDate: formatOptTime(t.StartDate), DueDate: formatOptTime(t.DueDate),
		Labels: labels, IsComplete: t.IsComplete, Position: t.Position,
		CreatedAt: formatTime(t.CreatedAt), UpdatedAt: formatTime(t.UpdatedAt),
	}, nil
}

func decodeTask(r entityRow) (domain.Task, error) {
	_, id, _ := rowID(r.RowKey)
	t := domain.Task{
		ID: id, BoardID: r.PartitionKey, ColumnID: r.ColumnID, Title: r.Title, Description: r.Description,
		AssigneeID: r.AssigneeID, IsComplete: r.IsComplete, Position: r.Position, Labels: []string{},
	}
	if r.Labels != "" {
		if err := sonic.ConfigStd.UnmarshalFromString(r.Labels, &t.Labels); err != nil {
			return domain.Task{}, fmt.Errorf("task %s labels: %w", id, err)
		}
	}
	var err error
	if t.StartDate, err = parseOptTime(r.StartDate); err != nil {
		return domain.Task{}, err
	}
	if t.DueDate, err = parseOptTime(r.DueDate); err != nil {
		return domain.Task{}, err
	}
	if t.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return domain.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// load reads the entities matching filter and folds them into partitions
// keyed by board id.
func (s *Tables) load(ctx context.Context, filter string) (map[string]*partition, error) {
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	parts := map[string]*partition{}
	get := func(boardID string) *partition {
		p, ok := parts[boardID]
		if !ok {
			p = newPartition(domain.Board{})
			parts[boardID] = p
		}
		return p
	}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var r entityRow
			if err := sonic.ConfigStd.Unmarshal(raw, &r); err != nil {
				return nil, err
			}
			p := get(r.PartitionKey)
			if err := p.add(r); err != nil {
				return nil, err
			}
		}
	}
	return parts, nil
}

func (p *partition) add(r entityRow) error {
	p.etags[r.RowKey] = r.ETag
	if r.RowKey == boardRow {
		b, err := decodeBoard(r)
		if err != nil {
			return err
		}
		p.board = b
		return nil
	}
	kind, _, ok := rowID(r.RowKey)
	if !ok {
		return nil
	}
	if kind == domain.ItemColumn {
		c, err := decodeColumn(r)
		if err != nil {
			return err
		}
		p.columns[c.ID] = c
		return nil
	}
	t, err := decodeTask(r)
	if err != nil {
		return err
	}
	p.tasks[t.ID] = t
	return nil
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func (s *Tables) partition(ctx context.Context, boardID string) (*partition, error) {
	parts, err := s.load(ctx, "PartitionKey eq "+quote(boardID))
	if err != nil {
		return nil, err
	}
	p, ok := parts[boardID]
	if !ok || p.board.ID == "" {
		return nil, fmt.Errorf("%w: board %s", domain.ErrNotFound, boardID)
	}
	return p, nil
}

// lookupRow finds a column or task row anywhere in the table.
func (s *Tables) lookupRow(ctx context.Context, row string) (entityRow, error) {
	filter := "RowKey eq " + quote(row)
	top := int32(1)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return entityRow{}, err
		}
		for _, raw := range resp.Entities {
			var r entityRow
			if err := sonic.ConfigStd.Unmarshal(raw, &r); err != nil {
				return entityRow{}, err
			}
			return r, nil
		}
	}
	return entityRow{}, fmt.Errorf("%w: %s", domain.ErrNotFound, row)
}

func (s *Tables) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	ent, err := s.table.GetEntity(ctx, boardID, boardRow, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return domain.Board{}, fmt.Errorf("%w: board %s", domain.ErrNotFound, boardID)
		}
		return domain.Board{}, err
	}
	var r entityRow
	if err := sonic.ConfigStd.Unmarshal(ent.Value, &r); err != nil {
		return domain.Board{}, err
	}
	return decodeBoard(r)
}

func (s *Tables) GetColumn(ctx context.Context, columnID string) (domain.Column, error) {
	r, err := s.lookupRow(ctx, columnRow(columnID))
	if err != nil {
		return domain.Column{}, err
	}
	return decodeColumn(r)
}

func (s *Tables) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	r, err := s.lookupRow(ctx, taskRow(taskID))
	if err != nil {
		return domain.Task{}, err
	}
	return decodeTask(r)
}

func (s *Tables) ColumnsByBoard(ctx context.Context, boardID string) ([]domain.Column, error) {
	p, err := s.partition(ctx, boardID)
	if err != nil {
		return nil, err
	}
	return p.sortedColumns(), nil
}

func (s *Tables) TasksByColumn(ctx context.Context, columnID string) ([]domain.Task, error) {
	col, err := s.GetColumn(ctx, columnID)
	if err != nil {
		return nil, err
	}
	filter := "PartitionKey eq " + quote(col.BoardID) + " and ColumnID eq " + quote(columnID)
	parts, err := s.load(ctx, filter)
	if err != nil {
		return nil, err
	}
	p, ok := parts[col.BoardID]
	if !ok {
		return []domain.Task{}, nil
	}
	return p.sortedTasks(columnID), nil
}

func (s *Tables) ListBoards(ctx context.Context) ([]domain.Board, error) {
	parts, err := s.load(ctx, "RowKey eq "+quote(boardRow))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Board, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.board)
	}
	return out, nil
}

func (s *Tables) Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error) {
	p, err := s.partition(ctx, boardID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return p.snapshot(), nil
}

func (s *Tables) CreateBoard(ctx context.Context, b domain.Board) error {
	r, err := encodeBoard(b)
	if err != nil {
		return err
	}
	payload, err := sonic.ConfigStd.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Tables) DeleteBoard(ctx context.Context, boardID string) error {
	unlock := s.locks.lock(boardID)
	defer unlock()
	p, err := s.partition(ctx, boardID)
	if err != nil {
		return err
	}
	tx := stage(p)
	for id := range p.tasks {
		tx.drop(taskRow(id))
	}
	for id := range p.columns {
		tx.drop(columnRow(id))
	}
	actions, err := transactionActions(tx, p)
	if err != nil {
		return err
	}
	// The board row goes last so a partial delete leaves a loadable board.
	board, err := deleteAction(boardID, boardRow, p.etags[boardRow])
	if err != nil {
		return err
	}
	actions = append(actions, board)
	for len(actions) > 0 {
		n := min(len(actions), maxBatch)
		if _, err := s.table.SubmitTransaction(ctx, actions[:n], nil); err != nil {
			return classify(err)
		}
		actions = actions[n:]
	}
	return nil
}

func (s *Tables) WithinBoard(ctx context.Context, boardID string, fn func(ctx context.Context, tx domain.Tx) error) error {
	unlock := s.locks.lock(boardID)
	defer unlock()

	p, err := s.partition(ctx, boardID)
	if err != nil {
		return err
	}
	tx := stage(p)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if tx.empty() {
		return nil
	}
	actions, err := transactionActions(tx, p)
	if err != nil {
		return err
	}
	if len(actions) > maxBatch {
		return fmt.Errorf("board %s transaction touches %d entities, limit is %d", boardID, len(actions), maxBatch)
	}
	if _, err := s.table.SubmitTransaction(ctx, actions, nil); err != nil {
		return classify(err)
	}
	return nil
}

// transactionActions turns the rows tx touched into table operations. Rows
// that existed when the transaction started are conditioned on their ETag.
func transactionActions(tx *stagedTx, base *partition) ([]aztables.TransactionAction, error) {
	actions := make([]aztables.TransactionAction, 0, len(tx.changed)+len(tx.deleted))
	for row := range tx.changed {
		r, err := tx.row(row)
		if err != nil {
			return nil, err
		}
		payload, err := sonic.ConfigStd.Marshal(r)
		if err != nil {
			return nil, err
		}
		action := aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload}
		if etag, ok := base.etags[row]; ok {
			action.ActionType = aztables.TransactionTypeUpdateReplace
			action.IfMatch = ifMatch(etag)
		}
		actions = append(actions, action)
	}
	for row := range tx.deleted {
		etag, ok := base.etags[row]
		if !ok {
			continue
		}
		action, err := deleteAction(base.board.ID, row, etag)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func deleteAction(boardID, row, etag string) (aztables.TransactionAction, error) {
	payload, err := sonic.ConfigStd.Marshal(struct {
		PartitionKey string `json:"PartitionKey"`
		RowKey       string `json:"RowKey"`
	}{boardID, row})
	if err != nil {
		return aztables.TransactionAction{}, err
	}
	return aztables.TransactionAction{ActionType: aztables.TransactionTypeDelete, Entity: payload, IfMatch: ifMatch(etag)}, nil
}

func ifMatch(etag string) *azcore.ETag {
	e := azcore.ETagAny
	if etag != "" {
		e = azcore.ETag(etag)
	}
	return &e
}

func (tx *stagedTx) row(row string) (entityRow, error) {
	if row == boardRow {
		return encodeBoard(tx.p.board)
	}
	kind, id, ok := rowID(row)
	if !ok {
		return entityRow{}, fmt.Errorf("unknown row %q", row)
	}
	if kind == domain.ItemColumn {
		c, err := tx.p.getColumn(id)
		if err != nil {
			return entityRow{}, err
		}
		return encodeColumn(c), nil
	}
	t, err := tx.p.getTask(id)
	if err != nil {
		return entityRow{}, err
	}
	return encodeTask(t)
}

func classify(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && (respErr.StatusCode == 409 || respErr.StatusCode == 412) {
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return err
}
