package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/a2a"

	// Database drivers selected by the dialect at runtime.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(255) PRIMARY KEY,
    context_id VARCHAR(255) NOT NULL,
    state VARCHAR(50) NOT NULL,
    status_json TEXT,
    history TEXT,
    artifacts TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_context_id ON tasks(context_id);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
`

// SQLStore is the database/sql Store backend. It supports postgres,
// mysql, and sqlite; task documents are stored as JSON columns with the
// state duplicated in its own column for filtering.
//
// Read-modify-write sequences hold a per-task lock, so mutations stay
// linearizable per task id even across the query round trips.
type SQLStore struct {
	db      *sql.DB
	dialect string
	ownsDB  bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSQLStore wraps an open database handle. The dialect must be
// "postgres", "mysql", or "sqlite".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
		locks:   make(map[string]*sync.Mutex),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range strings.Split(createTasksTableSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) taskLock(taskID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	mu, ok := s.locks[taskID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[taskID] = mu
	}
	return mu
}

type taskRow struct {
	ID         string
	ContextID  string
	State      string
	StatusJSON string
	History    string
	Artifacts  string
	Metadata   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func taskToRow(t *a2a.Task) (*taskRow, error) {
	statusJSON, err := json.Marshal(t.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to encode status: %w", err)
	}
	historyJSON, err := json.Marshal(t.History)
	if err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	artifactsJSON, err := json.Marshal(t.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifacts: %w", err)
	}
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return &taskRow{
		ID:         t.ID,
		ContextID:  t.ContextID,
		State:      string(t.Status.State),
		StatusJSON: string(statusJSON),
		History:    string(historyJSON),
		Artifacts:  string(artifactsJSON),
		Metadata:   string(metadataJSON),
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}, nil
}

func rowToTask(row *taskRow) (*a2a.Task, error) {
	t := &a2a.Task{
		ID:        row.ID,
		ContextID: row.ContextID,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.StatusJSON != "" {
		if err := json.Unmarshal([]byte(row.StatusJSON), &t.Status); err != nil {
			return nil, fmt.Errorf("failed to decode status: %w", err)
		}
	}
	if row.History != "" {
		if err := json.Unmarshal([]byte(row.History), &t.History); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
	}
	if row.Artifacts != "" {
		if err := json.Unmarshal([]byte(row.Artifacts), &t.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to decode artifacts: %w", err)
		}
	}
	if row.Metadata != "" && row.Metadata != "null" {
		if err := json.Unmarshal([]byte(row.Metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return t, nil
}

// Create inserts a new task.
func (s *SQLStore) Create(ctx context.Context, t *a2a.Task) error {
	if t == nil || t.ID == "" {
		return a2a.ErrInvalidParams.WithData("task id is required")
	}

	row, err := taskToRow(t)
	if err != nil {
		return err
	}

	query := s.rebind(`
INSERT INTO tasks (id, context_id, state, status_json, history, artifacts, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	if _, err := s.db.ExecContext(ctx, query,
		row.ID, row.ContextID, row.State, row.StatusJSON,
		row.History, row.Artifacts, row.Metadata,
		row.CreatedAt, row.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// Get returns the task by id.
func (s *SQLStore) Get(ctx context.Context, taskID string) (*a2a.Task, error) {
	query := s.rebind(`
SELECT id, context_id, state, status_json, history, artifacts, metadata, created_at, updated_at
FROM tasks WHERE id = ?`)

	var row taskRow
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&row.ID, &row.ContextID, &row.State, &row.StatusJSON,
		&row.History, &row.Artifacts, &row.Metadata,
		&row.CreatedAt, &row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, a2a.ErrTaskNotFound.WithData(taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return rowToTask(&row)
}

// AppendHistory appends one message to the task history.
func (s *SQLStore) AppendHistory(ctx context.Context, taskID string, msg *a2a.Message) error {
	mu := s.taskLock(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}

	m := *msg
	if m.TaskID == "" {
		m.TaskID = taskID
	}
	if m.ContextID == "" {
		m.ContextID = t.ContextID
	}
	t.History = append(t.History, &m)
	t.UpdatedAt = time.Now().UTC()

	row, err := taskToRow(t)
	if err != nil {
		return err
	}

	query := s.rebind(`UPDATE tasks SET history = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, row.History, row.UpdatedAt, taskID); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ApplyArtifact merges one artifact-update into the task.
func (s *SQLStore) ApplyArtifact(ctx context.Context, taskID string, ev *a2a.TaskArtifactUpdateEvent) error {
	mu := s.taskLock(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}

	mergeArtifact(t, ev)
	t.UpdatedAt = time.Now().UTC()

	row, err := taskToRow(t)
	if err != nil {
		return err
	}

	query := s.rebind(`UPDATE tasks SET artifacts = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, row.Artifacts, row.UpdatedAt, taskID); err != nil {
		return fmt.Errorf("failed to apply artifact update: %w", err)
	}
	return nil
}

// SetStatus transitions the task, returning the previous status.
func (s *SQLStore) SetStatus(ctx context.Context, taskID string, status a2a.TaskStatus) (a2a.TaskStatus, error) {
	mu := s.taskLock(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.Get(ctx, taskID)
	if err != nil {
		return a2a.TaskStatus{}, err
	}

	prev := t.Status
	if err := checkTransition(prev.State, status.State); err != nil {
		return prev, err
	}
	if status.Timestamp == "" {
		status.Timestamp = a2a.NowTimestamp()
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()

	row, err := taskToRow(t)
	if err != nil {
		return prev, err
	}

	query := s.rebind(`UPDATE tasks SET state = ?, status_json = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, row.State, row.StatusJSON, row.UpdatedAt, taskID); err != nil {
		return prev, fmt.Errorf("failed to update task status: %w", err)
	}
	return prev, nil
}

// List returns tasks matching the filter, ordered by creation time.
func (s *SQLStore) List(ctx context.Context, f Filter) ([]*a2a.Task, int, error) {
	var conds []string
	var args []any
	if f.ContextID != "" {
		conds = append(conds, "context_id = ?")
		args = append(args, f.ContextID)
	}
	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(f.State))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := s.rebind("SELECT COUNT(*) FROM tasks" + where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	query := `
SELECT id, context_id, state, status_json, history, artifacts, metadata, created_at, updated_at
FROM tasks` + where + " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*a2a.Task
	for rows.Next() {
		var row taskRow
		if err := rows.Scan(
			&row.ID, &row.ContextID, &row.State, &row.StatusJSON,
			&row.History, &row.Artifacts, &row.Metadata,
			&row.CreatedAt, &row.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan task row: %w", err)
		}
		t, err := rowToTask(&row)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// EvictTerminal removes terminal tasks last updated before cutoff.
func (s *SQLStore) EvictTerminal(ctx context.Context, cutoff time.Time) ([]string, error) {
	selectQuery := s.rebind(`
SELECT id FROM tasks
WHERE state IN ('completed', 'failed', 'canceled', 'rejected') AND updated_at < ?`)

	rows, err := s.db.QueryContext(ctx, selectQuery, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select evictable tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deleteQuery := s.rebind(`
DELETE FROM tasks
WHERE state IN ('completed', 'failed', 'canceled', 'rejected') AND updated_at < ?`)
	if _, err := s.db.ExecContext(ctx, deleteQuery, cutoff); err != nil {
		return nil, fmt.Errorf("failed to evict tasks: %w", err)
	}

	s.locksMu.Lock()
	for _, id := range ids {
		delete(s.locks, id)
	}
	s.locksMu.Unlock()

	return ids, nil
}

// Close closes the database handle when the store owns it.
func (s *SQLStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
