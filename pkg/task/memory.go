package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

// record pairs a task with its own mutex so writes to one task never
// contend with writes to another.
type record struct {
	mu   sync.Mutex
	task *a2a.Task
}

// MemoryStore is the in-memory Store backend. The directory map is
// guarded by an RWMutex; each record serializes its own mutations.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*record)}
}

// Create inserts a new task.
func (s *MemoryStore) Create(_ context.Context, t *a2a.Task) error {
	if t == nil || t.ID == "" {
		return a2a.ErrInvalidParams.WithData("task id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return a2a.ErrProtocolViolation.WithData("task id already exists: " + t.ID)
	}
	s.tasks[t.ID] = &record{task: t.Clone()}
	return nil
}

// Get returns a deep copy of the task.
func (s *MemoryStore) Get(_ context.Context, taskID string) (*a2a.Task, error) {
	rec, err := s.lookup(taskID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task.Clone(), nil
}

// AppendHistory appends one message to the task history.
func (s *MemoryStore) AppendHistory(_ context.Context, taskID string, msg *a2a.Message) error {
	rec, err := s.lookup(taskID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	m := *msg
	if m.TaskID == "" {
		m.TaskID = taskID
	}
	if m.ContextID == "" {
		m.ContextID = rec.task.ContextID
	}
	rec.task.History = append(rec.task.History, &m)
	rec.task.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyArtifact merges one artifact-update into the task.
func (s *MemoryStore) ApplyArtifact(_ context.Context, taskID string, ev *a2a.TaskArtifactUpdateEvent) error {
	rec, err := s.lookup(taskID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	mergeArtifact(rec.task, ev)
	rec.task.UpdatedAt = time.Now().UTC()
	return nil
}

// SetStatus transitions the task, returning the previous status.
func (s *MemoryStore) SetStatus(_ context.Context, taskID string, status a2a.TaskStatus) (a2a.TaskStatus, error) {
	rec, err := s.lookup(taskID)
	if err != nil {
		return a2a.TaskStatus{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	prev := rec.task.Status
	if err := checkTransition(prev.State, status.State); err != nil {
		return prev, err
	}
	if status.Timestamp == "" {
		status.Timestamp = a2a.NowTimestamp()
	}
	rec.task.Status = status
	rec.task.UpdatedAt = time.Now().UTC()
	return prev, nil
}

// List returns tasks matching the filter, ordered by creation time.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*a2a.Task, int, error) {
	s.mu.RLock()
	records := make([]*record, 0, len(s.tasks))
	for _, rec := range s.tasks {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	var matched []*a2a.Task
	for _, rec := range records {
		rec.mu.Lock()
		if (f.ContextID == "" || rec.task.ContextID == f.ContextID) &&
			(f.State == "" || rec.task.Status.State == f.State) {
			matched = append(matched, rec.task.Clone())
		}
		rec.mu.Unlock()
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// EvictTerminal removes terminal tasks last updated before cutoff.
func (s *MemoryStore) EvictTerminal(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, rec := range s.tasks {
		rec.mu.Lock()
		stale := rec.task.Status.State.IsTerminal() && rec.task.UpdatedAt.Before(cutoff)
		rec.mu.Unlock()
		if stale {
			delete(s.tasks, id)
			evicted = append(evicted, id)
		}
	}
	return evicted, nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) lookup(taskID string) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, a2a.ErrTaskNotFound.WithData(taskID)
	}
	return rec, nil
}
