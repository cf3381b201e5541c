package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/config"
)

const (
	taskKeyPrefix      = "task:"
	threadKeyPrefix    = "thread:"
	mapTaskKeyPrefix   = "map:task:"
	mapThreadKeyPrefix = "map:thread:"
)

// Store is a typed façade over a Backend implementing the checkpoint key
// layout and retention policy.
type Store struct {
	backend   Backend
	retention config.RetentionConfig
}

// NewStore wraps a backend with the configured retention TTLs.
func NewStore(backend Backend, retention config.RetentionConfig) *Store {
	return &Store{backend: backend, retention: retention}
}

// SaveTask writes the task snapshot under task:<id>. The TTL follows
// the task's outcome: the synchronizer re-saves on every transition, so
// the terminal write stamps the completed or failed retention.
func (s *Store) SaveTask(ctx context.Context, task *a2a.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task with id is required")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task snapshot: %w", err)
	}
	return s.backend.Put(ctx, taskKeyPrefix+task.ID, data, s.taskTTL(task.Status.State))
}

// taskTTL maps a task state to its retention window.
func (s *Store) taskTTL(state a2a.TaskState) time.Duration {
	switch {
	case state == a2a.TaskStateCompleted:
		return s.retention.Completed()
	case state.IsTerminal():
		return s.retention.Failed()
	default:
		return s.retention.Active()
	}
}

// LoadTask reads the snapshot for taskID, or ErrNotFound.
func (s *Store) LoadTask(ctx context.Context, taskID string) (*a2a.Task, error) {
	data, err := s.backend.Get(ctx, taskKeyPrefix+taskID)
	if err != nil {
		return nil, err
	}
	var task a2a.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task snapshot: %w", err)
	}
	return &task, nil
}

// ListTasks returns every persisted task snapshot, keyed by task id.
// Snapshots that fail to parse are returned in the skipped list rather
// than aborting recovery.
func (s *Store) ListTasks(ctx context.Context) (tasks []*a2a.Task, skipped []string, err error) {
	pairs, err := s.backend.ListByPrefix(ctx, taskKeyPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list task snapshots: %w", err)
	}
	for key, data := range pairs {
		var task a2a.Task
		if err := json.Unmarshal(data, &task); err != nil || task.ID == "" {
			skipped = append(skipped, key[len(taskKeyPrefix):])
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, skipped, nil
}

// SaveWorkerState stores opaque worker state under thread:<id>.
func (s *Store) SaveWorkerState(ctx context.Context, threadID string, state []byte) error {
	if threadID == "" {
		return fmt.Errorf("thread id is required")
	}
	return s.backend.Put(ctx, threadKeyPrefix+threadID, state, s.retention.Active())
}

// LoadWorkerState reads worker state for threadID, or ErrNotFound.
func (s *Store) LoadWorkerState(ctx context.Context, threadID string) ([]byte, error) {
	return s.backend.Get(ctx, threadKeyPrefix+threadID)
}

// BindThread records the bidirectional task<->thread mapping.
func (s *Store) BindThread(ctx context.Context, taskID, threadID string) error {
	if taskID == "" || threadID == "" {
		return fmt.Errorf("task id and thread id are required")
	}
	if err := s.backend.Put(ctx, mapTaskKeyPrefix+taskID, []byte(threadID), s.retention.Active()); err != nil {
		return err
	}
	return s.backend.Put(ctx, mapThreadKeyPrefix+threadID, []byte(taskID), s.retention.Active())
}

// ThreadForTask resolves the thread bound to taskID, or ErrNotFound.
func (s *Store) ThreadForTask(ctx context.Context, taskID string) (string, error) {
	data, err := s.backend.Get(ctx, mapTaskKeyPrefix+taskID)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TaskForThread resolves the task bound to threadID, or ErrNotFound.
func (s *Store) TaskForThread(ctx context.Context, threadID string) (string, error) {
	data, err := s.backend.Get(ctx, mapThreadKeyPrefix+threadID)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DeleteTask removes the task snapshot, its bound worker state, and the
// mappings in both directions.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	threadID, err := s.ThreadForTask(ctx, taskID)
	if err != nil && err != ErrNotFound {
		return err
	}
	if threadID != "" {
		if err := s.backend.Delete(ctx, threadKeyPrefix+threadID); err != nil {
			return err
		}
		if err := s.backend.Delete(ctx, mapThreadKeyPrefix+threadID); err != nil {
			return err
		}
	}
	if err := s.backend.Delete(ctx, mapTaskKeyPrefix+taskID); err != nil {
		return err
	}
	return s.backend.Delete(ctx, taskKeyPrefix+taskID)
}

// Close releases the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
