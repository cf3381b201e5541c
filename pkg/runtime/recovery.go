package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/checkpoint"
)

// RecoverTasks rehydrates non-terminal tasks from the checkpoint store:
// the task record is restored, its queue re-created with a fresh
// snapshot event, and its worker resumed with persisted state. A task
// whose worker cannot be resumed fails with cause WorkerUnrecoverable.
// Subscribers from before the restart must resubscribe.
func (m *Manager) RecoverTasks(ctx context.Context) error {
	if m.ckpt == nil {
		return nil
	}

	snapshots, skipped, err := m.ckpt.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list checkpointed tasks: %w", err)
	}
	for _, id := range skipped {
		m.logger.Warn("Skipping unreadable checkpoint snapshot", "task_id", id)
	}

	recovered := 0
	for _, t := range snapshots {
		if t.Status.State.IsTerminal() {
			continue
		}
		if err := m.recoverTask(ctx, t); err != nil {
			m.logger.Error("Failed to recover task", "task_id", t.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.Info("Recovered interrupted tasks", "count", recovered)
	}
	return nil
}

func (m *Manager) recoverTask(ctx context.Context, t *a2a.Task) error {
	// Restore the record unless the backing store survived the restart.
	if _, err := m.store.Get(ctx, t.ID); errors.Is(err, a2a.ErrTaskNotFound) {
		if err := m.store.Create(ctx, t); err != nil {
			return fmt.Errorf("failed to restore task record: %w", err)
		}
	} else if err != nil {
		return err
	}

	queue := m.broker.Queue(t.ID)
	if _, err := queue.Publish(a2a.NewTaskSnapshotEvent(t)); err != nil {
		return fmt.Errorf("failed to publish recovery snapshot: %w", err)
	}
	if m.syncer != nil {
		m.syncer.Watch(context.WithoutCancel(ctx), t.ID, queue)
	}

	m.logger.Info("Recovered task", "task_id", t.ID, "state", t.Status.State)

	// Interrupted tasks sit waiting for input; only submitted/working
	// tasks need their worker back.
	if t.Status.State.IsInterrupted() {
		return nil
	}

	state, err := m.loadWorkerState(ctx, t)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		m.logger.Warn("Worker state unavailable for recovery", "task_id", t.ID, "error", err)
	}

	initial := a2a.LastMessageByRole(t, a2a.MessageRoleUser)
	if initial == nil {
		return m.Transition(ctx, t.ID, a2a.TaskStateFailed,
			[]a2a.Part{a2a.NewTextPart("WorkerUnrecoverable: no user message to resume from")})
	}

	w, ok := m.pickWorker(initial)
	if !ok {
		return m.Transition(ctx, t.ID, a2a.TaskStateFailed,
			[]a2a.Part{a2a.NewTextPart("WorkerUnrecoverable: no worker available")})
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		if err := m.sem.Acquire(bg, 1); err != nil {
			return
		}
		defer m.sem.Release(1)

		if err := m.Transition(bg, t.ID, a2a.TaskStateWorking, nil); err != nil {
			m.logger.Error("Failed to mark recovered task working", "task_id", t.ID, "error", err)
			return
		}

		items, err := w.Start(bg, t.ID, initial, state)
		if err != nil {
			_ = m.Transition(bg, t.ID, a2a.TaskStateFailed,
				[]a2a.Part{a2a.NewTextPart("WorkerUnrecoverable: " + err.Error())})
			return
		}

		done, err := m.adapter.Run(bg, t.ID, w, items)
		if err != nil {
			m.logger.Warn("Recovered worker run rejected", "task_id", t.ID, "error", err)
			return
		}
		<-done
	}()
	return nil
}

func (m *Manager) loadWorkerState(ctx context.Context, t *a2a.Task) ([]byte, error) {
	threadID, err := m.ckpt.ThreadForTask(ctx, t.ID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		// No explicit binding; the context doubles as the thread id.
		threadID = t.ContextID
	} else if err != nil {
		return nil, err
	}
	return m.ckpt.LoadWorkerState(ctx, threadID)
}
