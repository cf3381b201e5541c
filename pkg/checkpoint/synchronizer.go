package checkpoint

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/events"
)

// TaskSource supplies the current task snapshot for write-through.
type TaskSource interface {
	Get(ctx context.Context, taskID string) (*a2a.Task, error)
}

// Synchronizer writes task state through to the checkpoint store from the
// event stream. Status updates force an immediate snapshot; messages and
// artifact chunks mark the task dirty and a coalescing loop flushes at
// most once per interval.
type Synchronizer struct {
	store    *Store
	source   TaskSource
	interval time.Duration
	required bool
	logger   *slog.Logger

	// OnFailure is invoked when a required checkpoint write fails, so the
	// owner can fail the live task. Optional.
	OnFailure func(taskID string, err error)

	mu      sync.Mutex
	watched map[string]*taskWatch
}

type taskWatch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSynchronizer creates a synchronizer flushing dirty state at most
// once per interval.
func NewSynchronizer(store *Store, source TaskSource, interval time.Duration, required bool, logger *slog.Logger) *Synchronizer {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:    store,
		source:   source,
		interval: interval,
		required: required,
		logger:   logger,
		watched:  make(map[string]*taskWatch),
	}
}

// Watch subscribes to the task's event queue and persists snapshots until
// the queue closes. Watching an already-watched task is a no-op.
func (s *Synchronizer) Watch(ctx context.Context, taskID string, queue *events.Queue) {
	s.mu.Lock()
	if _, ok := s.watched[taskID]; ok {
		s.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w := &taskWatch{cancel: cancel, done: make(chan struct{})}
	s.watched[taskID] = w
	s.mu.Unlock()

	go s.run(watchCtx, taskID, queue, w)
}

func (s *Synchronizer) run(ctx context.Context, taskID string, queue *events.Queue, w *taskWatch) {
	defer func() {
		s.mu.Lock()
		delete(s.watched, taskID)
		s.mu.Unlock()
		close(w.done)
	}()

	sub := queue.Subscribe(ctx, queue.LastSeq())
	defer sub.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				// Queue closed on the final event; the forced write for the
				// terminal status update already happened.
				if dirty {
					s.flush(ctx, taskID)
				}
				return
			}
			switch env.Event.EventKind() {
			case a2a.EventKindStatusUpdate:
				dirty = false
				s.flush(ctx, taskID)
			case a2a.EventKindMessage, a2a.EventKindArtifactUpdate:
				dirty = true
			}
		case <-ticker.C:
			if dirty {
				dirty = false
				s.flush(ctx, taskID)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Synchronizer) flush(ctx context.Context, taskID string) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	task, err := s.source.Get(flushCtx, taskID)
	if err != nil {
		s.report(taskID, err)
		return
	}
	if err := s.store.SaveTask(flushCtx, task); err != nil {
		s.report(taskID, err)
	}
}

func (s *Synchronizer) report(taskID string, err error) {
	s.logger.Warn("CheckpointUnavailable: checkpoint write failed",
		"task_id", taskID, "error", err)
	if s.required && s.OnFailure != nil {
		s.OnFailure(taskID, err)
	}
}

// SaveWorkerState persists adapter-declared worker state and binds the
// thread to the task if not already bound.
func (s *Synchronizer) SaveWorkerState(ctx context.Context, taskID, threadID string, state []byte) error {
	if err := s.store.BindThread(ctx, taskID, threadID); err != nil {
		s.report(taskID, err)
		return err
	}
	if err := s.store.SaveWorkerState(ctx, threadID, state); err != nil {
		s.report(taskID, err)
		return err
	}
	return nil
}

// Stop cancels all task watches and waits for them to drain.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	watches := make([]*taskWatch, 0, len(s.watched))
	for _, w := range s.watched {
		w.cancel()
		watches = append(watches, w)
	}
	s.mu.Unlock()
	for _, w := range watches {
		<-w.done
	}
}
