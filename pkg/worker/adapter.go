package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

var (
	// ErrAlreadyRunning is returned by Run when the task already has a
	// live worker run.
	ErrAlreadyRunning = errors.New("task already has a running worker")

	// ErrNotRunning is returned by Cancel when no run exists for the task.
	ErrNotRunning = errors.New("no running worker for task")
)

// Sink receives the adapter's translated output. The task manager
// implements it; every call lands on the single transition writer.
type Sink interface {
	// EmitMessage appends an agent message to the task and publishes it.
	EmitMessage(ctx context.Context, taskID string, parts []a2a.Part) error

	// EmitArtifact publishes one artifact chunk and merges it into the
	// task record.
	EmitArtifact(ctx context.Context, taskID string, artifact a2a.Artifact, appendParts, lastChunk bool) error

	// Transition moves the task to the new state, optionally attaching a
	// status message built from noteParts.
	Transition(ctx context.Context, taskID string, state a2a.TaskState, noteParts []a2a.Part) error

	// PersistWorkerState checkpoints opaque worker state for the task.
	// Failures are the sink's concern; the run continues.
	PersistWorkerState(ctx context.Context, taskID string, state []byte)
}

// Adapter drives worker runs: one per task id, items translated into
// protocol events and state transitions through the Sink.
type Adapter struct {
	sink        Sink
	cancelGrace time.Duration
	turnTimeout time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	worker Worker
	cancel context.CancelFunc
	done   chan struct{}

	flags struct {
		sync.Mutex
		canceled bool // Cancel owns the canceled transition
		terminal bool // loop already transitioned the task
	}
}

func (r *run) markCanceled() {
	r.flags.Lock()
	r.flags.canceled = true
	r.flags.Unlock()
}

func (r *run) isCanceled() bool {
	r.flags.Lock()
	defer r.flags.Unlock()
	return r.flags.canceled
}

func (r *run) markTerminal() {
	r.flags.Lock()
	r.flags.terminal = true
	r.flags.Unlock()
}

func (r *run) isTerminal() bool {
	r.flags.Lock()
	defer r.flags.Unlock()
	return r.flags.terminal
}

// NewAdapter creates an adapter. cancelGrace bounds how long a canceled
// worker may keep running; turnTimeout bounds one turn (0 disables).
func NewAdapter(sink Sink, cancelGrace, turnTimeout time.Duration, logger *slog.Logger) *Adapter {
	if cancelGrace <= 0 {
		cancelGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		sink:        sink,
		cancelGrace: cancelGrace,
		turnTimeout: turnTimeout,
		logger:      logger,
		runs:        make(map[string]*run),
	}
}

// Running reports whether the task has a live worker run.
func (a *Adapter) Running(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.runs[taskID]
	return ok
}

// Run registers a run for the task and consumes its item channel until
// it closes. The consume loop runs in its own goroutine; Run returns
// immediately with a channel that closes when the run ends.
func (a *Adapter) Run(ctx context.Context, taskID string, w Worker, items <-chan Item) (<-chan struct{}, error) {
	a.mu.Lock()
	if _, ok := a.runs[taskID]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, taskID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{worker: w, cancel: cancel, done: make(chan struct{})}
	a.runs[taskID] = r
	a.mu.Unlock()

	go a.consume(runCtx, taskID, r, items)
	return r.done, nil
}

func (a *Adapter) consume(ctx context.Context, taskID string, r *run, items <-chan Item) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("Worker panicked", "task_id", taskID, "panic", rec)
			a.failTask(ctx, taskID, r, string(ErrorInternal), "worker panicked")
		}
		a.mu.Lock()
		delete(a.runs, taskID)
		a.mu.Unlock()
		r.cancel()
		close(r.done)
	}()

	var turnTimer *time.Timer
	var timeout <-chan time.Time
	if a.turnTimeout > 0 {
		turnTimer = time.NewTimer(a.turnTimeout)
		defer turnTimer.Stop()
		timeout = turnTimer.C
	}

	for {
		select {
		case item, ok := <-items:
			if !ok {
				// Channel closed. A well-behaved worker ends its turn with
				// final, needs_input, needs_auth, or error; silence is a
				// defect unless a cancel is in flight.
				if !r.isTerminal() && !r.isCanceled() {
					a.failTask(ctx, taskID, r, string(ErrorInternal), "worker ended without a final item")
				}
				return
			}
			if turnTimer != nil {
				if !turnTimer.Stop() {
					select {
					case <-turnTimer.C:
					default:
					}
				}
				turnTimer.Reset(a.turnTimeout)
			}
			if done := a.apply(ctx, taskID, r, item); done {
				// Drain the rest so the worker goroutine is not stuck on a
				// send, then unwind.
				go func() {
					for range items {
					}
				}()
				return
			}
		case <-timeout:
			a.logger.Warn("Worker turn timed out", "task_id", taskID, "timeout", a.turnTimeout)
			_ = r.worker.Cancel(ctx, taskID)
			a.failTask(ctx, taskID, r, string(ErrorTimeout), "worker turn timed out")
			return
		case <-ctx.Done():
			return
		}
	}
}

// apply translates one item. It returns true when the run is over
// (terminal transition or interrupt).
func (a *Adapter) apply(ctx context.Context, taskID string, r *run, item Item) bool {
	switch item.Kind {
	case ItemThinking, ItemToolInvocation, ItemToolResult:
		text := item.Text
		if text == "" && item.ToolName != "" {
			text = fmt.Sprintf("Using tool %s", item.ToolName)
		}
		if err := a.sink.EmitMessage(ctx, taskID, []a2a.Part{a2a.NewTextPart(text)}); err != nil {
			a.logger.Warn("Failed to emit progress message", "task_id", taskID, "error", err)
		}
		return false

	case ItemPartialArtifact:
		artifact := a2a.Artifact{
			ArtifactID: item.ArtifactID,
			Name:       item.ArtifactName,
			Parts:      []a2a.Part{item.Part},
		}
		appendParts := item.IsLast || item.ChunkIndex > 0
		if err := a.sink.EmitArtifact(ctx, taskID, artifact, appendParts, item.IsLast); err != nil {
			a.logger.Warn("Failed to emit artifact chunk", "task_id", taskID,
				"artifact_id", item.ArtifactID, "error", err)
		}
		return false

	case ItemNeedsInput:
		a.snapshotWorkerState(ctx, taskID, r)
		a.transition(ctx, taskID, r, a2a.TaskStateInputRequired, []a2a.Part{a2a.NewTextPart(item.Text)})
		return true

	case ItemNeedsAuth:
		a.snapshotWorkerState(ctx, taskID, r)
		note := fmt.Sprintf("Authentication required (%s)", item.AuthScheme)
		a.transition(ctx, taskID, r, a2a.TaskStateAuthRequired, []a2a.Part{a2a.NewTextPart(note)})
		return true

	case ItemFinal:
		if len(item.Parts) > 0 {
			if err := a.sink.EmitMessage(ctx, taskID, item.Parts); err != nil {
				a.logger.Warn("Failed to emit final message", "task_id", taskID, "error", err)
			}
		}
		r.markTerminal()
		a.transition(ctx, taskID, r, a2a.TaskStateCompleted, nil)
		return true

	case ItemError:
		if r.isCanceled() {
			// Workers racing a cancel often surface it as an error item;
			// the canceled transition belongs to Cancel.
			return true
		}
		a.failTask(ctx, taskID, r, string(item.ErrorKind), item.ErrorDetail)
		return true

	default:
		a.logger.Warn("Worker yielded unknown item kind", "task_id", taskID, "kind", item.Kind)
		return false
	}
}

func (a *Adapter) failTask(ctx context.Context, taskID string, r *run, kind, detail string) {
	r.markTerminal()
	note := detail
	if note == "" {
		note = "worker error"
	}
	if kind != "" {
		note = fmt.Sprintf("%s: %s", kind, note)
	}
	a.transition(ctx, taskID, r, a2a.TaskStateFailed, []a2a.Part{a2a.NewTextPart(note)})
}

func (a *Adapter) transition(ctx context.Context, taskID string, r *run, state a2a.TaskState, noteParts []a2a.Part) {
	if state.IsTerminal() {
		r.markTerminal()
	}
	if err := a.sink.Transition(ctx, taskID, state, noteParts); err != nil {
		a.logger.Error("Failed to transition task", "task_id", taskID, "state", state, "error", err)
	}
}

func (a *Adapter) snapshotWorkerState(ctx context.Context, taskID string, r *run) {
	state, err := r.worker.Snapshot(taskID)
	if err != nil {
		a.logger.Warn("Worker snapshot failed", "task_id", taskID, "error", err)
		return
	}
	if state != nil {
		a.sink.PersistWorkerState(ctx, taskID, state)
	}
}

// Cancel asks the task's worker to stop, waits up to the grace deadline
// for the run to unwind, then force-abandons it. The canceled transition
// is written here unless the run already went terminal.
func (a *Adapter) Cancel(ctx context.Context, taskID string) error {
	a.mu.Lock()
	r, ok := a.runs[taskID]
	a.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	r.markCanceled()
	if err := r.worker.Cancel(ctx, taskID); err != nil {
		a.logger.Warn("Worker cancel returned error", "task_id", taskID, "error", err)
	}

	select {
	case <-r.done:
	case <-time.After(a.cancelGrace):
		a.logger.Warn("Worker missed cancel grace, abandoning run",
			"task_id", taskID, "grace", a.cancelGrace)
		r.cancel()
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}

	if r.isTerminal() {
		// The worker finished (or failed) before the cancel landed; the
		// existing terminal state wins.
		return nil
	}
	r.markTerminal()
	if err := a.sink.Transition(ctx, taskID, a2a.TaskStateCanceled, nil); err != nil {
		return fmt.Errorf("failed to record canceled state: %w", err)
	}
	return nil
}

// Snapshot proxies to the task's live worker.
func (a *Adapter) Snapshot(taskID string) ([]byte, error) {
	a.mu.Lock()
	r, ok := a.runs[taskID]
	a.mu.Unlock()
	if !ok {
		return nil, ErrNotRunning
	}
	return r.worker.Snapshot(taskID)
}

// Shutdown force-cancels every live run and waits for the loops to
// unwind, bounded by the context.
func (a *Adapter) Shutdown(ctx context.Context) {
	a.mu.Lock()
	live := make([]*run, 0, len(a.runs))
	for _, r := range a.runs {
		r.markCanceled()
		r.cancel()
		live = append(live, r)
	}
	a.mu.Unlock()

	for _, r := range live {
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}
