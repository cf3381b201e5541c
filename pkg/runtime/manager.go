// Package runtime is the node's core: the task manager that owns every
// state transition, and the Node that assembles stores, queues,
// checkpointing, and workers from config.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/checkpoint"
	"github.com/conclave-ai/conclave/pkg/events"
	"github.com/conclave-ai/conclave/pkg/registry"
	"github.com/conclave-ai/conclave/pkg/task"
	"github.com/conclave-ai/conclave/pkg/worker"
)

// Manager is the single writer of task transitions. Every mutation of a
// task record flows through it: inbound requests on one side, the worker
// adapter's Sink on the other.
type Manager struct {
	store   task.Store
	broker  *events.Broker
	ckpt    *checkpoint.Store        // nil when checkpointing is disabled
	syncer  *checkpoint.Synchronizer // nil when checkpointing is disabled
	adapter *worker.Adapter
	workers *registry.BaseRegistry[worker.Worker]
	sem     *semaphore.Weighted
	logger  *slog.Logger

	defaultWorker string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	pushMu      sync.Mutex
	pushConfigs map[string]map[string]a2a.PushNotificationConfig
}

// ManagerOptions collects the manager's collaborators.
type ManagerOptions struct {
	Store         task.Store
	Broker        *events.Broker
	Checkpoints   *checkpoint.Store
	Synchronizer  *checkpoint.Synchronizer
	Workers       *registry.BaseRegistry[worker.Worker]
	DefaultWorker string
	MaxConcurrent int
	CancelGrace   time.Duration
	TurnTimeout   time.Duration
	Logger        *slog.Logger
}

// NewManager wires a manager. The worker adapter is created here so its
// Sink is always this manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil || opts.Broker == nil {
		return nil, fmt.Errorf("task store and event broker are required")
	}
	if opts.Workers == nil || opts.Workers.Count() == 0 {
		return nil, fmt.Errorf("at least one worker is required")
	}
	if opts.DefaultWorker == "" {
		opts.DefaultWorker = opts.Workers.Names()[0]
	}
	if _, ok := opts.Workers.Get(opts.DefaultWorker); !ok {
		return nil, fmt.Errorf("default worker %q is not registered", opts.DefaultWorker)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		store:         opts.Store,
		broker:        opts.Broker,
		ckpt:          opts.Checkpoints,
		syncer:        opts.Synchronizer,
		workers:       opts.Workers,
		defaultWorker: opts.DefaultWorker,
		sem:           semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger:        opts.Logger,
		locks:         make(map[string]*sync.Mutex),
		pushConfigs:   make(map[string]map[string]a2a.PushNotificationConfig),
	}
	m.adapter = worker.NewAdapter(m, opts.CancelGrace, opts.TurnTimeout, opts.Logger)
	return m, nil
}

// Adapter exposes the worker adapter (recovery and tests need it).
func (m *Manager) Adapter() *worker.Adapter { return m.adapter }

// ActiveTasks counts tasks with a live worker run or an open queue.
func (m *Manager) ActiveTasks() int { return m.broker.Len() }

func (m *Manager) taskLock(taskID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[taskID] = lock
	}
	return lock
}

func (m *Manager) dropTaskLock(taskID string) {
	m.mu.Lock()
	delete(m.locks, taskID)
	m.mu.Unlock()
}

// ============================================================================
// REQUEST-FACING OPERATIONS
// ============================================================================

// OnMessageSend handles message/send: resolve the task, append the user
// message, kick the worker, and return the current snapshot. The card
// advertises synchronousCompletion=false, so the caller polls tasks/get
// or resubscribes.
func (m *Manager) OnMessageSend(ctx context.Context, params *a2a.MessageSendParams) (*a2a.Task, error) {
	t, err := m.resolveAndStart(ctx, params)
	if err != nil {
		return nil, err
	}
	return m.store.Get(ctx, t.ID)
}

// OnMessageStream handles message/stream: same resolution as send, but
// the subscription is opened before the worker starts so the snapshot
// event is always observable.
func (m *Manager) OnMessageStream(ctx context.Context, params *a2a.MessageSendParams) (*events.Subscription, *a2a.Task, error) {
	t, err := m.resolveAndStart(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	queue, ok := m.broker.Get(t.ID)
	if !ok {
		return nil, nil, a2a.ErrInternalError.WithData("task queue missing")
	}
	sub := queue.Subscribe(ctx, 0)
	snapshot, err := m.store.Get(ctx, t.ID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sub, snapshot, nil
}

// resolveAndStart implements the shared send/stream path. The returned
// task is the resolved record before the worker produced anything.
func (m *Manager) resolveAndStart(ctx context.Context, params *a2a.MessageSendParams) (*a2a.Task, error) {
	if params == nil {
		return nil, a2a.ErrInvalidParams.WithData("params are required")
	}
	if verr := a2a.ValidateIncomingMessage(params.Message); verr != nil {
		return nil, verr
	}
	msg := params.Message

	// Resolve the task id: reuse a non-terminal task, otherwise create.
	if msg.TaskID != "" {
		existing, err := m.store.Get(ctx, msg.TaskID)
		switch {
		case err == nil && !existing.Status.State.IsTerminal():
			return existing, m.continueTask(ctx, existing, msg)
		case err == nil:
			// Terminal: a fresh task under the same context.
			fresh := *msg
			fresh.TaskID = ""
			fresh.ContextID = existing.ContextID
			return m.startTask(ctx, &fresh)
		case errors.Is(err, a2a.ErrTaskNotFound):
			// Unknown id: honor it and start fresh.
			return m.startTask(ctx, msg)
		default:
			return nil, err
		}
	}
	return m.startTask(ctx, msg)
}

// startTask creates the record, opens the queue, publishes the snapshot
// event, and spawns the worker.
func (m *Manager) startTask(ctx context.Context, msg *a2a.Message) (*a2a.Task, error) {
	t := a2a.NewTask(msg)
	if err := m.store.Create(ctx, t); err != nil {
		return nil, err
	}

	queue := m.broker.Queue(t.ID)
	if _, err := queue.Publish(a2a.NewTaskSnapshotEvent(t)); err != nil {
		return nil, fmt.Errorf("failed to publish task snapshot: %w", err)
	}
	if m.syncer != nil {
		m.syncer.Watch(context.WithoutCancel(ctx), t.ID, queue)
	}

	m.logger.Info("Task created", "task_id", t.ID, "context_id", t.ContextID)
	m.spawn(ctx, t, msg, nil, false)
	return t, nil
}

// continueTask handles a message addressed to a live task: interrupted
// tasks resume their worker, busy tasks just absorb the message.
func (m *Manager) continueTask(ctx context.Context, t *a2a.Task, msg *a2a.Message) error {
	msg.TaskID = t.ID
	msg.ContextID = t.ContextID
	if err := m.store.AppendHistory(ctx, t.ID, msg); err != nil {
		return err
	}

	if t.Status.State.IsInterrupted() {
		m.spawn(ctx, t, msg, nil, true)
		return nil
	}
	// submitted/working: the running worker picks history up on its own
	// terms; nothing to spawn.
	m.logger.Debug("Message appended to busy task", "task_id", t.ID, "state", t.Status.State)
	return nil
}

// spawn runs the worker for the task asynchronously, bounded by the
// concurrency semaphore.
func (m *Manager) spawn(ctx context.Context, t *a2a.Task, msg *a2a.Message, resumed []byte, isResume bool) {
	w, ok := m.pickWorker(msg)
	if !ok {
		// No worker can serve this: misconfiguration, fail loudly.
		_ = m.Transition(ctx, t.ID, a2a.TaskStateFailed,
			[]a2a.Part{a2a.NewTextPart("no worker available for this request")})
		return
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		if err := m.sem.Acquire(bg, 1); err != nil {
			return
		}
		defer m.sem.Release(1)

		if err := m.Transition(bg, t.ID, a2a.TaskStateWorking, nil); err != nil {
			m.logger.Error("Failed to mark task working", "task_id", t.ID, "error", err)
			return
		}

		var items <-chan worker.Item
		var err error
		if isResume {
			items, err = w.Resume(bg, t.ID, msg)
		} else {
			items, err = w.Start(bg, t.ID, msg, resumed)
		}
		if err != nil {
			m.logger.Error("Worker failed to start", "task_id", t.ID, "error", err)
			_ = m.Transition(bg, t.ID, a2a.TaskStateFailed,
				[]a2a.Part{a2a.NewTextPart("worker failed to start")})
			return
		}

		done, err := m.adapter.Run(bg, t.ID, w, items)
		if err != nil {
			m.logger.Warn("Worker run rejected", "task_id", t.ID, "error", err)
			return
		}
		<-done
	}()
}

// pickWorker selects by the message's skill metadata, falling back to
// the default worker.
func (m *Manager) pickWorker(msg *a2a.Message) (worker.Worker, bool) {
	if msg != nil {
		if skill, ok := msg.Metadata["skill"].(string); ok && skill != "" {
			if w, found := m.workers.Get(skill); found {
				return w, true
			}
		}
	}
	return m.workers.Get(m.defaultWorker)
}

// OnGetTask handles tasks/get with optional history trimming.
func (m *Manager) OnGetTask(ctx context.Context, params *a2a.TaskQueryParams) (*a2a.Task, error) {
	if params == nil || params.ID == "" {
		return nil, a2a.ErrInvalidParams.WithData("task id is required")
	}
	t, err := m.store.Get(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if params.HistoryLength != nil {
		t = a2a.TrimHistory(t, *params.HistoryLength)
	}
	return t, nil
}

// OnListTasks handles tasks/list.
func (m *Manager) OnListTasks(ctx context.Context, params *a2a.ListTasksParams) (*a2a.ListTasksResult, error) {
	if params == nil {
		params = &a2a.ListTasksParams{}
	}
	tasks, total, err := m.store.List(ctx, task.Filter{
		ContextID: params.ContextID,
		State:     params.State,
		Limit:     params.Limit,
		Offset:    params.Offset,
	})
	if err != nil {
		return nil, err
	}
	return &a2a.ListTasksResult{Tasks: tasks, Total: total}, nil
}

// OnCancelTask handles tasks/cancel. Canceling a terminal task is a
// no-op returning the current record; anything else cancels the worker
// through the adapter or transitions directly when no run is live.
func (m *Manager) OnCancelTask(ctx context.Context, params *a2a.TaskIDParams) (*a2a.Task, error) {
	if params == nil || params.ID == "" {
		return nil, a2a.ErrInvalidParams.WithData("task id is required")
	}
	t, err := m.store.Get(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if t.Status.State.IsTerminal() {
		return t, nil
	}

	if err := m.adapter.Cancel(ctx, params.ID); err != nil {
		if !errors.Is(err, worker.ErrNotRunning) {
			return nil, err
		}
		// No live run (e.g. interrupted waiting for input); the cancel vs
		// final race is settled by the state machine inside Transition.
		if terr := m.Transition(ctx, params.ID, a2a.TaskStateCanceled, nil); terr != nil {
			if errors.Is(terr, a2a.ErrProtocolViolation) {
				// The task went terminal between the check and the write.
				return m.store.Get(ctx, params.ID)
			}
			return nil, terr
		}
	}
	return m.store.Get(ctx, params.ID)
}

// OnResubscribe re-attaches a subscriber to a task stream, replaying
// retained events after lastEventID.
func (m *Manager) OnResubscribe(ctx context.Context, taskID string, lastEventID int64) (*events.Subscription, *a2a.Task, error) {
	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	queue, ok := m.broker.Get(taskID)
	if !ok {
		// The queue is gone (terminal task evicted, or node restart). A
		// fresh queue carrying just the snapshot gives the subscriber a
		// consistent, immediately-final stream.
		queue = m.broker.Queue(taskID)
		if _, perr := queue.Publish(a2a.NewTaskSnapshotEvent(t)); perr != nil {
			return nil, nil, fmt.Errorf("failed to publish task snapshot: %w", perr)
		}
		if t.Status.State.IsTerminal() {
			if _, perr := queue.Publish(a2a.NewStatusUpdateEvent(t, t.Status)); perr != nil {
				return nil, nil, fmt.Errorf("failed to publish final status: %w", perr)
			}
		}
		// Replay positions are meaningless on the rebuilt queue.
		lastEventID = 0
	}
	sub := queue.Subscribe(ctx, lastEventID)
	return sub, t, nil
}

// ============================================================================
// WORKER SINK (adapter callbacks)
// ============================================================================

// EmitMessage appends an agent message to history and publishes it on
// the task stream.
func (m *Manager) EmitMessage(ctx context.Context, taskID string, parts []a2a.Part) error {
	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	msg := a2a.NewAgentParts(taskID, t.ContextID, parts)
	if err := m.store.AppendHistory(ctx, taskID, msg); err != nil {
		return err
	}
	return m.publish(taskID, msg)
}

// EmitArtifact merges one artifact chunk and publishes the update.
func (m *Manager) EmitArtifact(ctx context.Context, taskID string, artifact a2a.Artifact, appendParts, lastChunk bool) error {
	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	ev := &a2a.TaskArtifactUpdateEvent{
		Kind:      a2a.EventKindArtifactUpdate,
		TaskID:    taskID,
		ContextID: t.ContextID,
		Artifact:  artifact,
		Append:    appendParts,
		LastChunk: lastChunk,
	}
	if err := m.store.ApplyArtifact(ctx, taskID, ev); err != nil {
		return err
	}
	return m.publish(taskID, ev)
}

// Transition moves the task to the new state and publishes the
// status-update. Transitions are serialized per task; the final event
// closes the queue.
func (m *Manager) Transition(ctx context.Context, taskID string, state a2a.TaskState, noteParts []a2a.Part) error {
	lock := m.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		return err
	}

	status := a2a.TaskStatus{
		State:     state,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if len(noteParts) > 0 {
		status.Message = a2a.NewAgentParts(taskID, t.ContextID, noteParts)
	}

	prev, err := m.store.SetStatus(ctx, taskID, status)
	if err != nil {
		return err
	}
	m.logger.Info("Task transitioned", "task_id", taskID,
		"from", prev.State, "to", state)

	t.Status = status
	if err := m.publish(taskID, a2a.NewStatusUpdateEvent(t, status)); err != nil {
		return err
	}
	if state.IsTerminal() {
		m.dropTaskLock(taskID)
	}
	return nil
}

// PersistWorkerState checkpoints opaque worker state, binding the task's
// context as its thread.
func (m *Manager) PersistWorkerState(ctx context.Context, taskID string, state []byte) {
	if m.syncer == nil {
		return
	}
	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		m.logger.Warn("Cannot persist worker state for unknown task", "task_id", taskID, "error", err)
		return
	}
	_ = m.syncer.SaveWorkerState(ctx, taskID, t.ContextID, state)
}

func (m *Manager) publish(taskID string, ev a2a.Event) error {
	queue, ok := m.broker.Get(taskID)
	if !ok {
		return nil
	}
	if _, err := queue.Publish(ev); err != nil && !errors.Is(err, events.ErrQueueClosed) {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// ============================================================================
// PUSH NOTIFICATION CONFIGS (storage only; delivery is reserved)
// ============================================================================

// SetPushConfig stores a webhook config for the task.
func (m *Manager) SetPushConfig(ctx context.Context, cfg *a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, error) {
	if cfg == nil || cfg.TaskID == "" {
		return nil, a2a.ErrInvalidParams.WithData("task id is required")
	}
	if cfg.PushNotificationConfig.URL == "" {
		return nil, a2a.ErrInvalidParams.WithData("push notification url is required")
	}
	if _, err := m.store.Get(ctx, cfg.TaskID); err != nil {
		return nil, err
	}
	if cfg.PushNotificationConfig.ID == "" {
		cfg.PushNotificationConfig.ID = a2a.NewMessageID()
	}

	m.pushMu.Lock()
	defer m.pushMu.Unlock()
	byID, ok := m.pushConfigs[cfg.TaskID]
	if !ok {
		byID = make(map[string]a2a.PushNotificationConfig)
		m.pushConfigs[cfg.TaskID] = byID
	}
	byID[cfg.PushNotificationConfig.ID] = cfg.PushNotificationConfig
	return cfg, nil
}

// GetPushConfig returns one stored config. An empty config id selects
// the task's only config.
func (m *Manager) GetPushConfig(ctx context.Context, taskID, configID string) (*a2a.TaskPushNotificationConfig, error) {
	if taskID == "" {
		return nil, a2a.ErrInvalidParams.WithData("task id is required")
	}
	if _, err := m.store.Get(ctx, taskID); err != nil {
		return nil, err
	}

	m.pushMu.Lock()
	defer m.pushMu.Unlock()
	byID := m.pushConfigs[taskID]
	if configID == "" && len(byID) == 1 {
		for _, cfg := range byID {
			return &a2a.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: cfg}, nil
		}
	}
	cfg, ok := byID[configID]
	if !ok {
		return nil, a2a.ErrTaskNotFound.WithData("push notification config not found")
	}
	return &a2a.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: cfg}, nil
}

// ListPushConfigs returns every stored config for the task.
func (m *Manager) ListPushConfigs(ctx context.Context, taskID string) ([]*a2a.TaskPushNotificationConfig, error) {
	if taskID == "" {
		return nil, a2a.ErrInvalidParams.WithData("task id is required")
	}
	if _, err := m.store.Get(ctx, taskID); err != nil {
		return nil, err
	}

	m.pushMu.Lock()
	defer m.pushMu.Unlock()
	out := make([]*a2a.TaskPushNotificationConfig, 0, len(m.pushConfigs[taskID]))
	for _, cfg := range m.pushConfigs[taskID] {
		out = append(out, &a2a.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: cfg})
	}
	return out, nil
}

// DeletePushConfig removes one stored config. Deleting a missing config
// is a no-op.
func (m *Manager) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	if taskID == "" {
		return a2a.ErrInvalidParams.WithData("task id is required")
	}
	if _, err := m.store.Get(ctx, taskID); err != nil {
		return err
	}

	m.pushMu.Lock()
	defer m.pushMu.Unlock()
	if byID, ok := m.pushConfigs[taskID]; ok {
		delete(byID, configID)
		if len(byID) == 0 {
			delete(m.pushConfigs, taskID)
		}
	}
	return nil
}
