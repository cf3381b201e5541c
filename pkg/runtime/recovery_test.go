package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/checkpoint"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/events"
	"github.com/conclave-ai/conclave/pkg/registry"
	"github.com/conclave-ai/conclave/pkg/task"
	"github.com/conclave-ai/conclave/pkg/worker"
	"github.com/conclave-ai/conclave/pkg/workers"
)

func testCheckpointStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	backend := checkpoint.NewMemoryBackend(time.Minute)
	store := checkpoint.NewStore(backend, config.RetentionConfig{
		ActiveDays:    1,
		CompletedDays: 1,
		FailedDays:    1,
	})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func checkpointedManager(t *testing.T, ckpt *checkpoint.Store, w worker.Worker) (*Manager, *checkpoint.Synchronizer) {
	t.Helper()
	store := task.NewMemoryStore()
	syncer := checkpoint.NewSynchronizer(ckpt, store, 10*time.Millisecond, false, quietLogger())
	t.Cleanup(syncer.Stop)

	reg := registry.NewBaseRegistry[worker.Worker]()
	require.NoError(t, reg.Register("w", w))
	m, err := NewManager(ManagerOptions{
		Store:        store,
		Broker:       events.NewBroker(64, 16),
		Checkpoints:  ckpt,
		Synchronizer: syncer,
		Workers:      reg,
		CancelGrace:  time.Second,
		Logger:       quietLogger(),
	})
	require.NoError(t, err)
	return m, syncer
}

func TestRecoverInterruptedTaskAcrossRestart(t *testing.T) {
	ckpt := testCheckpointStore(t)
	w := newInterruptWorker()

	// First node: run until the worker asks for input, wait for the
	// transition to flush to the checkpoint store.
	first, _ := checkpointedManager(t, ckpt, w)
	created, err := first.OnMessageSend(context.Background(), sendParams("pick something"))
	require.NoError(t, err)
	waitState(t, first, created.ID, a2a.TaskStateInputRequired)

	require.Eventually(t, func() bool {
		snap, err := ckpt.LoadTask(context.Background(), created.ID)
		return err == nil && snap.Status.State == a2a.TaskStateInputRequired
	}, 3*time.Second, 10*time.Millisecond, "interrupt never reached the checkpoint store")

	// Second node: fresh task store, same checkpoint store.
	second, _ := checkpointedManager(t, ckpt, w)
	require.NoError(t, second.RecoverTasks(context.Background()))

	restored, err := second.OnGetTask(context.Background(), &a2a.TaskQueryParams{ID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateInputRequired, restored.Status.State)

	// The follow-up resumes the recovered task to completion.
	follow := sendParams("the blue one")
	follow.Message.TaskID = created.ID
	resumed, err := second.OnMessageSend(context.Background(), follow)
	require.NoError(t, err)
	assert.Equal(t, created.ID, resumed.ID)

	done := waitState(t, second, created.ID, a2a.TaskStateCompleted)
	last := done.History[len(done.History)-1]
	assert.Equal(t, "picked the blue one", a2a.ExtractAllText(last))
}

func TestRecoverSkipsTerminalTasks(t *testing.T) {
	ckpt := testCheckpointStore(t)

	first, _ := checkpointedManager(t, ckpt, workers.NewEchoWorker())
	created, err := first.OnMessageSend(context.Background(), sendParams("hello"))
	require.NoError(t, err)
	waitState(t, first, created.ID, a2a.TaskStateCompleted)

	require.Eventually(t, func() bool {
		snap, err := ckpt.LoadTask(context.Background(), created.ID)
		return err == nil && snap.Status.State == a2a.TaskStateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	second, _ := checkpointedManager(t, ckpt, workers.NewEchoWorker())
	require.NoError(t, second.RecoverTasks(context.Background()))

	_, err = second.OnGetTask(context.Background(), &a2a.TaskQueryParams{ID: created.ID})
	assert.ErrorIs(t, err, a2a.ErrTaskNotFound, "terminal tasks are not rehydrated")
	assert.Equal(t, 0, second.ActiveTasks())
}

func TestRecoverRestartsWorkingTask(t *testing.T) {
	ckpt := testCheckpointStore(t)

	// Seed the checkpoint store with a task caught mid-flight.
	msg := a2a.NewUserMessage("echo this after the crash")
	seeded := a2a.NewTask(msg)
	seeded.Status = a2a.TaskStatus{State: a2a.TaskStateWorking, Timestamp: a2a.NowTimestamp()}
	require.NoError(t, ckpt.SaveTask(context.Background(), seeded))

	m, _ := checkpointedManager(t, ckpt, workers.NewEchoWorker())
	require.NoError(t, m.RecoverTasks(context.Background()))

	done := waitState(t, m, seeded.ID, a2a.TaskStateCompleted)
	last := done.History[len(done.History)-1]
	assert.Equal(t, "echo this after the crash", a2a.ExtractAllText(last))
}

func TestRecoverWithoutCheckpointStoreIsNoop(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.RecoverTasks(context.Background()))
	assert.Equal(t, 0, m.ActiveTasks())
}
