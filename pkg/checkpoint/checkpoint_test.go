package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/events"
)

func newTestBackend(t *testing.T) *MemoryBackend {
	t.Helper()
	b := NewMemoryBackend(10 * time.Millisecond)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestMemoryBackendPutGet(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "task:abc", []byte(`{"id":"abc"}`), 0))
	got, err := b.Get(ctx, "task:abc")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"abc"}`, string(got))

	_, err = b.Get(ctx, "task:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackendTTLExpiry(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "task:short", []byte("v"), 20*time.Millisecond))
	require.NoError(t, b.Put(ctx, "task:long", []byte("v"), time.Hour))

	_, err := b.Get(ctx, "task:short")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = b.Get(ctx, "task:short")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = b.Get(ctx, "task:long")
	assert.NoError(t, err)
}

func TestMemoryBackendDeleteIdempotent(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "k", []byte("v"), 0))
	require.NoError(t, b.Delete(ctx, "k"))
	require.NoError(t, b.Delete(ctx, "k"))

	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackendListByPrefix(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "task:1", []byte("a"), 0))
	require.NoError(t, b.Put(ctx, "task:2", []byte("b"), 0))
	require.NoError(t, b.Put(ctx, "thread:1", []byte("c"), 0))
	require.NoError(t, b.Put(ctx, "task:3", []byte("d"), 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)

	got, err := b.ListByPrefix(ctx, "task:")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "a", string(got["task:1"]))
	assert.Equal(t, "b", string(got["task:2"]))
}

func TestMemoryBackendCompareAndSwap(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	// nil old asserts absence.
	ok, err := b.CompareAndSwap(ctx, "k", nil, []byte("v1"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.CompareAndSwap(ctx, "k", nil, []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.CompareAndSwap(ctx, "k", []byte("wrong"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func testRetention() config.RetentionConfig {
	return config.RetentionConfig{
		ActiveDays:    7,
		CompletedDays: 30,
		FailedDays:    3,
	}
}

// ttlRecordingBackend remembers the TTL of the last Put so tests can
// observe which retention window a write landed in.
type ttlRecordingBackend struct {
	Backend
	lastTTL time.Duration
}

func (b *ttlRecordingBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.lastTTL = ttl
	return b.Backend.Put(ctx, key, value, ttl)
}

func TestStoreRetentionFollowsOutcome(t *testing.T) {
	backend := &ttlRecordingBackend{Backend: newTestBackend(t)}
	store := NewStore(backend, testRetention())
	ctx := context.Background()

	task := a2a.NewTask(a2a.NewUserMessage("convert 100 USD to EUR"))

	cases := []struct {
		state a2a.TaskState
		want  time.Duration
	}{
		{a2a.TaskStateSubmitted, 7 * 24 * time.Hour},
		{a2a.TaskStateWorking, 7 * 24 * time.Hour},
		{a2a.TaskStateInputRequired, 7 * 24 * time.Hour},
		{a2a.TaskStateCompleted, 30 * 24 * time.Hour},
		{a2a.TaskStateFailed, 3 * 24 * time.Hour},
		{a2a.TaskStateCanceled, 3 * 24 * time.Hour},
		{a2a.TaskStateRejected, 3 * 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(string(tc.state), func(t *testing.T) {
			task.Status = a2a.TaskStatus{State: tc.state, Timestamp: a2a.NowTimestamp()}
			require.NoError(t, store.SaveTask(ctx, task))
			assert.Equal(t, tc.want, backend.lastTTL)
		})
	}

	// Worker state and mappings always live on the active window.
	require.NoError(t, store.SaveWorkerState(ctx, "th-1", []byte(`{}`)))
	assert.Equal(t, 7*24*time.Hour, backend.lastTTL)
	require.NoError(t, store.BindThread(ctx, task.ID, "th-1"))
	assert.Equal(t, 7*24*time.Hour, backend.lastTTL)
}

func TestStoreTaskRoundTrip(t *testing.T) {
	store := NewStore(newTestBackend(t), testRetention())
	ctx := context.Background()

	task := a2a.NewTask(a2a.NewUserMessage("convert 100 USD to EUR"))
	require.NoError(t, store.SaveTask(ctx, task))

	got, err := store.LoadTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Status.State, got.Status.State)
	require.Len(t, got.History, 1)

	_, err = store.LoadTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreThreadBinding(t *testing.T) {
	store := NewStore(newTestBackend(t), testRetention())
	ctx := context.Background()

	require.NoError(t, store.BindThread(ctx, "task-1", "thread-9"))

	threadID, err := store.ThreadForTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "thread-9", threadID)

	taskID, err := store.TaskForThread(ctx, "thread-9")
	require.NoError(t, err)
	assert.Equal(t, "task-1", taskID)
}

func TestStoreWorkerState(t *testing.T) {
	store := NewStore(newTestBackend(t), testRetention())
	ctx := context.Background()

	state := []byte(`{"pending_tool":"fx_rate"}`)
	require.NoError(t, store.SaveWorkerState(ctx, "thread-9", state))

	got, err := store.LoadWorkerState(ctx, "thread-9")
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestStoreDeleteTaskRemovesEverything(t *testing.T) {
	store := NewStore(newTestBackend(t), testRetention())
	ctx := context.Background()

	task := a2a.NewTask(a2a.NewUserMessage("hi"))
	require.NoError(t, store.SaveTask(ctx, task))
	require.NoError(t, store.BindThread(ctx, task.ID, "thread-x"))
	require.NoError(t, store.SaveWorkerState(ctx, "thread-x", []byte("state")))

	require.NoError(t, store.DeleteTask(ctx, task.ID))

	_, err := store.LoadTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ThreadForTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.TaskForThread(ctx, "thread-x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.LoadWorkerState(ctx, "thread-x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreListTasksSkipsCorrupt(t *testing.T) {
	backend := newTestBackend(t)
	store := NewStore(backend, testRetention())
	ctx := context.Background()

	task := a2a.NewTask(a2a.NewUserMessage("hi"))
	require.NoError(t, store.SaveTask(ctx, task))
	require.NoError(t, backend.Put(ctx, "task:corrupt", []byte("{not json"), 0))

	tasks, skipped, err := store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
	assert.Equal(t, []string{"corrupt"}, skipped)
}

// trackingSource returns a fixed task and counts lookups.
type trackingSource struct {
	mu    sync.Mutex
	task  *a2a.Task
	calls int
}

func (s *trackingSource) Get(_ context.Context, taskID string) (*a2a.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.task.Clone(), nil
}

func (s *trackingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestSynchronizerForcesWriteOnStatusUpdate(t *testing.T) {
	store := NewStore(newTestBackend(t), testRetention())
	ctx := context.Background()

	task := a2a.NewTask(a2a.NewUserMessage("hi"))
	source := &trackingSource{task: task}
	sync := NewSynchronizer(store, source, time.Hour, false, nil)
	defer sync.Stop()

	queue := events.NewQueue(task.ID, 16, 4)
	sync.Watch(ctx, task.ID, queue)

	working := a2a.TaskStatus{State: a2a.TaskStateWorking}
	_, err := queue.Publish(a2a.NewStatusUpdateEvent(task, working))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := store.LoadTask(ctx, task.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestSynchronizerCoalescesMessageWrites(t *testing.T) {
	store := NewStore(newTestBackend(t), testRetention())
	ctx := context.Background()

	task := a2a.NewTask(a2a.NewUserMessage("hi"))
	source := &trackingSource{task: task}
	sync := NewSynchronizer(store, source, 30*time.Millisecond, false, nil)
	defer sync.Stop()

	queue := events.NewQueue(task.ID, 64, 8)
	sync.Watch(ctx, task.ID, queue)

	// A burst of message events inside one interval coalesces to a
	// single flush on the next tick.
	for i := 0; i < 10; i++ {
		msg := a2a.NewAgentMessage(task.ID, task.ContextID, "chunk")
		_, err := queue.Publish(msg)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return source.callCount() >= 1
	}, time.Second, 5*time.Millisecond)
	// Give another interval to prove no extra flushes happen.
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, source.callCount(), 2)
}

func TestSynchronizerStopsOnQueueClose(t *testing.T) {
	store := NewStore(newTestBackend(t), testRetention())
	ctx := context.Background()

	task := a2a.NewTask(a2a.NewUserMessage("hi"))
	source := &trackingSource{task: task}
	sync := NewSynchronizer(store, source, time.Hour, false, nil)

	queue := events.NewQueue(task.ID, 16, 4)
	sync.Watch(ctx, task.ID, queue)

	done := a2a.TaskStatus{State: a2a.TaskStateCompleted}
	_, err := queue.Publish(a2a.NewStatusUpdateEvent(task, done))
	require.NoError(t, err)

	// The final event closes the queue; the watch must unwind so Stop
	// returns promptly.
	finished := make(chan struct{})
	go func() {
		sync.Stop()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("synchronizer did not stop after queue close")
	}
}
