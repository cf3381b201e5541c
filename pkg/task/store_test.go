package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

func newTestTask(t *testing.T) *a2a.Task {
	t.Helper()
	return a2a.NewTask(a2a.NewUserMessage("hello"))
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newTestTask(t)
	require.NoError(t, store.Create(ctx, task))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, a2a.TaskStateSubmitted, got.Status.State)
	require.Len(t, got.History, 1)

	// Mutating the returned copy must not touch the stored record.
	got.History[0].Parts[0].Text = "mutated"
	again, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", again.History[0].Parts[0].Text)
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newTestTask(t)
	require.NoError(t, store.Create(ctx, task))
	err := store.Create(ctx, task)
	assert.ErrorIs(t, err, a2a.ErrProtocolViolation)
}

func TestMemoryStoreGetUnknown(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, a2a.ErrTaskNotFound)
}

func TestSetStatusEnforcesStateMachine(t *testing.T) {
	ctx := context.Background()

	t.Run("legal path", func(t *testing.T) {
		store := NewMemoryStore()
		task := newTestTask(t)
		require.NoError(t, store.Create(ctx, task))

		for _, state := range []a2a.TaskState{
			a2a.TaskStateWorking,
			a2a.TaskStateInputRequired,
			a2a.TaskStateWorking,
			a2a.TaskStateCompleted,
		} {
			_, err := store.SetStatus(ctx, task.ID, a2a.TaskStatus{State: state})
			require.NoError(t, err, "transition to %s", state)
		}

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, a2a.TaskStateCompleted, got.Status.State)
		assert.NotEmpty(t, got.Status.Timestamp)
	})

	t.Run("illegal edge", func(t *testing.T) {
		store := NewMemoryStore()
		task := newTestTask(t)
		require.NoError(t, store.Create(ctx, task))

		prev, err := store.SetStatus(ctx, task.ID, a2a.TaskStatus{State: a2a.TaskStateInputRequired})
		assert.ErrorIs(t, err, a2a.ErrProtocolViolation)
		assert.Equal(t, a2a.TaskStateSubmitted, prev.State)
	})

	t.Run("terminal is permanent", func(t *testing.T) {
		store := NewMemoryStore()
		task := newTestTask(t)
		require.NoError(t, store.Create(ctx, task))

		_, err := store.SetStatus(ctx, task.ID, a2a.TaskStatus{State: a2a.TaskStateCanceled})
		require.NoError(t, err)
		_, err = store.SetStatus(ctx, task.ID, a2a.TaskStatus{State: a2a.TaskStateWorking})
		assert.ErrorIs(t, err, a2a.ErrProtocolViolation)
	})

	t.Run("same state refresh allowed", func(t *testing.T) {
		store := NewMemoryStore()
		task := newTestTask(t)
		require.NoError(t, store.Create(ctx, task))

		_, err := store.SetStatus(ctx, task.ID, a2a.TaskStatus{State: a2a.TaskStateWorking})
		require.NoError(t, err)
		_, err = store.SetStatus(ctx, task.ID, a2a.TaskStatus{
			State:   a2a.TaskStateWorking,
			Message: a2a.NewAgentMessage(task.ID, task.ContextID, "still working"),
		})
		require.NoError(t, err)
	})
}

func TestAppendHistoryFillsTaskBinding(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newTestTask(t)
	require.NoError(t, store.Create(ctx, task))

	msg := a2a.NewUserMessage("follow-up")
	require.NoError(t, store.AppendHistory(ctx, task.ID, msg))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, task.ID, got.History[1].TaskID)
	assert.Equal(t, task.ContextID, got.History[1].ContextID)
}

func TestApplyArtifactMergesChunks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newTestTask(t)
	require.NoError(t, store.Create(ctx, task))

	artifactID := a2a.NewArtifactID()
	chunks := []struct {
		text   string
		append bool
		last   bool
	}{
		{"first ", false, false},
		{"second ", true, false},
		{"third", true, true},
	}
	for _, c := range chunks {
		require.NoError(t, store.ApplyArtifact(ctx, task.ID, &a2a.TaskArtifactUpdateEvent{
			TaskID: task.ID,
			Artifact: a2a.Artifact{
				ArtifactID: artifactID,
				Name:       "result",
				Parts:      []a2a.Part{a2a.NewTextPart(c.text)},
			},
			Append:    c.append,
			LastChunk: c.last,
		}))
	}

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	require.Len(t, got.Artifacts[0].Parts, 3)

	var full string
	for _, p := range got.Artifacts[0].Parts {
		full += p.Text
	}
	assert.Equal(t, "first second third", full)
}

func TestApplyArtifactReplaceWithoutAppend(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newTestTask(t)
	require.NoError(t, store.Create(ctx, task))

	artifactID := a2a.NewArtifactID()
	for _, text := range []string{"draft", "final"} {
		require.NoError(t, store.ApplyArtifact(ctx, task.ID, &a2a.TaskArtifactUpdateEvent{
			TaskID: task.ID,
			Artifact: a2a.Artifact{
				ArtifactID: artifactID,
				Parts:      []a2a.Part{a2a.NewTextPart(text)},
			},
		}))
	}

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	require.Len(t, got.Artifacts[0].Parts, 1)
	assert.Equal(t, "final", got.Artifacts[0].Parts[0].Text)
}

func TestListFilterAndPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	contextID := "ctx-list"
	var ids []string
	for i := 0; i < 5; i++ {
		msg := a2a.NewUserMessage(fmt.Sprintf("msg %d", i))
		msg.ContextID = contextID
		task := a2a.NewTask(msg)
		task.CreatedAt = task.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, store.Create(ctx, task))
		ids = append(ids, task.ID)
	}
	// One task in another context.
	require.NoError(t, store.Create(ctx, newTestTask(t)))

	tasks, total, err := store.List(ctx, Filter{ContextID: contextID})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, tasks, 5)
	for i, task := range tasks {
		assert.Equal(t, ids[i], task.ID, "creation order preserved")
	}

	page, total, err := store.List(ctx, Filter{ContextID: contextID, Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 1)
	assert.Equal(t, ids[4], page[0].ID)

	_, err2 := store.SetStatus(ctx, ids[0], a2a.TaskStatus{State: a2a.TaskStateWorking})
	require.NoError(t, err2)
	working, _, err := store.List(ctx, Filter{State: a2a.TaskStateWorking})
	require.NoError(t, err)
	require.Len(t, working, 1)
	assert.Equal(t, ids[0], working[0].ID)
}

func TestEvictTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	done := newTestTask(t)
	require.NoError(t, store.Create(ctx, done))
	_, err := store.SetStatus(ctx, done.ID, a2a.TaskStatus{State: a2a.TaskStateRejected})
	require.NoError(t, err)

	live := newTestTask(t)
	require.NoError(t, store.Create(ctx, live))

	evicted, err := store.EvictTerminal(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{done.ID}, evicted)

	_, err = store.Get(ctx, done.ID)
	assert.ErrorIs(t, err, a2a.ErrTaskNotFound)
	_, err = store.Get(ctx, live.ID)
	assert.NoError(t, err)
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newTestTask(t)
	require.NoError(t, store.Create(ctx, task))

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := a2a.NewUserMessage(fmt.Sprintf("w%d-%d", w, i))
				assert.NoError(t, store.AppendHistory(ctx, task.ID, msg))
			}
		}(w)
	}
	wg.Wait()

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 1+writers*perWriter)
}
