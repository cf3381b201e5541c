package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

func statusEvent(taskID string, state a2a.TaskState) *a2a.TaskStatusUpdateEvent {
	return &a2a.TaskStatusUpdateEvent{
		Kind:   a2a.EventKindStatusUpdate,
		TaskID: taskID,
		Status: a2a.TaskStatus{State: state, Timestamp: a2a.NowTimestamp()},
		Final:  state.IsTerminal(),
	}
}

func messageEvent(taskID, text string) *a2a.Message {
	return a2a.NewAgentMessage(taskID, "ctx", text)
}

func collect(t *testing.T, sub *Subscription, n int) []Envelope {
	t.Helper()
	var got []Envelope
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, env)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestQueueSequencesAreMonotonic(t *testing.T) {
	q := NewQueue("t1", 16, 4)
	for i := 0; i < 5; i++ {
		seq, err := q.Publish(messageEvent("t1", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}
	assert.Equal(t, int64(5), q.LastSeq())
}

func TestQueueReplayThenLive(t *testing.T) {
	q := NewQueue("t1", 16, 4)
	_, err := q.Publish(messageEvent("t1", "before-1"))
	require.NoError(t, err)
	_, err = q.Publish(messageEvent("t1", "before-2"))
	require.NoError(t, err)

	sub := q.Subscribe(context.Background(), 0)
	defer sub.Close()
	assert.True(t, sub.CatchUp())

	_, err = q.Publish(messageEvent("t1", "live"))
	require.NoError(t, err)

	got := collect(t, sub, 3)
	require.Len(t, got, 3)
	for i, env := range got {
		assert.Equal(t, int64(i+1), env.Seq)
	}
	assert.Equal(t, "live", a2a.ExtractText(got[2].Event.(*a2a.Message)))
}

func TestQueueResubscribeAfterSeq(t *testing.T) {
	q := NewQueue("t1", 16, 4)
	for i := 0; i < 4; i++ {
		_, err := q.Publish(messageEvent("t1", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	sub := q.Subscribe(context.Background(), 2)
	defer sub.Close()
	assert.True(t, sub.CatchUp())

	got := collect(t, sub, 2)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, int64(4), got[1].Seq)
}

func TestQueueReplayWindowMiss(t *testing.T) {
	q := NewQueue("t1", 2, 4)
	for i := 0; i < 5; i++ {
		_, err := q.Publish(messageEvent("t1", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	// Only seqs 4 and 5 are retained; asking for >1 cannot be honored.
	sub := q.Subscribe(context.Background(), 1)
	defer sub.Close()
	assert.False(t, sub.CatchUp())

	got := collect(t, sub, 2)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, int64(5), got[1].Seq)

	// A subscriber inside the window still catches up.
	sub2 := q.Subscribe(context.Background(), 4)
	defer sub2.Close()
	assert.True(t, sub2.CatchUp())
}

func TestQueueClosesOnFinalEvent(t *testing.T) {
	q := NewQueue("t1", 16, 4)
	sub := q.Subscribe(context.Background(), 0)

	_, err := q.Publish(statusEvent("t1", a2a.TaskStateWorking))
	require.NoError(t, err)
	_, err = q.Publish(statusEvent("t1", a2a.TaskStateCompleted))
	require.NoError(t, err)

	got := collect(t, sub, 2)
	require.Len(t, got, 2)
	final := got[1].Event.(*a2a.TaskStatusUpdateEvent)
	assert.True(t, final.Final)

	// Channel closes after the final event (P2: nothing follows).
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())

	_, err = q.Publish(messageEvent("t1", "too late"))
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.True(t, q.Closed())
}

func TestQueueDropsSlowSubscriberWithoutBlocking(t *testing.T) {
	q := NewQueue("t1", 64, 2)

	// Never read from this subscription; its pump stalls on the first
	// event and the live buffer (2) fills up.
	slow := q.Subscribe(context.Background(), 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, err := q.Publish(messageEvent("t1", fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// The subscription ends with a lagged error.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-slow.Events():
			if !ok {
				assert.ErrorIs(t, slow.Err(), ErrStreamLagged)
				return
			}
		case <-deadline:
			t.Fatal("slow subscription never terminated")
		}
	}
}

func TestQueueSubscribersShareTotalOrder(t *testing.T) {
	q := NewQueue("t1", 64, 64)
	subA := q.Subscribe(context.Background(), 0)
	subB := q.Subscribe(context.Background(), 0)
	defer subA.Close()
	defer subB.Close()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := q.Publish(messageEvent("t1", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	gotA := collect(t, subA, n)
	gotB := collect(t, subB, n)
	require.Len(t, gotB, n)
	for i := range gotA {
		assert.Equal(t, gotA[i].Seq, gotB[i].Seq)
	}
}

func TestQueueSubscribeAfterClose(t *testing.T) {
	q := NewQueue("t1", 16, 4)
	_, err := q.Publish(messageEvent("t1", "history"))
	require.NoError(t, err)
	_, err = q.Publish(statusEvent("t1", a2a.TaskStateCompleted))
	require.NoError(t, err)

	// Late subscriber still gets the retained window, then closure.
	sub := q.Subscribe(context.Background(), 0)
	got := collect(t, sub, 2)
	require.Len(t, got, 2)
	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestSubscriptionContextCancel(t *testing.T) {
	q := NewQueue("t1", 16, 4)
	ctx, cancel := context.WithCancel(context.Background())
	sub := q.Subscribe(ctx, 0)

	_, err := q.Publish(messageEvent("t1", "one"))
	require.NoError(t, err)
	collect(t, sub, 1)

	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription did not terminate on context cancel")
		}
	}
}

func TestBrokerLifecycle(t *testing.T) {
	b := NewBroker(16, 4)

	q1 := b.Queue("t1")
	assert.Same(t, q1, b.Queue("t1"))
	assert.Equal(t, 1, b.Len())

	_, ok := b.Get("t2")
	assert.False(t, ok)

	_, err := q1.Publish(messageEvent("t1", "m"))
	require.NoError(t, err)

	st := b.Stats()
	assert.Equal(t, 1, st.OpenQueues)
	assert.Equal(t, int64(1), st.EventsPublished)

	b.Drop("t1")
	assert.Equal(t, 0, b.Len())
	assert.True(t, q1.Closed())

	b.Queue("t3")
	b.CloseAll()
	assert.Equal(t, 0, b.Len())
}
