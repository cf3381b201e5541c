package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

// sseFrame writes one SSE frame carrying the JSON-RPC stream envelope.
func sseFrame(t *testing.T, w http.ResponseWriter, seq int64, ev a2a.Event) {
	t.Helper()
	payload, err := json.Marshal(a2a.NewResponse("stream", ev))
	require.NoError(t, err)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.EventKind(), payload)
	w.(http.Flusher).Flush()
}

func streamTask() *a2a.Task {
	return a2a.NewTask(a2a.NewUserMessage("what time is it in Tokyo?"))
}

func collect(t *testing.T, events <-chan a2a.Event, errs <-chan error) ([]a2a.Event, error) {
	t.Helper()
	var got []a2a.Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got, <-errs
			}
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for stream events")
		}
	}
}

func TestStreamDeliversUntilFinal(t *testing.T) {
	task := streamTask()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req a2a.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, a2a.MethodMessageStream, req.Method)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		sseFrame(t, w, 1, a2a.NewTaskSnapshotEvent(task))
		sseFrame(t, w, 2, a2a.NewAgentMessage(task.ID, task.ContextID, "checking the clock"))
		sseFrame(t, w, 3, a2a.NewStatusUpdateEvent(task, a2a.TaskStatus{State: a2a.TaskStateCompleted}))
	}))
	defer ts.Close()

	c := fastClient(Options{})
	events, errs := c.Stream(context.Background(), ts.URL, &a2a.MessageSendParams{
		Message: a2a.NewUserMessage("what time is it in Tokyo?"),
	})

	got, err := collect(t, events, errs)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, a2a.EventKindTaskSnapshot, got[0].EventKind())
	assert.Equal(t, a2a.EventKindMessage, got[1].EventKind())
	final, ok := got[2].(*a2a.TaskStatusUpdateEvent)
	require.True(t, ok)
	assert.True(t, final.Final)
}

func TestStreamResubscribesAfterDisconnect(t *testing.T) {
	task := streamTask()
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req a2a.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		if calls.Add(1) == 1 {
			require.Equal(t, a2a.MethodMessageStream, req.Method)
			// Deliver two events, then drop the connection.
			sseFrame(t, w, 1, a2a.NewTaskSnapshotEvent(task))
			sseFrame(t, w, 2, a2a.NewAgentMessage(task.ID, task.ContextID, "partial"))
			return
		}

		require.Equal(t, a2a.MethodTasksResubscribe, req.Method)
		require.Equal(t, "2", r.Header.Get("Last-Event-ID"))
		var params a2a.TaskResubscribeParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, task.ID, params.ID)
		assert.Equal(t, int64(2), params.LastEventID)

		sseFrame(t, w, 3, a2a.NewStatusUpdateEvent(task, a2a.TaskStatus{State: a2a.TaskStateCompleted}))
	}))
	defer ts.Close()

	c := fastClient(Options{})
	events, errs := c.Stream(context.Background(), ts.URL, &a2a.MessageSendParams{
		Message: a2a.NewUserMessage("what time is it in Tokyo?"),
	})

	got, err := collect(t, events, errs)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(2), calls.Load())
}

func TestStreamGivesUpAfterMaxResubscribes(t *testing.T) {
	task := streamTask()
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		// Always cut before the final event.
		sseFrame(t, w, calls.Load(), a2a.NewTaskSnapshotEvent(task))
	}))
	defer ts.Close()

	c := fastClient(Options{MaxResubscribes: 2})
	events, errs := c.Stream(context.Background(), ts.URL, &a2a.MessageSendParams{
		Message: a2a.NewUserMessage("hi"),
	})

	_, err := collect(t, events, errs)
	var perr *PeerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindUnreachable, perr.Kind)
	assert.Equal(t, int64(3), calls.Load(), "initial attempt plus two resubscribes")
}

func TestStreamRemoteErrorFrameIsTerminal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		payload, _ := json.Marshal(a2a.NewErrorResponse("stream", a2a.ErrInternalError))
		fmt.Fprintf(w, "data: %s\n\n", payload)
	}))
	defer ts.Close()

	c := fastClient(Options{})
	events, errs := c.Stream(context.Background(), ts.URL, &a2a.MessageSendParams{
		Message: a2a.NewUserMessage("hi"),
	})

	_, err := collect(t, events, errs)
	var perr *PeerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindRemoteFailed, perr.Kind)
}

func TestStreamRejectsNonEventStreamResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	defer ts.Close()

	c := fastClient(Options{})
	events, errs := c.Stream(context.Background(), ts.URL, &a2a.MessageSendParams{
		Message: a2a.NewUserMessage("hi"),
	})

	_, err := collect(t, events, errs)
	var perr *PeerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindProtocol, perr.Kind)
}

func TestStreamErrorResponseBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(a2a.NewErrorResponse(nil, a2a.ErrAuthenticationRequired))
	}))
	defer ts.Close()

	c := fastClient(Options{})
	events, errs := c.Stream(context.Background(), ts.URL, &a2a.MessageSendParams{
		Message: a2a.NewUserMessage("hi"),
	})

	_, err := collect(t, events, errs)
	var perr *PeerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindAuth, perr.Kind)
}

func TestResubscribeDelayBounds(t *testing.T) {
	for attempt := 1; attempt <= 6; attempt++ {
		d := resubscribeDelay(attempt)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestInFlightTracking(t *testing.T) {
	release := make(chan struct{})
	task := streamTask()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		sseFrame(t, w, 1, a2a.NewTaskSnapshotEvent(task))
		<-release
		sseFrame(t, w, 2, a2a.NewStatusUpdateEvent(task, a2a.TaskStatus{State: a2a.TaskStateCompleted}))
	}))
	defer ts.Close()

	c := fastClient(Options{})
	events, errs := c.Stream(context.Background(), ts.URL, &a2a.MessageSendParams{
		Message: a2a.NewUserMessage("hi"),
	})

	// First event proves the stream is open.
	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("no first event")
	}
	assert.Equal(t, int64(1), c.InFlight(ts.URL))

	close(release)
	_, err := collect(t, events, errs)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return c.InFlight(ts.URL) == 0 },
		time.Second, 10*time.Millisecond)
}
