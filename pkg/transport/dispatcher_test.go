package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/events"
)

// fakeService records calls and serves canned responses.
type fakeService struct {
	task    *a2a.Task
	queue   *events.Queue
	lastErr error

	sendParams  *a2a.MessageSendParams
	resubTaskID string
	resubAfter  int64

	pushConfigs map[string]*a2a.TaskPushNotificationConfig
}

func newFakeService() *fakeService {
	msg := a2a.NewUserMessage("hello")
	t := a2a.NewTask(msg)
	return &fakeService{
		task:        t,
		queue:       events.NewQueue(t.ID, 16, 8),
		pushConfigs: make(map[string]*a2a.TaskPushNotificationConfig),
	}
}

func (f *fakeService) OnMessageSend(_ context.Context, params *a2a.MessageSendParams) (*a2a.Task, error) {
	f.sendParams = params
	return f.task, f.lastErr
}

func (f *fakeService) OnMessageStream(ctx context.Context, params *a2a.MessageSendParams) (*events.Subscription, *a2a.Task, error) {
	f.sendParams = params
	if f.lastErr != nil {
		return nil, nil, f.lastErr
	}
	return f.queue.Subscribe(ctx, 0), f.task, nil
}

func (f *fakeService) OnGetTask(_ context.Context, params *a2a.TaskQueryParams) (*a2a.Task, error) {
	if params.ID != f.task.ID {
		return nil, a2a.ErrTaskNotFound
	}
	return f.task, nil
}

func (f *fakeService) OnListTasks(_ context.Context, _ *a2a.ListTasksParams) (*a2a.ListTasksResult, error) {
	return &a2a.ListTasksResult{Tasks: []*a2a.Task{f.task}, Total: 1}, nil
}

func (f *fakeService) OnCancelTask(_ context.Context, params *a2a.TaskIDParams) (*a2a.Task, error) {
	if params.ID != f.task.ID {
		return nil, a2a.ErrTaskNotFound
	}
	return f.task, f.lastErr
}

func (f *fakeService) OnResubscribe(ctx context.Context, taskID string, lastEventID int64) (*events.Subscription, *a2a.Task, error) {
	f.resubTaskID = taskID
	f.resubAfter = lastEventID
	if taskID != f.task.ID {
		return nil, nil, a2a.ErrTaskNotFound
	}
	return f.queue.Subscribe(ctx, lastEventID), f.task, nil
}

func (f *fakeService) SetPushConfig(_ context.Context, cfg *a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, error) {
	cfg.PushNotificationConfig.ID = "cfg-1"
	f.pushConfigs[cfg.PushNotificationConfig.ID] = cfg
	return cfg, nil
}

func (f *fakeService) GetPushConfig(_ context.Context, taskID, configID string) (*a2a.TaskPushNotificationConfig, error) {
	cfg, ok := f.pushConfigs[configID]
	if !ok {
		return nil, a2a.ErrTaskNotFound
	}
	return cfg, nil
}

func (f *fakeService) ListPushConfigs(_ context.Context, taskID string) ([]*a2a.TaskPushNotificationConfig, error) {
	out := make([]*a2a.TaskPushNotificationConfig, 0, len(f.pushConfigs))
	for _, cfg := range f.pushConfigs {
		out = append(out, cfg)
	}
	return out, nil
}

func (f *fakeService) DeletePushConfig(_ context.Context, taskID, configID string) error {
	delete(f.pushConfigs, configID)
	return nil
}

type fakeCards struct{ card *a2a.AgentCard }

func (f *fakeCards) ExtendedCard() *a2a.AgentCard { return f.card }

func newTestDispatcher(svc Service) *Dispatcher {
	return NewDispatcher(DispatcherOptions{
		Service:   svc,
		Cards:     &fakeCards{card: &a2a.AgentCard{Name: "test-node", Version: "1.0.0"}},
		Streaming: true,
		Keepalive: 50 * time.Millisecond,
	})
}

func postRPC(t *testing.T, d *Dispatcher, body string) *a2a.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	var resp a2a.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return &resp
}

func rpcBody(id any, method string, params any) string {
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	b, _ := json.Marshal(req)
	return string(b)
}

func TestDispatcherMessageSend(t *testing.T) {
	svc := newFakeService()
	d := newTestDispatcher(svc)

	resp := postRPC(t, d, rpcBody(1, a2a.MethodMessageSend, a2a.MessageSendParams{
		Message: a2a.NewUserMessage("what time is it in tokyo"),
	}))

	require.Nil(t, resp.Error)
	assert.EqualValues(t, 1, resp.ID)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var task a2a.Task
	require.NoError(t, json.Unmarshal(raw, &task))
	assert.Equal(t, svc.task.ID, task.ID)

	require.NotNil(t, svc.sendParams)
	assert.Equal(t, "what time is it in tokyo", a2a.ExtractText(svc.sendParams.Message))
}

func TestDispatcherRejectsNonPost(t *testing.T) {
	d := newTestDispatcher(newFakeService())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDispatcherParseError(t *testing.T) {
	d := newTestDispatcher(newFakeService())

	resp := postRPC(t, d, `{not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.CodeParseError, resp.Error.Code)
}

func TestDispatcherRejectsBatch(t *testing.T) {
	d := newTestDispatcher(newFakeService())

	resp := postRPC(t, d, `[{"jsonrpc":"2.0","id":1,"method":"tasks/get"}]`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.CodeInvalidRequest, resp.Error.Code)
}

func TestDispatcherRejectsWrongVersion(t *testing.T) {
	d := newTestDispatcher(newFakeService())

	resp := postRPC(t, d, `{"jsonrpc":"1.0","id":1,"method":"tasks/get","params":{"id":"x"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.CodeInvalidRequest, resp.Error.Code)
}

func TestDispatcherMethodNotFound(t *testing.T) {
	d := newTestDispatcher(newFakeService())

	resp := postRPC(t, d, rpcBody(7, "tasks/destroy", map[string]any{"id": "x"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.CodeMethodNotFound, resp.Error.Code)
	assert.EqualValues(t, 7, resp.ID)
}

func TestDispatcherInvalidParams(t *testing.T) {
	d := newTestDispatcher(newFakeService())

	resp := postRPC(t, d, `{"jsonrpc":"2.0","id":2,"method":"tasks/get"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.CodeInvalidParams, resp.Error.Code)
}

func TestDispatcherTaskNotFound(t *testing.T) {
	d := newTestDispatcher(newFakeService())

	resp := postRPC(t, d, rpcBody(3, a2a.MethodTasksGet, a2a.TaskQueryParams{ID: "missing"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.CodeTaskNotFound, resp.Error.Code)
}

func TestDispatcherInternalErrorsDoNotLeak(t *testing.T) {
	svc := newFakeService()
	svc.lastErr = fmt.Errorf("pq: connection refused on 10.0.0.3")
	d := newTestDispatcher(svc)

	resp := postRPC(t, d, rpcBody(4, a2a.MethodMessageSend, a2a.MessageSendParams{
		Message: a2a.NewUserMessage("hi"),
	}))

	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.CodeInternalError, resp.Error.Code)
	assert.Nil(t, resp.Error.Data)
	assert.NotContains(t, resp.Error.Message, "10.0.0.3")
}

func TestDispatcherTasksListWithoutParams(t *testing.T) {
	d := newTestDispatcher(newFakeService())

	resp := postRPC(t, d, `{"jsonrpc":"2.0","id":5,"method":"tasks/list"}`)
	require.Nil(t, resp.Error)

	raw, _ := json.Marshal(resp.Result)
	var res a2a.ListTasksResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 1, res.Total)
}

func TestDispatcherPushConfigRoundTrip(t *testing.T) {
	svc := newFakeService()
	d := newTestDispatcher(svc)

	resp := postRPC(t, d, rpcBody(1, a2a.MethodPushConfigSet, a2a.TaskPushNotificationConfig{
		TaskID:                 svc.task.ID,
		PushNotificationConfig: a2a.PushNotificationConfig{URL: "https://hooks.example.com/a2a"},
	}))
	require.Nil(t, resp.Error)

	resp = postRPC(t, d, rpcBody(2, a2a.MethodPushConfigGet, a2a.GetTaskPushNotificationConfigParams{
		ID: svc.task.ID, PushNotificationConfigID: "cfg-1",
	}))
	require.Nil(t, resp.Error)

	resp = postRPC(t, d, rpcBody(3, a2a.MethodPushConfigList, a2a.ListTaskPushNotificationConfigParams{
		ID: svc.task.ID,
	}))
	require.Nil(t, resp.Error)

	resp = postRPC(t, d, rpcBody(4, a2a.MethodPushConfigDelete, a2a.DeleteTaskPushNotificationConfigParams{
		ID: svc.task.ID, PushNotificationConfigID: "cfg-1",
	}))
	require.Nil(t, resp.Error)
	assert.Empty(t, svc.pushConfigs)
}

func TestDispatcherExtendedCard(t *testing.T) {
	d := newTestDispatcher(newFakeService())

	resp := postRPC(t, d, rpcBody(1, a2a.MethodAgentExtendedCard, nil))
	require.Nil(t, resp.Error)

	raw, _ := json.Marshal(resp.Result)
	var card a2a.AgentCard
	require.NoError(t, json.Unmarshal(raw, &card))
	assert.Equal(t, "test-node", card.Name)
}

func TestDispatcherStreamingDisabled(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{Service: newFakeService(), Streaming: false})

	resp := postRPC(t, d, rpcBody(1, a2a.MethodMessageStream, a2a.MessageSendParams{
		Message: a2a.NewUserMessage("hi"),
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.CodeUnsupportedCapability, resp.Error.Code)
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	ID    string
	Event string
	Data  string
}

// parseSSE splits a raw event-stream body into frames; comment lines
// are returned separately.
func parseSSE(t *testing.T, body string) ([]sseFrame, []string) {
	t.Helper()
	var frames []sseFrame
	var comments []string
	var cur sseFrame

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur != (sseFrame{}) {
				frames = append(frames, cur)
				cur = sseFrame{}
			}
		case strings.HasPrefix(line, ":"):
			comments = append(comments, strings.TrimPrefix(line, ":"))
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames, comments
}

func TestDispatcherMessageStream(t *testing.T) {
	svc := newFakeService()
	d := newTestDispatcher(svc)

	// Publish the stream contents up front and close with a final
	// status-update so the handler returns on its own.
	_, err := svc.queue.Publish(a2a.NewTaskSnapshotEvent(svc.task))
	require.NoError(t, err)
	_, err = svc.queue.Publish(a2a.NewAgentMessage(svc.task.ID, svc.task.ContextID, "working on it"))
	require.NoError(t, err)
	final := a2a.NewStatusUpdateEvent(svc.task,
		a2a.TaskStatus{State: a2a.TaskStateCompleted, Timestamp: a2a.NowTimestamp()})
	_, err = svc.queue.Publish(final)
	require.NoError(t, err)

	body := rpcBody("stream-1", a2a.MethodMessageStream, a2a.MessageSendParams{
		Message: a2a.NewUserMessage("hi"),
	})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames, _ := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "1", frames[0].ID)
	assert.Equal(t, a2a.EventKindTaskSnapshot, frames[0].Event)
	assert.Equal(t, a2a.EventKindMessage, frames[1].Event)
	assert.Equal(t, a2a.EventKindStatusUpdate, frames[2].Event)

	// Every data payload is a JSON-RPC envelope echoing the request id.
	for _, f := range frames {
		var env struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      any             `json:"id"`
			Result  json.RawMessage `json:"result"`
		}
		require.NoError(t, json.Unmarshal([]byte(f.Data), &env))
		assert.Equal(t, "2.0", env.JSONRPC)
		assert.EqualValues(t, "stream-1", env.ID)
		require.NotEmpty(t, env.Result)
	}

	var last struct {
		Result struct {
			Final bool `json:"final"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[2].Data), &last))
	assert.True(t, last.Result.Final)
}

func TestDispatcherResubscribeReplaysFromLastEventID(t *testing.T) {
	svc := newFakeService()
	d := newTestDispatcher(svc)

	_, err := svc.queue.Publish(a2a.NewTaskSnapshotEvent(svc.task))
	require.NoError(t, err)
	_, err = svc.queue.Publish(a2a.NewAgentMessage(svc.task.ID, svc.task.ContextID, "step one"))
	require.NoError(t, err)
	_, err = svc.queue.Publish(a2a.NewStatusUpdateEvent(svc.task,
		a2a.TaskStatus{State: a2a.TaskStateCompleted, Timestamp: a2a.NowTimestamp()}))
	require.NoError(t, err)

	body := rpcBody(9, a2a.MethodTasksResubscribe, a2a.TaskResubscribeParams{
		ID: svc.task.ID, LastEventID: 1,
	})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	frames, _ := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "2", frames[0].ID)
	assert.Equal(t, "3", frames[1].ID)
	assert.Equal(t, int64(1), svc.resubAfter)
}

func TestDispatcherLastEventIDHeaderTriggersResubscribe(t *testing.T) {
	svc := newFakeService()
	d := newTestDispatcher(svc)

	_, err := svc.queue.Publish(a2a.NewTaskSnapshotEvent(svc.task))
	require.NoError(t, err)
	_, err = svc.queue.Publish(a2a.NewStatusUpdateEvent(svc.task,
		a2a.TaskStatus{State: a2a.TaskStateCompleted, Timestamp: a2a.NowTimestamp()}))
	require.NoError(t, err)

	msg := a2a.NewUserMessage("hi")
	msg.TaskID = svc.task.ID
	body := rpcBody(1, a2a.MethodMessageStream, a2a.MessageSendParams{Message: msg})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	assert.Equal(t, svc.task.ID, svc.resubTaskID)
	assert.Equal(t, int64(1), svc.resubAfter)

	frames, _ := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "2", frames[0].ID)
}

func TestSSEWriterKeepalive(t *testing.T) {
	svc := newFakeService()
	d := newTestDispatcher(svc) // 50ms keepalive

	body := rpcBody(1, a2a.MethodTasksResubscribe, a2a.TaskResubscribeParams{ID: svc.task.ID})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	_, comments := parseSSE(t, rec.Body.String())
	assert.Contains(t, comments, "keepalive")
}

func TestSSEWriterCatchUpComment(t *testing.T) {
	svc := newFakeService()
	svc.queue = events.NewQueue(svc.task.ID, 1, 8) // window of one event
	d := newTestDispatcher(svc)

	for i := 0; i < 3; i++ {
		_, err := svc.queue.Publish(a2a.NewAgentMessage(svc.task.ID, svc.task.ContextID, "chunk"))
		require.NoError(t, err)
	}
	_, err := svc.queue.Publish(a2a.NewStatusUpdateEvent(svc.task,
		a2a.TaskStatus{State: a2a.TaskStateCompleted, Timestamp: a2a.NowTimestamp()}))
	require.NoError(t, err)

	// The caller saw event 1, which has been evicted from the window.
	body := rpcBody(1, a2a.MethodTasksResubscribe, a2a.TaskResubscribeParams{
		ID: svc.task.ID, LastEventID: 1,
	})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	_, comments := parseSSE(t, rec.Body.String())
	assert.Contains(t, comments, "catch-up=false")
}

func TestParseSSEHelperHandlesMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(":keepalive\n\nid: 1\nevent: message\ndata: {}\n\n")
	frames, comments := parseSSE(t, buf.String())
	require.Len(t, frames, 1)
	assert.Equal(t, []string{"keepalive"}, comments)
}
