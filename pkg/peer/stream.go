package peer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

// streamState carries what survives a reconnect: the task identity and
// the last delivered event id.
type streamState struct {
	taskID      string
	lastEventID int64
	sawFinal    bool
}

// Stream dispatches message/stream and follows the task's event stream
// until the final status event. Dropped connections are resubscribed
// transparently with Last-Event-ID, bounded by MaxResubscribes. The
// error channel delivers at most one error; a clean final closes the
// event channel with no error.
func (c *Client) Stream(ctx context.Context, baseURL string, params *a2a.MessageSendParams) (<-chan a2a.Event, <-chan error) {
	events := make(chan a2a.Event, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		base := normalizeBase(baseURL)
		counter := c.counter(base)
		counter.Add(1)
		defer counter.Add(-1)

		state := &streamState{}
		var lastErr error

		for attempt := 0; attempt <= c.maxResub; attempt++ {
			if attempt > 0 {
				// Resubscription needs a task identity; without one the
				// first connection died before delivering anything.
				if state.taskID == "" {
					break
				}
				delay := resubscribeDelay(attempt)
				c.logger.Debug("Resubscribing to peer stream",
					"peer", base, "task_id", state.taskID,
					"attempt", attempt, "delay", delay)
				select {
				case <-ctx.Done():
					errs <- &PeerError{Kind: KindTimeout, Err: ctx.Err()}
					return
				case <-time.After(delay):
				}
			}

			err := c.consumeStream(ctx, base, params, state, attempt, events)
			if err == nil && state.sawFinal {
				return
			}
			if ctx.Err() != nil {
				errs <- &PeerError{Kind: KindTimeout, Err: ctx.Err()}
				return
			}
			if err != nil {
				var perr *PeerError
				if pe, ok := err.(*PeerError); ok {
					perr = pe
				} else {
					perr = classifyTransportError(err)
				}
				if !perr.Retryable() {
					errs <- perr
					return
				}
				lastErr = perr
			} else {
				// Stream ended without a final event.
				lastErr = &PeerError{Kind: KindUnreachable,
					Err: fmt.Errorf("peer stream for task %s ended before final event", state.taskID)}
			}
		}

		if lastErr == nil {
			lastErr = &PeerError{Kind: KindUnreachable, Err: fmt.Errorf("peer stream never started")}
		}
		errs <- lastErr
	}()

	return events, errs
}

// consumeStream opens one SSE connection and pumps its events. attempt
// zero sends message/stream; reconnects send tasks/resubscribe with the
// Last-Event-ID header.
func (c *Client) consumeStream(ctx context.Context, base string, params *a2a.MessageSendParams, state *streamState, attempt int, events chan<- a2a.Event) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var rpcReq *a2a.Request
	if attempt == 0 {
		rpcReq = &a2a.Request{
			JSONRPC: a2a.JSONRPCVersion,
			ID:      a2a.NewMessageID(),
			Method:  a2a.MethodMessageStream,
			Params:  mustRaw(params),
		}
	} else {
		rpcReq = &a2a.Request{
			JSONRPC: a2a.JSONRPCVersion,
			ID:      a2a.NewMessageID(),
			Method:  a2a.MethodTasksResubscribe,
			Params:  mustRaw(&a2a.TaskResubscribeParams{ID: state.taskID, LastEventID: state.lastEventID}),
		}
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return &PeerError{Kind: KindProtocol, Err: err}
	}

	req, err := http.NewRequestWithContext(connCtx, http.MethodPost, base+"/", bytes.NewReader(body))
	if err != nil {
		return &PeerError{Kind: KindProtocol, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if attempt > 0 && state.lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(state.lastEventID, 10))
	}
	c.applyCredentials(base, req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Error responses on the stream path are plain JSON-RPC bodies.
		var rpcResp rpcResponse
		if jsonErr := json.NewDecoder(resp.Body).Decode(&rpcResp); jsonErr == nil && rpcResp.Error != nil {
			return classifyRPCError(resp.StatusCode, rpcResp.Error)
		}
		return classifyHTTPStatus(resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return &PeerError{Kind: KindProtocol,
			Err: fmt.Errorf("expected text/event-stream, got %q", ct)}
	}

	// Idle cut: any frame, including keepalive comments, resets the
	// timer. Firing cancels connCtx, which closes the connection.
	idle := time.AfterFunc(c.streamIdle, cancel)
	defer idle.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var frameID string
	var frameData []byte
	for scanner.Scan() {
		idle.Reset(c.streamIdle)
		line := scanner.Text()

		switch {
		case line == "":
			if len(frameData) > 0 {
				if err := c.deliverFrame(ctx, frameID, frameData, state, events); err != nil {
					return err
				}
				if state.sawFinal {
					return nil
				}
			}
			frameID, frameData = "", nil
		case strings.HasPrefix(line, ":"):
			// Keepalive or server notice; nothing to deliver.
		case strings.HasPrefix(line, "id:"):
			frameID = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "data:"):
			frameData = append(frameData, strings.TrimSpace(line[len("data:"):])...)
		case strings.HasPrefix(line, "event:"):
			// The payload's kind member is authoritative.
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		if connCtx.Err() != nil {
			// The idle timer fired.
			return &PeerError{Kind: KindTimeout,
				Err: fmt.Errorf("peer stream idle for %s", c.streamIdle)}
		}
		return classifyTransportError(err)
	}
	return nil
}

// deliverFrame decodes one SSE data payload and forwards its event.
func (c *Client) deliverFrame(ctx context.Context, frameID string, data []byte, state *streamState, events chan<- a2a.Event) error {
	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return &PeerError{Kind: KindProtocol, Err: fmt.Errorf("bad stream frame: %w", err)}
	}
	if rpcResp.Error != nil {
		return classifyRPCError(http.StatusOK, rpcResp.Error)
	}

	ev, err := a2a.UnmarshalEvent(rpcResp.Result)
	if err != nil {
		return &PeerError{Kind: KindProtocol, Err: err}
	}

	if state.taskID == "" {
		state.taskID = ev.EventTaskID()
	}
	if frameID != "" {
		if seq, perr := strconv.ParseInt(frameID, 10, 64); perr == nil {
			state.lastEventID = seq
		}
	}
	if su, ok := ev.(*a2a.TaskStatusUpdateEvent); ok && su.Final {
		state.sawFinal = true
	}

	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return &PeerError{Kind: KindTimeout, Err: ctx.Err()}
	}
}

// resubscribeDelay is capped exponential backoff with jitter:
// 0.5s, 1s, 2s, ... up to 4s, each +/-10%.
func resubscribeDelay(attempt int) time.Duration {
	delay := 500 * time.Millisecond << (attempt - 1)
	if delay > 4*time.Second {
		delay = 4 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 5))
	return delay - delay/10 + jitter
}
