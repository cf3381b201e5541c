package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/events"
)

// sseWriter frames task events as server-sent events. Each data payload
// is a complete JSON-RPC response envelope echoing the request id, the
// shape A2A clients expect; the event field carries the protocol kind
// and the id field carries the per-task sequence for reconnects.
type sseWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	keepalive time.Duration
}

func newSSEWriter(w http.ResponseWriter, keepalive time.Duration) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	return &sseWriter{w: w, flusher: flusher, keepalive: keepalive}, nil
}

// Run writes the subscription to the client until the stream ends: the
// queue closes after the final event, the client disconnects, or the
// subscriber is dropped for lagging. The return value reports why the
// stream ended; normal completion is nil.
func (s *sseWriter) Run(ctx context.Context, requestID any, sub *events.Subscription) error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)

	if !sub.CatchUp() {
		// Replay could not cover the caller's last seen sequence; the
		// stream restarts from a fresh snapshot.
		s.comment("catch-up=false")
	}
	s.flusher.Flush()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), events.ErrStreamLagged) {
					s.comment("lagged")
					s.flusher.Flush()
					return events.ErrStreamLagged
				}
				return nil
			}
			if err := s.event(requestID, env); err != nil {
				return err
			}
			ticker.Reset(s.keepalive)

		case <-ticker.C:
			s.comment("keepalive")
			s.flusher.Flush()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// event writes one framed event and flushes it.
func (s *sseWriter) event(requestID any, env events.Envelope) error {
	payload, err := json.Marshal(a2a.NewResponse(requestID, env.Event))
	if err != nil {
		return fmt.Errorf("failed to encode event %d: %w", env.Seq, err)
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n",
		env.Seq, env.Event.EventKind(), payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// comment writes an SSE comment frame (ignored by event parsers).
func (s *sseWriter) comment(text string) {
	fmt.Fprintf(s.w, ":%s\n\n", text)
}
