// Package transport serves the A2A protocol surface: the JSON-RPC 2.0
// dispatcher over HTTP POST and the SSE event stream for the streaming
// methods. The dispatcher owns wire concerns only; task semantics live
// in the runtime manager behind the Service interface.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/events"
)

// maxRequestBody caps inbound JSON-RPC payloads.
const maxRequestBody = 4 << 20

// Service is the task-manager surface the dispatcher invokes. The
// runtime manager implements it.
type Service interface {
	OnMessageSend(ctx context.Context, params *a2a.MessageSendParams) (*a2a.Task, error)
	OnMessageStream(ctx context.Context, params *a2a.MessageSendParams) (*events.Subscription, *a2a.Task, error)
	OnGetTask(ctx context.Context, params *a2a.TaskQueryParams) (*a2a.Task, error)
	OnListTasks(ctx context.Context, params *a2a.ListTasksParams) (*a2a.ListTasksResult, error)
	OnCancelTask(ctx context.Context, params *a2a.TaskIDParams) (*a2a.Task, error)
	OnResubscribe(ctx context.Context, taskID string, lastEventID int64) (*events.Subscription, *a2a.Task, error)

	SetPushConfig(ctx context.Context, cfg *a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, error)
	GetPushConfig(ctx context.Context, taskID, configID string) (*a2a.TaskPushNotificationConfig, error)
	ListPushConfigs(ctx context.Context, taskID string) ([]*a2a.TaskPushNotificationConfig, error)
	DeletePushConfig(ctx context.Context, taskID, configID string) error
}

// CardSource supplies the extended agent card for
// agent/authenticatedExtendedCard.
type CardSource interface {
	ExtendedCard() *a2a.AgentCard
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Service Service
	Cards   CardSource
	Logger  *slog.Logger

	// Streaming gates message/stream and tasks/resubscribe. When false
	// both methods are rejected with UnsupportedCapability.
	Streaming bool

	// Keepalive is the SSE heartbeat interval. Defaults to 15s.
	Keepalive time.Duration
}

// Dispatcher routes JSON-RPC requests to the service and flips the
// streaming methods onto the SSE path. It is an http.Handler for the
// RPC endpoint.
type Dispatcher struct {
	service   Service
	cards     CardSource
	logger    *slog.Logger
	streaming bool
	keepalive time.Duration
}

// NewDispatcher wires a dispatcher to its service.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Dispatcher{
		service:   opts.Service,
		cards:     opts.Cards,
		logger:    logger,
		streaming: opts.Streaming,
		keepalive: keepalive,
	}
}

// ServeHTTP handles one JSON-RPC request. Batch requests are not
// supported: the body must be a single request object.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeResponse(w, http.StatusMethodNotAllowed,
			a2a.NewErrorResponse(nil, a2a.ErrInvalidRequest.WithData("only POST is accepted")))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeResponse(w, http.StatusOK,
			a2a.NewErrorResponse(nil, a2a.ErrParseError.WithData("failed to read request body")))
		return
	}

	req, rpcErr := decodeRequest(body)
	if rpcErr != nil {
		var id any
		if req != nil {
			id = req.ID
		}
		writeResponse(w, http.StatusOK, a2a.NewErrorResponse(id, rpcErr))
		return
	}

	d.logger.Debug("Dispatching request", "method", req.Method, "id", req.ID)

	if a2a.IsStreamingMethod(req.Method) {
		d.serveStream(w, r, req)
		return
	}

	result, rpcErr := d.dispatch(r.Context(), req)
	if rpcErr != nil {
		d.logger.Warn("Request failed", "method", req.Method, "code", rpcErr.Code)
		writeResponse(w, http.StatusOK, a2a.NewErrorResponse(req.ID, rpcErr))
		return
	}
	writeResponse(w, http.StatusOK, a2a.NewResponse(req.ID, result))
}

// decodeRequest parses and validates the JSON-RPC envelope. A batch
// array or a wrong version is an invalid request, not a parse error.
func decodeRequest(body []byte) (*a2a.Request, *a2a.Error) {
	trimmed := strings.TrimLeftFunc(string(body), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	if strings.HasPrefix(trimmed, "[") {
		return nil, a2a.ErrInvalidRequest.WithData("batch requests are not supported")
	}

	var req a2a.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, a2a.ErrParseError
	}
	if req.JSONRPC != a2a.JSONRPCVersion {
		return &req, a2a.ErrInvalidRequest.WithData("jsonrpc must be \"2.0\"")
	}
	if req.Method == "" {
		return &req, a2a.ErrInvalidRequest.WithData("method is required")
	}
	if !a2a.KnownMethod(req.Method) {
		return &req, a2a.ErrMethodNotFound.WithData(req.Method)
	}
	return &req, nil
}

// dispatch routes a unary method to its handler. Every returned error
// is already a protocol error; unexpected ones are wrapped so internals
// never reach the wire.
func (d *Dispatcher) dispatch(ctx context.Context, req *a2a.Request) (any, *a2a.Error) {
	switch req.Method {
	case a2a.MethodMessageSend:
		var params a2a.MessageSendParams
		if rpcErr := a2a.DecodeParams(req.Params, &params); rpcErr != nil {
			return nil, rpcErr
		}
		t, err := d.service.OnMessageSend(ctx, &params)
		return t, toRPCError(err)

	case a2a.MethodTasksGet:
		var params a2a.TaskQueryParams
		if rpcErr := a2a.DecodeParams(req.Params, &params); rpcErr != nil {
			return nil, rpcErr
		}
		t, err := d.service.OnGetTask(ctx, &params)
		return t, toRPCError(err)

	case a2a.MethodTasksList:
		// All filters are optional; absent params mean "everything".
		var params a2a.ListTasksParams
		if len(req.Params) > 0 && string(req.Params) != "null" {
			if rpcErr := a2a.DecodeParams(req.Params, &params); rpcErr != nil {
				return nil, rpcErr
			}
		}
		res, err := d.service.OnListTasks(ctx, &params)
		return res, toRPCError(err)

	case a2a.MethodTasksCancel:
		var params a2a.TaskIDParams
		if rpcErr := a2a.DecodeParams(req.Params, &params); rpcErr != nil {
			return nil, rpcErr
		}
		t, err := d.service.OnCancelTask(ctx, &params)
		return t, toRPCError(err)

	case a2a.MethodPushConfigSet:
		var params a2a.TaskPushNotificationConfig
		if rpcErr := a2a.DecodeParams(req.Params, &params); rpcErr != nil {
			return nil, rpcErr
		}
		cfg, err := d.service.SetPushConfig(ctx, &params)
		return cfg, toRPCError(err)

	case a2a.MethodPushConfigGet:
		var params a2a.GetTaskPushNotificationConfigParams
		if rpcErr := a2a.DecodeParams(req.Params, &params); rpcErr != nil {
			return nil, rpcErr
		}
		cfg, err := d.service.GetPushConfig(ctx, params.ID, params.PushNotificationConfigID)
		return cfg, toRPCError(err)

	case a2a.MethodPushConfigList:
		var params a2a.ListTaskPushNotificationConfigParams
		if rpcErr := a2a.DecodeParams(req.Params, &params); rpcErr != nil {
			return nil, rpcErr
		}
		cfgs, err := d.service.ListPushConfigs(ctx, params.ID)
		return cfgs, toRPCError(err)

	case a2a.MethodPushConfigDelete:
		var params a2a.DeleteTaskPushNotificationConfigParams
		if rpcErr := a2a.DecodeParams(req.Params, &params); rpcErr != nil {
			return nil, rpcErr
		}
		err := d.service.DeletePushConfig(ctx, params.ID, params.PushNotificationConfigID)
		if err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{}, nil

	case a2a.MethodAgentExtendedCard:
		if d.cards == nil {
			return nil, a2a.ErrUnsupportedCapability.WithData("extended card is not available")
		}
		return d.cards.ExtendedCard(), nil

	default:
		return nil, a2a.ErrMethodNotFound.WithData(req.Method)
	}
}

// serveStream handles message/stream and tasks/resubscribe over SSE.
// A Last-Event-ID header on message/stream turns the call into a
// resubscription at that sequence.
func (d *Dispatcher) serveStream(w http.ResponseWriter, r *http.Request, req *a2a.Request) {
	if !d.streaming {
		writeResponse(w, http.StatusOK,
			a2a.NewErrorResponse(req.ID, a2a.ErrUnsupportedCapability.WithData("streaming is disabled")))
		return
	}

	var (
		sub *events.Subscription
		err error
	)
	switch req.Method {
	case a2a.MethodMessageStream:
		var params a2a.MessageSendParams
		if rpcErr := a2a.DecodeParams(req.Params, &params); rpcErr != nil {
			writeResponse(w, http.StatusOK, a2a.NewErrorResponse(req.ID, rpcErr))
			return
		}
		if lastID, ok := lastEventID(r); ok && params.Message != nil && params.Message.TaskID != "" {
			sub, _, err = d.service.OnResubscribe(r.Context(), params.Message.TaskID, lastID)
		} else {
			sub, _, err = d.service.OnMessageStream(r.Context(), &params)
		}

	case a2a.MethodTasksResubscribe:
		var params a2a.TaskResubscribeParams
		if rpcErr := a2a.DecodeParams(req.Params, &params); rpcErr != nil {
			writeResponse(w, http.StatusOK, a2a.NewErrorResponse(req.ID, rpcErr))
			return
		}
		lastID := params.LastEventID
		if hdr, ok := lastEventID(r); ok {
			lastID = hdr
		}
		sub, _, err = d.service.OnResubscribe(r.Context(), params.ID, lastID)
	}

	if err != nil {
		writeResponse(w, http.StatusOK, a2a.NewErrorResponse(req.ID, toRPCError(err)))
		return
	}
	defer sub.Close()

	stream, sseErr := newSSEWriter(w, d.keepalive)
	if sseErr != nil {
		d.logger.Error("SSE unsupported by response writer", "error", sseErr)
		writeResponse(w, http.StatusOK,
			a2a.NewErrorResponse(req.ID, a2a.ErrInternalError))
		return
	}
	if err := stream.Run(r.Context(), req.ID, sub); err != nil {
		d.logger.Debug("Stream ended", "method", req.Method, "error", err)
	}
}

// lastEventID reads the SSE reconnect header.
func lastEventID(r *http.Request) (int64, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// toRPCError maps service errors onto the wire: protocol sentinels keep
// their codes, everything else collapses to a generic internal error.
func toRPCError(err error) *a2a.Error {
	if err == nil {
		return nil
	}
	var pe *a2a.Error
	if errors.As(err, &pe) {
		return pe
	}
	return a2a.ErrInternalError
}

func writeResponse(w http.ResponseWriter, status int, resp *a2a.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
