package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

// ErrorKind classifies peer call failures for routing and retry
// decisions.
type ErrorKind string

const (
	// KindUnreachable covers connection-level failures: refused, DNS,
	// resets.
	KindUnreachable ErrorKind = "unreachable"

	// KindTimeout covers deadline and idle-stream expiry.
	KindTimeout ErrorKind = "timeout"

	// KindAuth covers HTTP 401/403 and the AuthenticationRequired RPC
	// error.
	KindAuth ErrorKind = "auth"

	// KindProtocol covers malformed responses: bad JSON, wrong
	// content type, unparseable SSE.
	KindProtocol ErrorKind = "protocol"

	// KindNotFound maps the TaskNotFound RPC error.
	KindNotFound ErrorKind = "not_found"

	// KindRemoteFailed covers every other RPC-level error the peer
	// reported; retrying won't help.
	KindRemoteFailed ErrorKind = "remote_failed"
)

// PeerError normalizes everything that can go wrong talking to a peer.
type PeerError struct {
	Kind       ErrorKind
	HTTPStatus int
	RPCCode    int
	Err        error
}

func (e *PeerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peer %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("peer %s", e.Kind)
}

func (e *PeerError) Unwrap() error { return e.Err }

// Retryable reports whether the failure class is worth another attempt.
func (e *PeerError) Retryable() bool {
	return e.Kind == KindUnreachable || e.Kind == KindTimeout
}

// classifyTransportError maps connection-level failures to an error
// kind.
func classifyTransportError(err error) *PeerError {
	kind := KindUnreachable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &PeerError{Kind: kind, Err: err}
}

// classifyRPCError maps a JSON-RPC error object from the peer.
func classifyRPCError(status int, rpcErr *a2a.Error) *PeerError {
	kind := KindRemoteFailed
	switch rpcErr.Code {
	case a2a.CodeTaskNotFound:
		kind = KindNotFound
	case a2a.CodeAuthenticationRequired:
		kind = KindAuth
	}
	return &PeerError{Kind: kind, HTTPStatus: status, RPCCode: rpcErr.Code, Err: rpcErr}
}

// classifyHTTPStatus maps a non-2xx response without a JSON-RPC body.
func classifyHTTPStatus(status int) *PeerError {
	kind := KindProtocol
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuth
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = KindTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		kind = KindUnreachable
	}
	return &PeerError{Kind: kind, HTTPStatus: status, Err: fmt.Errorf("HTTP %d", status)}
}
