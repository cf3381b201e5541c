// Package peer is the outbound A2A client: agent card discovery with
// caching, unary JSON-RPC calls, and SSE stream consumption with
// automatic resubscription. The orchestrator delegates steps through it.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/auth"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/httpclient"
)

const (
	defaultCardTTL     = 5 * time.Minute
	defaultCardCache   = 128
	defaultResubscribe = 3
	defaultStreamIdle  = 60 * time.Second
)

// staleCard keeps the last successfully fetched card beyond its TTL so
// a refetch can revalidate with If-None-Match instead of re-downloading.
type staleCard struct {
	card *a2a.AgentCard
	etag string
}

// Options configures a Client. The zero value is usable.
type Options struct {
	// CardTTL bounds how long a fetched agent card is trusted.
	CardTTL time.Duration

	// Credentials per peer base URL, applied to every outbound request
	// to that peer.
	Credentials map[string]*auth.Credentials

	// RPC overrides the retrying client used for unary calls.
	RPC *httpclient.Client

	// Stream overrides the client used for SSE connections. It must not
	// carry a total timeout; idle detection handles dead streams.
	Stream *http.Client

	// MaxResubscribes bounds automatic stream reconnects.
	MaxResubscribes int

	// StreamIdleTimeout cuts a stream that delivered nothing, not even a
	// keepalive, for this long.
	StreamIdleTimeout time.Duration

	Logger *slog.Logger
}

// Client talks A2A to remote nodes.
type Client struct {
	rpc        *httpclient.Client
	stream     *http.Client
	creds      map[string]*auth.Credentials
	fresh      *expirable.LRU[string, *a2a.AgentCard]
	stale      *lru.Cache[string, staleCard]
	maxResub   int
	streamIdle time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]*atomic.Int64
}

// NewClient builds a peer client.
func NewClient(opts Options) *Client {
	if opts.CardTTL <= 0 {
		opts.CardTTL = defaultCardTTL
	}
	if opts.RPC == nil {
		opts.RPC = httpclient.New()
	}
	if opts.Stream == nil {
		opts.Stream = &http.Client{Transport: httpclient.NewPooledTransport()}
	}
	if opts.MaxResubscribes == 0 {
		opts.MaxResubscribes = defaultResubscribe
	}
	if opts.StreamIdleTimeout <= 0 {
		opts.StreamIdleTimeout = defaultStreamIdle
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	stale, _ := lru.New[string, staleCard](defaultCardCache)
	c := &Client{
		rpc:        opts.RPC,
		stream:     opts.Stream,
		creds:      opts.Credentials,
		fresh:      expirable.NewLRU[string, *a2a.AgentCard](defaultCardCache, nil, opts.CardTTL),
		stale:      stale,
		maxResub:   opts.MaxResubscribes,
		streamIdle: opts.StreamIdleTimeout,
		logger:     opts.Logger,
		inflight:   make(map[string]*atomic.Int64),
	}
	for url := range opts.Credentials {
		c.inflight[normalizeBase(url)] = &atomic.Int64{}
	}
	return c
}

// NewClientFromConfig builds the client from the peers section, wiring
// per-peer credentials.
func NewClientFromConfig(peers []*config.PeerConfig, logger *slog.Logger) (*Client, error) {
	creds := make(map[string]*auth.Credentials, len(peers))
	ttl := defaultCardTTL
	for _, p := range peers {
		cred, err := auth.NewCredentials(p.Credentials)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.Name, err)
		}
		if cred != nil {
			creds[normalizeBase(p.URL)] = cred
		}
		if p.CardTTL > 0 && p.CardTTL < ttl {
			ttl = p.CardTTL
		}
	}
	return NewClient(Options{CardTTL: ttl, Credentials: creds, Logger: logger}), nil
}

// InFlight reports how many streaming dispatches are currently open to
// the peer. The orchestrator's router uses it for load tie-breaks.
func (c *Client) InFlight(baseURL string) int64 {
	return c.counter(baseURL).Load()
}

func (c *Client) counter(baseURL string) *atomic.Int64 {
	key := normalizeBase(baseURL)
	c.mu.Lock()
	defer c.mu.Unlock()
	counter, ok := c.inflight[key]
	if !ok {
		counter = &atomic.Int64{}
		c.inflight[key] = counter
	}
	return counter
}

// FetchAgentCard returns the peer's card, from cache when fresh, via
// ETag revalidation when expired.
func (c *Client) FetchAgentCard(ctx context.Context, baseURL string) (*a2a.AgentCard, error) {
	base := normalizeBase(baseURL)
	if card, ok := c.fresh.Get(base); ok {
		return card, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+a2a.AgentCardPath, nil)
	if err != nil {
		return nil, &PeerError{Kind: KindProtocol, Err: err}
	}
	prior, hasPrior := c.stale.Get(base)
	if hasPrior && prior.etag != "" {
		req.Header.Set("If-None-Match", prior.etag)
	}
	c.applyCredentials(base, req)

	resp, err := c.rpc.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, classifyHTTPStatus(resp.StatusCode)
		}
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && hasPrior {
		c.fresh.Add(base, prior.card)
		return prior.card, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(resp.StatusCode)
	}

	var card a2a.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, &PeerError{Kind: KindProtocol, Err: fmt.Errorf("failed to decode agent card: %w", err)}
	}
	c.fresh.Add(base, &card)
	c.stale.Add(base, staleCard{card: &card, etag: resp.Header.Get("ETag")})
	return &card, nil
}

// Send dispatches message/send and returns the task snapshot.
func (c *Client) Send(ctx context.Context, baseURL string, params *a2a.MessageSendParams) (*a2a.Task, error) {
	var t a2a.Task
	if err := c.call(ctx, baseURL, a2a.MethodMessageSend, params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Get fetches the task record via tasks/get.
func (c *Client) Get(ctx context.Context, baseURL string, params *a2a.TaskQueryParams) (*a2a.Task, error) {
	var t a2a.Task
	if err := c.call(ctx, baseURL, a2a.MethodTasksGet, params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Cancel requests cancellation via tasks/cancel.
func (c *Client) Cancel(ctx context.Context, baseURL string, params *a2a.TaskIDParams) (*a2a.Task, error) {
	var t a2a.Task
	if err := c.call(ctx, baseURL, a2a.MethodTasksCancel, params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// rpcResponse mirrors a2a.Response with a raw result for typed decoding.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *a2a.Error      `json:"error,omitempty"`
}

// call performs one unary JSON-RPC exchange, decoding the result into
// out when it is non-nil.
func (c *Client) call(ctx context.Context, baseURL, method string, params, out any) error {
	base := normalizeBase(baseURL)
	body, err := json.Marshal(&a2a.Request{
		JSONRPC: a2a.JSONRPCVersion,
		ID:      a2a.NewMessageID(),
		Method:  method,
		Params:  mustRaw(params),
	})
	if err != nil {
		return &PeerError{Kind: KindProtocol, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/", bytes.NewReader(body))
	if err != nil {
		return &PeerError{Kind: KindProtocol, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyCredentials(base, req)

	resp, err := c.rpc.Do(req)
	if err != nil && resp == nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if readErr != nil {
		return &PeerError{Kind: KindProtocol, HTTPStatus: resp.StatusCode, Err: readErr}
	}

	var rpcResp rpcResponse
	if jsonErr := json.Unmarshal(raw, &rpcResp); jsonErr != nil {
		if resp.StatusCode != http.StatusOK {
			return classifyHTTPStatus(resp.StatusCode)
		}
		return &PeerError{Kind: KindProtocol, HTTPStatus: resp.StatusCode, Err: jsonErr}
	}
	if rpcResp.Error != nil {
		return classifyRPCError(resp.StatusCode, rpcResp.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return classifyHTTPStatus(resp.StatusCode)
	}
	if out != nil {
		if jsonErr := json.Unmarshal(rpcResp.Result, out); jsonErr != nil {
			return &PeerError{Kind: KindProtocol, HTTPStatus: resp.StatusCode, Err: jsonErr}
		}
	}
	return nil
}

func (c *Client) applyCredentials(base string, req *http.Request) {
	if cred, ok := c.creds[base]; ok {
		cred.Apply(req)
	}
}

func mustRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func normalizeBase(baseURL string) string {
	return strings.TrimRight(baseURL, "/")
}
