// Package httpclient provides a retrying HTTP client shared by the peer
// client and external tool fetches. Retries are capped exponential
// backoff with jitter; request bodies are replayed through GetBody.
package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"
)

// RetryStrategy classifies how a failed response should be retried.
type RetryStrategy int

const (
	// NoRetry returns the response immediately.
	NoRetry RetryStrategy = iota
	// BackoffRetry retries with capped exponential backoff.
	BackoffRetry
	// HeaderRetry honors the server's Retry-After before falling back
	// to exponential backoff.
	HeaderRetry
)

// RetryInfo carries server-provided retry hints parsed from headers.
type RetryInfo struct {
	RetryAfter time.Duration
	ResetTime  int64
}

// HeaderParser extracts retry hints from response headers.
type HeaderParser func(http.Header) RetryInfo

// StrategyFunc picks a retry strategy from a response status code.
type StrategyFunc func(statusCode int) RetryStrategy

// Client wraps http.Client with retry behavior.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	headerParser HeaderParser
	strategyFunc StrategyFunc
	logger       *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

// WithMaxDelay caps the computed backoff delay.
func WithMaxDelay(delay time.Duration) Option {
	return func(c *Client) { c.maxDelay = delay }
}

func WithHeaderParser(parser HeaderParser) Option {
	return func(c *Client) { c.headerParser = parser }
}

func WithRetryStrategy(strategyFunc StrategyFunc) Option {
	return func(c *Client) { c.strategyFunc = strategyFunc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a client with the defaults used for peer traffic:
// 3 retries, 500ms base delay, 4s delay cap, 30s total timeout.
func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 30 * time.Second, Transport: NewPooledTransport()},
		maxRetries:   3,
		baseDelay:    500 * time.Millisecond,
		maxDelay:     4 * time.Second,
		headerParser: ParseRetryHeaders,
		strategyFunc: DefaultRetryStrategy,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// NewPooledTransport builds the shared transport profile: 3s connect
// timeout, 16 idle conns per host, 60s idle timeout.
func NewPooledTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     60 * time.Second,
		TLSHandshakeTimeout: 3 * time.Second,
	}
}

// DefaultRetryStrategy retries rate limits and transient upstream
// failures; everything else returns to the caller at once.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests:
		return HeaderRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return BackoffRetry
	default:
		return NoRetry
	}
}

// Do performs the request, retrying per the configured strategy. The
// request context bounds the whole sequence including backoff sleeps.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, strategy, retryInfo, err := c.attempt(req)
		lastResp, lastErr = resp, err

		if err == nil {
			return resp, nil
		}
		if strategy == NoRetry {
			return resp, err
		}
		if attempt >= c.maxRetries {
			break
		}

		delay := c.delayFor(strategy, attempt, retryInfo)
		c.logger.Debug("retrying request",
			"url", req.URL.String(),
			"attempt", attempt+1,
			"max_attempts", c.maxRetries,
			"delay", delay,
			"error", err)

		if resp != nil {
			resp.Body.Close()
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	statusCode := 0
	if lastResp != nil {
		statusCode = lastResp.StatusCode
	}
	return lastResp, &RetryableError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("max retries (%d) exceeded", c.maxRetries),
		Err:        lastErr,
	}
}

func (c *Client) attempt(req *http.Request) (*http.Response, RetryStrategy, RetryInfo, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		// Connection-level failures get backoff too: the peer may just
		// be restarting.
		return nil, BackoffRetry, RetryInfo{}, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, NoRetry, RetryInfo{}, nil
	}

	var retryInfo RetryInfo
	if c.headerParser != nil {
		retryInfo = c.headerParser(resp.Header)
	}

	return resp, c.strategyFunc(resp.StatusCode), retryInfo, fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (c *Client) delayFor(strategy RetryStrategy, attempt int, retryInfo RetryInfo) time.Duration {
	if strategy == HeaderRetry {
		if retryInfo.RetryAfter > 0 {
			return c.capDelay(retryInfo.RetryAfter)
		}
		if retryInfo.ResetTime > 0 {
			if delay := time.Until(time.Unix(retryInfo.ResetTime, 0)); delay > 0 {
				return c.capDelay(delay)
			}
		}
	}

	exponential := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
	jitter := time.Duration(float64(exponential) * 0.1)
	return c.capDelay(exponential + jitter)
}

func (c *Client) capDelay(d time.Duration) time.Duration {
	if c.maxDelay > 0 && d > c.maxDelay {
		return c.maxDelay
	}
	return d
}
