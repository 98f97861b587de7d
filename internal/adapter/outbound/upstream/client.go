// Package upstream forwards governed traffic to workspace MCP servers
// over a shared connection pool with bounded retries.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

// Error kinds surfaced to the orchestrator.
var (
	// ErrUpstreamTimeout indicates every attempt timed out.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnavailable indicates the upstream could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// StatusError is a non-retriable (or retries-exhausted) upstream 5xx.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// Config tunes the shared pool and retry policy.
type Config struct {
	// Timeout is the per-attempt budget. Default 30s.
	Timeout time.Duration
	// MaxRetries bounds retries after the first attempt. Default 2.
	MaxRetries int
	// MaxKeepaliveConns caps idle connections per upstream host. Default 20.
	MaxKeepaliveConns int
	// MaxConns caps total connections per upstream host. Default 100.
	MaxConns int
	// ForwardAuthorization forwards the client's Authorization header
	// to the upstream when true.
	ForwardAuthorization bool
	// BlockedHeaders are stripped from forwarded requests, on top of
	// the built-in hop-by-hop and cookie headers.
	BlockedHeaders []string
	// BackoffBase is the first retry delay before jitter. Default 100ms.
	BackoffBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxKeepaliveConns <= 0 {
		c.MaxKeepaliveConns = 20
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 100
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	return c
}

// Request is one forwarded call.
type Request struct {
	// Method is the client's HTTP method.
	Method string
	// Path is appended to the workspace upstream base URL.
	Path string
	// Header is the client's request header set, filtered before send.
	Header http.Header
	// Body is the governed (possibly rewritten) payload.
	Body []byte
	// ClientAddr feeds the X-Forwarded-For chain.
	ClientAddr string
}

// Response is the upstream's answer after retries resolved.
type Response struct {
	// StatusCode is the upstream HTTP status.
	StatusCode int
	// Header is the upstream response header set.
	Header http.Header
	// Body is the fully buffered response payload.
	Body []byte
	// Attempts counts tries including the successful one.
	Attempts int
}

// hopByHopHeaders are never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Cookie",
	"Set-Cookie",
}

// Client is the pooled upstream forwarder. One instance is shared by all
// workers; the pool caps are process-wide per host.
type Client struct {
	http    *http.Client
	cfg     Config
	logger  *slog.Logger
	randInt func(n int64) int64
}

// NewClient builds a Client with a dedicated pooled transport.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxKeepaliveConns,
		MaxConnsPerHost:     cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		http:    &http.Client{Transport: transport},
		cfg:     cfg,
		logger:  logger,
		randInt: rand.Int63n,
	}
}

// Forward sends the request to the workspace upstream and buffers the
// response. Retries up to MaxRetries on connect failure, per-attempt
// timeout, and 502/503/504; the body is always fully buffered, so every
// attempt replays it verbatim. A retriable status on the final attempt
// returns a *StatusError. Cancellation of ctx aborts immediately.
func (c *Client) Forward(ctx context.Context, reqCtx *governance.RequestContext, req *Request) (*Response, error) {
	url := strings.TrimSuffix(reqCtx.UpstreamURL, "/") + "/" + strings.TrimPrefix(req.Path, "/")
	if req.Path == "" {
		url = strings.TrimSuffix(reqCtx.UpstreamURL, "/")
	}

	var lastErr error
	attempts := 0

	for try := 0; try <= c.cfg.MaxRetries; try++ {
		if try > 0 {
			if err := c.sleepBackoff(ctx, try); err != nil {
				return nil, err
			}
			c.logger.Debug("retrying upstream request",
				"attempt", try+1,
				"request_id", reqCtx.RequestID,
				"cause", lastErr)
		}
		attempts++

		resp, err := c.attempt(ctx, reqCtx, req, url)
		if err != nil {
			if ctx.Err() != nil {
				// Client went away or the overall deadline passed.
				return nil, classify(err, ctx)
			}
			lastErr = err
			continue
		}

		if retriableStatus(resp.StatusCode) {
			// A 502/503/504 that survives every retry surfaces as an
			// error, not a passthrough: the orchestrator owns the
			// upstream-unavailable envelope.
			lastErr = &StatusError{Status: resp.StatusCode}
			continue
		}

		resp.Attempts = attempts
		return resp, nil
	}

	return nil, lastErr
}

// attempt runs one try with its own timeout derived from the config.
func (c *Client) attempt(ctx context.Context, reqCtx *governance.RequestContext, req *Request, url string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	c.setHeaders(httpReq, reqCtx, req)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classify(err, attemptCtx)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classify(err, attemptCtx)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
	}, nil
}

// setHeaders applies the forwarding policy: strip hop-by-hop, cookies,
// and the configured blocklist; inject gateway identity headers; forward
// Authorization only when configured.
func (c *Client) setHeaders(httpReq *http.Request, reqCtx *governance.RequestContext, req *Request) {
	for name, values := range req.Header {
		httpReq.Header[name] = values
	}
	for _, name := range hopByHopHeaders {
		httpReq.Header.Del(name)
	}
	for _, name := range c.cfg.BlockedHeaders {
		httpReq.Header.Del(name)
	}
	if !c.cfg.ForwardAuthorization {
		httpReq.Header.Del("Authorization")
	}
	httpReq.Header.Del("Host")

	httpReq.Header.Set("X-Gateway-Request-ID", reqCtx.RequestID)
	httpReq.Header.Set("X-Tenant-ID", reqCtx.TenantID)
	httpReq.Header.Set("X-Workspace-ID", reqCtx.WorkspaceID)
	httpReq.Header.Set("X-Agent-ID", reqCtx.AgentID)
	if req.ClientAddr != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			httpReq.Header.Set("X-Forwarded-For", prior+", "+req.ClientAddr)
		} else {
			httpReq.Header.Set("X-Forwarded-For", req.ClientAddr)
		}
	}
}

// sleepBackoff waits the exponential backoff with full jitter for a retry,
// or returns early when ctx is done.
func (c *Client) sleepBackoff(ctx context.Context, try int) error {
	backoff := c.cfg.BackoffBase << (try - 1)
	delay := time.Duration(c.randInt(int64(backoff) + 1))
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retriableStatus(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

// classify translates transport errors into the gateway's error kinds.
func classify(err error, ctx context.Context) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}
