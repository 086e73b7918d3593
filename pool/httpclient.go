package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"minerwatch/logger"
)

// Retry policy shared by all adapters.
const (
	maxAttempts     = 2 // one retry
	backoffStep     = 300 * time.Millisecond
	backoffJitter   = 300 * time.Millisecond
	maxBodyCapture  = 300
	maxResponseBody = 4 << 20 // hard cap, pool payloads are small
)

// DefaultTimeout applies when an adapter does not pick its own.
const DefaultTimeout = 15 * time.Second

// Response captures an HTTP exchange for the adapter to interpret. A non-2xx
// status is not an error at this layer; the adapter decides whether the
// outcome is fatal for its group.
type Response struct {
	Status  int
	Body    []byte
	Header  http.Header
	Elapsed time.Duration
}

// BodyPrefix returns at most 300 characters of the body for diagnostics.
func (r *Response) BodyPrefix() string {
	if len(r.Body) <= maxBodyCapture {
		return string(r.Body)
	}
	return string(r.Body[:maxBodyCapture])
}

// DecodeJSON unmarshals the body into v, reporting a schema-style error on
// malformed payloads.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// HTTPClient wraps net/http with the retry, timeout and dial behaviour the
// pool APIs need: a single bounded timeout per call, at most one retry with
// jittered backoff, and IPv4-preferred resolution to dodge stalled IPv6
// paths on constrained hosts.
type HTTPClient struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPClient creates a client with the given per-call timeout. A zero
// timeout falls back to DefaultTimeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		DialContext:           ipv4PreferredDialer(),
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		Proxy:                 nil, // pool APIs are dialed directly, never via proxy
	}
	return &HTTPClient{
		client:  &http.Client{Transport: transport},
		timeout: timeout,
	}
}

// ipv4PreferredDialer returns a DialContext that resolves the host itself
// and tries IPv4 addresses before IPv6 ones.
func ipv4PreferredDialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return d.DialContext(ctx, network, addr)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil || len(ips) == 0 {
			return d.DialContext(ctx, network, addr)
		}

		ordered := make([]net.IPAddr, 0, len(ips))
		for _, ip := range ips {
			if ip.IP.To4() != nil {
				ordered = append(ordered, ip)
			}
		}
		for _, ip := range ips {
			if ip.IP.To4() == nil {
				ordered = append(ordered, ip)
			}
		}

		var lastErr error
		for _, ip := range ordered {
			conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

// retryableStatus reports whether the HTTP status warrants one more attempt.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusTooManyRequests, http.StatusUnavailableForLegalReasons:
		return true
	}
	return status >= 500
}

// Do executes the request produced by build, retrying once on transport
// failure or a retryable status. build is invoked per attempt so request
// bodies and signatures can be regenerated. The returned error is non-nil
// only when no HTTP response was obtained at all.
func (h *HTTPClient) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	var lastResp *Response
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := h.retryDelay(attempt-1, lastResp)
			select {
			case <-ctx.Done():
				return lastResp, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := h.once(ctx, build)
		if err != nil {
			lastErr = err
			lastResp = nil
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}

		lastResp, lastErr = resp, nil
		if !retryableStatus(resp.Status) {
			return resp, nil
		}
		logger.DebugContext(ctx, "pool api retryable status",
			"status", resp.Status,
			"attempt", attempt)
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

// once performs a single attempt under the client timeout.
func (h *HTTPClient) once(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := build(callCtx)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Response{
		Status:  resp.StatusCode,
		Body:    body,
		Header:  resp.Header,
		Elapsed: time.Since(start),
	}, nil
}

// retryDelay honours Retry-After when the pool sent one, otherwise applies
// exponential backoff of 300ms per attempt plus up to 300ms of jitter.
func (h *HTTPClient) retryDelay(attempt int, prev *Response) time.Duration {
	if prev != nil {
		if ra := prev.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return time.Duration(attempt)*backoffStep + time.Duration(rand.Int63n(int64(backoffJitter)))
}

// failReason maps a transport-level error and/or response to a Result
// reason string.
func failReason(resp *Response, err error) string {
	if err != nil {
		return ReasonTransport
	}
	switch resp.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ReasonAuth
	}
	return fmt.Sprintf("http:%d", resp.Status)
}
