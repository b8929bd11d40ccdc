package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
)

const (
	userAgent   = "xswap/1.0"
	backoffBase = 120 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// Client is a JSON-over-HTTP client with bounded retries on 429 and 5xx.
type Client struct {
	http    *http.Client
	retries int
}

// New builds a client. A zero timeout leaves requests bounded only by their
// context.
func New(timeout time.Duration, retries int) *Client {
	return &Client{
		http:    &http.Client{Timeout: max(timeout, 0)},
		retries: max(retries, 0),
	}
}

// StatusError is a non-2xx response with its body.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("status %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("status %d", e.Status)
}

// Message returns the "message" or string "error" field of a JSON body, or
// the raw body.
func (e *StatusError) Message() string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(e.Body, &body) == nil {
		if msg := strings.TrimSpace(body.Message); msg != "" {
			return msg
		}
		if msg, ok := body.Error.(string); ok && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}
	return strings.TrimSpace(string(e.Body))
}

func AsStatusError(err error) (*StatusError, bool) {
	var target *StatusError
	ok := errors.As(err, &target)
	return target, ok
}

// DoJSON sends req and decodes a 2xx body into out (skipped when out is
// nil). Requests with a body must set GetBody to be retried.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	for attempt := 0; ; attempt++ {
		header, retry, err := c.attempt(ctx, req, out)
		if err == nil || !retry || attempt >= c.retries {
			return header, err
		}
		select {
		case <-ctx.Done():
			return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
		case <-time.After(backoff(attempt + 1)):
		}
	}
}

func (c *Client) attempt(ctx context.Context, req *http.Request, out any) (http.Header, bool, error) {
	send := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, false, clierr.Wrap(clierr.CodeInternal, "clone request body", err)
		}
		send.Body = body
	}
	resp, err := c.http.Do(send)
	if err != nil {
		return nil, !errors.Is(err, context.Canceled), netError(err)
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header, false, clierr.Wrap(clierr.CodeUnavailable, "read response", err)
	}
	if retry, err := classify(&StatusError{Status: resp.StatusCode, Body: buf}); err != nil {
		return resp.Header, retry, err
	}
	if out == nil {
		return resp.Header, false, nil
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return resp.Header, false, clierr.New(clierr.CodeUnavailable, "empty response body")
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return resp.Header, false, clierr.Wrap(clierr.CodeUnavailable, "decode response", err)
	}
	return resp.Header, false, nil
}

// classify maps a response status to an error code, reporting whether
// another attempt may succeed. 2xx returns a nil error.
func classify(se *StatusError) (bool, error) {
	switch code := se.Status; {
	case code >= 200 && code < 300:
		return false, nil
	case code == http.StatusTooManyRequests:
		return true, clierr.Wrap(clierr.CodeRateLimited, "rate limited", se)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return false, clierr.Wrap(clierr.CodeAuth, "authentication failed", se)
	case code >= http.StatusInternalServerError:
		return true, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("service unavailable (status %d)", code), se)
	case code == http.StatusNotFound:
		return false, clierr.Wrap(clierr.CodeNotFound, "resource not found", se)
	default:
		return false, clierr.Wrap(clierr.CodeUnsupported, fmt.Sprintf("unexpected status %d", code), se)
	}
}

// DoBodyJSON builds a request with an optional JSON body and runs DoJSON.
// Empty header values are skipped.
func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	}
	for k, v := range headers {
		if strings.TrimSpace(v) != "" {
			req.Header.Set(k, v)
		}
	}
	return c.DoJSON(ctx, req, out)
}

func netError(err error) error {
	var nerr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return clierr.Wrap(clierr.CodeUnavailable, "request cancelled", err)
	case errors.As(err, &nerr) && nerr.Timeout():
		return clierr.Wrap(clierr.CodeUnavailable, "request timed out", err)
	default:
		return clierr.Wrap(clierr.CodeUnavailable, "request failed", err)
	}
}

// backoff doubles from backoffBase up to backoffCap, plus up to 75ms jitter.
func backoff(attempt int) time.Duration {
	d := min(backoffBase<<uint(attempt-1), backoffCap)
	return d + time.Duration(rand.Intn(75))*time.Millisecond
}
