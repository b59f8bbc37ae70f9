// Package bulk is an HTTP client for the asynchronous bulk-job API of the CRM.
package bulk

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryabkov82/crm-bulk-upsert/internal/logger"
	"github.com/ryabkov82/crm-bulk-upsert/internal/metrics"
	"github.com/ryabkov82/crm-bulk-upsert/internal/version"
)

// API operation names, used for metrics and logs
const (
	OpLogin         = "login"
	OpCreateJob     = "create_job"
	OpCreateBatch   = "create_batch"
	OpCloseJob      = "close_job"
	OpAbortJob      = "abort_job"
	OpBatchStatuses = "batch_statuses"
	OpBatchResult   = "batch_result"
	OpJobStatus     = "job_status"
	OpCreateRecord  = "create_record"
)

// Options configures a Client
type Options struct {
	// Endpoint is the login host, e.g. https://login.example.com
	Endpoint     string
	APIVersion   string
	UserID       string
	Password     string
	ClientID     string
	ClientSecret string

	Timeout      time.Duration
	MaxRetries   int
	BackoffMs    int
	BackoffMaxMs int
	Gzip         bool

	Recorder   *metrics.Recorder
	HTTPClient *http.Client
}

// Session is an authenticated session
type Session struct {
	AccessToken string
	InstanceURL string
}

// Client talks to the bulk-job API.
// Idempotent GET calls are retried with capped exponential backoff;
// POST calls are sent once.
type Client struct {
	client       *http.Client
	opts         Options
	maxRetries   int
	backoffMs    int
	backoffMaxMs int
	userAgent    string

	mu      sync.RWMutex
	session Session
}

// New creates a client. Login must be called (or a session set) before other calls.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoffMs := opts.BackoffMs
	if backoffMs <= 0 {
		backoffMs = 500
	}
	backoffMaxMs := opts.BackoffMaxMs
	if backoffMaxMs < backoffMs {
		backoffMaxMs = backoffMs
	}

	return &Client{
		client:       httpClient,
		opts:         opts,
		maxRetries:   maxRetries,
		backoffMs:    backoffMs,
		backoffMaxMs: backoffMaxMs,
		userAgent:    version.UserAgent(),
	}
}

// SetSession installs an already obtained session
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Session returns the current session
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// HTTPError is a non-2xx response from the API
type HTTPError struct {
	StatusCode int
	Body       string
	// Code and Message are taken from the API error document when present
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// GetHTTPError extracts an HTTPError from an error chain
func GetHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

// isRetryable reports whether a failed call may be repeated:
// network errors, 429 and 5xx are, other statuses are not.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	httpErr, ok := GetHTTPError(err)
	if !ok {
		return true
	}
	return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
}

// parseRetryAfter parses a Retry-After header given in seconds or as an HTTP date
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff returns the wait before the given retry attempt (1-based)
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	ceiling := time.Duration(c.backoffMaxMs) * time.Millisecond
	if httpErr, ok := GetHTTPError(lastErr); ok && httpErr.RetryAfter > 0 {
		return min(httpErr.RetryAfter, ceiling)
	}

	d := time.Duration(c.backoffMs) * time.Millisecond
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

// requestFunc builds a fresh request for every attempt
type requestFunc func(ctx context.Context) (*http.Request, error)

// do sends a request and returns the response of the first 2xx attempt.
// The caller closes the body.
func (c *Client) do(ctx context.Context, op string, retry bool, build requestFunc) (*http.Response, error) {
	attempts := 1
	if retry {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt, lastErr)
			c.opts.Recorder.ObserveRetry(op)
			logger.Warn(ctx, "retrying bulk API call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := c.doOnce(ctx, op, build)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	if attempts > 1 {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, op string, build requestFunc) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("create request error: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.opts.Recorder.ObserveAPICall(op, time.Since(start), err)
		return nil, fmt.Errorf("http error: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.opts.Recorder.ObserveAPICall(op, time.Since(start), nil)
		return resp, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	httpErr.Code, httpErr.Message = parseAPIError(body)
	c.opts.Recorder.ObserveAPICall(op, time.Since(start), httpErr)
	return nil, httpErr
}

// parseAPIError extracts the code and message from the error documents the API returns
func parseAPIError(body []byte) (string, string) {
	var asyncErr struct {
		ExceptionCode    string `json:"exceptionCode"`
		ExceptionMessage string `json:"exceptionMessage"`
	}
	if json.Unmarshal(body, &asyncErr) == nil && asyncErr.ExceptionCode != "" {
		return asyncErr.ExceptionCode, asyncErr.ExceptionMessage
	}

	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
		return oauthErr.Error, oauthErr.ErrorDescription
	}

	var restErrs []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if json.Unmarshal(body, &restErrs) == nil && len(restErrs) > 0 {
		return restErrs[0].ErrorCode, restErrs[0].Message
	}
	return "", ""
}

// newRequest builds an authenticated request against the instance URL
func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, contentType string) (*http.Request, error) {
	s := c.Session()
	if s.AccessToken == "" || s.InstanceURL == "" {
		return nil, errors.New("not logged in")
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.InstanceURL, "/")+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	req.Header.Set("X-SFDC-Session", s.AccessToken)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// compress gzips data
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("gzip error: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip close error: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeJSON decodes a response body into v and closes it
func decodeJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
