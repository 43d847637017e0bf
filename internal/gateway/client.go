package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/agentworkforce/fieldsync/internal/syncstate"
)

// TokenSource supplies the bearer token for each request. An empty token
// means the request is sent without an Authorization header.
type TokenSource interface {
	Token() (string, error)
}

// Envelope is the response wrapper every service endpoint uses.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the current bearer token, or "" when none is configured.
func (c *Client) Token() (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	token, err := c.tokens.Token()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// Do sends one request and returns the envelope's data. Transport failures
// come back as *syncstate.NetworkError, refusals as *syncstate.RejectedError.
// Idempotent methods are retried on transport errors, 429 and 5xx.
func (c *Client) Do(ctx context.Context, method, requestPath string, body any) (json.RawMessage, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, requestPath, err)
		}
	}
	op := method + " " + requestPath
	retries := 0
	if retryable(method) {
		retries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		token, err := c.Token()
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < retries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, &syncstate.NetworkError{Op: op, Err: waitErr}
				}
				continue
			}
			return nil, &syncstate.NetworkError{Op: op, Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &syncstate.NetworkError{Op: op, Err: readErr}
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, &syncstate.NetworkError{Op: op, Err: waitErr}
			}
			continue
		}
		return decodeEnvelope(resp.StatusCode, payload)
	}
}

func decodeEnvelope(status int, payload []byte) (json.RawMessage, error) {
	var env Envelope
	var decodeErr error
	if len(bytes.TrimSpace(payload)) > 0 {
		decodeErr = json.Unmarshal(payload, &env)
	}
	if status < 200 || status > 299 {
		message := env.Message
		if message == "" {
			message = http.StatusText(status)
		}
		return nil, &syncstate.RejectedError{StatusCode: status, Message: message}
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		// Only 204 may omit the envelope; an empty 200 would read as an empty collection.
		if status == http.StatusNoContent {
			return nil, nil
		}
		return nil, &syncstate.RejectedError{StatusCode: status, Message: "empty response envelope"}
	}
	if decodeErr != nil {
		return nil, &syncstate.RejectedError{StatusCode: status, Message: "malformed response envelope: " + decodeErr.Error()}
	}
	if !env.Success {
		message := env.Message
		if message == "" {
			message = "request was not successful"
		}
		return nil, &syncstate.RejectedError{StatusCode: status, Message: message}
	}
	return env.Data, nil
}

func retryable(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func correlationID() string {
	return "fieldsync_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// statusCode reports the HTTP status behind a rejection, or 0.
func statusCode(err error) int {
	var rejected *syncstate.RejectedError
	if errors.As(err, &rejected) {
		return rejected.StatusCode
	}
	return 0
}
