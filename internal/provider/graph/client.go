// Package graph implements the provider gateway against a
// Microsoft-Graph-style REST API with delta queries, push subscriptions
// over a websocket relay, and OAuth2 bearer authentication.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailminder/mailminder/internal/provider"
)

// apiError is the error envelope the API returns on failed requests.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// client issues authenticated requests and maps responses into the
// provider error taxonomy so callers never see raw status codes.
type client struct {
	baseURL    string
	httpClient *http.Client
}

func newClient(ctx context.Context, baseURL string, ts oauth2.TokenSource, timeout time.Duration) *client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com/v1.0"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = timeout
	return &client{baseURL: baseURL, httpClient: httpClient}
}

// get issues a GET to url (absolute, or a path under the base URL) and
// decodes the JSON response into out.
func (c *client) get(ctx context.Context, op, url string, out any) error {
	body, err := c.do(ctx, op, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

// getRaw issues a GET and returns the raw body, for binary endpoints.
func (c *client) getRaw(ctx context.Context, op, url string) ([]byte, error) {
	return c.do(ctx, op, http.MethodGet, url, nil)
}

// post issues a POST with a JSON payload and optionally decodes the
// response into out.
func (c *client) post(ctx context.Context, op, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	respBody, err := c.do(ctx, op, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

// patch issues a PATCH with a JSON payload.
func (c *client) patch(ctx context.Context, op, url string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", op, err)
	}
	_, err = c.do(ctx, op, http.MethodPatch, url, bytes.NewReader(raw))
	return err
}

func (c *client) delete(ctx context.Context, op, url string) error {
	_, err := c.do(ctx, op, http.MethodDelete, url, nil)
	return err
}

func (c *client) do(ctx context.Context, op, method, url string, body io.Reader) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + url
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &provider.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.TransientError{Op: op, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return respBody, nil
	}
	return nil, classify(op, resp, respBody)
}

// classify maps an error response into the shared taxonomy. Cursor
// expiry comes back either as 410 Gone on the delta endpoint or as a
// SyncStateNotFound error code.
func classify(op string, resp *http.Response, body []byte) error {
	var envelope apiError
	_ = json.Unmarshal(body, &envelope)
	code := envelope.Error.Code
	message := envelope.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	switch {
	case resp.StatusCode == http.StatusGone,
		strings.EqualFold(code, "SyncStateNotFound"),
		strings.EqualFold(code, "resyncRequired"):
		return &provider.CursorInvalidError{Resource: op}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &provider.ThrottledError{Op: op, RetryAfter: retryAfter(resp.Header)}
	case resp.StatusCode >= 500:
		return &provider.TransientError{Op: op,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, message)}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &provider.PermanentError{Op: op,
			Reason: fmt.Sprintf("access denied (%d): %s", resp.StatusCode, message)}
	case resp.StatusCode == http.StatusNotFound:
		return &provider.PermanentError{Op: op,
			Reason: fmt.Sprintf("not found: %s", message)}
	default:
		return &provider.PermanentError{Op: op,
			Reason: fmt.Sprintf("request rejected (%d %s): %s", resp.StatusCode, code, message)}
	}
}

func retryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
