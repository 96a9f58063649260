// Package syncclient is the participant side of the sync protocol: a small
// JSON API client plus a Watcher that keeps one channel's view current over
// a WebSocket subscription with a polling fallback.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"candle/api/internal/envelope"
)

// APIError is a non-2xx response in the server's error shape.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the server asked the caller to wait for the next
// update and try again.
func (e *APIError) Retryable() bool {
	retryable, _ := e.Details["retryable"].(bool)
	return retryable
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func New(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.Named("syncclient"),
	}
}

// Do sends a JSON request and decodes a JSON response into out when out is
// non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Events reads the ordered log of channel after seq.
// EventPage is one read of a channel's ordered log. Cursor is the last
// sequence number the server read, which can be past the last visible event.
type EventPage struct {
	Events []envelope.Envelope `json:"events"`
	Cursor int64               `json:"cursor"`
}

func (c *Client) Events(ctx context.Context, channel string, after int64) (EventPage, error) {
	var page EventPage
	path := "/api/sync/" + url.PathEscape(channel) + "/events?after=" + strconv.FormatInt(after, 10)
	if err := c.Get(ctx, path, &page); err != nil {
		return EventPage{}, err
	}
	for _, env := range page.Events {
		page.Cursor = max(page.Cursor, env.Seq)
	}
	return page, nil
}

func (c *Client) subscribeURL(channel string) (string, error) {
	u, err := url.Parse(c.baseURL + "/api/sync/" + url.PathEscape(channel) + "/subscribe")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}
