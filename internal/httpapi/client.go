package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tweetq/internal/notifier"
	"tweetq/internal/posting"
	"tweetq/internal/queue"
)

// Client talks to a running daemon's API. It backs the operator CLI.
type Client struct {
	base  string
	token string
	hc    *http.Client
}

func NewClient(base, token string) *Client {
	base = strings.TrimRight(base, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, token: token, hc: &http.Client{Timeout: 10 * time.Second}}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("api: %d %s", e.Status, e.Message) }

func (c *Client) Enqueue(ctx context.Context, d queue.Draft) (queue.Tweet, error) {
	var t queue.Tweet
	err := c.do(ctx, http.MethodPost, "/v1/tweets", d, &t)
	return t, err
}

func (c *Client) Edit(ctx context.Context, id string, d queue.Draft) (queue.Tweet, error) {
	var t queue.Tweet
	err := c.do(ctx, http.MethodPatch, "/v1/tweets/"+url.PathEscape(id), d, &t)
	return t, err
}

func (c *Client) Get(ctx context.Context, id string) (queue.Tweet, error) {
	var t queue.Tweet
	err := c.do(ctx, http.MethodGet, "/v1/tweets/"+url.PathEscape(id), nil, &t)
	return t, err
}

func (c *Client) List(ctx context.Context, status ...queue.Status) ([]queue.Tweet, error) {
	path := "/v1/tweets"
	if len(status) > 0 {
		parts := make([]string, len(status))
		for i, s := range status {
			parts[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}
	var out struct {
		Tweets []queue.Tweet `json:"tweets"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Tweets, err
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tweets/"+url.PathEscape(id), nil, nil)
}

func (c *Client) PostingConfig(ctx context.Context) (posting.Config, error) {
	var cfg posting.Config
	err := c.do(ctx, http.MethodGet, "/v1/config", nil, &cfg)
	return cfg, err
}

func (c *Client) UpdatePostingConfig(ctx context.Context, in posting.Config) (posting.Config, error) {
	var cfg posting.Config
	err := c.do(ctx, http.MethodPut, "/v1/config", in, &cfg)
	return cfg, err
}

func (c *Client) Events(ctx context.Context, limit int) ([]notifier.HistoryItem, error) {
	var out struct {
		Events []notifier.HistoryItem `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/events?limit=%d", limit), nil, &out)
	return out.Events, err
}

// Tick asks the daemon to evaluate the queue head now.
func (c *Client) Tick(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/dispatch/tick", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
