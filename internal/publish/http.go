package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "tweetq/pkg/logx"
)

// HTTPClient publishes through a JSON-over-HTTP platform gateway:
//
//	POST {base}/v1/posts          {"text":..,"media":[..],"in_reply_to":..} -> {"id":".."}
//	GET  {base}/v1/posts/lookup?text=..&in_reply_to=..                      -> {"id":".."} | 404
//
// Status mapping: 429 -> RateLimitError (Retry-After honoured), 401/403 -> AuthExpiredError,
// other 4xx -> RejectedError, 5xx and transport errors -> NetworkError.
type HTTPClient struct {
	base    string
	token   func() string
	ua      string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time
}

type HTTPOption func(*HTTPClient)

// WithToken sets the bearer token source, usually the auth session.
func WithToken(fn func() string) HTTPOption { return func(c *HTTPClient) { c.token = fn } }

func WithHTTPClient(hc *http.Client) HTTPOption { return func(c *HTTPClient) { c.http = hc } }

func WithLogger(log logx.Logger) HTTPOption { return func(c *HTTPClient) { c.log = log } }

func NewHTTPClient(cfg Config, opts ...HTTPOption) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("publish: base_url is required for the http driver")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("publish: base_url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "tweetq"
	}
	c := &HTTPClient{
		base: base,
		ua:   ua,
		http: &http.Client{Timeout: timeout},
		now:  time.Now,
	}
	if cfg.RatePerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), burst)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type postResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (c *HTTPClient) Publish(ctx context.Context, p Post) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, c.base+"/v1/posts", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := c.statusError(resp); err != nil {
		return "", err
	}
	var out postResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &NetworkError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ID == "" {
		return "", &NetworkError{Err: errors.New("response without post id")}
	}
	return out.ID, nil
}

func (c *HTTPClient) Lookup(ctx context.Context, p Post) (string, bool, error) {
	q := url.Values{}
	q.Set("text", p.Text)
	if p.InReplyTo != "" {
		q.Set("in_reply_to", p.InReplyTo)
	}
	resp, err := c.do(ctx, http.MethodGet, c.base+"/v1/posts/lookup?"+q.Encode(), nil)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if err := c.statusError(resp); err != nil {
		return "", false, err
	}
	var out postResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, &NetworkError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return out.ID, out.ID != "", nil
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{Err: err}
		}
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("publish request failed", logx.String("method", method), logx.Err(err))
		return nil, &NetworkError{Err: err}
	}
	c.log.Debug("publish request",
		logx.String("method", method),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", c.now().Sub(start)),
	)
	return resp, nil
}

func (c *HTTPClient) statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	reason := readReason(resp)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now())}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthExpiredError{Reason: reason}
	case resp.StatusCode >= 500:
		return &NetworkError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, reason)}
	default:
		return &RejectedError{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, reason)}
	}
}

func readReason(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var out postResponse
	if json.Unmarshal(b, &out) == nil && out.Error != "" {
		return out.Error
	}
	if s := strings.TrimSpace(string(b)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
