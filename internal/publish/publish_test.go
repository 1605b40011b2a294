package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "tweetq/pkg/logx"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{&RateLimitError{RetryAfter: time.Second}, KindRateLimit},
		{fmt.Errorf("wrapped: %w", &AuthExpiredError{}), KindAuthExpired},
		{&RejectedError{Reason: "dup"}, KindRejected},
		{&NetworkError{Err: errors.New("reset")}, KindNetwork},
		{errors.New("mystery"), KindNetwork},
		{nil, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
	assert.True(t, KindRateLimit.Transient())
	assert.False(t, KindRejected.Transient())
	assert.Equal(t, 2*time.Second, RetryAfter(fmt.Errorf("x: %w", &RateLimitError{RetryAfter: 2 * time.Second})))
}

func TestHTTPClientPublish(t *testing.T) {
	var got Post
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/posts", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"p-1"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: srv.URL + "/"}, WithToken(func() string { return "tok" }), WithLogger(logx.Nop()))
	require.NoError(t, err)
	id, err := c.Publish(context.Background(), Post{Text: "hello", Media: []string{"m"}, InReplyTo: "p-0"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", id)
	assert.Equal(t, Post{Text: "hello", Media: []string{"m"}, InReplyTo: "p-0"}, got)
}

func TestHTTPClientStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		header string
		body   string
		kind   Kind
	}{
		{http.StatusTooManyRequests, "7", "", KindRateLimit},
		{http.StatusUnauthorized, "", `{"error":"token expired"}`, KindAuthExpired},
		{http.StatusForbidden, "", "", KindAuthExpired},
		{http.StatusUnprocessableEntity, "", `{"error":"duplicate content"}`, KindRejected},
		{http.StatusBadGateway, "", "upstream", KindNetwork},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c, err := NewHTTPClient(Config{BaseURL: srv.URL})
			require.NoError(t, err)
			_, err = c.Publish(context.Background(), Post{Text: "x"})
			require.Error(t, err)
			assert.Equal(t, tc.kind, Classify(err))
			if tc.kind == KindRateLimit {
				assert.Equal(t, 7*time.Second, RetryAfter(err))
			}
			var rej *RejectedError
			if errors.As(err, &rej) {
				assert.Contains(t, rej.Reason, "duplicate content")
			}
		})
	}
}

func TestHTTPClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Publish(context.Background(), Post{Text: "x"})
	var ne *NetworkError
	assert.ErrorAs(t, err, &ne)
}

func TestHTTPClientLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/posts/lookup", r.URL.Path)
		if r.URL.Query().Get("text") == "known" {
			_, _ = w.Write([]byte(`{"id":"p-9"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	id, found, err := c.Lookup(context.Background(), Post{Text: "known", InReplyTo: "p-8"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "p-9", id)

	_, found, err = c.Lookup(context.Background(), Post{Text: "unknown"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(Config{})
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestDryRunRemembersPosts(t *testing.T) {
	d := NewDryRun(logx.Nop())
	ctx := context.Background()
	id, err := d.Publish(ctx, Post{Text: "a"})
	require.NoError(t, err)
	id2, err := d.Publish(ctx, Post{Text: "b", InReplyTo: id})
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)

	got, found, err := d.Lookup(ctx, Post{Text: "b", InReplyTo: id})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id2, got)

	_, found, _ = d.Lookup(ctx, Post{Text: "b"})
	assert.False(t, found)
}
