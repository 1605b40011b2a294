// Package publish defines the platform publish contract consumed by the dispatch coordinator,
// its error taxonomy, and the HTTP and dry-run publishers.
package publish

import (
	"context"
	"time"
)

// Post is one segment as handed to the platform.
type Post struct {
	Text      string   `json:"text"`
	Media     []string `json:"media,omitempty"`
	InReplyTo string   `json:"in_reply_to,omitempty"`
}

// Publisher publishes one post and returns its platform id.
//
// Implementations are not idempotent; errors should be one of *RateLimitError,
// *NetworkError, *AuthExpiredError or *RejectedError.
type Publisher interface {
	Publish(ctx context.Context, p Post) (string, error)
}

// Verifier is implemented by publishers that can tell whether a post already exists.
// The coordinator uses it after a restart to reconcile a segment whose outcome is unknown.
type Verifier interface {
	Lookup(ctx context.Context, p Post) (id string, found bool, err error)
}

type PublisherFunc func(ctx context.Context, p Post) (string, error)

func (f PublisherFunc) Publish(ctx context.Context, p Post) (string, error) { return f(ctx, p) }

// Config configures the HTTP publisher.
type Config struct {
	Driver        string // "http" | "dryrun"
	BaseURL       string
	Timeout       time.Duration
	RatePerMinute int
	Burst         int
	UserAgent     string
}
