package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindPosted      Kind = "posted"
	KindFailed      Kind = "failed"
	KindRescheduled Kind = "rescheduled"
	KindRetrying    Kind = "retrying"
	KindPaused      Kind = "paused"
)

// Event describes one dispatch outcome.
type Event struct {
	Kind         Kind       `json:"kind"`
	TweetID      string     `json:"tweetId,omitempty"`
	At           time.Time  `json:"at"`
	Attempts     int        `json:"attempts,omitempty"`
	ErrorKind    string     `json:"errorKind,omitempty"`
	Error        string     `json:"error,omitempty"`
	RetryAt      *time.Time `json:"retryAt,omitempty"`
	NextPostTime *time.Time `json:"nextPostTime,omitempty"`
	PlatformIDs  []string   `json:"platformIds,omitempty"`
}

// Summary is a one-line human description used by chat and log subscribers.
func (e Event) Summary() string {
	var b strings.Builder
	switch e.Kind {
	case KindPosted:
		fmt.Fprintf(&b, "posted %s", e.TweetID)
		if n := len(e.PlatformIDs); n > 1 {
			fmt.Fprintf(&b, " (%d-part thread)", n)
		}
	case KindFailed:
		fmt.Fprintf(&b, "failed %s after %d attempt(s): %s", e.TweetID, e.Attempts, e.Error)
	case KindRetrying:
		fmt.Fprintf(&b, "retrying %s (attempt %d): %s", e.TweetID, e.Attempts, e.Error)
		if e.RetryAt != nil {
			fmt.Fprintf(&b, ", next try %s", e.RetryAt.UTC().Format(time.RFC3339))
		}
	case KindPaused:
		fmt.Fprintf(&b, "paused %s until re-authentication: %s", e.TweetID, e.Error)
	case KindRescheduled:
		b.WriteString("next post")
		if e.NextPostTime != nil {
			fmt.Fprintf(&b, " at %s", e.NextPostTime.UTC().Format(time.RFC3339))
		} else {
			b.WriteString(" unscheduled")
		}
	default:
		fmt.Fprintf(&b, "%s %s", e.Kind, e.TweetID)
	}
	return b.String()
}

// Subscriber receives lifecycle events. Deliver is called from the subscriber's worker with a
// bounded context; returning an error schedules a retry.
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

type funcSubscriber struct {
	name string
	fn   func(ctx context.Context, e Event) error
}

func (f funcSubscriber) Name() string                               { return f.name }
func (f funcSubscriber) Deliver(ctx context.Context, e Event) error { return f.fn(ctx, e) }

// Func adapts fn to a Subscriber.
func Func(name string, fn func(ctx context.Context, e Event) error) Subscriber {
	return funcSubscriber{name: name, fn: fn}
}

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DeliveryTimeout time.Duration
	HistorySize     int
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Event Event     `json:"event"`
}

// DeliveryEvent is published on the event bus for notifier-internal outcomes.
type DeliveryEvent struct {
	Subscriber string    `json:"subscriber"`
	Kind       Kind      `json:"kind"`
	TweetID    string    `json:"tweetId,omitempty"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}
