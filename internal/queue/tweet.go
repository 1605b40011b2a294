package queue

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"tweetq/internal/thread"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDispatching Status = "dispatching"
	StatusPosted      Status = "posted"
	StatusFailed      Status = "failed"
)

func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusQueued, StatusDispatching, StatusPosted, StatusFailed:
		return st, true
	}
	return "", false
}

// MaxMedia is the attachment cap per tweet.
const MaxMedia = 4

// Failure is the classification of the last failed publish attempt.
type Failure struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Tweet is one logical post, before and after splitting.
type Tweet struct {
	ID        string           `json:"id"`
	Text      string           `json:"text"`
	Media     []string         `json:"media,omitempty"`
	Status    Status           `json:"status"`
	Segments  []thread.Segment `json:"threadSegments,omitempty"`
	Attempts  int              `json:"attempts"`
	LastError *Failure         `json:"lastError,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	Seq       uint64           `json:"seq"`

	ScheduledFor *time.Time `json:"scheduledFor"`
	PostedAt     *time.Time `json:"postedAt,omitempty"`
	RetryAt      *time.Time `json:"retryAt,omitempty"`
	Paused       bool       `json:"paused,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Draft is the user-editable part of a tweet.
type Draft struct {
	Text  string   `json:"text"`
	Media []string `json:"media,omitempty"`
}

func (d Draft) validate() error {
	if len(d.Media) > MaxMedia {
		return &ValidationError{Field: "media", Reason: "at most 4 attachments"}
	}
	for _, m := range d.Media {
		if strings.TrimSpace(m) == "" {
			return &ValidationError{Field: "media", Reason: "empty attachment reference"}
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(d.Text)) > thread.MaxTextRunes {
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("longer than %d characters", thread.MaxTextRunes)}
	}
	if strings.TrimSpace(d.Text) == "" && len(d.Media) == 0 {
		return &ValidationError{Field: "text", Reason: "text or media required"}
	}
	return nil
}

// Split reports whether the thread segments have been computed.
func (t Tweet) Split() bool { return len(t.Segments) > 0 }

// NextSegment returns the index of the first unposted segment, or -1.
func (t Tweet) NextSegment() int {
	for i, s := range t.Segments {
		if !s.Posted() {
			return i
		}
	}
	return -1
}

func (t Tweet) clone() Tweet {
	cp := t
	cp.Media = append([]string(nil), t.Media...)
	if t.Segments != nil {
		cp.Segments = make([]thread.Segment, len(t.Segments))
		for i, s := range t.Segments {
			s.Media = append([]string(nil), s.Media...)
			cp.Segments[i] = s
		}
	}
	if t.LastError != nil {
		f := *t.LastError
		cp.LastError = &f
	}
	cp.ScheduledFor = cloneTime(t.ScheduledFor)
	cp.PostedAt = cloneTime(t.PostedAt)
	cp.RetryAt = cloneTime(t.RetryAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func less(a, b *Tweet) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
