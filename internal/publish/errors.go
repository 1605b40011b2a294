package publish

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindRateLimit   Kind = "rate_limit"
	KindNetwork     Kind = "network"
	KindAuthExpired Kind = "auth_expired"
	KindRejected    Kind = "rejected"
)

// Transient reports whether the kind is retried with backoff.
func (k Kind) Transient() bool { return k == KindRateLimit || k == KindNetwork }

type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return "network error"
	}
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

type AuthExpiredError struct {
	Reason string
}

func (e *AuthExpiredError) Error() string {
	if e.Reason == "" {
		return "auth expired"
	}
	return "auth expired: " + e.Reason
}

// RejectedError is a permanent content rejection.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "rejected: " + e.Reason }

// Classify maps err onto the failure taxonomy. Unrecognised errors count as network
// failures so they are retried rather than dropped.
func Classify(err error) Kind {
	var (
		rl   *RateLimitError
		auth *AuthExpiredError
		rej  *RejectedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rl):
		return KindRateLimit
	case errors.As(err, &auth):
		return KindAuthExpired
	case errors.As(err, &rej):
		return KindRejected
	default:
		return KindNetwork
	}
}

// RetryAfter returns the platform's retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	return 0
}
