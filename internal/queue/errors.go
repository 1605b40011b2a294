package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("tweet not found")
	ErrConflict   = errors.New("illegal tweet state transition")
	ErrOrder      = errors.New("segment order violation")
	ErrValidation = errors.New("invalid tweet")
)

// ConflictError rejects a transition that is illegal in the tweet's current state.
type ConflictError struct {
	ID     string
	Op     string
	Status Status
	Reason string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("queue: %s %s: ", e.Op, e.ID)
	if e.Status != "" {
		msg += fmt.Sprintf("status %s: ", e.Status)
	}
	return msg + e.Reason
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// OrderError reports a segment bookkeeping bug. Callers must not retry it.
type OrderError struct {
	ID     string
	Index  int
	Reason string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("queue: tweet %s segment %d: %s", e.ID, e.Index, e.Reason)
}

func (e *OrderError) Is(target error) bool { return target == ErrOrder }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("queue: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func notFound(id string) error { return fmt.Errorf("%w: %s", ErrNotFound, id) }
