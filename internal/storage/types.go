package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", Open falls back to the memory driver.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	URL         string        // redis
	Namespace   string        // redis key prefix
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the minimal persistence API used by the posting config and the queue.
type Store interface {
	// Get returns (nil, false, nil) when key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns all entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}
