// Package storage is the persistence layer behind the posting config and the tweet queue.
//
// It exposes a tiny key/value contract (Get/Put/Delete/List by prefix) with
// last-writer-wins semantics and no transactions. Callers persist a state change
// before acting on its consequences.
//
// Drivers:
//   - "memory":   process-local map (tests, dry runs)
//   - "file":     JSON snapshot + append-only journal
//   - "sqlite":   SQLite database file (modernc, pure Go)
//   - "postgres": shared PostgreSQL table (pgx pool)
//   - "redis":    namespaced Redis string keys
package storage
