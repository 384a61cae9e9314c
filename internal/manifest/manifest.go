// Package manifest tracks the lifecycle of every partition download attempt.
//
// The manifest is the only synchronization boundary between workers: its
// per-key transaction guarantees that no two workers are ever in-progress on
// the same (selection, target, user) key at once. Everything else in the
// system is free to run fully in parallel.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a manifest entry.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in-progress"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
)

var (
	// ErrConcurrentDownload is returned when another worker already holds
	// the in-progress transaction for a key. The losing worker should treat
	// this as retryable-later, not fatal.
	ErrConcurrentDownload = errors.New("download already in progress")

	// ErrNotFound is returned by Status for keys that were never scheduled.
	ErrNotFound = errors.New("manifest entry not found")
)

// Key identifies a manifest entry.
type Key struct {
	SelectionDigest string
	Target          string
	User            string
}

// NewKey derives a manifest key from a partition's narrowed selection, its
// target and the owning user. The digest is a SHA-256 over the canonical JSON
// encoding of the selection, so identical selections always map to the same
// entry regardless of which worker computes the key.
func NewKey(selection map[string][]string, target, user string) Key {
	return Key{
		SelectionDigest: digest(selection),
		Target:          target,
		User:            user,
	}
}

func digest(selection map[string][]string) string {
	// encoding/json sorts map keys, so this encoding is canonical.
	b, err := json.Marshal(selection)
	if err != nil {
		// map[string][]string cannot fail to encode
		panic(fmt.Sprintf("encode selection: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Entry is the recorded state of one partition download attempt.
type Entry struct {
	Key         Key
	Status      Status
	Error       string
	ScheduledAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Manifest is a durable ledger of partition download lifecycles.
type Manifest interface {
	// Schedule idempotently records a scheduled entry. Calling it again for
	// the same key (e.g. across resumed expansions) is not an error and does
	// not disturb an entry that already progressed past scheduled.
	Schedule(ctx context.Context, key Key) error

	// Transact runs body under the entry's exclusive transaction. On entry
	// the record atomically transitions to in-progress; if another worker
	// holds the key, Transact fails with ErrConcurrentDownload. On normal
	// return the entry commits success. If body returns an error, the entry
	// records failure with the error detail and the error is returned to the
	// caller: failures are never swallowed.
	Transact(ctx context.Context, key Key, body func(context.Context) error) error

	// Status returns the current entry for a key. Operational tooling only,
	// not used on the hot path.
	Status(ctx context.Context, key Key) (*Entry, error)

	// Close releases backing-store resources.
	Close() error
}

// ParseLocation resolves a manifest location string to a backing store.
// Accepted forms: the in-memory sentinel "mem://", or a PostgreSQL DSN
// ("postgres://..." / "postgresql://...").
func ParseLocation(ctx context.Context, location string) (Manifest, error) {
	switch {
	case location == "mem://":
		return NewMemory(), nil
	case strings.HasPrefix(location, "postgres://"), strings.HasPrefix(location, "postgresql://"):
		return NewPostgres(ctx, location)
	default:
		return nil, fmt.Errorf("unsupported manifest location %q (want mem:// or a postgres:// DSN)", location)
	}
}
