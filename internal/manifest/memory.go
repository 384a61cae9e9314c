package manifest

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process manifest used for dry runs and tests. It offers the
// same transactional semantics as the durable backends but no cross-process
// durability.
type Memory struct {
	mu      sync.Mutex
	entries map[Key]*Entry
}

// NewMemory creates an empty in-memory manifest.
func NewMemory() *Memory {
	return &Memory{entries: make(map[Key]*Entry)}
}

// Schedule idempotently records a scheduled entry.
func (m *Memory) Schedule(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return nil
	}
	m.entries[key] = &Entry{
		Key:         key,
		Status:      StatusScheduled,
		ScheduledAt: time.Now().UTC(),
	}
	return nil
}

// Transact runs body under the key's exclusive transaction.
func (m *Memory) Transact(ctx context.Context, key Key, body func(context.Context) error) error {
	if err := m.begin(key); err != nil {
		return err
	}

	if err := body(ctx); err != nil {
		m.finish(key, StatusFailure, err.Error())
		return err
	}

	m.finish(key, StatusSuccess, "")
	return nil
}

func (m *Memory) begin(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		entry = &Entry{Key: key, ScheduledAt: time.Now().UTC()}
		m.entries[key] = entry
	}
	if entry.Status == StatusInProgress {
		return ErrConcurrentDownload
	}
	entry.Status = StatusInProgress
	entry.Error = ""
	entry.StartedAt = time.Now().UTC()
	return nil
}

func (m *Memory) finish(key Key, status Status, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entries[key]
	entry.Status = status
	entry.Error = detail
	entry.FinishedAt = time.Now().UTC()
}

// Status returns a copy of the current entry for a key.
func (m *Memory) Status(_ context.Context, key Key) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := *entry
	return &out, nil
}

// Close is a no-op for the in-memory manifest.
func (m *Memory) Close() error {
	return nil
}

// Verify Memory implements Manifest.
var _ Manifest = (*Memory)(nil)
