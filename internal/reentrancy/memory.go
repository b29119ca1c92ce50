package reentrancy

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	token   string
	ttl     time.Duration
	expires time.Time
}

// MemoryLocker is an in-process lease table.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLocker creates an empty lease table.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (m *MemoryLocker) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Acquire implements Locker.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLocked, key)
	}

	token := newToken()
	m.entries[key] = memoryEntry{token: token, ttl: ttl, expires: now.Add(ttl)}
	return &memoryLease{locker: m, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Renew(ctx context.Context) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[l.key]
	if !ok || e.token != l.token {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	e.expires = m.now().Add(e.ttl)
	m.entries[l.key] = e
	return nil
}

func (l *memoryLease) Release(ctx context.Context) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[l.key]; ok && e.token == l.token {
		delete(m.entries, l.key)
	}
	return nil
}
