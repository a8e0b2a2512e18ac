package lock

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	token   string
	expires time.Time
}

// MemoryBackend keeps locks in process memory. Only valid for single-process deployments.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memEntry), now: time.Now}
}

// SetNX stores token if key is free or expired.
func (b *MemoryBackend) SetNX(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if e, ok := b.entries[key]; ok && now.Before(e.expires) {
		return false, nil
	}
	b.entries[key] = memEntry{token: token, expires: now.Add(ttl)}
	return true, nil
}

// CompareAndDelete removes key if token owns it and it has not expired.
func (b *MemoryBackend) CompareAndDelete(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return false, nil
	}
	if !b.now().Before(e.expires) {
		delete(b.entries, key)
		return false, nil
	}
	if e.token != token {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

// CompareAndExpire renews key if token owns it and it has not expired.
func (b *MemoryBackend) CompareAndExpire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	now := b.now()
	if !ok || e.token != token || !now.Before(e.expires) {
		return false, nil
	}
	e.expires = now.Add(ttl)
	b.entries[key] = e
	return true, nil
}
