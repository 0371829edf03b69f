package lock

import (
	"context"
	"sync"
	"time"
)

type record struct {
	token     string
	expiresAt time.Time
}

// MemoryAuthority implements Authority in process memory. It exists for
// tests and single-node setups; a quorum of MemoryAuthority instances shares
// the fate of their process, so it offers no real fault isolation.
type MemoryAuthority struct {
	mu      sync.Mutex
	records map[string]record
	now     func() time.Time
}

// MemoryOption configures a MemoryAuthority.
type MemoryOption func(*MemoryAuthority)

// WithMemoryClock overrides the authority's clock, letting tests drive
// expiry deterministically.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(a *MemoryAuthority) { a.now = now }
}

// NewMemoryAuthority returns an empty in-process Authority.
func NewMemoryAuthority(opts ...MemoryOption) *MemoryAuthority {
	a := &MemoryAuthority{records: make(map[string]record), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TryAcquire implements Authority.TryAcquire.
func (a *MemoryAuthority) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if rec, ok := a.records[key]; ok && rec.expiresAt.After(now) && rec.token != token {
		return false, nil
	}
	a.records[key] = record{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release implements Authority.Release.
func (a *MemoryAuthority) Release(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[key]
	if !ok || rec.token != token {
		return false, nil
	}
	delete(a.records, key)
	return true, nil
}

// Extend implements Authority.Extend.
func (a *MemoryAuthority) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	rec, ok := a.records[key]
	if !ok || rec.token != token || !rec.expiresAt.After(now) {
		return false, nil
	}
	a.records[key] = record{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

var _ Authority = (*MemoryAuthority)(nil)
