package lock

import (
	"context"
	"time"
)

// Authority is one independent lock-storage node. The manager fans out to N
// authorities and decides ownership by quorum; a single authority is never
// trusted on its own. Every operation is remote and independently fallible,
// and must be bounded by a timeout well under the lock TTL.
type Authority interface {
	// TryAcquire atomically creates the lock record for key only if none
	// exists or the existing one has expired. It reports whether the caller
	// identified by token now owns the key at this authority.
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes the record only if it is still owned by token. It
	// reports whether a deletion occurred.
	Release(ctx context.Context, key, token string) (bool, error)
	// Extend atomically refreshes the record's expiry only if it is still
	// owned by token.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}
