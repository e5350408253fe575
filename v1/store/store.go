package store

import (
	"context"
	"time"
)

// Store is the minimal contract a backend must satisfy to host locks.
type Store interface {
	// TryClaim atomically creates the record for key owned by token if no
	// live record exists. ttl <= 0 means the record never expires.
	TryClaim(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseIfOwner atomically deletes the record for key if it is still
	// owned by token. It reports whether a record was deleted.
	ReleaseIfOwner(ctx context.Context, key, token string) (bool, error)
}

// Inspector is implemented by stores that can report the current holder of
// a key. It is not used by the acquisition protocol.
type Inspector interface {
	Owner(ctx context.Context, key string) (token string, held bool, err error)
}

// deadline converts a ttl into an absolute expiry; zero means none.
func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
