package store

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type record struct {
	owner     string
	expiresAt time.Time
}

// InMemory implements Store inside the current process. It is meant for
// tests and for single-process deployments where goroutines share one
// InMemory value.
type InMemory struct {
	records *xsync.MapOf[string, record]
	now     func() time.Time
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		records: xsync.NewMapOf[string, record](),
		now:     time.Now,
	}
}

// TryClaim implements Store.TryClaim.
func (s *InMemory) TryClaim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.now()
	claimed := false
	s.records.Compute(key, func(old record, loaded bool) (record, bool) {
		if loaded && !expired(old.expiresAt, now) {
			return old, false
		}
		claimed = true
		return record{owner: token, expiresAt: deadline(now, ttl)}, false
	})
	return claimed, nil
}

// ReleaseIfOwner implements Store.ReleaseIfOwner.
func (s *InMemory) ReleaseIfOwner(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.now()
	released := false
	s.records.Compute(key, func(old record, loaded bool) (record, bool) {
		if !loaded {
			return old, true
		}
		if old.owner != token {
			return old, false
		}
		// An expired record is already gone as far as other claimants are
		// concerned; drop it without reporting a release.
		released = !expired(old.expiresAt, now)
		return old, true
	})
	return released, nil
}

// Owner implements Inspector.Owner.
func (s *InMemory) Owner(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	rec, ok := s.records.Load(key)
	if !ok || expired(rec.expiresAt, s.now()) {
		return "", false, nil
	}
	return rec.owner, true, nil
}

// Len returns the number of records, including expired ones not yet
// reclaimed.
func (s *InMemory) Len() int {
	return s.records.Size()
}
