package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store     = (*InMemory)(nil)
	_ Store     = (*Redis)(nil)
	_ Store     = (*NATS)(nil)
	_ Store     = (*Postgres)(nil)
	_ Store     = (*Etcd)(nil)
	_ Inspector = (*InMemory)(nil)
	_ Inspector = (*Redis)(nil)
	_ Inspector = (*NATS)(nil)
	_ Inspector = (*Postgres)(nil)
	_ Inspector = (*Etcd)(nil)
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	rs, _, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewInMemory(),
		"redis":  rs,
		"nats":   newNATSStore(t),
	}
}

func TestBackendsSingleWinnerUnderRace(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 16
			results := make(chan string, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(token string) {
					defer wg.Done()
					ok, err := s.TryClaim(ctx, "race", token, 0)
					assert.NoError(t, err)
					if ok {
						results <- token
					}
				}(fmt.Sprintf("token-%d", i))
			}
			wg.Wait()
			close(results)

			var winners []string
			for tok := range results {
				winners = append(winners, tok)
			}
			require.Len(t, winners, 1)

			released, err := s.ReleaseIfOwner(ctx, "race", winners[0])
			require.NoError(t, err)
			assert.True(t, released)
		})
	}
}

func TestBackendsReleaseMissingKey(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			released, err := s.ReleaseIfOwner(context.Background(), "never-claimed", "a")
			require.NoError(t, err)
			assert.False(t, released)
		})
	}
}
