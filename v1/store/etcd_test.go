package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestEtcdIntegration(t *testing.T) {
	endpoints := os.Getenv("MUTEX_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("MUTEX_TEST_ETCD_ENDPOINTS not set, skipping etcd integration tests")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s := NewEtcd(client, "/mutex-test/"+uuid.NewString()+"/")
	ctx := context.Background()

	ok, err := s.TryClaim(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryClaim(ctx, "k", "b", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := s.ReleaseIfOwner(ctx, "k", "b")
	require.NoError(t, err)
	assert.False(t, released)

	require.Eventually(t, func() bool {
		_, held, err := s.Owner(ctx, "k")
		return err == nil && !held
	}, 5*time.Second, 100*time.Millisecond, "lease should expire the record")

	ok, err = s.TryClaim(ctx, "k", "b", 0)
	require.NoError(t, err)
	require.True(t, ok)

	released, err = s.ReleaseIfOwner(ctx, "k", "b")
	require.NoError(t, err)
	assert.True(t, released)
}
