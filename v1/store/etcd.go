package store

import (
	"context"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd implements Store with etcd transactions. A claim succeeds only when
// the key has never been created (CreateRevision == 0); expiry is delegated
// to an etcd lease attached to the key.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd returns a store writing keys under prefix.
func NewEtcd(client *clientv3.Client, prefix string) *Etcd {
	return &Etcd{client: client, prefix: prefix}
}

// TryClaim implements Store.TryClaim.
func (s *Etcd) TryClaim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	k := s.prefix + key
	var (
		opts    []clientv3.OpOption
		leaseID clientv3.LeaseID
	)
	if ttl > 0 {
		// etcd leases have second granularity, and the server raises any
		// TTL below its minimum (about 2s by default) to that minimum.
		secs := int64(math.Ceil(ttl.Seconds()))
		lease, err := s.client.Grant(ctx, secs)
		if err != nil {
			return false, err
		}
		leaseID = lease.ID
		opts = append(opts, clientv3.WithLease(leaseID))
	}
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, token, opts...)).
		Commit()
	if err != nil {
		return false, err
	}
	if !resp.Succeeded && leaseID != 0 {
		_, _ = s.client.Revoke(ctx, leaseID)
	}
	return resp.Succeeded, nil
}

// ReleaseIfOwner implements Store.ReleaseIfOwner.
func (s *Etcd) ReleaseIfOwner(ctx context.Context, key, token string) (bool, error) {
	k := s.prefix + key
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", token)).
		Then(clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

// Owner implements Inspector.Owner.
func (s *Etcd) Owner(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.client.Get(ctx, s.prefix+key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}
