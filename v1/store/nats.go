package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"time"

	nats "github.com/nats-io/nats.go"
)

// DefaultNATSBucket is the JetStream key-value bucket used when none is given.
const DefaultNATSBucket = "mutex_locks"

type natsRecord struct {
	Owner     string `json:"o"`
	ExpiresAt int64  `json:"e,omitempty"` // UnixNano, 0 = never
}

// NATS implements Store on a JetStream key-value bucket. Claims use the
// bucket's create-if-absent primitive; replacing an expired record and
// releasing are both conditioned on the revision that was read, so a
// concurrent writer makes them fail instead of being overwritten.
//
// Expiry is evaluated against the local clock of the claimant, so hosts
// sharing a bucket should keep their clocks in sync.
type NATS struct {
	kv  nats.KeyValue
	now func() time.Time
}

// NewNATS wraps an existing key-value bucket.
func NewNATS(kv nats.KeyValue) *NATS {
	return &NATS{kv: kv, now: time.Now}
}

// OpenNATS binds to the named bucket, creating it with a single-entry
// history if it does not exist yet.
func OpenNATS(conn *nats.Conn, bucket string) (*NATS, error) {
	if bucket == "" {
		bucket = DefaultNATSBucket
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "distributed mutex records",
			History:     1,
		})
	}
	if err != nil {
		return nil, err
	}
	return NewNATS(kv), nil
}

// natsKey maps an arbitrary lock key onto the KV key alphabet.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// TryClaim implements Store.TryClaim.
func (s *NATS) TryClaim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.now()
	rec := natsRecord{Owner: token}
	if exp := deadline(now, ttl); !exp.IsZero() {
		rec.ExpiresAt = exp.UnixNano()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	k := natsKey(key)

	_, err = s.kv.Create(k, payload)
	if err == nil {
		return true, nil
	}
	if !isRevisionConflict(err) {
		return false, err
	}

	entry, err := s.kv.Get(k)
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		// Released between Create and Get; the next poll will retry.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var cur natsRecord
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		return false, err
	}
	if cur.ExpiresAt == 0 || now.UnixNano() < cur.ExpiresAt {
		return false, nil
	}
	if _, err := s.kv.Update(k, payload, entry.Revision()); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReleaseIfOwner implements Store.ReleaseIfOwner.
func (s *NATS) ReleaseIfOwner(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := natsKey(key)
	entry, err := s.kv.Get(k)
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var cur natsRecord
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		return false, err
	}
	if cur.Owner != token {
		return false, nil
	}
	if err := s.kv.Delete(k, nats.LastRevision(entry.Revision())); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, err
	}
	return cur.ExpiresAt == 0 || s.now().UnixNano() < cur.ExpiresAt, nil
}

// Owner implements Inspector.Owner.
func (s *NATS) Owner(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	entry, err := s.kv.Get(natsKey(key))
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var cur natsRecord
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		return "", false, err
	}
	if cur.ExpiresAt != 0 && s.now().UnixNano() >= cur.ExpiresAt {
		return "", false, nil
	}
	return cur.Owner, true, nil
}

func isRevisionConflict(err error) bool {
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return stdErrors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
