// Package syncbus carries release notifications between processes that
// share a lock store. A holder publishes on the unlock topic of a key when
// it releases; waiters subscribed to that topic retry at once instead of
// sleeping out their poll interval.
//
// Notifications are hints. A lost or late message only costs latency,
// because waiters keep polling the store regardless.
package syncbus

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
)

// Bus is a minimal pub/sub transport for release notifications.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a channel that receives a value for every
	// notification on topic. The subscription ends, and the channel is
	// closed, when ctx is done or Unsubscribe is called.
	Subscribe(ctx context.Context, topic string) (<-chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error
}

// UnlockTopic returns the topic released locks for key are announced on.
func UnlockTopic(key string) string {
	return "unlock:" + key
}

// wireName maps a topic onto a name safe for transports with a restricted
// alphabet (NATS subjects, Kafka topics).
func wireName(prefix, topic string) string {
	return prefix + base64.RawURLEncoding.EncodeToString([]byte(topic))
}

// Metrics reports how many notifications a bus sent and handed to local
// subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanOut delivers one notification to every channel without blocking; a
// subscriber with a pending notification does not need a second one.
// Callers hold the lock guarding chans, since removeChan closes channels
// under that same lock.
func fanOut(chans []chan struct{}, delivered *atomic.Uint64) {
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			delivered.Add(1)
		default:
		}
	}
}

// removeChan drops ch from chans, closing it. It reports whether it was found.
func removeChan(chans []chan struct{}, ch <-chan struct{}) ([]chan struct{}, bool) {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			close(c)
			return chans[:len(chans)-1], true
		}
	}
	return chans, false
}

// InMemoryBus is a process-local Bus, used by the in-memory store and tests.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	fanOut(b.subs[topic], &b.delivered)
	b.mu.Unlock()
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, _ := removeChan(b.subs[topic], ch)
	if len(subs) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
