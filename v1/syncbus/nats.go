package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
)

const (
	natsSubjectPrefix = "mutex."
	natsFlushTimeout  = 5 * time.Second
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan struct{}
}

// NATSBus implements Bus using core NATS subjects.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(wireName(natsSubjectPrefix, topic), []byte("1")); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is flushed to the
// server before returning.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		sub = &natsSubscription{}
		ns, err := b.conn.Subscribe(wireName(natsSubjectPrefix, topic), func(_ *nats.Msg) {
			b.mu.Lock()
			fanOut(sub.chans, &b.delivered)
			b.mu.Unlock()
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if err := b.flush(ctx); err != nil {
			_ = ns.Unsubscribe()
			b.mu.Unlock()
			return nil, err
		}
		sub.sub = ns
		b.subs[topic] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// flush waits for the server to acknowledge pending subscriptions, bounded
// by ctx when it carries a deadline.
func (b *NATSBus) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return b.conn.FlushWithContext(ctx)
	}
	return b.conn.FlushTimeout(natsFlushTimeout)
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	sub.chans, _ = removeChan(sub.chans, ch)
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, topic)
	b.mu.Unlock()
	return sub.sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
