package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const redisChannelPrefix = "mutex:"

var tracer = otel.Tracer("github.com/mirkobrombin/go-mutex/v1/syncbus")

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus with Redis pub/sub. It usually shares the client
// of the Redis store, so locks and notifications travel over one connection
// pool.
type RedisBus struct {
	client redis.UniversalClient

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("mutex.bus.topic", topic)))
	defer span.End()

	if err := b.client.Publish(ctx, redisChannelPrefix+topic, "1").Err(); err != nil {
		span.RecordError(err)
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription, so a Publish issued afterwards is never missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		ps := b.client.Subscribe(ctx, redisChannelPrefix+topic)
		if _, err := ps.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, err
		}
		sub = &redisSubscription{pubsub: ps}
		b.subs[topic] = sub
		go b.dispatch(topic, sub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, sub *redisSubscription) {
	for range sub.pubsub.Channel() {
		b.mu.Lock()
		fanOut(sub.chans, &b.delivered)
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
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
	return sub.pubsub.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// Close drops every subscription. The client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
		delete(b.subs, topic)
	}
	return nil
}
