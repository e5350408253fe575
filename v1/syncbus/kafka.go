package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

const kafkaTopicPrefix = "mutex."

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan struct{}
}

// KafkaBus implements Bus using one single-partition Kafka topic per lock
// topic. Brokers must allow topic auto-creation or the topics must exist.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	client    sarama.Client
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus creates a KafkaBus connected to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFrom(producer, consumer)
	b.client = client
	return b, nil
}

// NewKafkaBusFrom builds a KafkaBus over an existing producer and consumer.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: wireName(kafkaTopicPrefix, topic), Value: sarama.StringEncoder("1")}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(wireName(kafkaTopicPrefix, topic), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[topic] = sub
		go b.dispatch(sub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(sub *kafkaSubscription) {
	for range sub.pc.Messages() {
		b.mu.Lock()
		fanOut(sub.chans, &b.delivered)
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
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
	return sub.pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// Close releases the producer, the consumer and, when the bus created it,
// the underlying client.
func (b *KafkaBus) Close() error {
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if b.client != nil {
		if err := b.client.Close(); err != nil && cerr == nil {
			cerr = err
		}
	}
	if perr != nil {
		return perr
	}
	return cerr
}
