// Package presets wires a Mutex to a concrete store, optional release
// notifications and a logger in one call.
package presets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mirkobrombin/go-mutex/v1/config"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/store"
	"github.com/mirkobrombin/go-mutex/v1/syncbus"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	dialTimeout      = 5 * time.Second
)

// Instance is a ready Mutex together with the store it uses and the
// connections to close when done.
type Instance struct {
	Mutex *mutex.Mutex
	Store store.Store

	closers []func() error
}

// Close releases every connection opened for the instance.
func (i *Instance) Close() error {
	var errs []error
	for j := len(i.closers) - 1; j >= 0; j-- {
		errs = append(errs, i.closers[j]())
	}
	return errors.Join(errs...)
}

func (i *Instance) onClose(fn func() error) {
	i.closers = append(i.closers, fn)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Notify publishes releases on Redis pub/sub.
	Notify bool
}

// NewRedis creates a Mutex storing locks in Redis. Redis is also used for
// release notifications when opts.Notify is set.
func NewRedis(opts RedisOptions, mopts ...mutex.Option) *Instance {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	inst := &Instance{Store: store.NewRedis(client)}
	inst.onClose(client.Close)
	if opts.Notify {
		bus := syncbus.NewRedisBus(client)
		inst.onClose(bus.Close)
		mopts = append([]mutex.Option{mutex.WithBus(guard(bus))}, mopts...)
	}
	inst.Mutex = mutex.New(inst.Store, mopts...)
	return inst
}

// NATSOptions configures the connection to NATS JetStream.
type NATSOptions struct {
	URL    string
	Bucket string
	Notify bool
}

// NewNATS creates a Mutex storing locks in a JetStream key-value bucket,
// created on first use.
func NewNATS(opts NATSOptions, mopts ...mutex.Option) (*Instance, error) {
	conn, err := nats.Connect(opts.URL, nats.Name("go-mutex"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	s, err := store.OpenNATS(conn, opts.Bucket)
	if err != nil {
		conn.Close()
		return nil, err
	}
	inst := &Instance{Store: s}
	inst.onClose(func() error {
		conn.Close()
		return nil
	})
	if opts.Notify {
		mopts = append([]mutex.Option{mutex.WithBus(guard(syncbus.NewNATSBus(conn)))}, mopts...)
	}
	inst.Mutex = mutex.New(s, mopts...)
	return inst, nil
}

// NewPostgres creates a Mutex storing locks in a Postgres table, creating
// the table if needed.
func NewPostgres(ctx context.Context, dsn, table string, mopts ...mutex.Option) (*Instance, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := store.NewPostgres(pool, table)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	inst := &Instance{Store: s}
	inst.onClose(func() error {
		pool.Close()
		return nil
	})
	inst.Mutex = mutex.New(s, mopts...)
	return inst, nil
}

// NewEtcd creates a Mutex storing locks in etcd under prefix.
func NewEtcd(endpoints []string, prefix string, mopts ...mutex.Option) (*Instance, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	s := store.NewEtcd(client, prefix)
	inst := &Instance{Store: s}
	inst.onClose(client.Close)
	inst.Mutex = mutex.New(s, mopts...)
	return inst, nil
}

// NewInMemoryStandalone creates a Mutex that only coordinates goroutines of
// the current process. Useful for local development and tests.
func NewInMemoryStandalone(mopts ...mutex.Option) *mutex.Mutex {
	mopts = append([]mutex.Option{mutex.WithBus(syncbus.NewInMemoryBus())}, mopts...)
	return mutex.New(store.NewInMemory(), mopts...)
}

// FromConfig builds an Instance for the backend selected in cfg. Kafka
// brokers, when configured, carry release notifications for any backend.
func FromConfig(ctx context.Context, cfg config.Config, mopts ...mutex.Option) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := []mutex.Option{mutex.WithNamespace(cfg.Namespace)}
	if cfg.PollInterval > 0 {
		base = append(base, mutex.WithPollInterval(cfg.PollInterval))
	}

	var kafka *syncbus.KafkaBus
	if cfg.Notify && len(cfg.KafkaBrokers) > 0 {
		var err error
		kafka, err = syncbus.NewKafkaBus(cfg.KafkaBrokers, nil)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		base = append(base, mutex.WithBus(guard(kafka)))
	}
	// Native notifications are only used when Kafka does not carry them.
	notify := cfg.Notify && kafka == nil
	mopts = append(base, mopts...)

	var (
		inst *Instance
		err  error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		inst = &Instance{Store: store.NewInMemory()}
		if notify {
			mopts = append([]mutex.Option{mutex.WithBus(syncbus.NewInMemoryBus())}, mopts...)
		}
		inst.Mutex = mutex.New(inst.Store, mopts...)
	case config.BackendRedis:
		inst = NewRedis(RedisOptions{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, Notify: notify}, mopts...)
	case config.BackendNATS:
		inst, err = NewNATS(NATSOptions{URL: cfg.Addr, Bucket: cfg.Bucket, Notify: notify}, mopts...)
	case config.BackendPostgres:
		inst, err = NewPostgres(ctx, cfg.DSN, cfg.Table, mopts...)
	case config.BackendEtcd:
		inst, err = NewEtcd(cfg.Endpoints, "/mutex/", mopts...)
	}
	if err != nil {
		if kafka != nil {
			_ = kafka.Close()
		}
		return nil, err
	}
	if kafka != nil {
		inst.onClose(kafka.Close)
	}
	return inst, nil
}

// guard keeps a failing transport from being retried on every
// acquisition.
func guard(bus syncbus.Bus) syncbus.Bus {
	return syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerCooldown)
}
