package mutex

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/metrics"
	"github.com/mirkobrombin/go-mutex/v1/store"
	"github.com/mirkobrombin/go-mutex/v1/syncbus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName     = "github.com/mirkobrombin/go-mutex/v1/mutex"
	publishTimeout = time.Second
)

// Mutex coordinates exclusive access to named locks kept in a Store. It is
// safe for concurrent use; goroutines of one process contend with each
// other exactly like separate processes do.
type Mutex struct {
	store     store.Store
	bus       syncbus.Bus
	logger    zerolog.Logger
	tracer    trace.Tracer
	namespace string
	poll      time.Duration
	newToken  func() string
}

// New returns a Mutex storing its locks in s.
func New(s store.Store, opts ...Option) *Mutex {
	m := &Mutex{
		store:    s,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		poll:     DefaultPollInterval,
		newToken: NewToken,
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	return m
}

// Run acquires the lock named key, runs work and releases the lock. The
// value and error of work are returned. If the lock cannot be acquired in
// time a *errors.TimeoutError is returned and work does not run.
//
// The lock is released even when work fails or panics; a panic continues
// after the release. A failed release is joined to the error of work.
func Run[T any](ctx context.Context, m *Mutex, key string, work func(context.Context) (T, error), opts ...RunOption) (result T, err error) {
	if key == "" {
		return result, mutexerrors.ErrEmptyKey
	}
	if work == nil {
		return result, mutexerrors.ErrNilWork
	}

	ctx, span := m.tracer.Start(ctx, "mutex.Run", trace.WithAttributes(attribute.String("mutex.key", key)))
	defer span.End()

	h, err := m.Lock(ctx, key, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	defer func() {
		if _, rerr := h.Unlock(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return work(ctx)
}

// Do is Run for work that produces no value.
func (m *Mutex) Do(ctx context.Context, key string, work func(context.Context) error, opts ...RunOption) error {
	if work == nil {
		return mutexerrors.ErrNilWork
	}
	_, err := Run(ctx, m, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	}, opts...)
	return err
}

// Lock blocks until the lock named key is acquired and returns a Handle the
// caller must Unlock. Prefer Run, which cannot forget the release.
func (m *Mutex) Lock(ctx context.Context, key string, opts ...RunOption) (*Handle, error) {
	if key == "" {
		return nil, mutexerrors.ErrEmptyKey
	}
	cfg := runConfig{poll: m.poll}
	for _, opt := range opts {
		opt.applyRun(&cfg)
	}

	ctx, span := m.tracer.Start(ctx, "mutex.Lock", trace.WithAttributes(attribute.String("mutex.key", key)))
	defer span.End()

	a := &attempt{
		name:   key,
		key:    m.namespace + key,
		cfg:    cfg,
		start:  time.Now(),
		logger: m.logger.With().Str("key", key).Logger(),
	}
	h, err := m.acquire(ctx, a)

	outcome := outcomeOf(err)
	metrics.AcquireCounter.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.Int("mutex.attempts", a.attempts),
		attribute.String("mutex.outcome", outcome),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Debug().Err(err).Int("attempts", a.attempts).Msg("lock not acquired")
		return nil, err
	}

	metrics.WaitHistogram.Observe(h.acquiredAt.Sub(a.start).Seconds())
	metrics.HeldGauge.Inc()
	a.logger.Debug().Str("token", h.token).Int("attempts", a.attempts).Msg("lock acquired")
	return h, nil
}

// Owner reports the token currently holding key, if the store can tell.
// Stores that do not implement store.Inspector return errors.ErrUnsupported.
func (m *Mutex) Owner(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, mutexerrors.ErrEmptyKey
	}
	in, ok := m.store.(store.Inspector)
	if !ok {
		return "", false, errors.ErrUnsupported
	}
	token, held, err := in.Owner(ctx, m.namespace+key)
	if err != nil {
		return "", false, &mutexerrors.StoreError{Op: "owner", Key: key, Err: err}
	}
	return token, held, nil
}

type attempt struct {
	name     string
	key      string
	cfg      runConfig
	start    time.Time
	attempts int
	logger   zerolog.Logger
}

func (m *Mutex) acquire(ctx context.Context, a *attempt) (*Handle, error) {
	var deadline time.Time
	if a.cfg.hasTimeout {
		deadline = a.start.Add(a.cfg.timeout)
	}

	var (
		timer      *time.Timer
		wake       <-chan struct{}
		subscribed bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		token := m.newToken()
		a.attempts++
		ok, err := m.store.TryClaim(ctx, a.key, token, a.cfg.expiresIn)
		if err != nil {
			return nil, &mutexerrors.StoreError{Op: "claim", Key: a.name, Err: err}
		}
		if ok {
			return &Handle{
				m:          m,
				name:       a.name,
				key:        a.key,
				token:      token,
				acquiredAt: time.Now(),
				logger:     a.logger,
			}, nil
		}
		metrics.ContentionCounter.Inc()

		wait := a.cfg.poll
		if a.cfg.hasTimeout {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, &mutexerrors.TimeoutError{Key: a.name, Waited: time.Since(a.start), Attempts: a.attempts}
			}
			wait = min(wait, remaining)
		}

		// Subscribe only once the lock turned out to be busy; a release
		// between the failed claim and the subscription costs one interval.
		if !subscribed && m.bus != nil {
			subscribed = true
			ch, unsubscribe := m.subscribe(ctx, a)
			if ch != nil {
				defer unsubscribe()
				wake = ch
			}
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-wake:
			if !ok {
				// Subscription ended; keep polling.
				wake = nil
				continue
			}
			a.logger.Debug().Msg("release notified")
		case <-timer.C:
		}
	}
}

// subscribe listens for releases of the attempted key. Bus failures only
// disable the early wake-up.
func (m *Mutex) subscribe(ctx context.Context, a *attempt) (<-chan struct{}, func()) {
	topic := syncbus.UnlockTopic(a.key)
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := m.bus.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		a.logger.Debug().Err(err).Msg("release notifications unavailable, polling")
		return nil, nil
	}
	return ch, func() {
		if err := m.bus.Unsubscribe(context.WithoutCancel(ctx), topic, ch); err != nil {
			a.logger.Debug().Err(err).Msg("unsubscribe failed")
		}
		cancel()
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeAcquired
	case errors.Is(err, mutexerrors.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}

// Handle is an acquired lock.
type Handle struct {
	m          *Mutex
	name       string
	key        string
	token      string
	acquiredAt time.Time
	released   atomic.Bool
	logger     zerolog.Logger
}

// Key returns the key passed to Lock, without the namespace.
func (h *Handle) Key() string { return h.name }

// Token returns the owner token stored with the lock.
func (h *Handle) Token() string { return h.token }

// AcquiredAt returns when the lock was acquired.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Unlock releases the lock if it is still owned by this handle. It reports
// false without error when the record had already expired or was taken
// over by someone else. Only the first call has an effect.
//
// Cancellation of ctx is ignored so that a cancelled caller still releases.
func (h *Handle) Unlock(ctx context.Context) (bool, error) {
	if !h.released.CompareAndSwap(false, true) {
		return false, nil
	}
	ctx = context.WithoutCancel(ctx)
	metrics.HeldGauge.Dec()
	metrics.HoldHistogram.Observe(time.Since(h.acquiredAt).Seconds())

	ok, err := h.m.store.ReleaseIfOwner(ctx, h.key, h.token)
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues(metrics.ReleaseError).Inc()
		h.logger.Error().Err(err).Str("token", h.token).Msg("lock release failed")
		return false, &mutexerrors.StoreError{Op: "release", Key: h.name, Err: err}
	}
	if !ok {
		metrics.ReleaseCounter.WithLabelValues(metrics.ReleaseLost).Inc()
		h.logger.Warn().Str("token", h.token).Dur("held", time.Since(h.acquiredAt)).Msg("lock expired before release")
		return false, nil
	}

	metrics.ReleaseCounter.WithLabelValues(metrics.ReleaseReleased).Inc()
	h.logger.Debug().Str("token", h.token).Msg("lock released")
	h.m.notify(ctx, h)
	return true, nil
}

func (m *Mutex) notify(ctx context.Context, h *Handle) {
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := m.bus.Publish(ctx, syncbus.UnlockTopic(h.key)); err != nil {
		h.logger.Debug().Err(err).Msg("release notification failed")
	}
}
