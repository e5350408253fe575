package mutex

import (
	"time"

	"github.com/mirkobrombin/go-mutex/v1/syncbus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPollInterval is the wait between two claim attempts.
const DefaultPollInterval = 50 * time.Millisecond

// Option configures a Mutex.
type Option interface {
	apply(*Mutex)
}

// RunOption configures a single acquisition.
type RunOption interface {
	applyRun(*runConfig)
}

type optionFunc func(*Mutex)

func (f optionFunc) apply(m *Mutex) { f(m) }

type runOptionFunc func(*runConfig)

func (f runOptionFunc) applyRun(c *runConfig) { f(c) }

type runConfig struct {
	hasTimeout bool
	timeout    time.Duration
	expiresIn  time.Duration
	poll       time.Duration
}

// PollOption sets the fixed interval between claim attempts. It is accepted
// by New, as the default of a Mutex, and by a single acquisition.
type PollOption time.Duration

func (p PollOption) apply(m *Mutex) {
	if p > 0 {
		m.poll = time.Duration(p)
	}
}

func (p PollOption) applyRun(c *runConfig) {
	if p > 0 {
		c.poll = time.Duration(p)
	}
}

// WithPollInterval sets the interval between claim attempts. Non-positive
// values are ignored.
func WithPollInterval(d time.Duration) PollOption {
	return PollOption(d)
}

// WithTimeout bounds how long an acquisition waits for the lock. A
// non-positive d makes exactly one attempt. Without this option the
// acquisition waits until it succeeds or ctx is done.
func WithTimeout(d time.Duration) RunOption {
	return runOptionFunc(func(c *runConfig) {
		c.hasTimeout = true
		c.timeout = max(d, 0)
	})
}

// WithExpiresIn makes the lock record expire after d, so a crashed holder
// cannot keep it forever. Non-positive values mean no expiry.
func WithExpiresIn(d time.Duration) RunOption {
	return runOptionFunc(func(c *runConfig) {
		c.expiresIn = max(d, 0)
	})
}

// WithBus announces releases on bus and lets waiters retry as soon as the
// holder releases instead of sleeping out the poll interval.
func WithBus(bus syncbus.Bus) Option {
	return optionFunc(func(m *Mutex) { m.bus = bus })
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return optionFunc(func(m *Mutex) { m.logger = logger })
}

// WithNamespace prefixes every key before it reaches the store.
func WithNamespace(prefix string) Option {
	return optionFunc(func(m *Mutex) { m.namespace = prefix })
}

// WithTokenGenerator replaces NewToken.
func WithTokenGenerator(gen func() string) Option {
	return optionFunc(func(m *Mutex) {
		if gen != nil {
			m.newToken = gen
		}
	})
}

// WithTracerProvider sets the provider spans are created from. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return optionFunc(func(m *Mutex) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	})
}
