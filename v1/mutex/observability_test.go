package mutex

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-mutex/v1/metrics"
	"github.com/mirkobrombin/go-mutex/v1/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMetricsRecorded(t *testing.T) {
	m := New(store.NewInMemory())
	ctx := context.Background()

	acquired := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(metrics.OutcomeAcquired))
	timeouts := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(metrics.OutcomeTimeout))
	released := testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues(metrics.ReleaseReleased))
	contention := testutil.ToFloat64(metrics.ContentionCounter)

	h, err := m.Lock(ctx, "metrics")
	require.NoError(t, err)
	err = m.Do(ctx, "metrics", func(context.Context) error { return nil }, WithTimeout(0))
	require.Error(t, err)
	_, err = h.Unlock(ctx)
	require.NoError(t, err)

	assert.Equal(t, acquired+1, testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(metrics.OutcomeAcquired)))
	assert.Equal(t, timeouts+1, testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(metrics.OutcomeTimeout)))
	assert.Equal(t, released+1, testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues(metrics.ReleaseReleased)))
	assert.Equal(t, contention+1, testutil.ToFloat64(metrics.ContentionCounter))
}

func TestRunSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	m := New(store.NewInMemory(), WithTracerProvider(tp))

	_, err := Run(context.Background(), m, "traced", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	lock, run := spans[0], spans[1]
	assert.Equal(t, "mutex.Lock", lock.Name())
	assert.Equal(t, "mutex.Run", run.Name())
	assert.Equal(t, run.SpanContext().SpanID(), lock.Parent().SpanID())
	assert.Contains(t, lock.Attributes(), attribute.String("mutex.outcome", metrics.OutcomeAcquired))
	assert.Contains(t, lock.Attributes(), attribute.Int("mutex.attempts", 1))
	assert.Contains(t, run.Attributes(), attribute.String("mutex.key", "traced"))
}

func TestLoggerReportsLostLock(t *testing.T) {
	var buf bytes.Buffer
	m := New(store.NewInMemory(), WithLogger(zerolog.New(&buf)))
	ctx := context.Background()

	h, err := m.Lock(ctx, "k", WithExpiresIn(10*time.Millisecond))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	other, err := m.Lock(ctx, "k")
	require.NoError(t, err)
	defer other.Unlock(ctx)

	_, err = h.Unlock(ctx)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "lock expired before release")
	assert.Contains(t, buf.String(), `"key":"k"`)
}
