package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mirkobrombin/go-mutex/v1/store"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd, a := newRootCommand()
	t.Cleanup(a.close)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func exitCodeOf(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if err != nil {
		return 1
	}
	return 0
}

func TestVersionCommand(t *testing.T) {
	version = "v1.2.3"
	t.Cleanup(func() { version = "" })

	stdout, stderr, err := executeRootCommand(t, "version")
	require.NoError(t, err)
	assert.Empty(t, stderr)
	assert.Equal(t, "mutex v1.2.3\n", stdout)
}

func TestRunCommandOutputAndExitCode(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "--backend", "memory", "run", "job", "--", "sh", "-c", "echo locked")
	require.NoError(t, err)
	assert.Equal(t, "locked\n", stdout)

	_, _, err = executeRootCommand(t, "--backend", "memory", "run", "job", "--", "sh", "-c", "exit 3")
	assert.Equal(t, 3, exitCodeOf(err))
}

func TestRunCommandKilledBySignal(t *testing.T) {
	_, _, err := executeRootCommand(t, "--backend", "memory", "run", "job", "--", "sh", "-c", "kill -TERM $$")
	require.Error(t, err)
	assert.Equal(t, 128+15, exitCodeOf(err))
}

func TestRunCommandNotFound(t *testing.T) {
	_, _, err := executeRootCommand(t, "--backend", "memory", "run", "job", "--", "/nonexistent/binary")
	require.Error(t, err)
	assert.Equal(t, 1, exitCodeOf(err))
}

func TestRunCommandTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ok, err := store.NewRedis(client).TryClaim(context.Background(), "job", "other-host:1:abc", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	stdout, _, err := executeRootCommand(t, "--addr", mr.Addr(), "run", "--timeout", "50ms", "job", "--", "sh", "-c", "echo ran")
	assert.Equal(t, exitTempFail, exitCodeOf(err))
	assert.Empty(t, stdout, "command must not run without the lock")
}

func TestStatusCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stdout, _, err := executeRootCommand(t, "--addr", mr.Addr(), "status", "job")
	require.NoError(t, err)
	assert.Equal(t, "job: free\n", stdout)

	_, err = store.NewRedis(client).TryClaim(context.Background(), "ns:job", "other-host:1:abc", 0)
	require.NoError(t, err)
	stdout, _, err = executeRootCommand(t, "--addr", mr.Addr(), "--namespace", "ns:", "status", "job")
	require.NoError(t, err)
	assert.Equal(t, "job: held by other-host:1:abc\n", stdout)
}

func TestInvalidBackend(t *testing.T) {
	_, _, err := executeRootCommand(t, "--backend", "zookeeper", "status", "job")
	assert.ErrorContains(t, err, "unknown backend")
}

func TestMetricsEndpoint(t *testing.T) {
	cmd, a := newRootCommand()
	defer a.close()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--backend", "memory", "--metrics-addr", "127.0.0.1:0", "run", "job", "--", "true"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.NotNil(t, a.metricsL)

	resp, err := http.Get("http://" + a.metricsL.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mutex_acquire_total")
}
