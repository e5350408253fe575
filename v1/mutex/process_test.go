package mutex

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/mirkobrombin/go-mutex/v1/store"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	helperModeEnv   = "MUTEX_TEST_HELPER"
	helperAddrEnv   = "MUTEX_TEST_HELPER_ADDR"
	helperMarkerEnv = "MUTEX_TEST_HELPER_MARKER"
)

// TestHelperProcess is not a real test. The cross-process tests re-execute
// the test binary with it selected to get independent lock holders.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperModeEnv)
	if mode == "" {
		t.Skip("only runs as a child process")
	}
	client := redis.NewClient(&redis.Options{Addr: os.Getenv(helperAddrEnv)})
	m := New(store.NewRedis(client), WithPollInterval(5*time.Millisecond))
	marker := os.Getenv(helperMarkerEnv)
	ctx := context.Background()

	switch mode {
	case "exclusive":
		for i := 0; i < 5; i++ {
			err := m.Do(ctx, "cross-process", func(context.Context) error {
				f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
				if err != nil {
					return fmt.Errorf("critical section overlap: %w", err)
				}
				_ = f.Close()
				time.Sleep(20 * time.Millisecond)
				return os.Remove(marker)
			}, WithTimeout(20*time.Second))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(3)
			}
		}
	case "hold":
		if _, err := m.Lock(ctx, "cross-process", WithExpiresIn(time.Second)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(3)
		}
		if err := os.WriteFile(marker, []byte("held"), 0o600); err != nil {
			os.Exit(3)
		}
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func helperCommand(t *testing.T, mode, addr, marker string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(),
		helperModeEnv+"="+mode,
		helperAddrEnv+"="+addr,
		helperMarkerEnv+"="+marker,
	)
	cmd.Stderr = os.Stderr
	return cmd
}

func TestCrossProcessExclusion(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	mr, _ := newRedisClient(t)
	marker := filepath.Join(t.TempDir(), "inside")

	a := helperCommand(t, "exclusive", mr.Addr(), marker)
	b := helperCommand(t, "exclusive", mr.Addr(), marker)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	assert.NoError(t, a.Wait(), "first child")
	assert.NoError(t, b.Wait(), "second child")
	assert.NoFileExists(t, marker)
	assert.False(t, mr.Exists("cross-process"))
}

func TestCrossProcessKilledHolderExpires(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	mr, client := newRedisClient(t)
	marker := filepath.Join(t.TempDir(), "held")

	holder := helperCommand(t, "hold", mr.Addr(), marker)
	require.NoError(t, holder.Start())
	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, holder.Process.Kill())
	_ = holder.Wait()

	m := New(store.NewRedis(client))
	ctx := context.Background()
	owner, held, err := m.Owner(ctx, "cross-process")
	require.NoError(t, err)
	require.True(t, held, "a killed holder keeps the lock until it expires")
	assert.Contains(t, owner, fmt.Sprintf(":%d:", holder.Process.Pid))

	go func() {
		time.Sleep(100 * time.Millisecond)
		mr.FastForward(2 * time.Second)
	}()
	ran := false
	err = m.Do(ctx, "cross-process", func(context.Context) error {
		ran = true
		return nil
	}, WithTimeout(3*time.Second))
	require.NoError(t, err)
	assert.True(t, ran)
}
