package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/spf13/cobra"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		timeout   time.Duration
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <key> -- <command> [args...]",
		Short: "Run a command while holding the lock named key",
		Long:  "Run a command while holding the lock named key. The exit code of the command is returned; 75 means the lock was not acquired before --timeout.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []mutex.RunOption
			if cmd.Flags().Changed("timeout") {
				opts = append(opts, mutex.WithTimeout(timeout))
			}
			if expiresIn > 0 {
				opts = append(opts, mutex.WithExpiresIn(expiresIn))
			}
			return a.runExclusive(cmd, args[0], args[1:], opts)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after waiting this long for the lock (default: wait forever)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "let the lock expire after this long if the holder dies")
	return cmd
}

func (a *app) runExclusive(cmd *cobra.Command, key string, argv []string, opts []mutex.RunOption) error {
	code, err := mutex.Run(cmd.Context(), a.inst.Mutex, key, func(ctx context.Context) (int, error) {
		child := exec.CommandContext(ctx, argv[0], argv[1:]...)
		child.Stdin = os.Stdin
		child.Stdout = cmd.OutOrStdout()
		child.Stderr = cmd.ErrOrStderr()
		a.logger.Debug().Str("key", key).Strs("argv", argv).Msg("running command")
		err := child.Run()
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return childExitCode(ee), nil
		}
		if err != nil {
			return 0, fmt.Errorf("run %s: %w", argv[0], err)
		}
		return 0, nil
	}, opts...)

	switch {
	case mutexerrors.IsTimeout(err):
		return &exitError{code: exitTempFail, err: err}
	case err != nil:
		return err
	case code != 0:
		return &exitError{code: code}
	}
	return nil
}

// childExitCode follows the shell convention of 128+n for a child killed by
// signal n.
func childExitCode(ee *exec.ExitError) int {
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := ee.ExitCode(); code >= 0 {
		return code
	}
	return 1
}
