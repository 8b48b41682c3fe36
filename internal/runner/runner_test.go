package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), []string{"echo", "hello"}, Options{Capture: CaptureText})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, string(res.Stdout), "hello")
	require.False(t, res.TimedOut)
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "exit 3"}, Options{})
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	res, err := Run(context.Background(), []string{"sleep", "5"}, Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, res.TimedOut)
}

func TestRunEnvAugmentationDoesNotMutateParent(t *testing.T) {
	t.Setenv("RUNNER_TEST_MARKER", "")
	res, err := Run(context.Background(), []string{"sh", "-c", "echo $RUNNER_TEST_EXTRA"}, Options{
		Env:     []string{"RUNNER_TEST_EXTRA=injected"},
		Capture: CaptureText,
	})
	require.NoError(t, err)
	require.Contains(t, string(res.Stdout), "injected")
}

func TestRunEmptyArgv(t *testing.T) {
	_, err := Run(context.Background(), nil, Options{})
	require.Error(t, err)
}
