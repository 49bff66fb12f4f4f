package worker_test

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/queuectl/internal/worker"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell commands")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestShellExecutor_Success(t *testing.T) {
	t.Parallel()
	requireShell(t)

	err := worker.ShellExecutor{}.Execute(context.Background(), "echo hello && true")
	require.NoError(t, err)
}

func TestShellExecutor_FailureCapturesStderr(t *testing.T) {
	t.Parallel()
	requireShell(t)

	err := worker.ShellExecutor{}.Execute(context.Background(), "echo to-stdout; echo 'disk full' >&2; exit 3")
	require.Error(t, err)

	var execErr *worker.ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Equal(t, "disk full", err.Error())
}

func TestShellExecutor_FailureWithoutStderrUsesExitStatus(t *testing.T) {
	t.Parallel()
	requireShell(t)

	err := worker.ShellExecutor{}.Execute(context.Background(), "exit 7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 7")
}

func TestShellExecutor_UnknownCommand(t *testing.T) {
	t.Parallel()
	requireShell(t)

	err := worker.ShellExecutor{}.Execute(context.Background(), "definitely-not-a-real-command-xyz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestShellExecutor_EnvAndDir(t *testing.T) {
	t.Parallel()
	requireShell(t)
	dir := t.TempDir()

	exe := worker.ShellExecutor{Dir: dir, Env: []string{"QUEUECTL_TEST_VALUE=bar"}}
	require.NoError(t, exe.Execute(context.Background(), `test "$QUEUECTL_TEST_VALUE" = bar`))
	require.NoError(t, exe.Execute(context.Background(), `test "$(pwd -P)" = "$(cd "`+dir+`" && pwd -P)"`))
}

func TestShellExecutor_LargeStderrIsBounded(t *testing.T) {
	t.Parallel()
	requireShell(t)

	err := worker.ShellExecutor{}.Execute(context.Background(),
		`i=0; while [ $i -lt 5000 ]; do echo "line $i of noisy output" >&2; i=$((i+1)); done; exit 1`)
	require.Error(t, err)
	assert.LessOrEqual(t, len(err.Error()), 64<<10)
	assert.True(t, strings.HasPrefix(err.Error(), "line 0 of noisy output"))
}
