package worker

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
)

// maxCapture bounds how much stderr is kept from a single command. The store
// truncates further when persisting last_error.
const maxCapture = 64 << 10

// Executor runs one job command to completion. A nil return marks the job
// completed; an error fails it with err.Error() as the diagnostic.
type Executor interface {
	Execute(ctx context.Context, command string) error
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, command string) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, command string) error {
	return f(ctx, command)
}

// ShellExecutor runs commands through the platform shell: sh -c on Unix,
// cmd /C on Windows. Stdout is discarded.
type ShellExecutor struct {
	// Shell overrides the interpreter, e.g. []string{"bash", "-c"}.
	Shell []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is appended to the parent environment.
	Env []string
}

// ExecError is returned when a command exits unsuccessfully.
type ExecError struct {
	ExitCode int
	Stderr   string
	Err      error
}

// Error prefers the captured stderr, falling back to the process error.
func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return e.Err.Error()
}

func (e *ExecError) Unwrap() error { return e.Err }

// Execute runs command and waits for it to exit.
func (s ShellExecutor) Execute(ctx context.Context, command string) error {
	shell := s.Shell
	if len(shell) == 0 {
		shell = defaultShell()
	}
	args := append(append([]string{}, shell[1:]...), command)
	cmd := exec.CommandContext(ctx, shell[0], args...) //nolint:gosec // running operator commands is the job
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}

	stderr := &limitedBuffer{limit: maxCapture}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		execErr := &ExecError{ExitCode: -1, Stderr: strings.TrimSpace(stderr.String()), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
		}
		return execErr
	}
	return nil
}

func defaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C"}
	}
	return []string{"sh", "-c"}
}

// limitedBuffer keeps the first limit bytes written and drops the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
