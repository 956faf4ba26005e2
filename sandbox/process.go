package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const fallbackPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// errProcessTimeout is returned by a ProcessRunner when ProcessSpec.Timeout elapses.
var errProcessTimeout = errors.New("process timed out")

// LocalRunner implements ProcessRunner using host processes. Each child is placed
// in its own process group so the whole tree can be killed at once.
//
// This is best-effort containment: the child shares the host filesystem, network
// and user; only the working directory, environment and wall clock are restricted.
type LocalRunner struct {
	captureLimit int
	waitDelay    time.Duration
}

// NewLocalRunner creates a LocalRunner that keeps at most captureLimit bytes of
// each output stream in memory.
func NewLocalRunner(captureLimit int) *LocalRunner {
	if captureLimit <= 0 {
		captureLimit = DefaultCaptureLimitBytes
	}
	return &LocalRunner{captureLimit: captureLimit, waitDelay: time.Second}
}

// Run executes spec and waits for it, its timeout, or ctx.
func (r *LocalRunner) Run(ctx context.Context, spec ProcessSpec) (ProcessOutput, error) {
	if len(spec.Args) == 0 {
		return ProcessOutput{}, fmt.Errorf("no command provided")
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Args[0], spec.Args[1:]...) //nolint:gosec // Running submitted code is the purpose of the sandbox
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.WaitDelay = r.waitDelay
	configureProcessGroup(cmd)

	stdout := newCappedBuffer(r.captureLimit)
	stderr := newCappedBuffer(r.captureLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if cmd.Process != nil {
		// Background children outlive a normal exit; reap the whole group either way.
		_ = killProcessGroup(cmd.Process.Pid)
	}

	if ctx.Err() != nil {
		return ProcessOutput{}, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return ProcessOutput{}, errProcessTimeout
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitStatus(exitErr.ProcessState)
		case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil:
			exitCode = exitStatus(cmd.ProcessState)
		default:
			return ProcessOutput{}, err
		}
	}

	return ProcessOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// buildEnv returns the environment for a child running in dir. Nothing from the
// server's environment leaks through except PATH.
func buildEnv(dir string, extra []string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = fallbackPath
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
	}
	return append(env, extra...)
}

// cappedBuffer keeps the first max bytes written to it and silently drops the rest,
// so a chatty program cannot exhaust the server's memory.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func newCappedBuffer(maxBytes int) *cappedBuffer {
	return &cappedBuffer{max: maxBytes}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := c.max - c.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			c.buf.Write(p[:remaining])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}
