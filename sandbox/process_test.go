//go:build unix

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestLocalRunnerCapturesOutput(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	r := NewLocalRunner(DefaultCaptureLimitBytes)

	out, err := r.Run(context.Background(), ProcessSpec{
		Args:    []string{"sh", "-c", "echo out; echo err >&2; pwd; exit 3"},
		Dir:     dir,
		Env:     buildEnv(dir, nil),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "err\n", out.Stderr)

	lines := strings.Split(strings.TrimSpace(out.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "out", lines[0])
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, lines[1])
}

func TestLocalRunnerScrubsEnvironment(t *testing.T) {
	requireShell(t)
	t.Setenv("RUNBOX_TEST_SECRET", "hunter2")
	dir := t.TempDir()

	out, err := NewLocalRunner(DefaultCaptureLimitBytes).Run(context.Background(), ProcessSpec{
		Args:    []string{"sh", "-c", "env"},
		Dir:     dir,
		Env:     buildEnv(dir, []string{"EXTRA=1"}),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.NotContains(t, out.Stdout, "hunter2")
	assert.Contains(t, out.Stdout, "HOME="+dir)
	assert.Contains(t, out.Stdout, "TMPDIR="+dir)
	assert.Contains(t, out.Stdout, "EXTRA=1")
}

func TestLocalRunnerTimeoutKillsProcessGroup(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")

	start := time.Now()
	_, err := NewLocalRunner(DefaultCaptureLimitBytes).Run(context.Background(), ProcessSpec{
		Args:    []string{"sh", "-c", "sleep 30 & echo $! > child.pid; wait"},
		Dir:     dir,
		Env:     buildEnv(dir, nil),
		Timeout: 300 * time.Millisecond,
	})
	require.ErrorIs(t, err, errProcessTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assertProcessGone(t, strings.TrimSpace(string(data)))
}

func TestLocalRunnerKillsBackgroundChildrenOnExit(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	out, err := NewLocalRunner(DefaultCaptureLimitBytes).Run(context.Background(), ProcessSpec{
		Args:    []string{"sh", "-c", "sleep 30 >/dev/null 2>&1 & echo $!"},
		Dir:     dir,
		Env:     buildEnv(dir, nil),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assertProcessGone(t, strings.TrimSpace(out.Stdout))
}

func TestLocalRunnerCaptureLimit(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	out, err := NewLocalRunner(64).Run(context.Background(), ProcessSpec{
		Args:    []string{"sh", "-c", "i=0; while [ $i -lt 100 ]; do echo 0123456789; i=$((i+1)); done"},
		Dir:     dir,
		Env:     buildEnv(dir, nil),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Len(t, out.Stdout, 64)
}

func TestLocalRunnerSignalExitCode(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	out, err := NewLocalRunner(DefaultCaptureLimitBytes).Run(context.Background(), ProcessSpec{
		Args:    []string{"sh", "-c", "kill -SEGV $$"},
		Dir:     dir,
		Env:     buildEnv(dir, nil),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 139, out.ExitCode)
}

func TestLocalRunnerErrors(t *testing.T) {
	r := NewLocalRunner(0)

	_, err := r.Run(context.Background(), ProcessSpec{})
	assert.Error(t, err)

	_, err = r.Run(context.Background(), ProcessSpec{Args: []string{"runbox-no-such-binary"}, Dir: t.TempDir()})
	require.Error(t, err)
	assert.False(t, errors.Is(err, errProcessTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx, ProcessSpec{Args: []string{"sh", "-c", "true"}, Dir: t.TempDir()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, _ = b.Write([]byte("ijk"))
	assert.Equal(t, "abcde", b.String())
}

func assertProcessGone(t *testing.T, pid string) {
	t.Helper()
	n, err := strconv.Atoi(pid)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		if unix.Kill(n, 0) != nil {
			return true
		}
		// Orphans are reaped by pid 1, which may never happen inside a container.
		stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", n))
		if err != nil {
			return false
		}
		fields := strings.Fields(string(stat[bytes.LastIndexByte(stat, ')')+1:]))
		return len(fields) > 0 && fields[0] == "Z"
	}, 3*time.Second, 50*time.Millisecond, "process %s still running", pid)
}
