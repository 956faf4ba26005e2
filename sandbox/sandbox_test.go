package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testSandbox struct {
	*Sandbox
	root   string
	runner *MockProcessRunner
}

func newTestSandbox(t *testing.T, handler func(ProcessSpec) (ProcessOutput, error), opts ...Option) *testSandbox {
	t.Helper()
	logger := zaptest.NewLogger(t)
	root := t.TempDir()

	workspaces, err := NewWorkspaceManager(logger, root, RealFileSystem{})
	require.NoError(t, err)

	runner := &MockProcessRunner{Handler: handler}
	opts = append([]Option{WithRunner(runner)}, opts...)
	return &testSandbox{
		Sandbox: New(logger, newTestRegistry(t), workspaces, opts...),
		root:    root,
		runner:  runner,
	}
}

func (s *testSandbox) assertNoWorkspaces(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(s.root)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace left behind")
}

func TestExecuteSuccess(t *testing.T) {
	var dir string
	s := newTestSandbox(t, func(spec ProcessSpec) (ProcessOutput, error) {
		dir = spec.Dir
		return ProcessOutput{Stdout: "hi\n", ExitCode: 0}, nil
	})

	result := s.Execute(context.Background(), ExecuteRequest{Code: "print('hi')", Language: "python"})

	assert.True(t, result.Success)
	assert.Equal(t, "hi\n", result.Stdout)
	assert.Empty(t, result.Error)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	assert.Len(t, result.ExecutionID, 36)

	calls := s.runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"python3", "source.py"}, calls[0].Args)
	assert.True(t, strings.HasPrefix(dir, s.root))
	assert.Contains(t, calls[0].Env, "HOME="+dir)
	assert.NoDirExists(t, dir)
	s.assertNoWorkspaces(t)
}

func TestExecuteNonZeroExit(t *testing.T) {
	s := newTestSandbox(t, exitWith(1, "partial\n", "Traceback: ZeroDivisionError"))

	result := s.Execute(context.Background(), ExecuteRequest{Code: "1/0", Language: "python"})

	assert.False(t, result.Success)
	assert.Equal(t, "partial\n", result.Stdout)
	assert.Equal(t, "Traceback: ZeroDivisionError", result.Error)
	assert.Equal(t, "Traceback: ZeroDivisionError", result.Stderr)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 1, *result.ExitCode)
	assert.Empty(t, result.ErrorKind)
	s.assertNoWorkspaces(t)
}

func TestExecuteSilentNonZeroExit(t *testing.T) {
	s := newTestSandbox(t, exitWith(3, "", ""))

	result := s.Execute(context.Background(), ExecuteRequest{Code: "exit 3", Language: "bash"})
	assert.False(t, result.Success)
	assert.Equal(t, "Process exited with code 3", result.Error)
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	s := newTestSandbox(t, nil)

	result := s.Execute(context.Background(), ExecuteRequest{Code: "puts 1", Language: "ruby"})

	assert.False(t, result.Success)
	assert.Equal(t, "Language 'ruby' not supported", result.Error)
	assert.Equal(t, KindUnsupportedLanguage, result.ErrorKind)
	assert.Nil(t, result.ExitCode)
	assert.Empty(t, s.runner.Calls())
	s.assertNoWorkspaces(t)
}

func TestExecuteMissingFields(t *testing.T) {
	s := newTestSandbox(t, nil)

	result := s.Execute(context.Background(), ExecuteRequest{Language: "python"})
	assert.Equal(t, "Missing required field: code", result.Error)
	assert.Equal(t, KindMissingField, result.ErrorKind)

	result = s.Execute(context.Background(), ExecuteRequest{Code: "print(1)"})
	assert.Equal(t, "Missing required field: language", result.Error)

	assert.Empty(t, s.runner.Calls())
	s.assertNoWorkspaces(t)
}

func TestExecuteCodeTooLong(t *testing.T) {
	s := newTestSandbox(t, nil, WithLimits(Limits{MaxCodeLength: 10, MaxOutputLength: 100, CompileTimeout: time.Second}))

	result := s.Execute(context.Background(), ExecuteRequest{Code: strings.Repeat("x", 11), Language: "python"})
	assert.False(t, result.Success)
	assert.Equal(t, KindMalformedInput, result.ErrorKind)
	assert.Equal(t, "Code exceeds maximum length of 10 characters", result.Error)

	// The bound counts characters, not bytes.
	result = s.Execute(context.Background(), ExecuteRequest{Code: "print('é')", Language: "python"})
	assert.NotEqual(t, KindMalformedInput, result.ErrorKind)
}

func TestExecuteCompileErrorSkipsRun(t *testing.T) {
	s := newTestSandbox(t, func(spec ProcessSpec) (ProcessOutput, error) {
		if spec.Args[0] == "gcc" {
			return ProcessOutput{ExitCode: 1, Stderr: "source.c:1:24: error: expected ';' before '}' token"}, nil
		}
		t.Errorf("unexpected command after failed compile: %v", spec.Args)
		return ProcessOutput{}, nil
	})

	result := s.Execute(context.Background(), ExecuteRequest{Code: "int main(){return 0}", Language: "c"})

	assert.False(t, result.Success)
	assert.Equal(t, KindCompile, result.ErrorKind)
	assert.Contains(t, result.Error, "expected ';'")
	assert.Nil(t, result.ExitCode)
	assert.Len(t, s.runner.Calls(), 1)
	s.assertNoWorkspaces(t)
}

func TestExecuteJava(t *testing.T) {
	s := newTestSandbox(t, exitWith(0, "Hello\n", ""))

	result := s.Execute(context.Background(), ExecuteRequest{
		Code:     "public class Foo { public static void main(String[] a) { System.out.println(\"Hello\"); } }",
		Language: "java",
	})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, []string{"javac Foo.java", "java -cp . Foo"}, s.runner.CommandLines())

	result = s.Execute(context.Background(), ExecuteRequest{Code: "System.out.println(1);", Language: "java"})
	assert.Equal(t, KindMalformedInput, result.ErrorKind)
	s.assertNoWorkspaces(t)
}

func TestExecuteTimeout(t *testing.T) {
	s := newTestSandbox(t, func(ProcessSpec) (ProcessOutput, error) {
		return ProcessOutput{Stdout: "looping"}, errProcessTimeout
	})

	result := s.Execute(context.Background(), ExecuteRequest{Code: "while true; do :; done", Language: "bash"})

	assert.False(t, result.Success)
	assert.Equal(t, "Execution timed out after 5 seconds", result.Error)
	assert.Equal(t, KindTimeout, result.ErrorKind)
	assert.Empty(t, result.Stdout)
	assert.Nil(t, result.ExitCode)
	s.assertNoWorkspaces(t)
}

func TestExecuteTruncatesOutput(t *testing.T) {
	s := newTestSandbox(t, exitWith(0, strings.Repeat("a", 50), strings.Repeat("b", 50)),
		WithLimits(Limits{MaxCodeLength: 100, MaxOutputLength: 20, CompileTimeout: time.Second}))

	result := s.Execute(context.Background(), ExecuteRequest{Code: "print('a'*50)", Language: "python"})
	assert.Len(t, result.Stdout, 20)
	assert.Len(t, result.Stderr, 20)
}

func TestExecuteLanguageEnv(t *testing.T) {
	s := newTestSandbox(t, exitWith(0, "", ""),
		WithLanguageEnv(map[Language][]string{LanguagePython: {"PYTHONDONTWRITEBYTECODE=1"}}))

	s.Execute(context.Background(), ExecuteRequest{Code: "print(1)", Language: "python"})
	s.Execute(context.Background(), ExecuteRequest{Code: "echo 1", Language: "bash"})

	calls := s.runner.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Env, "PYTHONDONTWRITEBYTECODE=1")
	assert.NotContains(t, calls[1].Env, "PYTHONDONTWRITEBYTECODE=1")
}

func TestExecuteResolverRetriesOnce(t *testing.T) {
	srv, _ := fakeIndex(t, map[string][]int64{"pyyaml": {1000}})
	host := &pythonHost{}
	runs := 0
	handler := func(spec ProcessSpec) (ProcessOutput, error) {
		if spec.Args[1] == "source.py" {
			runs++
			if host.installed.Load() {
				return ProcessOutput{Stdout: "ok\n"}, nil
			}
			return ProcessOutput{ExitCode: 1, Stderr: missingYAML}, nil
		}
		return host.handle(spec)
	}

	s := newTestSandbox(t, handler)
	s.resolver = NewResolver(zaptest.NewLogger(t), srv.URL, 50<<20, time.Minute)

	result := s.Execute(context.Background(), ExecuteRequest{Code: "import yaml\nprint('ok')", Language: "python"})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "ok\n", result.Stdout)
	assert.Equal(t, 2, runs)
	s.assertNoWorkspaces(t)
}

func TestExecuteResolverDoesNotLoop(t *testing.T) {
	srv, _ := fakeIndex(t, map[string][]int64{"pyyaml": {1000}})
	host := &pythonHost{}
	runs := 0
	handler := func(spec ProcessSpec) (ProcessOutput, error) {
		if spec.Args[1] == "source.py" {
			runs++
			// Still failing after the install.
			return ProcessOutput{ExitCode: 1, Stderr: missingYAML}, nil
		}
		return host.handle(spec)
	}

	s := newTestSandbox(t, handler, WithResolver(NewResolver(zaptest.NewLogger(t), srv.URL, 50<<20, time.Minute)))

	result := s.Execute(context.Background(), ExecuteRequest{Code: "import yaml", Language: "python"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "No module named 'yaml'")
	assert.Equal(t, 2, runs)
}

func TestExecuteResolverKeepsOriginalFailure(t *testing.T) {
	const traceback = "Traceback (most recent call last):\n  File \"source.py\", line 2, in <module>\n" +
		"ModuleNotFoundError: No module named 'os.nope'; 'os' is not a package\n"
	srv, hits := fakeIndex(t, map[string][]int64{"os": {1000}})
	runs := 0
	handler := func(spec ProcessSpec) (ProcessOutput, error) {
		if spec.Args[1] == "source.py" {
			runs++
			return ProcessOutput{Stdout: "before\n", Stderr: traceback, ExitCode: 1}, nil
		}
		return (&pythonHost{importable: true}).handle(spec)
	}

	s := newTestSandbox(t, handler, WithResolver(NewResolver(zaptest.NewLogger(t), srv.URL, 50<<20, time.Minute)))

	result := s.Execute(context.Background(), ExecuteRequest{Code: "print('before')\nimport os.nope", Language: "python"})
	assert.False(t, result.Success)
	assert.Equal(t, "before\n", result.Stdout)
	assert.Equal(t, traceback, result.Stderr)
	assert.Equal(t, traceback, result.Error)
	assert.Empty(t, result.ErrorKind)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 1, *result.ExitCode)
	assert.Equal(t, 1, runs)
	assert.Equal(t, int32(0), hits.Load())
}

func TestExecutePythonSeesResolverSiteDir(t *testing.T) {
	site := t.TempDir()
	s := newTestSandbox(t, exitWith(0, "", ""),
		WithResolver(NewResolver(zaptest.NewLogger(t), "http://127.0.0.1:1", 50<<20, time.Minute, WithSiteDir(site))))

	s.Execute(context.Background(), ExecuteRequest{Code: "print(1)", Language: "python"})
	s.Execute(context.Background(), ExecuteRequest{Code: "echo 1", Language: "bash"})

	calls := s.runner.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Env, "PYTHONPATH="+site)
	assert.NotContains(t, calls[1].Env, "PYTHONPATH="+site)
}

func TestIsServerFault(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fault bool
	}{
		{"nil", nil, false},
		{"compile", compileError("boom"), false},
		{"timeout", timeoutError("Execution", time.Second), false},
		{"unsupported", unsupportedLanguageError("cobol"), false},
		{"rejected package", dependencyError(nil, "Package 'x' not found on the index"), false},
		{"index unreachable", dependencyError(errors.New("connection refused"), "Failed to look up package 'x'"), true},
		{"resource", resourceError(errors.New("disk full"), "failed to write source file"), true},
		{"internal", errors.New("unexpected"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fault, isServerFault(tt.err))
		})
	}
}

func TestExecuteResolverOnlyForPython(t *testing.T) {
	s := newTestSandbox(t, exitWith(1, "", missingYAML),
		WithResolver(NewResolver(zaptest.NewLogger(t), "http://127.0.0.1:1", 50<<20, time.Minute)))

	result := s.Execute(context.Background(), ExecuteRequest{Code: "cat missing", Language: "bash"})
	assert.False(t, result.Success)
	assert.Len(t, s.runner.Calls(), 1)
}

func TestExecuteConcurrencyLimit(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	s := newTestSandbox(t, func(ProcessSpec) (ProcessOutput, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return ProcessOutput{}, nil
	}, WithMaxConcurrent(2))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := s.Execute(context.Background(), ExecuteRequest{Code: "print(1)", Language: "python"})
			assert.True(t, result.Success)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, 2)
	s.assertNoWorkspaces(t)
}

func TestExecuteWaitingRespectsContext(t *testing.T) {
	release := make(chan struct{})
	s := newTestSandbox(t, func(ProcessSpec) (ProcessOutput, error) {
		<-release
		return ProcessOutput{}, nil
	}, WithMaxConcurrent(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Execute(context.Background(), ExecuteRequest{Code: "print(1)", Language: "python"})
	}()
	require.Eventually(t, func() bool { return len(s.runner.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result := s.Execute(ctx, ExecuteRequest{Code: "print(2)", Language: "python"})
	assert.False(t, result.Success)
	assert.Equal(t, KindInternal, result.ErrorKind)

	close(release)
	<-done
}

func TestExecuteWorkspaceFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)
	fs := &MockFileSystem{mkdirErrors: map[string]error{"*": os.ErrPermission}}
	workspaces, err := NewWorkspaceManager(logger, "/scratch", fs)
	require.NoError(t, err)

	runner := &MockProcessRunner{}
	s := New(logger, newTestRegistry(t), workspaces, WithRunner(runner))

	result := s.Execute(context.Background(), ExecuteRequest{Code: "print(1)", Language: "python"})
	assert.False(t, result.Success)
	assert.Equal(t, KindResource, result.ErrorKind)
	assert.Empty(t, runner.Calls())
}

func TestLanguages(t *testing.T) {
	s := newTestSandbox(t, nil)
	profiles := s.Languages()
	require.Len(t, profiles, 4)
	assert.Equal(t, LanguageBash, profiles[0].ID)
}
