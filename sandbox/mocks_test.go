package sandbox

import (
	"context"
	"os"
	"strings"
	"sync"
)

// MockProcessRunner implements ProcessRunner for testing. Handler decides the
// outcome of each call; every spec is recorded.
type MockProcessRunner struct {
	mu      sync.Mutex
	calls   []ProcessSpec
	Handler func(spec ProcessSpec) (ProcessOutput, error)
}

func (m *MockProcessRunner) Run(_ context.Context, spec ProcessSpec) (ProcessOutput, error) {
	m.mu.Lock()
	m.calls = append(m.calls, spec)
	m.mu.Unlock()

	if m.Handler == nil {
		return ProcessOutput{}, nil
	}
	return m.Handler(spec)
}

func (m *MockProcessRunner) Calls() []ProcessSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProcessSpec(nil), m.calls...)
}

// CommandLines returns each recorded call joined with spaces.
func (m *MockProcessRunner) CommandLines() []string {
	calls := m.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = strings.Join(c.Args, " ")
	}
	return lines
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	mu            sync.Mutex
	mkdirErrors   map[string]error
	writeErrors   map[string]error
	chmodErrors   map[string]error
	writeFileData map[string][]byte
	modes         map[string]os.FileMode
	removed       []string
}

func (m *MockFileSystem) Mkdir(path string, _ os.FileMode) error {
	if err, ok := m.mkdirErrors[path]; ok {
		return err
	}
	if err, ok := m.mkdirErrors["*"]; ok {
		return err
	}
	return nil
}

func (m *MockFileSystem) MkdirAll(string, os.FileMode) error {
	return nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.writeErrors[filename]; ok {
		return err
	}
	if m.writeFileData == nil {
		m.writeFileData = make(map[string][]byte)
		m.modes = make(map[string]os.FileMode)
	}
	m.writeFileData[filename] = data
	m.modes[filename] = perm
	return nil
}

func (m *MockFileSystem) Chmod(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.chmodErrors[path]; ok {
		return err
	}
	if m.modes == nil {
		m.modes = make(map[string]os.FileMode)
	}
	m.modes[path] = perm
	return nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
	return nil
}

func exitWith(code int, stdout, stderr string) func(ProcessSpec) (ProcessOutput, error) {
	return func(ProcessSpec) (ProcessOutput, error) {
		return ProcessOutput{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
	}
}
