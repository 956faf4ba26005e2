package sandbox

import (
	"context"
	"os"
	"time"
)

// ExecuteRequest represents the parameters for code execution
type ExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// ExecuteResult is the caller-facing outcome of one execution. It is never persisted.
type ExecuteResult struct {
	Success     bool      `json:"success"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	Error       string    `json:"error"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	ErrorKind   ErrorKind `json:"errorKind,omitempty"`
	ExecutionID string    `json:"executionId,omitempty"`
}

// Executor runs untrusted code. Execute never returns a Go error: every failure
// is reported through ExecuteResult.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) ExecuteResult
	Languages() []LanguageProfile
}

// ProcessSpec describes one child process invocation.
type ProcessSpec struct {
	Language Language
	Args     []string
	Dir      string
	Env      []string
	Timeout  time.Duration
}

// ProcessOutput is what a finished child process produced.
type ProcessOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ProcessRunner starts child processes. Implementations must return
// errProcessTimeout when spec.Timeout elapses, after the process tree is gone.
type ProcessRunner interface {
	Run(ctx context.Context, spec ProcessSpec) (ProcessOutput, error)
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	Mkdir(path string, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	Chmod(path string, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) Mkdir(path string, perm os.FileMode) error {
	return os.Mkdir(path, perm)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) Chmod(path string, perm os.FileMode) error {
	return os.Chmod(path, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants
const (
	DirPermission        = 0o700
	FilePermission       = 0o600
	ExecutablePermission = 0o700
)

// Limit defaults, used when no configuration overrides them.
const (
	DefaultMaxCodeLength     = 50000
	DefaultMaxOutputLength   = 10000
	DefaultCaptureLimitBytes = 1 << 20
	DefaultCompileTimeout    = 30 * time.Second
)
