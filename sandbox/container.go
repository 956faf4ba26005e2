package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Container engines understood by ContainerRunner.
const (
	EngineDocker = "docker"
	EnginePodman = "podman"
)

const (
	containerWorkdir   = "/workspace"
	containerPidsLimit = 256
	containerFileLimit = "fsize=104857600"
)

// ContainerRunner implements ProcessRunner by running every command in a
// throwaway docker or podman container with the workspace bind-mounted. It adds
// memory, process-count and capability limits on top of the wall-clock timeout.
type ContainerRunner struct {
	logger         *zap.Logger
	engine         string
	images         map[Language]string
	host           ProcessRunner
	memoryMB       int
	networkEnabled bool
	killTimeout    time.Duration
}

// ContainerOption defines a functional option for ContainerRunner
type ContainerOption func(*ContainerRunner)

// WithContainerHostRunner sets the runner used to invoke the engine CLI
func WithContainerHostRunner(runner ProcessRunner) ContainerOption {
	return func(c *ContainerRunner) {
		c.host = runner
	}
}

// WithContainerMemory sets the memory limit in megabytes
func WithContainerMemory(mb int) ContainerOption {
	return func(c *ContainerRunner) {
		c.memoryMB = mb
	}
}

// WithContainerNetwork enables the default container network
func WithContainerNetwork(enabled bool) ContainerOption {
	return func(c *ContainerRunner) {
		c.networkEnabled = enabled
	}
}

// NewContainerRunner creates a ContainerRunner for engine using images per language.
func NewContainerRunner(logger *zap.Logger, engine string, images map[Language]string, opts ...ContainerOption) (*ContainerRunner, error) {
	if engine != EngineDocker && engine != EnginePodman {
		return nil, fmt.Errorf("unsupported container engine: %s", engine)
	}

	c := &ContainerRunner{
		logger:      logger,
		engine:      engine,
		images:      images,
		host:        NewLocalRunner(DefaultCaptureLimitBytes),
		memoryMB:    256,
		killTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run executes spec inside a new container. Container start-up time counts
// against spec.Timeout.
func (c *ContainerRunner) Run(ctx context.Context, spec ProcessSpec) (ProcessOutput, error) {
	if len(spec.Args) == 0 {
		return ProcessOutput{}, fmt.Errorf("no command provided")
	}
	image, ok := c.images[spec.Language]
	if !ok || image == "" {
		return ProcessOutput{}, fmt.Errorf("no container image configured for %s", spec.Language)
	}

	name := "runbox-" + uuid.NewString()
	out, err := c.host.Run(ctx, ProcessSpec{
		Language: spec.Language,
		Args:     c.runArgs(name, image, spec),
		Timeout:  spec.Timeout,
	})
	if errors.Is(err, errProcessTimeout) || ctx.Err() != nil {
		// Killing the CLI leaves the container running.
		c.kill(name)
	}
	return out, err
}

func (c *ContainerRunner) runArgs(name, image string, spec ProcessSpec) []string {
	args := []string{
		c.engine, "run",
		"--rm",
		"--name", name,
		"-v", fmt.Sprintf("%s:%s", spec.Dir, containerWorkdir),
		"--workdir", containerWorkdir,
		"--memory", fmt.Sprintf("%dm", c.memoryMB),
		"--pids-limit", fmt.Sprintf("%d", containerPidsLimit),
		"--ulimit", containerFileLimit,
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		// Files in the bind mount must stay writable and removable by the server.
		"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
	}
	if !c.networkEnabled {
		args = append(args, "--network", "none")
	}

	for _, kv := range spec.Env {
		key, value, _ := strings.Cut(kv, "=")
		if key == "PATH" {
			continue
		}
		if spec.Dir != "" {
			value = strings.ReplaceAll(value, spec.Dir, containerWorkdir)
		}
		args = append(args, "-e", key+"="+value)
	}

	args = append(args, image)
	return append(args, spec.Args...)
}

func (c *ContainerRunner) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.killTimeout)
	defer cancel()

	out, err := c.host.Run(ctx, ProcessSpec{Args: []string{c.engine, "kill", name}})
	if err == nil && out.ExitCode == 0 {
		return
	}
	c.logger.Warn("failed to kill container after timeout",
		zap.String("container", name),
		zap.String("stderr", strings.TrimSpace(out.Stderr)),
		zap.Error(err))
}
