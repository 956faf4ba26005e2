package sandbox

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/telemetry"
)

// NewExecutor builds a Sandbox for the configured backend. recorder may be nil.
func NewExecutor(logger *zap.Logger, cfg *config.Config, inst *telemetry.Instruments, recorder InstallRecorder) (*Sandbox, error) {
	overrides, images, env := LanguageSettings(cfg.Languages)

	registry, err := NewRegistry(overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to build language registry: %w", err)
	}

	workspaces, err := NewWorkspaceManager(logger, cfg.Sandbox.ScratchRoot, RealFileSystem{})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare scratch root: %w", err)
	}

	local := NewLocalRunner(cfg.Sandbox.CaptureLimitBytes)
	var runner ProcessRunner = local
	switch cfg.Sandbox.Backend {
	case "local":
		logger.Warn("local backend runs submissions as the server user without OS-level isolation")
	case EngineDocker, EnginePodman:
		runner, err = NewContainerRunner(logger, cfg.Sandbox.Backend, images,
			WithContainerHostRunner(local),
			WithContainerMemory(cfg.Sandbox.MemoryMB),
			WithContainerNetwork(cfg.Sandbox.NetworkEnabled),
		)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}

	opts := []Option{
		WithRunner(runner),
		WithLimits(Limits{
			MaxCodeLength:   cfg.Sandbox.MaxCodeLength,
			MaxOutputLength: cfg.Sandbox.MaxOutputLength,
			CompileTimeout:  cfg.GetCompileTimeout(),
		}),
		WithLanguageEnv(env),
		WithInstruments(inst),
		WithMaxConcurrent(cfg.Sandbox.MaxConcurrent),
	}

	if cfg.Dependencies.Enabled {
		if cfg.Sandbox.Backend != "local" {
			// Containers are discarded after each run, so an install would never be seen.
			logger.Warn("dependency resolution only works with the local backend; disabled",
				zap.String("backend", cfg.Sandbox.Backend))
		} else {
			if err := (RealFileSystem{}).MkdirAll(cfg.Dependencies.SiteDir, DirPermission); err != nil {
				return nil, fmt.Errorf("failed to prepare dependency site directory: %w", err)
			}
			resolverOpts := []ResolverOption{
				WithResolverInstruments(inst),
				WithSiteDir(cfg.Dependencies.SiteDir),
			}
			if recorder != nil {
				resolverOpts = append(resolverOpts, WithInstallRecorder(recorder))
			}
			if lang, ok := cfg.Languages[string(LanguagePython)]; ok && lang.Interpreter != "" {
				resolverOpts = append(resolverOpts, WithPythonInterpreter(lang.Interpreter))
			}
			resolver := NewResolver(logger, cfg.Dependencies.IndexURL,
				int64(cfg.Dependencies.MaxPackageSizeMB)<<20, cfg.GetInstallTimeout(), resolverOpts...)
			opts = append(opts, WithResolver(resolver))
			logger.Warn("dependency resolution enabled; submissions can install packages from the index",
				zap.String("index_url", cfg.Dependencies.IndexURL),
				zap.String("site_dir", cfg.Dependencies.SiteDir))
		}
	}

	return New(logger, registry, workspaces, opts...), nil
}

// LanguageSettings splits per-language config into registry overrides, container
// images and environment lists.
func LanguageSettings(langs map[string]config.Language) (map[Language]LanguageOverride, map[Language]string, map[Language][]string) {
	overrides := make(map[Language]LanguageOverride, len(langs))
	images := make(map[Language]string, len(langs))
	env := make(map[Language][]string, len(langs))

	for name, lang := range langs {
		id := Language(name)
		overrides[id] = LanguageOverride{
			Timeout:     time.Duration(lang.TimeoutSec) * time.Second,
			Compiler:    lang.Compiler,
			Interpreter: lang.Interpreter,
		}
		if lang.Image != "" {
			images[id] = lang.Image
		}
		if len(lang.Environment) > 0 {
			env[id] = environmentList(lang.Environment)
		}
	}
	return overrides, images, env
}

// environmentList renders vars as sorted KEY=VALUE entries. Keys are upper-cased
// because the config loader lowercases map keys.
func environmentList(vars map[string]string) []string {
	list := make([]string, 0, len(vars))
	for key, value := range vars {
		list = append(list, strings.ToUpper(key)+"="+value)
	}
	sort.Strings(list)
	return list
}
