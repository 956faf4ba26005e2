package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Language identifies a supported runtime.
type Language string

// LanguageName constants
const (
	LanguagePython Language = "python"
	LanguageBash   Language = "bash"
	LanguageC      Language = "c"
	LanguageJava   Language = "java"
)

// Command template placeholders, expanded per execution.
const (
	placeholderSource = "{source}"
	placeholderEntry  = "{entry}"
)

// LanguageProfile is the fixed configuration describing how to compile and run one language.
type LanguageProfile struct {
	ID             Language      `json:"id"`
	FileExtension  string        `json:"fileExtension"`
	CompileCommand []string      `json:"compileCommand,omitempty"`
	RunCommand     []string      `json:"runCommand"`
	Timeout        time.Duration `json:"-"`
	TimeoutSeconds int           `json:"timeoutSeconds"`
}

// SourceFile is the materialized program inside a workspace.
type SourceFile struct {
	Name  string
	Path  string
	Entry string
}

// Invocation carries what a toolchain needs to drive processes inside one workspace.
type Invocation struct {
	Runner         ProcessRunner
	Workspace      *Workspace
	Env            []string
	CompileTimeout time.Duration
}

func (inv *Invocation) exec(ctx context.Context, lang Language, args []string, timeout time.Duration) (ProcessOutput, error) {
	return inv.Runner.Run(ctx, ProcessSpec{
		Language: lang,
		Args:     args,
		Dir:      inv.Workspace.Path,
		Env:      inv.Env,
		Timeout:  timeout,
	})
}

// Toolchain materializes, compiles and runs code for one language.
type Toolchain interface {
	Profile() LanguageProfile
	Materialize(fs FileSystem, ws *Workspace, code string) (SourceFile, error)
	Compile(ctx context.Context, inv *Invocation, src SourceFile) error
	Run(ctx context.Context, inv *Invocation, src SourceFile) (ProcessOutput, error)
}

// LanguageOverride adjusts a built-in profile. Zero values keep the default.
type LanguageOverride struct {
	Timeout     time.Duration
	Compiler    string
	Interpreter string
}

// Registry maps language identifiers to toolchains. It is read-only after construction.
type Registry struct {
	toolchains map[Language]Toolchain
}

// NewRegistry builds the registry of built-in toolchains with optional overrides.
func NewRegistry(overrides map[Language]LanguageOverride) (*Registry, error) {
	for lang := range overrides {
		if _, ok := defaultProfiles[lang]; !ok {
			return nil, fmt.Errorf("override for unknown language %q", lang)
		}
	}

	reg := &Registry{toolchains: make(map[Language]Toolchain, len(defaultProfiles))}
	for lang, profile := range defaultProfiles {
		profile = applyOverride(profile, overrides[lang])
		reg.toolchains[lang] = newToolchain(profile)
	}
	return reg, nil
}

// Lookup returns the toolchain for id. Unknown ids yield an UnsupportedLanguage error.
func (r *Registry) Lookup(id string) (Toolchain, error) {
	tc, ok := r.toolchains[Language(id)]
	if !ok {
		return nil, unsupportedLanguageError(id)
	}
	return tc, nil
}

// Profiles returns every registered profile ordered by id.
func (r *Registry) Profiles() []LanguageProfile {
	profiles := make([]LanguageProfile, 0, len(r.toolchains))
	for _, tc := range r.toolchains {
		profiles = append(profiles, tc.Profile())
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles
}

var defaultProfiles = map[Language]LanguageProfile{
	LanguagePython: {
		ID:            LanguagePython,
		FileExtension: ".py",
		RunCommand:    []string{"python3", placeholderSource},
		Timeout:       5 * time.Second,
	},
	LanguageBash: {
		ID:            LanguageBash,
		FileExtension: ".sh",
		RunCommand:    []string{"bash", placeholderSource},
		Timeout:       5 * time.Second,
	},
	LanguageC: {
		ID:             LanguageC,
		FileExtension:  ".c",
		CompileCommand: []string{"gcc", "-O2", "-o", cBinaryFilename, placeholderSource, "-lm"},
		RunCommand:     []string{"./" + cBinaryFilename},
		Timeout:        10 * time.Second,
	},
	LanguageJava: {
		ID:             LanguageJava,
		FileExtension:  ".java",
		CompileCommand: []string{"javac", placeholderSource},
		RunCommand:     []string{"java", "-cp", ".", placeholderEntry},
		Timeout:        10 * time.Second,
	},
}

func newToolchain(profile LanguageProfile) Toolchain {
	base := baseToolchain{profile: profile}
	switch profile.ID {
	case LanguageJava:
		return &javaToolchain{baseToolchain: base}
	case LanguageBash:
		return &bashToolchain{baseToolchain: base}
	case LanguageC:
		return &cToolchain{baseToolchain: base}
	default:
		return &pythonToolchain{baseToolchain: base}
	}
}

func applyOverride(p LanguageProfile, o LanguageOverride) LanguageProfile {
	p.CompileCommand = append([]string(nil), p.CompileCommand...)
	p.RunCommand = append([]string(nil), p.RunCommand...)

	if o.Timeout > 0 {
		p.Timeout = o.Timeout
	}
	if o.Compiler != "" && len(p.CompileCommand) > 0 {
		p.CompileCommand[0] = o.Compiler
	}
	// Compiled C binaries have no interpreter to swap.
	if o.Interpreter != "" && p.ID != LanguageC {
		p.RunCommand[0] = o.Interpreter
	}
	p.TimeoutSeconds = int(p.Timeout / time.Second)
	return p
}

func expand(template []string, src SourceFile) []string {
	args := make([]string, len(template))
	for i, arg := range template {
		arg = strings.ReplaceAll(arg, placeholderSource, src.Name)
		args[i] = strings.ReplaceAll(arg, placeholderEntry, src.Entry)
	}
	return args
}

// baseToolchain implements the behaviour shared by every language; specific
// toolchains embed it and override what differs.
type baseToolchain struct {
	profile LanguageProfile
}

func (b *baseToolchain) Profile() LanguageProfile {
	return b.profile
}

func (b *baseToolchain) Materialize(fs FileSystem, ws *Workspace, code string) (SourceFile, error) {
	return writeSource(fs, ws, "source", b.profile.FileExtension, code, FilePermission)
}

func (b *baseToolchain) Compile(ctx context.Context, inv *Invocation, src SourceFile) error {
	if len(b.profile.CompileCommand) == 0 {
		return nil
	}

	out, err := inv.exec(ctx, b.profile.ID, expand(b.profile.CompileCommand, src), inv.CompileTimeout)
	if err != nil {
		if errors.Is(err, errProcessTimeout) {
			return timeoutError("Compilation", inv.CompileTimeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return resourceError(err, "failed to start compiler %s", b.profile.CompileCommand[0])
	}
	if out.ExitCode != 0 {
		diagnostics := out.Stderr
		if strings.TrimSpace(diagnostics) == "" {
			diagnostics = out.Stdout
		}
		return compileError(diagnostics)
	}
	return nil
}

func (b *baseToolchain) Run(ctx context.Context, inv *Invocation, src SourceFile) (ProcessOutput, error) {
	out, err := inv.exec(ctx, b.profile.ID, expand(b.profile.RunCommand, src), b.profile.Timeout)
	if err != nil {
		if errors.Is(err, errProcessTimeout) {
			return ProcessOutput{}, timeoutError("Execution", b.profile.Timeout)
		}
		if ctx.Err() != nil {
			return ProcessOutput{}, ctx.Err()
		}
		return ProcessOutput{}, resourceError(err, "failed to start %s program", b.profile.ID)
	}
	return out, nil
}

func writeSource(fs FileSystem, ws *Workspace, stem, ext, code string, perm os.FileMode) (SourceFile, error) {
	name := stem + ext
	src := SourceFile{
		Name:  name,
		Path:  filepath.Join(ws.Path, name),
		Entry: stem,
	}
	if err := fs.WriteFile(src.Path, []byte(code), perm); err != nil {
		return SourceFile{}, resourceError(err, "failed to write source file")
	}
	return src, nil
}
