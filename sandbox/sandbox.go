package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/telemetry"
)

// Limits bounds what one execution may submit and return.
type Limits struct {
	MaxCodeLength   int
	MaxOutputLength int
	CompileTimeout  time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxCodeLength:   DefaultMaxCodeLength,
		MaxOutputLength: DefaultMaxOutputLength,
		CompileTimeout:  DefaultCompileTimeout,
	}
}

// Sandbox runs the execution pipeline: validate, acquire a workspace, write the
// source, compile, run, optionally resolve a missing dependency and retry once,
// then sanitize. The workspace is released on every path.
type Sandbox struct {
	logger     *zap.Logger
	registry   *Registry
	workspaces *WorkspaceManager
	runner     ProcessRunner
	fs         FileSystem
	resolver   *Resolver
	limits     Limits
	langEnv    map[Language][]string
	inst       *telemetry.Instruments
	slots      chan struct{}
}

var _ Executor = (*Sandbox)(nil)

// Option defines a functional option for Sandbox
type Option func(*Sandbox)

// WithRunner sets the ProcessRunner used for compilers and programs
func WithRunner(runner ProcessRunner) Option {
	return func(s *Sandbox) {
		s.runner = runner
	}
}

// WithFileSystem sets the FileSystem used to write sources
func WithFileSystem(fs FileSystem) Option {
	return func(s *Sandbox) {
		s.fs = fs
	}
}

// WithResolver enables missing-dependency resolution for Python
func WithResolver(resolver *Resolver) Option {
	return func(s *Sandbox) {
		s.resolver = resolver
	}
}

// WithLimits sets the input and output limits
func WithLimits(limits Limits) Option {
	return func(s *Sandbox) {
		s.limits = limits
	}
}

// WithLanguageEnv adds KEY=VALUE entries to the environment of each language
func WithLanguageEnv(env map[Language][]string) Option {
	return func(s *Sandbox) {
		s.langEnv = env
	}
}

// WithInstruments sets the telemetry instruments
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(s *Sandbox) {
		s.inst = inst
	}
}

// WithMaxConcurrent bounds the number of executions in flight. Zero means unbounded.
func WithMaxConcurrent(n int) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.slots = make(chan struct{}, n)
		} else {
			s.slots = nil
		}
	}
}

// New creates a Sandbox. Without options it runs processes on the host.
func New(logger *zap.Logger, registry *Registry, workspaces *WorkspaceManager, opts ...Option) *Sandbox {
	s := &Sandbox{
		logger:     logger,
		registry:   registry,
		workspaces: workspaces,
		runner:     NewLocalRunner(DefaultCaptureLimitBytes),
		fs:         RealFileSystem{},
		limits:     DefaultLimits(),
		inst:       telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Languages returns the registered language profiles.
func (s *Sandbox) Languages() []LanguageProfile {
	return s.registry.Profiles()
}

// Execute runs one request to completion. It never returns an error: every
// failure is mapped into the result.
func (s *Sandbox) Execute(ctx context.Context, req ExecuteRequest) ExecuteResult {
	id := uuid.NewString()
	start := time.Now()
	logger := s.logger.With(zap.String("execution_id", id), zap.String("language", req.Language))

	ctx, span := s.inst.Tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		telemetry.AttrExecutionID.String(id),
		telemetry.AttrLanguage.String(req.Language),
	))
	defer span.End()

	out, err := s.execute(ctx, logger, req)
	result := s.result(out, err)
	result.ExecutionID = id

	outcome := outcomeOf(result)
	elapsed := time.Since(start)
	attrs := metric.WithAttributes(
		telemetry.AttrLanguage.String(req.Language),
		telemetry.AttrOutcome.String(outcome),
	)
	s.inst.Executions.Add(ctx, 1, attrs)
	s.inst.ExecutionDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	span.SetAttributes(telemetry.AttrOutcome.String(outcome))
	if result.ExitCode != nil {
		span.SetAttributes(telemetry.AttrExitCode.Int(*result.ExitCode))
	}

	fields := []zap.Field{zap.String("outcome", outcome), zap.Duration("duration", elapsed)}
	if isServerFault(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("execution failed", append(fields, zap.Error(err))...)
		return result
	}
	logger.Info("execution finished", fields...)
	return result
}

// isServerFault reports errors caused by the host rather than the submission.
// Dependency errors count only when a transport or process failure caused them.
func isServerFault(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Kind {
	case KindInternal, KindResource:
		return true
	case KindDependencyResolution:
		return e.Err != nil
	}
	return false
}

func (s *Sandbox) execute(ctx context.Context, logger *zap.Logger, req ExecuteRequest) (ProcessOutput, error) {
	if err := s.validate(req); err != nil {
		return ProcessOutput{}, err
	}
	tc, err := s.registry.Lookup(req.Language)
	if err != nil {
		return ProcessOutput{}, err
	}

	if err := s.acquireSlot(ctx); err != nil {
		return ProcessOutput{}, err
	}
	defer s.releaseSlot()

	ws, err := s.workspaces.Acquire()
	if err != nil {
		return ProcessOutput{}, err
	}
	defer s.workspaces.Release(ws)

	src, err := tc.Materialize(s.fs, ws, req.Code)
	if err != nil {
		return ProcessOutput{}, err
	}

	lang := tc.Profile().ID
	extra := s.langEnv[lang]
	if s.resolver != nil && lang == LanguagePython {
		extra = append(append([]string(nil), extra...), s.resolver.Env()...)
	}
	inv := &Invocation{
		Runner:         s.runner,
		Workspace:      ws,
		Env:            buildEnv(ws.Path, extra),
		CompileTimeout: s.limits.CompileTimeout,
	}

	if err := s.compile(ctx, tc, inv, src); err != nil {
		return ProcessOutput{}, err
	}

	out, err := s.run(ctx, tc, inv, src)
	if err != nil || out.ExitCode == 0 || s.resolver == nil || lang != LanguagePython {
		return out, err
	}

	retryOut, retried, err := s.resolver.Resolve(ctx, inv, out.Stderr, func(ctx context.Context) (ProcessOutput, error) {
		logger.Info("retrying after installing missing dependency")
		return s.run(ctx, tc, inv, src)
	})
	if !retried {
		return out, nil
	}
	return retryOut, err
}

func (s *Sandbox) validate(req ExecuteRequest) error {
	if req.Code == "" {
		return missingFieldError("code")
	}
	if req.Language == "" {
		return missingFieldError("language")
	}
	if s.limits.MaxCodeLength > 0 && utf8.RuneCountInString(req.Code) > s.limits.MaxCodeLength {
		return malformedInputError("Code exceeds maximum length of %d characters", s.limits.MaxCodeLength)
	}
	return nil
}

func (s *Sandbox) compile(ctx context.Context, tc Toolchain, inv *Invocation, src SourceFile) error {
	if len(tc.Profile().CompileCommand) == 0 {
		return nil
	}
	ctx, span := s.inst.Tracer.Start(ctx, "sandbox.compile")
	defer span.End()

	err := tc.Compile(ctx, inv, src)
	if err != nil {
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	return err
}

func (s *Sandbox) run(ctx context.Context, tc Toolchain, inv *Invocation, src SourceFile) (ProcessOutput, error) {
	ctx, span := s.inst.Tracer.Start(ctx, "sandbox.run")
	defer span.End()

	out, err := tc.Run(ctx, inv, src)
	if err != nil {
		span.SetStatus(codes.Error, string(KindOf(err)))
		return out, err
	}
	span.SetAttributes(telemetry.AttrExitCode.Int(out.ExitCode))
	return out, nil
}

func (s *Sandbox) acquireSlot(ctx context.Context) error {
	if s.slots == nil {
		return nil
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sandbox) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

// result is the single place where pipeline errors become caller-facing results.
func (s *Sandbox) result(out ProcessOutput, err error) ExecuteResult {
	limit := s.limits.MaxOutputLength
	if err != nil {
		kind := KindOf(err)
		msg := err.Error()
		if kind == KindInternal {
			msg = fmt.Sprintf("Internal error: %v", err)
		}
		return ExecuteResult{
			Success:   false,
			Error:     Sanitize(msg, limit),
			ErrorKind: kind,
		}
	}

	exitCode := out.ExitCode
	result := ExecuteResult{
		Success:  exitCode == 0,
		Stdout:   Sanitize(out.Stdout, limit),
		Stderr:   Sanitize(out.Stderr, limit),
		ExitCode: &exitCode,
	}
	if exitCode != 0 {
		result.Error = result.Stderr
		if result.Error == "" {
			result.Error = fmt.Sprintf("Process exited with code %d", exitCode)
		}
	}
	return result
}

func outcomeOf(result ExecuteResult) string {
	switch {
	case result.Success:
		return "success"
	case result.ErrorKind != "":
		return string(result.ErrorKind)
	default:
		return "nonzero_exit"
	}
}
