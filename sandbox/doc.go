// Package sandbox runs untrusted programs and reports what they did.
//
// A Sandbox takes an ExecuteRequest (source code and a language id) through a
// fixed pipeline: the language is looked up in the Registry, a fresh Workspace
// is acquired under the scratch root, the Toolchain writes the source file,
// compiles it when the language needs a build step, and runs it under a hard
// wall-clock timeout. The workspace is removed on every exit path.
//
// Processes are started by a ProcessRunner. LocalRunner runs them on the host in
// their own process group, which is killed as a whole on timeout; ContainerRunner
// runs each step in a throwaway docker or podman container for real isolation.
//
// Every failure is request-scoped. Execute never returns an error; stage errors
// are typed (*Error with an ErrorKind) and mapped to ExecuteResult in one place.
//
// Usage:
//
//	executor, err := sandbox.NewExecutor(logger, cfg, telemetry.Noop(), nil)
//	result := executor.Execute(ctx, sandbox.ExecuteRequest{
//	    Language: "python",
//	    Code:     "print('Hello, World!')",
//	})
package sandbox
