// Package main is the entry point for the runbox server and CLI.
//
// runbox executes untrusted Python, Bash, C and Java programs in throwaway
// workspaces under hard timeouts. The serve command exposes the sandbox over
// MCP (stdio or streamable HTTP) and a small REST API; exec runs a single file
// through the same pipeline and prints the result.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging, viper for configuration and cobra
// for the command line.
package main
