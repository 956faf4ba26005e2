// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the sandbox as MCP tools using the
// mark3labs/mcp-go library: execute_code runs a program and returns the
// JSON-encoded sandbox.ExecuteResult, and list_languages describes the
// supported language profiles.
//
// The server speaks stdio directly, or streamable HTTP through HTTPHandler,
// which the REST server mounts under /mcp.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, executor)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or router.Mount("/mcp", server.HTTPHandler())
package mcpserver
