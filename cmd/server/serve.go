package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP and HTTP server",
	Long: `Start runbox with the transport selected by server.transport.

With "http" the REST API is served under /api and the MCP streamable HTTP
transport under /mcp. With "stdio" MCP frames are read from stdin and written
to stdout; logs always go to stderr.

Examples:
  runbox serve
  RUNBOX_SERVER_TRANSPORT=stdio runbox serve`,
	RunE: func(*cobra.Command, []string) error {
		app := newApp()
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.NewFromConfig(cfg)
}

func newFxLogger(log *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: log}
}
