package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/httpapi"
	"github.com/isdmx/runbox/ledger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/telemetry"
)

func newInstruments(lc fx.Lifecycle, cfg *config.Config) (*telemetry.Instruments, error) {
	inst, shutdown, err := telemetry.New(context.Background(), cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: shutdown})
	return inst, nil
}

// newInstallRecorder opens the install ledger. It returns a nil recorder when
// no ledger path is configured.
func newInstallRecorder(lc fx.Lifecycle, cfg *config.Config) (sandbox.InstallRecorder, error) {
	if !cfg.Dependencies.Enabled || cfg.Dependencies.LedgerPath == "" {
		return nil, nil
	}
	store, err := ledger.Open(cfg.Dependencies.LedgerPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
	return store, nil
}

func newExecutor(logger *zap.Logger, cfg *config.Config, inst *telemetry.Instruments, recorder sandbox.InstallRecorder) (sandbox.Executor, error) {
	return sandbox.NewExecutor(logger, cfg, inst, recorder)
}

func newHTTPServer(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor, mcp *mcpserver.MCPServer) *httpapi.Server {
	return httpapi.New(cfg, logger, executor, mcp.HTTPHandler())
}

// startTransport starts the configured transport with the application lifecycle.
func startTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, logger *zap.Logger, mcp *mcpserver.MCPServer, srv *httpapi.Server) {
	switch cfg.Server.Transport {
	case "stdio":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := mcp.ServeStdio(); err != nil {
						logger.Error("stdio transport stopped", zap.Error(err))
					}
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
		})
	default:
		lc.Append(fx.Hook{
			OnStart: srv.Start,
			OnStop:  srv.Shutdown,
		})
	}
}

func newApp() *fx.App {
	return fx.New(
		fx.Provide(
			config.New,
			newLogger,
			newInstruments,
			newInstallRecorder,
			newExecutor,
			mcpserver.New,
			newHTTPServer,
		),
		fx.Invoke(startTransport),
		fx.WithLogger(newFxLogger),
	)
}
