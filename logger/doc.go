// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. All output is written to stderr.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("sandbox ready", zap.String("scratch_root", root))
package logger
