// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and RUNBOX_* environment variables. It
// supports configuration for server settings, sandbox execution limits,
// per-language overrides, dependency installation, logging and telemetry.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
