package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Sandbox      SandboxConfig       `mapstructure:"sandbox"`
	Dependencies DependencyConfig    `mapstructure:"dependencies"`
	Languages    map[string]Language `mapstructure:"languages"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Telemetry    TelemetryConfig     `mapstructure:"telemetry"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport    string `mapstructure:"transport"`
	HTTPPort     int    `mapstructure:"http_port"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend           string `mapstructure:"backend"`
	ScratchRoot       string `mapstructure:"scratch_root"`
	CompileTimeoutSec int    `mapstructure:"compile_timeout_sec"`
	MaxCodeLength     int    `mapstructure:"max_code_length"`
	MaxOutputLength   int    `mapstructure:"max_output_length"`
	CaptureLimitBytes int    `mapstructure:"capture_limit_bytes"`
	MaxConcurrent     int    `mapstructure:"max_concurrent"`
	MemoryMB          int    `mapstructure:"memory_mb"`
	NetworkEnabled    bool   `mapstructure:"network_enabled"`
}

// DependencyConfig controls on-demand installation of missing Python modules.
type DependencyConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	IndexURL          string `mapstructure:"index_url"`
	MaxPackageSizeMB  int    `mapstructure:"max_package_size_mb"`
	InstallTimeoutSec int    `mapstructure:"install_timeout_sec"`
	LedgerPath        string `mapstructure:"ledger_path"`
	SiteDir           string `mapstructure:"site_dir"`
}

// Language holds per-language overrides. Zero values keep the built-in profile.
type Language struct {
	TimeoutSec  int               `mapstructure:"timeout_sec"`
	Compiler    string            `mapstructure:"compiler"`
	Interpreter string            `mapstructure:"interpreter"`
	Image       string            `mapstructure:"image"`
	Environment map[string]string `mapstructure:"environment"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// TelemetryConfig holds OpenTelemetry exporter configuration
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.http_port", 5001)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("sandbox.backend", "local")
	v.SetDefault("sandbox.scratch_root", filepath.Join(os.TempDir(), "runbox"))
	v.SetDefault("sandbox.compile_timeout_sec", 30)
	v.SetDefault("sandbox.max_code_length", 50000)
	v.SetDefault("sandbox.max_output_length", 10000)
	v.SetDefault("sandbox.capture_limit_bytes", 1<<20)
	v.SetDefault("sandbox.max_concurrent", 8)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.network_enabled", false)

	v.SetDefault("dependencies.enabled", false)
	v.SetDefault("dependencies.index_url", "https://pypi.org")
	v.SetDefault("dependencies.max_package_size_mb", 50)
	v.SetDefault("dependencies.install_timeout_sec", 120)
	v.SetDefault("dependencies.ledger_path", "")
	v.SetDefault("dependencies.site_dir", filepath.Join(os.TempDir(), "runbox-site"))

	// Container images; ignored by the local backend.
	v.SetDefault("languages.python.image", "python:3.12-slim")
	v.SetDefault("languages.bash.image", "bash:5.2")
	v.SetDefault("languages.c.image", "gcc:13")
	v.SetDefault("languages.java.image", "eclipse-temurin:21-jdk")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "runbox")
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.insecure", true)
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}

	if c.Server.Transport == "http" && c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive, got: %d", c.Server.MaxBodyBytes)
	}

	switch c.Sandbox.Backend {
	case "local", "docker", "podman":
	default:
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.ScratchRoot == "" {
		return fmt.Errorf("sandbox.scratch_root must not be empty")
	}

	positives := []struct {
		name  string
		value int
	}{
		{"sandbox.compile_timeout_sec", c.Sandbox.CompileTimeoutSec},
		{"sandbox.max_code_length", c.Sandbox.MaxCodeLength},
		{"sandbox.max_output_length", c.Sandbox.MaxOutputLength},
		{"sandbox.capture_limit_bytes", c.Sandbox.CaptureLimitBytes},
		{"sandbox.max_concurrent", c.Sandbox.MaxConcurrent},
		{"sandbox.memory_mb", c.Sandbox.MemoryMB},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got: %d", p.name, p.value)
		}
	}

	if c.Sandbox.CaptureLimitBytes < c.Sandbox.MaxOutputLength {
		return fmt.Errorf("sandbox.capture_limit_bytes (%d) must not be smaller than sandbox.max_output_length (%d)",
			c.Sandbox.CaptureLimitBytes, c.Sandbox.MaxOutputLength)
	}

	if c.Dependencies.Enabled {
		if c.Dependencies.IndexURL == "" {
			return fmt.Errorf("dependencies.index_url must be set when dependencies are enabled")
		}
		if c.Dependencies.MaxPackageSizeMB <= 0 {
			return fmt.Errorf("dependencies.max_package_size_mb must be positive, got: %d", c.Dependencies.MaxPackageSizeMB)
		}
		if c.Dependencies.InstallTimeoutSec <= 0 {
			return fmt.Errorf("dependencies.install_timeout_sec must be positive, got: %d", c.Dependencies.InstallTimeoutSec)
		}
		if c.Dependencies.SiteDir == "" {
			return fmt.Errorf("dependencies.site_dir must be set when dependencies are enabled")
		}
	}

	for name, lang := range c.Languages {
		if lang.TimeoutSec < 0 {
			return fmt.Errorf("languages.%s.timeout_sec must not be negative, got: %d", name, lang.TimeoutSec)
		}
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint must be set when telemetry is enabled")
	}

	return nil
}

// GetCompileTimeout returns the compiler timeout as a duration
func (c *Config) GetCompileTimeout() time.Duration {
	return time.Duration(c.Sandbox.CompileTimeoutSec) * time.Second
}

// GetInstallTimeout returns the package installation timeout as a duration
func (c *Config) GetInstallTimeout() time.Duration {
	return time.Duration(c.Dependencies.InstallTimeoutSec) * time.Second
}
