package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/telemetry"
)

// errExecutionFailed makes the process exit non-zero after the result was printed.
var errExecutionFailed = errors.New("execution failed")

var (
	execLanguage string
	execFormat   string
)

var execCmd = &cobra.Command{
	Use:   "exec [file|-]",
	Short: "Run one program through the sandbox and print the result",
	Long: `Read a program from a file (or stdin with "-") and run it through the
same pipeline the server uses. The result is printed as JSON or YAML and the
command exits non-zero when the execution did not succeed.

Examples:
  runbox exec --language python hello.py
  echo 'echo hi' | runbox exec --language bash -
  runbox exec --language c --format yaml main.c`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execLanguage, "language", "l", "", "language identifier (python, bash, c, java)")
	execCmd.Flags().StringVarP(&execFormat, "format", "f", "json", "output format: json or yaml")
	_ = execCmd.MarkFlagRequired("language")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	if execFormat != "json" && execFormat != "yaml" {
		return fmt.Errorf("unsupported format %q", execFormat)
	}

	code, err := readProgram(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}

	executor, cleanup, err := newStandaloneExecutor()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := executor.Execute(ctx, sandbox.ExecuteRequest{Code: code, Language: execLanguage})
	if err := printResult(cmd.OutOrStdout(), result, execFormat); err != nil {
		return err
	}
	if !result.Success {
		return errExecutionFailed
	}
	return nil
}

func readProgram(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading program: %w", err)
	}
	return string(data), nil
}

// newStandaloneExecutor builds an executor without the fx graph. Telemetry
// stays disabled for one-shot runs.
func newStandaloneExecutor() (sandbox.Executor, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	var recorder sandbox.InstallRecorder
	closeLedger := func() {}
	if cfg.Dependencies.Enabled && cfg.Dependencies.LedgerPath != "" {
		store, err := openLedger(cfg.Dependencies.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		recorder = store
		closeLedger = func() { _ = store.Close() }
	}

	executor, err := sandbox.NewExecutor(log, cfg, telemetry.Noop(), recorder)
	if err != nil {
		closeLedger()
		return nil, nil, err
	}
	return executor, func() {
		closeLedger()
		_ = log.Sync()
	}, nil
}

func printResult(w io.Writer, result sandbox.ExecuteResult, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(resultDocument(result))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// resultDocument mirrors the JSON field names for YAML output.
func resultDocument(r sandbox.ExecuteResult) map[string]any {
	doc := map[string]any{
		"success":     r.Success,
		"stdout":      r.Stdout,
		"stderr":      r.Stderr,
		"error":       r.Error,
		"executionId": r.ExecutionID,
	}
	if r.ExitCode != nil {
		doc["exitCode"] = *r.ExitCode
	}
	if r.ErrorKind != "" {
		doc["errorKind"] = string(r.ErrorKind)
	}
	return doc
}
