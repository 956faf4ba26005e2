package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/ledger"
	"github.com/isdmx/runbox/telemetry"
)

var (
	missingModulePattern = regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`)
	moduleNamePattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	packageNamePattern   = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)
)

// Import names whose distribution on the index is named differently.
var distributionAliases = map[string]string{
	"cv2":     "opencv-python",
	"PIL":     "pillow",
	"sklearn": "scikit-learn",
	"yaml":    "pyyaml",
	"bs4":     "beautifulsoup4",
}

const (
	importCheckScript = "import importlib.util,sys; sys.exit(0 if importlib.util.find_spec(sys.argv[1]) else 1)"
	maxIndexResponse  = 8 << 20
)

var (
	errAlreadyImportable = errors.New("module is already importable")
	errPackageNotFound   = errors.New("package not found on index")
)

// InstallRecorder receives every install attempt. *ledger.Store implements it.
type InstallRecorder interface {
	Record(ctx context.Context, entry ledger.Entry) error
}

// RetryFunc re-runs the program after a package was installed.
type RetryFunc func(ctx context.Context) (ProcessOutput, error)

// Resolver installs missing Python packages on behalf of a failed run. Packages
// go into a resolver-owned site directory that every Python child sees through
// PYTHONPATH. Installs and the retry that follows are serialized.
type Resolver struct {
	logger         *zap.Logger
	client         *http.Client
	indexURL       string
	maxBytes       int64
	installTimeout time.Duration
	checkTimeout   time.Duration
	python         string
	siteDir        string
	recorder       InstallRecorder
	inst           *telemetry.Instruments

	mu sync.Mutex
}

// ResolverOption defines a functional option for Resolver
type ResolverOption func(*Resolver)

// WithHTTPClient sets the client used to query the package index
func WithHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		r.client = client
	}
}

// WithInstallRecorder sets where install attempts are recorded
func WithInstallRecorder(recorder InstallRecorder) ResolverOption {
	return func(r *Resolver) {
		r.recorder = recorder
	}
}

// WithPythonInterpreter sets the interpreter used for import checks and pip
func WithPythonInterpreter(python string) ResolverOption {
	return func(r *Resolver) {
		r.python = python
	}
}

// WithSiteDir sets the directory packages are installed into
func WithSiteDir(dir string) ResolverOption {
	return func(r *Resolver) {
		r.siteDir = dir
	}
}

// WithResolverInstruments sets the telemetry instruments
func WithResolverInstruments(inst *telemetry.Instruments) ResolverOption {
	return func(r *Resolver) {
		r.inst = inst
	}
}

// NewResolver creates a Resolver that queries indexURL and refuses packages
// larger than maxBytes.
func NewResolver(logger *zap.Logger, indexURL string, maxBytes int64, installTimeout time.Duration, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		logger:         logger,
		client:         &http.Client{Timeout: 15 * time.Second},
		indexURL:       strings.TrimRight(indexURL, "/"),
		maxBytes:       maxBytes,
		installTimeout: installTimeout,
		checkTimeout:   10 * time.Second,
		python:         "python3",
		siteDir:        filepath.Join(os.TempDir(), "runbox-site"),
		inst:           telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MissingModule extracts the top-level module name from a ModuleNotFoundError.
func MissingModule(stderr string) (string, bool) {
	m := missingModulePattern.FindStringSubmatch(stderr)
	if m == nil {
		return "", false
	}
	module, _, _ := strings.Cut(m[1], ".")
	if module == "" {
		return "", false
	}
	return module, true
}

// DistributionName maps an import name to the package that provides it.
func DistributionName(module string) string {
	if pkg, ok := distributionAliases[module]; ok {
		return pkg
	}
	return module
}

// SiteDir returns the directory packages are installed into.
func (r *Resolver) SiteDir() string {
	return r.siteDir
}

// Env returns the variables a Python child needs to import resolved packages.
func (r *Resolver) Env() []string {
	return []string{"PYTHONPATH=" + r.siteDir}
}

// Resolve installs the package behind a ModuleNotFoundError in stderr and runs
// retry once. It reports false when nothing was installed: stderr names no
// missing module, or the module is already importable and the failure lies in
// the program itself. The caller then keeps the original output.
func (r *Resolver) Resolve(ctx context.Context, inv *Invocation, stderr string, retry RetryFunc) (ProcessOutput, bool, error) {
	module, ok := MissingModule(stderr)
	if !ok {
		return ProcessOutput{}, false, nil
	}

	ctx, span := r.inst.Tracer.Start(ctx, "sandbox.resolve", trace.WithAttributes(
		telemetry.AttrModule.String(module),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.resolve(ctx, inv, module); err != nil {
		if errors.Is(err, errAlreadyImportable) {
			r.logger.Info("missing module is importable; keeping the original failure", zap.String("module", module))
			return ProcessOutput{}, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ProcessOutput{}, true, err
	}

	out, err := retry(ctx)
	return out, true, err
}

func (r *Resolver) resolve(ctx context.Context, inv *Invocation, module string) error {
	if !moduleNamePattern.MatchString(module) {
		return dependencyError(nil, "Invalid module name '%s'", module)
	}
	pkg := DistributionName(module)
	if !packageNamePattern.MatchString(pkg) {
		return dependencyError(nil, "Invalid package name '%s'", pkg)
	}

	importable, err := r.importable(ctx, inv, module)
	if err != nil {
		return err
	}
	if importable {
		// A missing submodule of an installed package, or a failure inside it.
		return errAlreadyImportable
	}

	size, err := r.packageSize(ctx, pkg)
	if errors.Is(err, errPackageNotFound) {
		r.record(ctx, ledger.Entry{Module: module, Package: pkg, Outcome: ledger.OutcomeRejected, Error: err.Error()})
		return dependencyError(nil, "Package '%s' not found on the index", pkg)
	}
	if err != nil {
		r.record(ctx, ledger.Entry{Module: module, Package: pkg, Outcome: ledger.OutcomeFailed, Error: err.Error()})
		return dependencyError(err, "Failed to look up package '%s'", pkg)
	}
	if size > r.maxBytes {
		msg := fmt.Sprintf("Package '%s' is %s, above the %s limit", pkg, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(r.maxBytes)))
		r.record(ctx, ledger.Entry{Module: module, Package: pkg, SizeBytes: size, Outcome: ledger.OutcomeRejected, Error: msg})
		return dependencyError(nil, "%s", msg)
	}

	r.logger.Info("installing missing package",
		zap.String("module", module),
		zap.String("package", pkg),
		zap.String("size", humanize.Bytes(uint64(size))))

	if err := r.install(ctx, inv, pkg); err != nil {
		r.record(ctx, ledger.Entry{Module: module, Package: pkg, SizeBytes: size, Outcome: ledger.OutcomeFailed, Error: err.Error()})
		return err
	}
	r.record(ctx, ledger.Entry{Module: module, Package: pkg, SizeBytes: size, Outcome: ledger.OutcomeInstalled})
	return nil
}

func (r *Resolver) importable(ctx context.Context, inv *Invocation, module string) (bool, error) {
	out, err := inv.exec(ctx, LanguagePython, []string{r.python, "-c", importCheckScript, module}, r.checkTimeout)
	if err != nil {
		return false, dependencyError(err, "Failed to check whether '%s' is installed", module)
	}
	return out.ExitCode == 0, nil
}

// packageSize returns the largest file published for the latest release.
func (r *Resolver) packageSize(ctx context.Context, pkg string) (int64, error) {
	endpoint := fmt.Sprintf("%s/pypi/%s/json", r.indexURL, url.PathEscape(pkg))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, errPackageNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("index returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexResponse))
	if err != nil {
		return 0, err
	}
	if !gjson.ValidBytes(body) {
		return 0, errors.New("index returned invalid JSON")
	}

	files := gjson.GetBytes(body, "urls.#.size").Array()
	if len(files) == 0 {
		return 0, fmt.Errorf("no files published for %q %s", pkg, gjson.GetBytes(body, "info.version").String())
	}
	var largest int64
	for _, f := range files {
		if n := f.Int(); n > largest {
			largest = n
		}
	}
	return largest, nil
}

func (r *Resolver) install(ctx context.Context, inv *Invocation, pkg string) error {
	args := []string{
		r.python, "-m", "pip", "install",
		"--no-input", "--disable-pip-version-check", "--quiet",
		"--target", r.siteDir,
		"--index-url", r.indexURL + "/simple",
		pkg,
	}
	// Same environment as the import check and the retry.
	out, err := inv.exec(ctx, LanguagePython, args, r.installTimeout)
	if err != nil {
		if errors.Is(err, errProcessTimeout) {
			return dependencyError(nil, "Installing '%s' timed out after %d seconds", pkg, int(r.installTimeout.Seconds()))
		}
		return dependencyError(err, "Failed to install '%s'", pkg)
	}
	if out.ExitCode != 0 {
		return dependencyError(nil, "Failed to install '%s': %s", pkg, strings.TrimSpace(out.Stderr))
	}
	return nil
}

func (r *Resolver) record(ctx context.Context, entry ledger.Entry) {
	r.inst.Installs.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrPackage.String(entry.Package),
		telemetry.AttrOutcome.String(string(entry.Outcome)),
	))
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Record(ctx, entry); err != nil {
		r.logger.Warn("failed to record install", zap.String("package", entry.Package), zap.Error(err))
	}
}
