// Package probe drives the external NTP/NTS wire tool as a subprocess and
// turns its structured output into records the analyzer and the store
// consume.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode"
)

// startupGrace is added on top of the tool's own timeout before the
// subprocess context is cancelled, so the tool gets to report its own
// timeout diagnostic first.
const startupGrace = 3 * time.Second

// RunResult is the outcome of one tool invocation that actually started.
type RunResult struct {
	Stdout   string
	ExitCode int
}

// Runner starts the probe binary. It returns an error only when the process
// could not be started; a nonzero exit is a RunResult, not an error.
type Runner interface {
	Run(ctx context.Context, bin string, args ...string) (RunResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, bin string, args ...string) (RunResult, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return RunResult{Stdout: stdout.String()}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out := stdout.String()
		if out == "" {
			out = stderr.String()
		}
		return RunResult{Stdout: out, ExitCode: exitErr.ExitCode()}, nil
	}
	return RunResult{}, err
}

type Config struct {
	Logger *slog.Logger
	// BinPath is the probe binary, either absolute or on PATH.
	BinPath string
	// Timeout is passed to the tool and bounds each invocation.
	Timeout time.Duration
	// Runner is swapped out by tests; nil selects the subprocess runner.
	Runner Runner
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BinPath == "" {
		return errors.New("probe binary path is required")
	}
	if cfg.Timeout <= 0 {
		return errors.New("probe timeout must be greater than 0")
	}
	return nil
}

type Prober struct {
	log *slog.Logger
	cfg Config
	run Runner
}

func New(cfg Config) (*Prober, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	run := cfg.Runner
	if run == nil {
		run = execRunner{}
	}
	return &Prober{
		log: cfg.Logger,
		cfg: cfg,
		run: run,
	}, nil
}

// VersionResult is one slot of an all-versions sweep: either a parsed
// record or the tool's diagnostic for that version.
type VersionResult struct {
	Result Record `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// VersionKeys orders the sweep slots as the tool reports them.
var VersionKeys = []string{"ntpv1", "ntpv2", "ntpv3", "ntpv4", "ntpv5"}

// ProbeNTP runs one NTP query in the requested version and returns the
// response tag ("ntpv5" when the server advertised version 5, "ntpv4" for
// everything else) together with the parsed record.
func (p *Prober) ProbeNTP(ctx context.Context, target string, version int, draft string) (string, Record, error) {
	if version < 1 || version > 5 {
		return "", nil, NewValidationError("probe_ntp", fmt.Sprintf("unsupported ntp version %d", version), nil)
	}
	args := []string{fmt.Sprintf("ntpv%d", version), target, "--timeout", p.cfg.Timeout.String()}
	if version == 5 && draft != "" {
		args = append(args, "--draft", draft)
	}

	out, err := p.invoke(ctx, "probe_ntp", args)
	if err != nil {
		return "", nil, err
	}

	rec, decErr := decodeRecord([]byte(out))
	if decErr != nil {
		return "", nil, NewOutputInvalidError("probe_ntp", "could not parse tool output", decErr).
			WithContext("target", target).
			WithContext("version", version)
	}
	return responseTag(rec), rec, nil
}

// ProbeAllVersions sweeps versions 1 through 5 in one tool run. Each slot
// carries either the parsed record or that version's diagnostic.
func (p *Prober) ProbeAllVersions(ctx context.Context, target, draft string) (map[string]VersionResult, error) {
	args := []string{"allntpv", target, "--timeout", p.cfg.Timeout.String()}
	if draft != "" {
		args = append(args, "--draft", draft)
	}

	// The sweep runs five sequential queries inside the tool.
	out, err := p.invokeWithBudget(ctx, "probe_all_versions", args, 5*p.cfg.Timeout+startupGrace)
	if err != nil {
		return nil, err
	}

	var sweep map[string]VersionResult
	if decErr := unmarshalUseNumber([]byte(out), &sweep); decErr != nil {
		return nil, NewOutputInvalidError("probe_all_versions", "could not parse tool output", decErr).
			WithContext("target", target)
	}
	return sweep, nil
}

func (p *Prober) invoke(ctx context.Context, operation string, args []string) (string, error) {
	return p.invokeWithBudget(ctx, operation, args, p.cfg.Timeout+startupGrace)
}

func (p *Prober) invokeWithBudget(ctx context.Context, operation string, args []string, budget time.Duration) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	p.log.Debug("invoking probe tool", "bin", p.cfg.BinPath, "args", args)
	res, err := p.run.Run(runCtx, p.cfg.BinPath, args...)
	if err != nil {
		return "", NewUnavailableError(operation, "probe tool could not be invoked", err).
			WithContext("bin", p.cfg.BinPath)
	}
	if res.ExitCode != 0 {
		return "", NewMeasurementError(operation, sanitizeDiagnostic(res.Stdout), nil).
			WithContext("exit_code", res.ExitCode)
	}
	return res.Stdout, nil
}

// responseTag classifies a record by its advertised version. Everything
// that is not a version-5 response belongs in the v4 table, whatever
// version the request asked for.
func responseTag(rec Record) string {
	if v, ok := rec.Version(); ok && v == 5 {
		return "ntpv5"
	}
	return "ntpv4"
}

// sanitizeDiagnostic reduces tool output to one line, stripped of control
// characters, so it is safe to persist and to return to clients.
func sanitizeDiagnostic(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
