package probe

import (
	"context"
	"strconv"
	"strings"
)

// NTS tool return codes. 0 and 6 mean the measurement succeeded; 6 warns
// that only the opposite IP family answered.
const (
	ntsExitOK          = 0
	ntsExitWrongFamily = 6
)

// NTSRecord is the parsed result of one NTS probe run.
type NTSRecord struct {
	Succeeded   bool
	WrongFamily bool
	ExitCode    int

	Host         string
	MeasuredIP   string
	MeasuredPort string
	// OriginalIP is the address the caller asked to measure; a KE redirect
	// makes it differ from MeasuredIP.
	OriginalIP  string
	DifferentIP bool
	KissCode    string
	Version     int

	// Message is the tool's diagnostic when the probe did not succeed.
	Message string
	// Data holds the full key/value block exactly as the tool reported it.
	Data map[string]string
}

// ProbeNTS measures NTS against a host name with certificate validation.
// familyPreference is "ipv4", "ipv6" or empty for no preference.
func (p *Prober) ProbeNTS(ctx context.Context, target, familyPreference string) (*NTSRecord, error) {
	if familyPreference != "" && familyPreference != "ipv4" && familyPreference != "ipv6" {
		return nil, NewValidationError("probe_nts", "family preference must be ipv4 or ipv6", nil)
	}
	args := []string{"nts", target}
	if familyPreference != "" {
		args = append(args, familyPreference)
	}
	args = append(args, "--timeout", p.cfg.Timeout.String())
	return p.runNTS(ctx, args, "")
}

// ProbeNTSOnIP measures NTS against an address literal. The tool cannot
// validate the certificate name in this mode, and key establishment may
// redirect to a different address, which the record reports.
func (p *Prober) ProbeNTSOnIP(ctx context.Context, targetIP string) (*NTSRecord, error) {
	args := []string{"nts", targetIP, "--timeout", p.cfg.Timeout.String()}
	return p.runNTS(ctx, args, targetIP)
}

func (p *Prober) runNTS(ctx context.Context, args []string, originalIP string) (*NTSRecord, error) {
	// A family-preference run performs two measurements inside the tool.
	runCtx, cancel := context.WithTimeout(ctx, 2*p.cfg.Timeout+startupGrace)
	defer cancel()

	p.log.Debug("invoking probe tool", "bin", p.cfg.BinPath, "args", args)
	res, err := p.run.Run(runCtx, p.cfg.BinPath, args...)
	if err != nil {
		return nil, NewUnavailableError("probe_nts", "probe tool could not be invoked", err).
			WithContext("bin", p.cfg.BinPath)
	}

	rec := parseNTSOutput(res.Stdout, res.ExitCode)
	rec.OriginalIP = originalIP
	if originalIP != "" && rec.MeasuredIP != "" && rec.MeasuredIP != originalIP {
		rec.DifferentIP = true
	}
	return rec, nil
}

// parseNTSOutput reads the tool's key/value block. Lines that are not
// key/value pairs are diagnostics and end up in Message for non-success
// exits.
func parseNTSOutput(out string, exitCode int) *NTSRecord {
	rec := &NTSRecord{
		ExitCode:    exitCode,
		Succeeded:   exitCode == ntsExitOK || exitCode == ntsExitWrongFamily,
		WrongFamily: exitCode == ntsExitWrongFamily,
		Data:        make(map[string]string),
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Values may themselves contain colons (timestamps), so the
		// separator is the first ": ".
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		rec.Data[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	rec.Host = rec.Data["Host"]
	rec.MeasuredIP = rec.Data["Measured server IP"]
	rec.MeasuredPort = rec.Data["Measured server port"]
	if v, err := strconv.Atoi(rec.Data["version"]); err == nil {
		rec.Version = v
	}
	if kiss := rec.Data["KissCode"]; kiss != "" && kiss != "None" {
		rec.KissCode = kiss
	}
	if truthy(rec.Data["different_IP"]) {
		rec.DifferentIP = true
	}

	if !rec.Succeeded {
		rec.Message = lastDiagnostic(out)
	}
	return rec
}

func truthy(s string) bool {
	return strings.EqualFold(s, "true")
}

// lastDiagnostic returns the last nonempty line: failure outputs either
// consist of a single diagnostic or end with one after the key/value block.
func lastDiagnostic(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := sanitizeDiagnostic(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
