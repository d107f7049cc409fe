package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"

	"github.com/NTPinfo/NTPinfo/internal/metrics"
	"github.com/NTPinfo/NTPinfo/internal/probe"
	"github.com/NTPinfo/NTPinfo/internal/ripeatlas"
	"github.com/NTPinfo/NTPinfo/internal/store"
	"github.com/NTPinfo/NTPinfo/internal/versions"
)

const (
	errDomainNotResolved = "Domain name is invalid or cannot be resolved"
	errToolUnavailable   = "Measurement could not be performed (binary tool not available)."
	ntsToolUnavailable   = "NTS test could not be performed (binary tool not available)."
	ntsOnIPNote          = "NTS measurements on IPs cannot check TLS certificate."
)

// pipeline carries the per-measurement state shared by a dn root and its ip
// children. toolMissing sticks: once the probe binary failed to start, no
// later stage retries it.
type pipeline struct {
	o           *Orchestrator
	log         *slog.Logger
	settings    *Settings
	clientIP    netip.Addr
	toolMissing bool
}

func (o *Orchestrator) newPipeline(clientIP netip.Addr, settings *Settings) *pipeline {
	return &pipeline{
		o:        o,
		log:      o.log,
		settings: settings,
		clientIP: clientIP,
	}
}

func (p *pipeline) runDN(ctx context.Context, id int64, target string) {
	log := p.log.With(slog.String("measurement", fmt.Sprintf("dn%d", id)), slog.String("target", target))
	p.log = log

	network := "ip4"
	if p.settings.Family() == 6 {
		network = "ip6"
	}
	addrs, err := p.o.resolver.LookupNetIP(ctx, network, target)
	if err != nil || len(addrs) == 0 {
		log.Info("target did not resolve", slog.Any("error", err))
		p.failWith(ctx, store.KindDN, id, errDomainNotResolved)
		return
	}

	if !p.stage(ctx, store.KindDN, id, store.StatusRunningRipe) {
		return
	}
	p.scheduleRipe(ctx, store.KindDN, id, target)

	if !p.stage(ctx, store.KindDN, id, store.StatusRunningNTPPerIP) {
		return
	}
	for i, addr := range addrs {
		if i > 0 && !p.pace(ctx) {
			p.fail(ctx, store.KindDN, id, ctx.Err())
			return
		}
		childID, err := p.o.cfg.Store.CreateChildIP(ctx, id, addr.Unmap().String(), classForVersion(p.settings.RequestedVersion()))
		if err != nil {
			p.fail(ctx, store.KindDN, id, err)
			return
		}
		p.runIP(ctx, childID, addr.Unmap().String(), false)
	}

	if !p.stage(ctx, store.KindDN, id, store.StatusRunningNTS) {
		return
	}
	if !p.ntsOnDomain(ctx, id, target) {
		return
	}

	if p.settings.SweepWanted() {
		if !p.stage(ctx, store.KindDN, id, store.StatusRunningVersions) {
			return
		}
		if !p.sweep(ctx, store.KindDN, id, target) {
			return
		}
	}

	p.finish(ctx, store.KindDN, id)
}

// runIP drives one address, either as a standalone measurement or as a dn
// child whose ripe/status bookkeeping the parent owns.
func (p *pipeline) runIP(ctx context.Context, id int64, ip string, standalone bool) {
	if standalone {
		p.log = p.log.With(slog.String("measurement", fmt.Sprintf("ip%d", id)), slog.String("target", ip))
		if !p.stage(ctx, store.KindIP, id, store.StatusRunningRipe) {
			return
		}
		p.scheduleRipe(ctx, store.KindIP, id, ip)
		if !p.stage(ctx, store.KindIP, id, store.StatusRunningNTPPerIP) {
			return
		}
	}

	if !p.primaryProbe(ctx, id, ip) {
		return
	}

	if standalone || p.settings.NTSAnalysisOnEachIP {
		if standalone && !p.stage(ctx, store.KindIP, id, store.StatusRunningNTS) {
			return
		}
		if !p.ntsOnIP(ctx, id, ip) {
			return
		}
	}

	if (standalone && p.settings.SweepWanted()) || p.settings.NTPVersionsAnalysisOnEachIP {
		if standalone && !p.stage(ctx, store.KindIP, id, store.StatusRunningVersions) {
			return
		}
		if !p.sweep(ctx, store.KindIP, id, ip) {
			return
		}
	}

	p.finish(ctx, store.KindIP, id)
}

// primaryProbe runs the requested-version NTP query and persists the
// response under the class the server actually answered with.
func (p *pipeline) primaryProbe(ctx context.Context, id int64, ip string) bool {
	if p.toolMissing {
		return p.absorb(ctx, store.KindIP, id, errToolUnavailable)
	}
	start := p.o.clock.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("ntp").Observe(p.o.clock.Since(start).Seconds())
	}()

	tag, rec, err := p.o.cfg.Prober.ProbeNTP(ctx, ip, p.settings.RequestedVersion(), p.settings.NTPv5Draft)
	if err != nil {
		metrics.ProbeInvocations.WithLabelValues("ntp", "error").Inc()
		if probe.IsUnavailable(err) {
			p.toolMissing = true
			return p.absorb(ctx, store.KindIP, id, errToolUnavailable)
		}
		return p.absorb(ctx, store.KindIP, id, probeMessage(err))
	}
	metrics.ProbeInvocations.WithLabelValues("ntp", "ok").Inc()

	analysis := ""
	draft := ""
	if tag == store.ClassNTPv5 {
		analysis = versions.Analyze(5, p.settings.Family(), probe.VersionResult{Result: rec}).Text
		draft = p.settings.NTPv5Draft
	}
	recordID, err := p.o.cfg.Store.SaveMainMeasurement(ctx, id, tag, draft, rec, analysis)
	if err != nil {
		p.fail(ctx, store.KindIP, id, err)
		return false
	}
	p.serverInfo(ctx, tag, recordID, ip)
	return true
}

// serverInfo stores the geo side row; enrichment failures are logged, never
// fatal.
func (p *pipeline) serverInfo(ctx context.Context, class string, recordID int64, ip string) {
	if p.o.cfg.Geo == nil {
		return
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return
	}
	rec := p.o.cfg.Geo.Resolve(addr)
	info := &store.ServerInfo{
		IPIsAnycast: p.o.cfg.Anycast != nil && p.o.cfg.Anycast.Contains(addr),
		ASN:         rec.ASN,
		CountryCode: rec.CountryCode,
		Latitude:    rec.Latitude,
		Longitude:   rec.Longitude,
	}
	if p.o.cfg.VantagePointIP.IsValid() {
		info.VantagePointIP = p.o.cfg.VantagePointIP.String()
	}
	if err := p.o.cfg.Store.InsertServerInfo(ctx, class, recordID, info); err != nil {
		p.log.Warn("server info insert failed", slog.Int64("record_id", recordID), slog.Any("error", err))
	}
}

func (p *pipeline) ntsOnDomain(ctx context.Context, id int64, target string) bool {
	if p.toolMissing {
		return p.absorb(ctx, store.KindDN, id, errToolUnavailable)
	}
	start := p.o.clock.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("nts").Observe(p.o.clock.Since(start).Seconds())
	}()

	rec, err := p.o.cfg.Prober.ProbeNTS(ctx, target, p.settings.FamilyPreference())
	if err != nil {
		metrics.ProbeInvocations.WithLabelValues("nts", "error").Inc()
		if probe.IsUnavailable(err) {
			p.toolMissing = true
			return p.absorb(ctx, store.KindDN, id, ntsToolUnavailable)
		}
		return p.absorb(ctx, store.KindDN, id, probeMessage(err))
	}
	metrics.ProbeInvocations.WithLabelValues("nts", "ok").Inc()

	srec := ntsToStore(rec, ntsAnalysisDomain(rec, p.settings.FamilyPreference()))
	if _, err := p.o.cfg.Store.SaveNTS(ctx, store.KindDN, id, srec); err != nil {
		p.fail(ctx, store.KindDN, id, err)
		return false
	}
	return true
}

func (p *pipeline) ntsOnIP(ctx context.Context, id int64, ip string) bool {
	if p.toolMissing {
		return true
	}
	start := p.o.clock.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("nts").Observe(p.o.clock.Since(start).Seconds())
	}()

	rec, err := p.o.cfg.Prober.ProbeNTSOnIP(ctx, ip)
	if err != nil {
		metrics.ProbeInvocations.WithLabelValues("nts", "error").Inc()
		if probe.IsUnavailable(err) {
			p.toolMissing = true
			return p.absorb(ctx, store.KindIP, id, ntsToolUnavailable)
		}
		return p.absorb(ctx, store.KindIP, id, probeMessage(err))
	}
	metrics.ProbeInvocations.WithLabelValues("nts", "ok").Inc()

	srec := ntsToStore(rec, ntsAnalysisIP(rec))
	if _, err := p.o.cfg.Store.SaveNTS(ctx, store.KindIP, id, srec); err != nil {
		p.fail(ctx, store.KindIP, id, err)
		return false
	}
	return true
}

// sweep probes all five versions in one tool run, scores the wanted subset
// and persists the summary with its per-version records.
func (p *pipeline) sweep(ctx context.Context, kind store.Kind, id int64, target string) bool {
	if p.toolMissing {
		return true
	}
	start := p.o.clock.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("versions").Observe(p.o.clock.Since(start).Seconds())
	}()

	results, err := p.o.cfg.Prober.ProbeAllVersions(ctx, target, p.settings.NTPv5Draft)
	if err != nil {
		metrics.ProbeInvocations.WithLabelValues("all_versions", "error").Inc()
		if probe.IsUnavailable(err) {
			p.toolMissing = true
			return p.absorb(ctx, kind, id, errToolUnavailable)
		}
		return p.absorb(ctx, kind, id, probeMessage(err))
	}
	metrics.ProbeInvocations.WithLabelValues("all_versions", "ok").Inc()

	var slots [5]store.SweepSlot
	for _, n := range p.settings.SweepVersions() {
		a := versions.Analyze(n, p.settings.Family(), results[probe.VersionKeys[n-1]])
		slot := store.SweepSlot{Confidence: a.Confidence, Analysis: a.Text}
		if a.Parsed() {
			slot.Data = a.Record
			if a.ResponseVersion != 0 {
				rv := int16(a.ResponseVersion)
				slot.ResponseVersion = &rv
			}
			if n == 5 || a.ResponseVersion == 5 {
				slot.DraftName = p.settings.NTPv5Draft
			}
		}
		slots[n-1] = slot
	}

	if _, err := p.o.cfg.Store.SaveVersionsSummary(ctx, kind, id, slots); err != nil {
		p.fail(ctx, kind, id, err)
		return false
	}
	return true
}

func (p *pipeline) scheduleRipe(ctx context.Context, kind store.Kind, id int64, target string) {
	start := p.o.clock.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("ripe").Observe(p.o.clock.Since(start).Seconds())
	}()

	if p.o.cfg.Ripe == nil {
		_ = p.o.cfg.Store.SetRipeError(ctx, kind, id, "RIPE Atlas client is not configured")
		return
	}
	mid, err := p.o.cfg.Ripe.CreateMeasurement(ctx, ripeatlas.ScheduleRequest{
		Target:        target,
		Family:        p.settings.Family(),
		ClientIP:      p.clientIP,
		ProbesASN:     p.settings.CustomProbesASN,
		ProbesCountry: p.settings.CustomProbesCountry,
	})
	if err != nil {
		metrics.RipeAPICalls.WithLabelValues("create", "error").Inc()
		p.log.Warn("ripe scheduling failed", slog.Any("error", err))
		_ = p.o.cfg.Store.SetRipeError(ctx, kind, id, err.Error())
		return
	}
	metrics.RipeAPICalls.WithLabelValues("create", "ok").Inc()
	if err := p.o.cfg.Store.SetRipeID(ctx, kind, id, strconv.Itoa(mid)); err != nil {
		p.log.Warn("could not record ripe id", slog.Any("error", err))
	}
}

// stage advances the status; a store error here fails the measurement.
func (p *pipeline) stage(ctx context.Context, kind store.Kind, id int64, status store.Status) bool {
	if err := p.o.cfg.Store.SetStatus(ctx, kind, id, status); err != nil {
		p.fail(ctx, kind, id, err)
		return false
	}
	return true
}

// absorb records a probe failure without failing the measurement.
func (p *pipeline) absorb(ctx context.Context, kind store.Kind, id int64, msg string) bool {
	if err := p.o.cfg.Store.SetResponseError(ctx, kind, id, msg); err != nil {
		p.fail(ctx, kind, id, err)
		return false
	}
	return true
}

// pace waits the inter-child delay; false means the context ended first.
func (p *pipeline) pace(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.o.clock.After(childPacing):
		return true
	}
}

func (p *pipeline) finish(ctx context.Context, kind store.Kind, id int64) {
	raw, err := json.Marshal(p.settings)
	if err == nil {
		if err := p.o.cfg.Store.SetSettings(ctx, kind, id, raw); err != nil {
			p.fail(ctx, kind, id, err)
			return
		}
	}
	if err := p.o.cfg.Store.SetStatus(ctx, kind, id, store.StatusFinished); err != nil {
		p.log.Warn("could not finish measurement", slog.Any("error", err))
		return
	}
	metrics.MeasurementsFinished.WithLabelValues(string(kind)).Inc()
	p.log.Info("measurement finished", slog.String("kind", string(kind)), slog.Int64("id", id))
}

func (p *pipeline) fail(ctx context.Context, kind store.Kind, id int64, err error) {
	p.failWith(ctx, kind, id, fmt.Sprintf("(surprising) error when completing the measurement: %s", errKind(err)))
	p.log.Error("measurement failed", slog.String("kind", string(kind)), slog.Int64("id", id), slog.Any("error", err))
}

func (p *pipeline) failWith(ctx context.Context, kind store.Kind, id int64, reason string) {
	if err := p.o.cfg.Store.MarkFailed(ctx, kind, id, reason); err != nil {
		p.log.Error("could not mark measurement failed", slog.Int64("id", id), slog.Any("error", err))
	}
	metrics.MeasurementsFailed.WithLabelValues(string(kind)).Inc()
}

// --- NTS conversions ---

func ntsToStore(rec *probe.NTSRecord, analysis string) *store.NTSRecord {
	port, _ := strconv.Atoi(rec.MeasuredPort)
	data, _ := json.Marshal(rec.Data)
	return &store.NTSRecord{
		Succeeded:    rec.Succeeded,
		Host:         rec.Host,
		MeasuredIP:   rec.MeasuredIP,
		MeasuredPort: port,
		Data:         data,
		KissCode:     rec.KissCode,
		Analysis:     analysis,
		Version:      int16(rec.Version),
	}
}

func ntsAnalysisDomain(rec *probe.NTSRecord, family string) string {
	switch {
	case rec.WrongFamily:
		return fmt.Sprintf("It is NTS, but failed on %s. It succeeded on the other address family, so this is a working NTS IP: %s", family, rec.MeasuredIP)
	case rec.Succeeded:
		return "It is NTS."
	case rec.Message != "":
		return rec.Message
	default:
		return "NTS measurement failed, but could not retrieve more data."
	}
}

func ntsAnalysisIP(rec *probe.NTSRecord) string {
	base := ""
	switch {
	case rec.Succeeded && rec.DifferentIP:
		base = fmt.Sprintf("Measurement succeeded, but Key Exchange forced us to perform the measurement on a different IP: %s.", rec.MeasuredIP)
	case rec.Succeeded:
		base = "NTS measurement succeeded on this IP."
	case rec.Message != "":
		base = rec.Message
	default:
		base = "NTS measurement failed, but could not retrieve more data."
	}
	return base + " " + ntsOnIPNote
}
