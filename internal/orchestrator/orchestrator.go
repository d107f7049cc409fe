// Package orchestrator runs the composite measurement state machine: it
// fans a request out into RIPE Atlas, per-IP NTP, NTS and version-sweep
// stages on a bounded worker pool and commits every step through the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/NTPinfo/NTPinfo/internal/geo"
	"github.com/NTPinfo/NTPinfo/internal/metrics"
	"github.com/NTPinfo/NTPinfo/internal/probe"
	"github.com/NTPinfo/NTPinfo/internal/ripeatlas"
	"github.com/NTPinfo/NTPinfo/internal/store"
)

// childPacing is the minimum delay between two children of a dn
// measurement, so one request never bursts at a server's whole address set.
const childPacing = 1200 * time.Millisecond

// Prober runs the external wire tool.
type Prober interface {
	ProbeNTP(ctx context.Context, target string, version int, draft string) (string, probe.Record, error)
	ProbeAllVersions(ctx context.Context, target, draft string) (map[string]probe.VersionResult, error)
	ProbeNTS(ctx context.Context, target, familyPreference string) (*probe.NTSRecord, error)
	ProbeNTSOnIP(ctx context.Context, targetIP string) (*probe.NTSRecord, error)
}

// Resolver resolves domain names; *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// RipeScheduler schedules distributed measurements.
type RipeScheduler interface {
	CreateMeasurement(ctx context.Context, req ripeatlas.ScheduleRequest) (int, error)
}

// Store is the persistence surface the pipeline drives.
type Store interface {
	CreateIPMeasurement(ctx context.Context, serverIP, measurementType string) (int64, error)
	CreateDNMeasurement(ctx context.Context, server string) (int64, error)
	CreateChildIP(ctx context.Context, dnID int64, serverIP, measurementType string) (int64, error)
	SetStatus(ctx context.Context, kind store.Kind, id int64, status store.Status) error
	MarkFailed(ctx context.Context, kind store.Kind, id int64, reason string) error
	SetResponseError(ctx context.Context, kind store.Kind, id int64, msg string) error
	SetRipeError(ctx context.Context, kind store.Kind, id int64, msg string) error
	SetRipeID(ctx context.Context, kind store.Kind, id int64, ripeID string) error
	SetSettings(ctx context.Context, kind store.Kind, id int64, settings any) error
	SaveMainMeasurement(ctx context.Context, ipID int64, class, draftName string, data any, analysis string) (int64, error)
	SaveNTS(ctx context.Context, kind store.Kind, parentID int64, rec *store.NTSRecord) (int64, error)
	SaveVersionsSummary(ctx context.Context, kind store.Kind, parentID int64, slots [5]store.SweepSlot) (*store.VersionsSummary, error)
	InsertServerInfo(ctx context.Context, class string, recordID int64, info *store.ServerInfo) error
}

// GeoResolver enriches records with location data.
type GeoResolver interface {
	Resolve(addr netip.Addr) *geo.Record
}

// AnycastSet answers anycast membership.
type AnycastSet interface {
	Contains(addr netip.Addr) bool
}

type Config struct {
	Logger *slog.Logger
	Store  Store
	Prober Prober
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
	// Ripe may be nil when no API token is configured; scheduling then
	// records a ripe_error and the pipeline continues.
	Ripe RipeScheduler
	// Geo and Anycast are optional enrichment; nil skips server-info rows.
	Geo     GeoResolver
	Anycast AnycastSet
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Workers bounds how many pipelines run concurrently.
	Workers int
	// DefaultVersion is the primary probe version when a request names none.
	DefaultVersion int
	// VantagePointIP identifies this service in server-info rows.
	VantagePointIP netip.Addr
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Prober == nil {
		return errors.New("prober is required")
	}
	if cfg.Workers <= 0 {
		return errors.New("workers must be greater than 0")
	}
	if cfg.DefaultVersion < 1 || cfg.DefaultVersion > 5 {
		return errors.New("default ntp version must be between 1 and 5")
	}
	return nil
}

type Orchestrator struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
	pool  pond.Pool

	resolver Resolver
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Orchestrator{
		log:      cfg.Logger,
		cfg:      cfg,
		clock:    clock,
		pool:     pond.NewPool(cfg.Workers),
		resolver: resolver,
	}, nil
}

// Start creates the pending record synchronously, submits the pipeline to
// the worker pool, and returns ("ip"|"dn", row id) immediately.
func (o *Orchestrator) Start(ctx context.Context, target string, clientIP netip.Addr, settings *Settings) (string, int64, error) {
	settings.Normalize(o.cfg.DefaultVersion)
	if err := settings.Validate(); err != nil {
		return "", 0, err
	}
	settings.Server = target

	// The pipeline outlives the HTTP request that triggered it.
	bg := context.WithoutCancel(ctx)

	if addr, err := netip.ParseAddr(target); err == nil {
		id, err := o.cfg.Store.CreateIPMeasurement(ctx, addr.Unmap().String(), classForVersion(settings.RequestedVersion()))
		if err != nil {
			return "", 0, err
		}
		metrics.MeasurementsStarted.WithLabelValues("ip").Inc()
		p := o.newPipeline(clientIP, settings)
		o.pool.Submit(func() {
			p.runIP(bg, id, addr.Unmap().String(), true)
		})
		return "ip", id, nil
	}

	id, err := o.cfg.Store.CreateDNMeasurement(ctx, target)
	if err != nil {
		return "", 0, err
	}
	metrics.MeasurementsStarted.WithLabelValues("dn").Inc()
	p := o.newPipeline(clientIP, settings)
	o.pool.Submit(func() {
		p.runDN(bg, id, target)
	})
	return "dn", id, nil
}

// Stop waits for in-flight pipelines to finish.
func (o *Orchestrator) Stop() {
	o.pool.StopAndWait()
}

func classForVersion(version int) string {
	if version == 5 {
		return store.ClassNTPv5
	}
	return store.ClassNTPv4
}

// errKind names an error class for the failure message.
func errKind(err error) string {
	var pe *probe.ProbeError
	if errors.As(err, &pe) {
		return string(pe.Type)
	}
	return fmt.Sprintf("%T", err)
}

// probeMessage extracts the tool diagnostic for persistence.
func probeMessage(err error) string {
	var pe *probe.ProbeError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
