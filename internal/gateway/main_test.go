package gateway

import (
	"context"
	"flag"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lmittmann/tint"

	"github.com/NTPinfo/NTPinfo/internal/geo"
	"github.com/NTPinfo/NTPinfo/internal/orchestrator"
	"github.com/NTPinfo/NTPinfo/internal/probe"
	"github.com/NTPinfo/NTPinfo/internal/ripeatlas"
	"github.com/NTPinfo/NTPinfo/internal/store"
)

var (
	logger *slog.Logger
)

func TestMain(m *testing.M) {
	flag.Parse()
	verbose := false
	if vFlag := flag.Lookup("test.v"); vFlag != nil && vFlag.Value.String() == "true" {
		verbose = true
	}
	if verbose {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level: slog.LevelWarn,
		}))
	}

	os.Exit(m.Run())
}

// fakeGatewayStore answers views from canned maps and records inserts.
type fakeGatewayStore struct {
	mu       sync.Mutex
	inserted []*store.SimpleMeasurement
	history  []*store.SimpleMeasurement

	ipViews        map[int64]map[string]any
	dnViews        map[int64]map[string]any
	partialIPViews map[int64]map[string]any
	partialDNViews map[int64]map[string]any
	versionsViews  map[int64]map[string]any

	historyErr error
}

func newFakeGatewayStore() *fakeGatewayStore {
	return &fakeGatewayStore{
		ipViews:        make(map[int64]map[string]any),
		dnViews:        make(map[int64]map[string]any),
		partialIPViews: make(map[int64]map[string]any),
		partialDNViews: make(map[int64]map[string]any),
		versionsViews:  make(map[int64]map[string]any),
	}
}

func (f *fakeGatewayStore) InsertSimpleMeasurement(ctx context.Context, m *store.SimpleMeasurement) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, m)
	return int64(len(f.inserted)), nil
}

func (f *fakeGatewayStore) HistoryByIP(ctx context.Context, ip string, start, end time.Time) ([]*store.SimpleMeasurement, error) {
	return f.history, f.historyErr
}

func (f *fakeGatewayStore) HistoryByName(ctx context.Context, name string, start, end time.Time) ([]*store.SimpleMeasurement, error) {
	return f.history, f.historyErr
}

func viewOrNotFound(views map[int64]map[string]any, id int64) (map[string]any, error) {
	if v, ok := views[id]; ok {
		return v, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeGatewayStore) FullIPViewByID(ctx context.Context, id int64) (map[string]any, error) {
	return viewOrNotFound(f.ipViews, id)
}

func (f *fakeGatewayStore) FullDNViewByID(ctx context.Context, id int64) (map[string]any, error) {
	return viewOrNotFound(f.dnViews, id)
}

func (f *fakeGatewayStore) PartialIPViewByID(ctx context.Context, id int64) (map[string]any, error) {
	return viewOrNotFound(f.partialIPViews, id)
}

func (f *fakeGatewayStore) PartialDNViewByID(ctx context.Context, id int64) (map[string]any, error) {
	return viewOrNotFound(f.partialDNViews, id)
}

func (f *fakeGatewayStore) VersionsViewByID(ctx context.Context, id int64) (map[string]any, error) {
	return viewOrNotFound(f.versionsViews, id)
}

// fakeTrigger records Start calls.
type fakeTrigger struct {
	mu       sync.Mutex
	prefix   string
	id       int64
	err      error
	targets  []string
	clients  []netip.Addr
	settings []*orchestrator.Settings
}

func (f *fakeTrigger) Start(ctx context.Context, target string, clientIP netip.Addr, settings *orchestrator.Settings) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	f.clients = append(f.clients, clientIP)
	f.settings = append(f.settings, settings)
	return f.prefix, f.id, f.err
}

// fakeGatewayProber answers from canned responses.
type fakeGatewayProber struct {
	mu sync.Mutex

	records []probe.Record
	ntpErr  error

	nts    *probe.NTSRecord
	ntsErr error

	ntpCalls   []string
	ntsIPCalls []string
	ntsCalls   []string
}

func (f *fakeGatewayProber) ProbeNTP(ctx context.Context, target string, version int, draft string) (string, probe.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ntpCalls = append(f.ntpCalls, target)
	if f.ntpErr != nil {
		return "", nil, f.ntpErr
	}
	rec := f.records[0]
	if len(f.records) > 1 {
		f.records = f.records[1:]
	}
	return store.ClassNTPv4, rec, nil
}

func (f *fakeGatewayProber) ProbeNTS(ctx context.Context, target, familyPreference string) (*probe.NTSRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ntsCalls = append(f.ntsCalls, target)
	return f.nts, f.ntsErr
}

func (f *fakeGatewayProber) ProbeNTSOnIP(ctx context.Context, targetIP string) (*probe.NTSRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ntsIPCalls = append(f.ntsIPCalls, targetIP)
	return f.nts, f.ntsErr
}

// fakeRipeGateway serves canned results for both endpoints.
type fakeRipeGateway struct {
	createID  int
	createErr error

	results []ripeatlas.ProbeResult
	state   ripeatlas.State
	waitErr error
}

func (f *fakeRipeGateway) CreateMeasurement(ctx context.Context, req ripeatlas.ScheduleRequest) (int, error) {
	return f.createID, f.createErr
}

func (f *fakeRipeGateway) WaitForResults(ctx context.Context, measurementID int) ([]ripeatlas.ProbeResult, ripeatlas.State, error) {
	return f.results, f.state, f.waitErr
}

type fakeVantage struct {
	vp  *geo.VantagePoint
	err error
}

func (f *fakeVantage) VantageDetails(family int) (*geo.VantagePoint, error) {
	return f.vp, f.err
}

type fakeGatewayResolver struct {
	addrs []netip.Addr
	err   error
}

func (f *fakeGatewayResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return f.addrs, f.err
}
