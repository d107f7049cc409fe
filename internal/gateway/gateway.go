// Package gateway is the HTTP surface of the service: synchronous
// measurements, composite-measurement triggering and polling, NTS probes,
// RIPE Atlas passthrough and vantage-point metadata.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NTPinfo/NTPinfo/internal/config"
	"github.com/NTPinfo/NTPinfo/internal/geo"
	"github.com/NTPinfo/NTPinfo/internal/metrics"
	"github.com/NTPinfo/NTPinfo/internal/orchestrator"
	"github.com/NTPinfo/NTPinfo/internal/probe"
	"github.com/NTPinfo/NTPinfo/internal/ripeatlas"
	"github.com/NTPinfo/NTPinfo/internal/store"
)

// Store is the persistence surface the gateway reads and writes.
type Store interface {
	InsertSimpleMeasurement(ctx context.Context, m *store.SimpleMeasurement) (int64, error)
	HistoryByIP(ctx context.Context, ip string, start, end time.Time) ([]*store.SimpleMeasurement, error)
	HistoryByName(ctx context.Context, name string, start, end time.Time) ([]*store.SimpleMeasurement, error)
	FullIPViewByID(ctx context.Context, id int64) (map[string]any, error)
	FullDNViewByID(ctx context.Context, id int64) (map[string]any, error)
	PartialIPViewByID(ctx context.Context, id int64) (map[string]any, error)
	PartialDNViewByID(ctx context.Context, id int64) (map[string]any, error)
	VersionsViewByID(ctx context.Context, id int64) (map[string]any, error)
}

// Trigger dispatches composite measurements.
type Trigger interface {
	Start(ctx context.Context, target string, clientIP netip.Addr, settings *orchestrator.Settings) (string, int64, error)
}

// Prober serves the synchronous and NTS endpoints directly.
type Prober interface {
	ProbeNTP(ctx context.Context, target string, version int, draft string) (string, probe.Record, error)
	ProbeNTS(ctx context.Context, target, familyPreference string) (*probe.NTSRecord, error)
	ProbeNTSOnIP(ctx context.Context, targetIP string) (*probe.NTSRecord, error)
}

// RipeClient serves the standalone RIPE endpoints.
type RipeClient interface {
	CreateMeasurement(ctx context.Context, req ripeatlas.ScheduleRequest) (int, error)
	WaitForResults(ctx context.Context, measurementID int) ([]ripeatlas.ProbeResult, ripeatlas.State, error)
}

// VantageResolver answers where this service measures from.
type VantageResolver interface {
	VantageDetails(family int) (*geo.VantagePoint, error)
}

// Resolver resolves domain names on the synchronous path.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type Config struct {
	Logger  *slog.Logger
	Store   Store
	Trigger Trigger
	Prober  Prober
	// Ripe may be nil when no API token is configured.
	Ripe RipeClient
	// Geo may be nil; vantage-point endpoints then report unavailable.
	Geo VantageResolver
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// RateLimit is "N/second" or "N/minute" per client IP.
	RateLimit string
	// JitterMeasurements is how many probes a jitter request takes in total.
	JitterMeasurements int
	// DefaultVersion is the NTP version the synchronous path probes with.
	DefaultVersion int
	// VantagePointIP labels simple measurements with this service's address.
	VantagePointIP netip.Addr
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Trigger == nil {
		return errors.New("trigger is required")
	}
	if cfg.Prober == nil {
		return errors.New("prober is required")
	}
	if _, _, err := config.ParseRateLimit(cfg.RateLimit); err != nil {
		return err
	}
	if cfg.JitterMeasurements < 1 {
		return errors.New("jitter measurements must be at least 1")
	}
	if cfg.DefaultVersion < 1 || cfg.DefaultVersion > 5 {
		return errors.New("default ntp version must be between 1 and 5")
	}
	return nil
}

type Server struct {
	log      *slog.Logger
	cfg      Config
	clock    clockwork.Clock
	resolver Resolver
	limiter  *limiter
	router   chi.Router
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = defaultResolver()
	}
	limit, window, err := config.ParseRateLimit(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		clock:    clock,
		resolver: resolver,
		limiter:  newLimiter(limit, window),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the rate limiter's janitor.
func (s *Server) Close() {
	s.limiter.stop()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Forwarded-For"},
	}))
	r.Use(metrics.Middleware)

	r.Get("/", s.handleRoot)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/measurements", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/", s.handleMeasure)
		r.Get("/history/", s.handleHistory)
		r.Post("/trigger/", s.handleTrigger)
		r.Get("/results/{id}", s.handleResults)
		r.Get("/partial-results/{id}", s.handlePartialResults)
		r.Get("/ntp_versions/{id}", s.handleVersionsView)
		r.Get("/ntpinfo-server-details/{ipType}", s.handleServerDetails)
		r.Post("/nts/", s.handleNTS)
		r.Post("/ripe/trigger/", s.handleRipeTrigger)
		r.Get("/ripe/{measurementID}", s.handleRipeResults)
	})
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// rateLimit rejects clients that exceed the configured budget. The key is
// the best-effort client IP; requests without one share a bucket.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "unknown"
		if addr, err := peerIP(r); err == nil {
			key = addr.String()
		}
		if !s.limiter.allow(key) {
			metrics.RateLimitRejections.Inc()
			s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded: "+s.cfg.RateLimit)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("could not write response", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]any{"detail": detail})
}
