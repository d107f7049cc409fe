// ntpinfo is the measurement service: it exposes the HTTP API, runs the
// composite-measurement pipelines and persists everything in PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/NTPinfo/NTPinfo/internal/config"
	"github.com/NTPinfo/NTPinfo/internal/gateway"
	"github.com/NTPinfo/NTPinfo/internal/geo"
	"github.com/NTPinfo/NTPinfo/internal/metrics"
	"github.com/NTPinfo/NTPinfo/internal/orchestrator"
	"github.com/NTPinfo/NTPinfo/internal/probe"
	"github.com/NTPinfo/NTPinfo/internal/ripeatlas"
	"github.com/NTPinfo/NTPinfo/internal/store"
)

// Populated at build time through -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:          "ntpinfo",
		Short:        "NTP server measurement and analysis service",
		SilenceUsage: true,
	}
	root.AddCommand(newVersionCmd(), newRunCmd())
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ntpinfo %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the measurement service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(configPath, verbose)
		},
	}
	addRunFlags(cmd.Flags(), &configPath, &verbose)
	return cmd
}

func addRunFlags(fs *pflag.FlagSet, configPath *string, verbose *bool) {
	fs.StringVarP(configPath, "config", "c", "", "path to the YAML config file")
	fs.BoolVarP(verbose, "verbose", "v", false, "set debug logging level")
}

func runService(configPath string, verbose bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	level := config.LogLevelInfo
	if verbose {
		level = config.LogLevelDebug
	}
	log := config.NewLogger(os.Stdout, level)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log.Info("starting ntpinfo", "version", version, "listen_addr", cfg.ListenAddr, "metrics_addr", cfg.MetricsAddr)

	st, err := store.New(ctx, store.Config{
		Logger:      log,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	geoRes, err := geo.NewResolver(geo.Config{
		Logger:        log,
		CityDBPath:    cfg.MaxMind.PathCity,
		CountryDBPath: cfg.MaxMind.PathCountry,
		ASNDBPath:     cfg.MaxMind.PathASN,
	})
	if err != nil {
		return fmt.Errorf("open geo databases: %w", err)
	}
	defer geoRes.Close()

	// Anycast detection and the vantage-point address are enrichment; the
	// service runs without them.
	anycast, err := geo.LoadAnycast(ctx, geo.AnycastConfig{
		Logger: log,
		V4URL:  cfg.Anycast.PrefixesV4URL,
		V6URL:  cfg.Anycast.PrefixesV6URL,
	})
	if err != nil {
		log.Warn("anycast prefix tables unavailable", "error", err)
	}
	vantageIP, err := geo.EgressIP(4)
	if err != nil {
		log.Warn("could not determine egress address", "error", err)
	}

	prober, err := probe.New(probe.Config{
		Logger:  log,
		BinPath: cfg.ProbeBinPath,
		Timeout: cfg.ProbeTimeout(),
	})
	if err != nil {
		return fmt.Errorf("create prober: %w", err)
	}

	var ripeClient *ripeatlas.Client
	if cfg.RipeAPIToken != "" {
		ripeClient, err = ripeatlas.New(ripeatlas.Config{
			Logger:               log,
			APIToken:             cfg.RipeAPIToken,
			AccountEmail:         cfg.RipeAccountEmail,
			Geo:                  geoRes,
			PacketsPerProbe:      cfg.RipeAtlas.PacketsPerProbe,
			ProbesPerMeasurement: cfg.RipeAtlas.ProbesPerMeasurement,
			TimeoutPerProbeMS:    cfg.RipeAtlas.TimeoutPerProbeMS,
			ServerTimeout:        time.Duration(cfg.RipeAtlas.ServerTimeoutS) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("create ripe atlas client: %w", err)
		}
	} else {
		log.Warn("no RIPE Atlas API token; distributed measurements are disabled")
	}

	orchCfg := orchestrator.Config{
		Logger:         log,
		Store:          st,
		Prober:         prober,
		Geo:            geoRes,
		Workers:        cfg.Workers,
		DefaultVersion: cfg.NTP.Version,
		VantagePointIP: vantageIP,
	}
	if ripeClient != nil {
		orchCfg.Ripe = ripeClient
	}
	if anycast != nil {
		orchCfg.Anycast = anycast
	}
	orch, err := orchestrator.New(orchCfg)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	defer orch.Stop()

	gwCfg := gateway.Config{
		Logger:             log,
		Store:              st,
		Trigger:            orch,
		Prober:             prober,
		Geo:                geoRes,
		RateLimit:          cfg.NTP.RateLimitPerClientIP,
		JitterMeasurements: cfg.NTP.JitterMeasurements,
		DefaultVersion:     cfg.NTP.Version,
		VantagePointIP:     vantageIP,
	}
	if ripeClient != nil {
		gwCfg.Ripe = ripeClient
	}
	gw, err := gateway.New(gwCfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Close()

	appSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api server listening", "addr", cfg.ListenAddr)
		if err := appSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shCtx, shCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shCancel()
		if err := appSrv.Shutdown(shCtx); err != nil {
			log.Warn("api server shutdown", "error", err)
		}
		if err := metricsSrv.Shutdown(shCtx); err != nil {
			log.Warn("metrics server shutdown", "error", err)
		}
		return nil
	})
	return g.Wait()
}
