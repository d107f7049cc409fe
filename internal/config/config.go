// Package config loads the service configuration from a YAML file,
// environment variables and flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr  = ":8000"
	DefaultMetricsAddr = ":9100"
	DefaultWorkers     = 16
	DefaultProbeBin    = "ntpprobe"
)

type NTPConfig struct {
	// Version is the primary NTP version used when a request does not pick
	// one.
	Version int `yaml:"version"`
	// TimeoutMeasurementS bounds every probe subprocess and DNS lookup, in
	// seconds.
	TimeoutMeasurementS float64 `yaml:"timeout_measurement_s"`
	// JitterMeasurements is how many extra queries the synchronous path
	// takes to compute jitter.
	JitterMeasurements int `yaml:"number_of_measurements_for_calculating_jitter"`
	// RateLimitPerClientIP is "N/second" or "N/minute".
	RateLimitPerClientIP string `yaml:"rate_limit_per_client_ip"`
	ServerTimeoutS       int    `yaml:"server_timeout_s"`
}

type RipeAtlasConfig struct {
	TimeoutPerProbeMS    int `yaml:"timeout_per_probe_ms"`
	PacketsPerProbe      int `yaml:"packets_per_probe"`
	ProbesPerMeasurement int `yaml:"number_of_probes_per_measurement"`
	ServerTimeoutS       int `yaml:"server_timeout_s"`
}

type MaxMindConfig struct {
	PathCity    string `yaml:"path_city"`
	PathCountry string `yaml:"path_country"`
	PathASN     string `yaml:"path_asn"`
}

type AnycastConfig struct {
	PrefixesV4URL string `yaml:"prefixes_v4_url"`
	PrefixesV6URL string `yaml:"prefixes_v6_url"`
}

type Config struct {
	NTP       NTPConfig       `yaml:"ntp"`
	RipeAtlas RipeAtlasConfig `yaml:"ripe_atlas"`
	MaxMind   MaxMindConfig   `yaml:"max_mind"`
	Anycast   AnycastConfig   `yaml:"anycast"`

	// From environment only; never from the YAML file.
	DatabaseURL      string `yaml:"-"`
	RipeAPIToken     string `yaml:"-"`
	RipeAccountEmail string `yaml:"-"`

	ListenAddr   string `yaml:"-"`
	MetricsAddr  string `yaml:"-"`
	ProbeBinPath string `yaml:"-"`
	Workers      int    `yaml:"-"`
}

// Default returns the configuration used when the YAML file omits a key.
func Default() *Config {
	return &Config{
		NTP: NTPConfig{
			Version:              4,
			TimeoutMeasurementS:  7,
			JitterMeasurements:   8,
			RateLimitPerClientIP: "5/minute",
			ServerTimeoutS:       60,
		},
		RipeAtlas: RipeAtlasConfig{
			TimeoutPerProbeMS:    4000,
			PacketsPerProbe:      3,
			ProbesPerMeasurement: 3,
			ServerTimeoutS:       60,
		},
		Anycast: AnycastConfig{
			PrefixesV4URL: "https://bgp.tools/table-v4.txt",
			PrefixesV6URL: "https://bgp.tools/table-v6.txt",
		},
		ListenAddr:   DefaultListenAddr,
		MetricsAddr:  DefaultMetricsAddr,
		ProbeBinPath: DefaultProbeBin,
		Workers:      DefaultWorkers,
	}
}

// Load reads the YAML file at path (optional, "" skips it), loads .env if
// present, and overlays environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Secrets come from the environment; .env is a development convenience.
	_ = godotenv.Load()

	cfg.DatabaseURL = getenvDefault("NTPINFO_DATABASE_URL", cfg.DatabaseURL)
	cfg.RipeAPIToken = getenvDefault("RIPE_API_TOKEN", cfg.RipeAPIToken)
	cfg.RipeAccountEmail = getenvDefault("RIPE_ACCOUNT_EMAIL", cfg.RipeAccountEmail)
	cfg.ListenAddr = getenvDefault("NTPINFO_LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = getenvDefault("NTPINFO_METRICS_ADDR", cfg.MetricsAddr)
	cfg.ProbeBinPath = getenvDefault("NTPINFO_PROBE_BIN", cfg.ProbeBinPath)

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *Config) Validate() error {
	if c.NTP.Version < 1 || c.NTP.Version > 5 {
		return errors.New("ntp version must be between 1 and 5")
	}
	if c.NTP.TimeoutMeasurementS <= 0 {
		return errors.New("ntp measurement timeout must be greater than 0")
	}
	if c.NTP.JitterMeasurements < 1 {
		return errors.New("number of measurements for calculating jitter must be at least 1")
	}
	if _, _, err := ParseRateLimit(c.NTP.RateLimitPerClientIP); err != nil {
		return err
	}
	if c.NTP.ServerTimeoutS <= 0 {
		return errors.New("ntp server timeout must be greater than 0")
	}
	if c.RipeAtlas.TimeoutPerProbeMS <= 0 {
		return errors.New("ripe atlas per-probe timeout must be greater than 0")
	}
	if c.RipeAtlas.PacketsPerProbe <= 0 {
		return errors.New("ripe atlas packets per probe must be greater than 0")
	}
	if c.RipeAtlas.ProbesPerMeasurement <= 0 {
		return errors.New("ripe atlas probes per measurement must be greater than 0")
	}
	if c.RipeAtlas.ServerTimeoutS <= 0 {
		return errors.New("ripe atlas server timeout must be greater than 0")
	}
	if c.DatabaseURL == "" {
		return errors.New("database url is required")
	}
	if c.ProbeBinPath == "" {
		return errors.New("probe binary path is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be greater than 0")
	}
	return nil
}

// ProbeTimeout returns the per-probe deadline as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.NTP.TimeoutMeasurementS * float64(time.Second))
}

// ParseRateLimit parses "N/second" or "N/minute" into a bucket size and
// refill window.
func ParseRateLimit(s string) (int, time.Duration, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("rate limit %q must look like N/second or N/minute", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("rate limit %q must have a positive count", s)
	}
	switch strings.TrimSpace(parts[1]) {
	case "second":
		return n, time.Second, nil
	case "minute":
		return n, time.Minute, nil
	default:
		return 0, 0, fmt.Errorf("rate limit %q must end in /second or /minute", s)
	}
}
