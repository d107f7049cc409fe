// Package ripeatlas schedules NTP measurements on the RIPE Atlas platform
// and polls for their distributed vantage-point results.
package ripeatlas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultBaseURL = "https://atlas.ripe.net/api/v2"

var (
	// ErrMeasurementCreation means RIPE Atlas rejected or failed the
	// scheduling call.
	ErrMeasurementCreation = errors.New("ripe atlas measurement creation failed")
	// ErrMeasurementResults means results could not be fetched or decoded.
	ErrMeasurementResults = errors.New("ripe atlas measurement results unavailable")
	// ErrPollTimeout means the poll window closed before the measurement
	// completed.
	ErrPollTimeout = errors.New("ripe atlas measurement did not complete in time")
)

// HTTPClient defines the interface for HTTP operations.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// GeoHints supplies ASN and country lookups for the vantage-point locality
// fallback when the caller did not constrain probe selection.
type GeoHints interface {
	ASN(addr netip.Addr) uint
	CountryCode(addr netip.Addr) string
}

type Config struct {
	Logger       *slog.Logger
	BaseURL      string
	APIToken     string
	AccountEmail string
	HTTPClient   HTTPClient
	Clock        clockwork.Clock
	// Geo is optional; without it probe selection falls straight through
	// to the worldwide area selector.
	Geo GeoHints

	PacketsPerProbe      int
	ProbesPerMeasurement int
	TimeoutPerProbeMS    int
	// ServerTimeout bounds WaitForResults.
	ServerTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.PacketsPerProbe <= 0 {
		return errors.New("packets per probe must be greater than 0")
	}
	if cfg.ProbesPerMeasurement <= 0 {
		return errors.New("probes per measurement must be greater than 0")
	}
	if cfg.TimeoutPerProbeMS <= 0 {
		return errors.New("per-probe timeout must be greater than 0")
	}
	if cfg.ServerTimeout <= 0 {
		return errors.New("server timeout must be greater than 0")
	}
	return nil
}

type Client struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock

	probeMu   sync.Mutex
	probeInfo map[int]*probeMeta
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		log:       cfg.Logger,
		cfg:       cfg,
		clock:     clock,
		probeInfo: make(map[int]*probeMeta),
	}, nil
}

// ScheduleRequest describes one measurement to create. ClientIP is a
// locality hint only; the explicit ASN/country constraints win over it.
type ScheduleRequest struct {
	Target        string
	Family        int // 4 or 6
	ClientIP      netip.Addr
	ProbesASN     string
	ProbesCountry string
}

type measurementDefinition struct {
	Type           string `json:"type"`
	AF             int    `json:"af"`
	ResolveOnProbe bool   `json:"resolve_on_probe"`
	Description    string `json:"description"`
	Packets        int    `json:"packets"`
	Timeout        int    `json:"timeout"`
	SkipDNSCheck   bool   `json:"skip_dns_check"`
	Target         string `json:"target"`
}

type probeSelector struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Requested int    `json:"requested"`
}

type measurementRequest struct {
	Definitions []measurementDefinition `json:"definitions"`
	IsOneoff    bool                    `json:"is_oneoff"`
	BillTo      string                  `json:"bill_to,omitempty"`
	Probes      []probeSelector         `json:"probes"`
}

// CreateMeasurement schedules a one-off NTP measurement and returns its
// RIPE Atlas id.
func (c *Client) CreateMeasurement(ctx context.Context, req ScheduleRequest) (int, error) {
	if req.Target == "" {
		return 0, fmt.Errorf("%w: target is empty", ErrMeasurementCreation)
	}
	if req.Family != 4 && req.Family != 6 {
		return 0, fmt.Errorf("%w: family must be 4 or 6", ErrMeasurementCreation)
	}

	body := measurementRequest{
		Definitions: []measurementDefinition{{
			Type:           "ntp",
			AF:             req.Family,
			ResolveOnProbe: true,
			Description:    fmt.Sprintf("NTP measurement to %s", req.Target),
			Packets:        c.cfg.PacketsPerProbe,
			Timeout:        c.cfg.TimeoutPerProbeMS,
			SkipDNSCheck:   false,
			Target:         req.Target,
		}},
		IsOneoff: true,
		BillTo:   c.cfg.AccountEmail,
		Probes:   []probeSelector{c.selectProbes(req)},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMeasurementCreation, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/measurements/", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMeasurementCreation, err)
	}
	c.setCommonHeaders(httpReq, "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMeasurementCreation, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMeasurementCreation, err)
	}
	if resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("%w: status %d: %s", ErrMeasurementCreation, resp.StatusCode, apiErrorDetail(respBytes))
	}

	var created struct {
		Measurements []int `json:"measurements"`
	}
	if err := json.Unmarshal(respBytes, &created); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMeasurementCreation, err)
	}
	if len(created.Measurements) == 0 {
		return 0, fmt.Errorf("%w: response carried no measurement id", ErrMeasurementCreation)
	}

	c.log.Info("scheduled ripe atlas measurement",
		slog.Int("measurement_id", created.Measurements[0]),
		slog.String("target", req.Target),
		slog.Int("af", req.Family))
	return created.Measurements[0], nil
}

// selectProbes picks the probe constraint, most specific first: explicit
// ASN, explicit country, the client's ASN, the client's country, worldwide.
func (c *Client) selectProbes(req ScheduleRequest) probeSelector {
	requested := c.cfg.ProbesPerMeasurement
	if req.ProbesASN != "" {
		return probeSelector{Type: "asn", Value: req.ProbesASN, Requested: requested}
	}
	if req.ProbesCountry != "" {
		return probeSelector{Type: "country", Value: req.ProbesCountry, Requested: requested}
	}
	if c.cfg.Geo != nil && req.ClientIP.IsValid() {
		if asn := c.cfg.Geo.ASN(req.ClientIP); asn != 0 {
			return probeSelector{Type: "asn", Value: fmt.Sprintf("%d", asn), Requested: requested}
		}
		if cc := c.cfg.Geo.CountryCode(req.ClientIP); cc != "" {
			return probeSelector{Type: "country", Value: cc, Requested: requested}
		}
	}
	return probeSelector{Type: "area", Value: "WW", Requested: requested}
}

func (c *Client) setCommonHeaders(req *http.Request, contentType string) {
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Key %s", c.cfg.APIToken))
	}
	req.Header.Set("User-Agent", "NTPInfo/1.0")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setCommonHeaders(req, "")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API request failed with status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// apiErrorDetail digs the human-readable detail out of a RIPE error body.
func apiErrorDetail(body []byte) string {
	var wrapped struct {
		Error struct {
			Detail string `json:"detail"`
			Title  string `json:"title"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if wrapped.Error.Detail != "" {
			return wrapped.Error.Detail
		}
		if wrapped.Error.Title != "" {
			return wrapped.Error.Title
		}
	}
	return string(body)
}
