package ripeatlas

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/NTPinfo/NTPinfo/internal/ntptime"
)

// State classifies how far along a measurement is.
type State string

const (
	// StatePending means no probe has reported yet.
	StatePending State = "pending"
	// StatePartial means some probes reported within the poll window.
	StatePartial State = "partial_results"
	// StateComplete means all requested probes reported or the platform
	// stopped the measurement.
	StateComplete State = "complete"
)

// NTPSample is one request/response exchange a probe performed.
type NTPSample struct {
	OriginTS   float64 `json:"origin-ts"`
	ReceiveTS  float64 `json:"receive-ts"`
	TransmitTS float64 `json:"transmit-ts"`
	FinalTS    float64 `json:"final-ts"`
	Offset     float64 `json:"offset"`
	RTT        float64 `json:"rtt"`
}

// NoReply reports the platform's convention for a lost exchange.
func (s NTPSample) NoReply() bool {
	return s.RTT == -1
}

// ProbeResult is one vantage point's contribution to a measurement.
type ProbeResult struct {
	ProbeID       int         `json:"probe_id"`
	MeasurementID int         `json:"ripe_measurement_id"`
	Version       int         `json:"ntp_version"`
	VantagePoint  string      `json:"vantage_point_ip"`
	ServerIP      string      `json:"ntp_server_ip"`
	ServerName    string      `json:"ntp_server_name"`
	Stratum       int         `json:"stratum"`
	Poll          int         `json:"poll"`
	Precision     float64     `json:"precision"`
	RootDelay     float64     `json:"root_delay"`
	RootDisp      float64     `json:"root_dispersion"`
	RefID         string      `json:"ref_id"`
	Samples       []NTPSample `json:"result"`
	TimeToResult  float64     `json:"time_to_result"`

	ProbeAddrV4   string     `json:"probe_addr_v4,omitempty"`
	ProbeAddrV6   string     `json:"probe_addr_v6,omitempty"`
	ProbeCountry  string     `json:"probe_country_code,omitempty"`
	ProbeLocation [2]float64 `json:"probe_location"`
}

type resultRow struct {
	PrbID     int     `json:"prb_id"`
	MsmID     int     `json:"msm_id"`
	Timestamp int64   `json:"timestamp"`
	Version   int     `json:"version"`
	Stratum   int     `json:"stratum"`
	Poll      int     `json:"poll"`
	Precision float64 `json:"precision"`
	RootDelay float64 `json:"root-delay"`
	RootDisp  float64 `json:"root-dispersion"`
	RefID     string  `json:"ref-id"`
	SrcAddr   string  `json:"src_addr"`
	DstAddr   string  `json:"dst_addr"`
	DstName   string  `json:"dst_name"`
	TTR       float64 `json:"ttr"`
	Result    []struct {
		OriginTS   float64 `json:"origin-ts"`
		ReceiveTS  float64 `json:"receive-ts"`
		TransmitTS float64 `json:"transmit-ts"`
		FinalTS    float64 `json:"final-ts"`
		Offset     float64 `json:"offset"`
		RTT        float64 `json:"rtt"`
		NoReply    string  `json:"x"`
	} `json:"result"`
}

type probeMeta struct {
	ID          int    `json:"id"`
	AddressV4   string `json:"address_v4"`
	AddressV6   string `json:"address_v6"`
	CountryCode string `json:"country_code"`
	Geometry    struct {
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
}

type measurementStatus struct {
	ID     int `json:"id"`
	Status struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"status"`
	ProbesRequested int `json:"probes_requested"`
}

// GetMeasurementResults fetches whatever results exist right now and
// classifies the measurement state.
func (c *Client) GetMeasurementResults(ctx context.Context, measurementID int) ([]ProbeResult, State, error) {
	status, err := c.getStatus(ctx, measurementID)
	if err != nil {
		return nil, StatePending, fmt.Errorf("%w: %v", ErrMeasurementResults, err)
	}

	var rows []resultRow
	if err := c.get(ctx, fmt.Sprintf("/measurements/%d/results/", measurementID), &rows); err != nil {
		return nil, StatePending, fmt.Errorf("%w: %v", ErrMeasurementResults, err)
	}

	results := make([]ProbeResult, 0, len(rows))
	seen := make(map[int]struct{})
	for _, row := range rows {
		results = append(results, c.decodeRow(ctx, row))
		seen[row.PrbID] = struct{}{}
	}

	state := StatePending
	switch {
	case stoppedStatus(status.Status.Name):
		state = StateComplete
	case status.ProbesRequested > 0 && len(seen) >= status.ProbesRequested:
		state = StateComplete
	case len(results) > 0:
		state = StatePartial
	}

	c.log.Debug("fetched ripe atlas results",
		slog.Int("measurement_id", measurementID),
		slog.Int("probes_reported", len(seen)),
		slog.Int("probes_requested", status.ProbesRequested),
		slog.String("status", status.Status.Name),
		slog.String("state", string(state)))
	return results, state, nil
}

// WaitForResults polls with exponential backoff until the measurement
// completes or the configured server timeout elapses. On timeout it returns
// whatever arrived, the last observed state, and ErrPollTimeout.
func (c *Client) WaitForResults(ctx context.Context, measurementID int) ([]ProbeResult, State, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = c.cfg.ServerTimeout
	b.Clock = c.clock
	b.Reset()

	var (
		results []ProbeResult
		state   = StatePending
	)
	for {
		var err error
		results, state, err = c.GetMeasurementResults(ctx, measurementID)
		if err != nil {
			return nil, state, err
		}
		if state == StateComplete {
			return results, state, nil
		}

		next := b.NextBackOff()
		if next == backoff.Stop {
			return results, state, ErrPollTimeout
		}
		select {
		case <-ctx.Done():
			return results, state, ctx.Err()
		case <-c.clock.After(next):
		}
	}
}

func (c *Client) getStatus(ctx context.Context, measurementID int) (*measurementStatus, error) {
	var status measurementStatus
	if err := c.get(ctx, fmt.Sprintf("/measurements/%d/", measurementID), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// stoppedStatus matches the platform statuses after which no more results
// will arrive.
func stoppedStatus(name string) bool {
	switch name {
	case "Stopped", "Failed", "Archived", "No suitable probes":
		return true
	}
	return false
}

func (c *Client) decodeRow(ctx context.Context, row resultRow) ProbeResult {
	pr := ProbeResult{
		ProbeID:       row.PrbID,
		MeasurementID: row.MsmID,
		Version:       row.Version,
		VantagePoint:  row.SrcAddr,
		ServerIP:      row.DstAddr,
		ServerName:    row.DstName,
		Stratum:       row.Stratum,
		Poll:          row.Poll,
		Precision:     row.Precision,
		RootDelay:     row.RootDelay,
		RootDisp:      row.RootDisp,
		RefID:         row.RefID,
		TimeToResult:  row.TTR,
	}
	for _, s := range row.Result {
		sample := NTPSample{
			OriginTS:   s.OriginTS,
			ReceiveTS:  s.ReceiveTS,
			TransmitTS: s.TransmitTS,
			FinalTS:    s.FinalTS,
			Offset:     s.Offset,
			RTT:        s.RTT,
		}
		if s.NoReply != "" {
			sample.Offset = -1
			sample.RTT = -1
		} else if s.FinalTS != 0 {
			// The timestamps are authoritative; recompute so the platform's
			// rounded offset/rtt and ours agree on the raw exchange.
			sample.Offset = ntptime.OffsetSeconds(s.OriginTS, s.ReceiveTS, s.TransmitTS, s.FinalTS)
			sample.RTT = ntptime.RTTSeconds(s.OriginTS, s.ReceiveTS, s.TransmitTS, s.FinalTS)
		}
		pr.Samples = append(pr.Samples, sample)
	}

	if meta := c.lookupProbe(ctx, row.PrbID); meta != nil {
		pr.ProbeAddrV4 = meta.AddressV4
		pr.ProbeAddrV6 = meta.AddressV6
		pr.ProbeCountry = meta.CountryCode
		if len(meta.Geometry.Coordinates) >= 2 {
			// GeoJSON order is (longitude, latitude).
			pr.ProbeLocation = [2]float64{meta.Geometry.Coordinates[1], meta.Geometry.Coordinates[0]}
		}
	}
	return pr
}

// lookupProbe fetches probe metadata once per client lifetime; probes move
// rarely enough that a session-scoped cache is fine.
func (c *Client) lookupProbe(ctx context.Context, probeID int) *probeMeta {
	c.probeMu.Lock()
	if meta, ok := c.probeInfo[probeID]; ok {
		c.probeMu.Unlock()
		return meta
	}
	c.probeMu.Unlock()

	var meta probeMeta
	if err := c.get(ctx, fmt.Sprintf("/probes/%d/", probeID), &meta); err != nil {
		c.log.Warn("probe metadata lookup failed", slog.Int("probe_id", probeID), slog.String("error", err.Error()))
		return nil
	}

	c.probeMu.Lock()
	c.probeInfo[probeID] = &meta
	c.probeMu.Unlock()
	return &meta
}
