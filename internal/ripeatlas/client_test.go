package ripeatlas

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, httpClient HTTPClient, clock clockwork.Clock) Config {
	t.Helper()

	return Config{
		Logger:               logger.With("test", t.Name()),
		APIToken:             "test-token",
		AccountEmail:         "billing@example.org",
		HTTPClient:           httpClient,
		Clock:                clock,
		PacketsPerProbe:      3,
		ProbesPerMeasurement: 3,
		TimeoutPerProbeMS:    4000,
		ServerTimeout:        60 * time.Second,
	}
}

type staticGeo struct {
	asn uint
	cc  string
}

func (g staticGeo) ASN(netip.Addr) uint           { return g.asn }
func (g staticGeo) CountryCode(netip.Addr) string { return g.cc }

func TestNTPInfo_RipeAtlas_New_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{PacketsPerProbe: 1, ProbesPerMeasurement: 1, TimeoutPerProbeMS: 1, ServerTimeout: time.Second})
	require.ErrorContains(t, err, "logger")

	_, err = New(Config{Logger: logger, ProbesPerMeasurement: 1, TimeoutPerProbeMS: 1, ServerTimeout: time.Second})
	require.ErrorContains(t, err, "packets")
}

func TestNTPInfo_RipeAtlas_CreateMeasurement(t *testing.T) {
	t.Parallel()

	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			require.Equal(t, http.MethodPost, req.Method)
			require.Equal(t, "https://atlas.ripe.net/api/v2/measurements/", req.URL.String())
			require.Equal(t, "Key test-token", req.Header.Get("Authorization"))
			require.Equal(t, "application/json", req.Header.Get("Content-Type"))

			raw, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			var body map[string]any
			require.NoError(t, json.Unmarshal(raw, &body))

			require.Equal(t, true, body["is_oneoff"])
			require.Equal(t, "billing@example.org", body["bill_to"])

			defs := body["definitions"].([]any)
			require.Len(t, defs, 1)
			def := defs[0].(map[string]any)
			require.Equal(t, "ntp", def["type"])
			require.Equal(t, float64(4), def["af"])
			require.Equal(t, "time.example.org", def["target"])
			require.Equal(t, true, def["resolve_on_probe"])
			require.Equal(t, "NTP measurement to time.example.org", def["description"])
			require.Equal(t, float64(3), def["packets"])
			require.Equal(t, float64(4000), def["timeout"])
			require.Equal(t, false, def["skip_dns_check"])

			return jsonResponse(http.StatusCreated, `{"measurements": [12345678]}`), nil
		},
	}

	c, err := New(testConfig(t, mock, nil))
	require.NoError(t, err)

	id, err := c.CreateMeasurement(t.Context(), ScheduleRequest{Target: "time.example.org", Family: 4})
	require.NoError(t, err)
	require.Equal(t, 12345678, id)
}

func TestNTPInfo_RipeAtlas_CreateMeasurement_APIError(t *testing.T) {
	t.Parallel()

	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusBadRequest, `{"error": {"detail": "Not enough credits"}}`), nil
		},
	}
	c, err := New(testConfig(t, mock, nil))
	require.NoError(t, err)

	_, err = c.CreateMeasurement(t.Context(), ScheduleRequest{Target: "time.example.org", Family: 4})
	require.ErrorIs(t, err, ErrMeasurementCreation)
	require.ErrorContains(t, err, "Not enough credits")
}

func TestNTPInfo_RipeAtlas_ProbeSelection(t *testing.T) {
	t.Parallel()

	client := func(geo GeoHints) *Client {
		cfg := testConfig(t, &MockHTTPClient{}, nil)
		cfg.Geo = geo
		c, err := New(cfg)
		require.NoError(t, err)
		return c
	}
	clientIP := netip.MustParseAddr("203.0.113.9")

	tests := []struct {
		name string
		geo  GeoHints
		req  ScheduleRequest
		want probeSelector
	}{
		{
			name: "explicit asn wins",
			geo:  staticGeo{asn: 64512, cc: "NL"},
			req:  ScheduleRequest{ProbesASN: "3333", ProbesCountry: "DE", ClientIP: clientIP},
			want: probeSelector{Type: "asn", Value: "3333", Requested: 3},
		},
		{
			name: "explicit country next",
			geo:  staticGeo{asn: 64512, cc: "NL"},
			req:  ScheduleRequest{ProbesCountry: "DE", ClientIP: clientIP},
			want: probeSelector{Type: "country", Value: "DE", Requested: 3},
		},
		{
			name: "client asn fallback",
			geo:  staticGeo{asn: 64512, cc: "NL"},
			req:  ScheduleRequest{ClientIP: clientIP},
			want: probeSelector{Type: "asn", Value: "64512", Requested: 3},
		},
		{
			name: "client country fallback",
			geo:  staticGeo{cc: "NL"},
			req:  ScheduleRequest{ClientIP: clientIP},
			want: probeSelector{Type: "country", Value: "NL", Requested: 3},
		},
		{
			name: "worldwide when nothing known",
			geo:  nil,
			req:  ScheduleRequest{ClientIP: clientIP},
			want: probeSelector{Type: "area", Value: "WW", Requested: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := client(tt.geo).selectProbes(tt.req)
			require.Equal(t, tt.want, got)
		})
	}
}

const testResultRow = `{
	"prb_id": 1001, "msm_id": 777, "version": 4, "stratum": 2, "poll": 6,
	"precision": 9.5e-07, "root-delay": 0.01, "root-dispersion": 0.002,
	"ref-id": "GPS", "src_addr": "198.51.100.7", "dst_addr": "203.0.113.1",
	"dst_name": "time.example.org", "ttr": 31.2,
	"result": [
		{"origin-ts": 100.0, "receive-ts": 100.2, "transmit-ts": 100.25, "final-ts": 100.5, "offset": -0.02, "rtt": 0.25},
		{"x": "*"}
	]
}`

func resultsHandler(t *testing.T, statusName string, requested int, rows string) func(req *http.Request) (*http.Response, error) {
	t.Helper()

	return func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/api/v2/measurements/777/":
			return jsonResponse(http.StatusOK, fmt.Sprintf(
				`{"id": 777, "status": {"name": %q}, "probes_requested": %d}`, statusName, requested)), nil
		case "/api/v2/measurements/777/results/":
			return jsonResponse(http.StatusOK, "["+rows+"]"), nil
		case "/api/v2/probes/1001/":
			return jsonResponse(http.StatusOK, `{
				"id": 1001, "address_v4": "198.51.100.7", "country_code": "NL",
				"geometry": {"type": "Point", "coordinates": [4.9, 52.37]}
			}`), nil
		default:
			t.Fatalf("unexpected request: %s", req.URL.Path)
			return nil, nil
		}
	}
}

func TestNTPInfo_RipeAtlas_GetMeasurementResults_Partial(t *testing.T) {
	t.Parallel()

	mock := &MockHTTPClient{DoFunc: resultsHandler(t, "Ongoing", 3, testResultRow)}
	c, err := New(testConfig(t, mock, nil))
	require.NoError(t, err)

	results, state, err := c.GetMeasurementResults(t.Context(), 777)
	require.NoError(t, err)
	require.Equal(t, StatePartial, state)
	require.Len(t, results, 1)

	pr := results[0]
	require.Equal(t, 1001, pr.ProbeID)
	require.Equal(t, "198.51.100.7", pr.VantagePoint)
	require.Equal(t, "NL", pr.ProbeCountry)
	require.Equal(t, [2]float64{52.37, 4.9}, pr.ProbeLocation)
	require.Len(t, pr.Samples, 2)

	// offset and rtt recomputed from timestamps: ((t2-t1)+(t3-t4))/2 and
	// (t4-t1)-(t3-t2)
	require.InDelta(t, -0.025, pr.Samples[0].Offset, 1e-9)
	require.InDelta(t, 0.45, pr.Samples[0].RTT, 1e-9)
	require.True(t, pr.Samples[1].NoReply())
}

func TestNTPInfo_RipeAtlas_GetMeasurementResults_States(t *testing.T) {
	t.Parallel()

	t.Run("pending", func(t *testing.T) {
		t.Parallel()
		mock := &MockHTTPClient{DoFunc: resultsHandler(t, "Ongoing", 3, "")}
		c, err := New(testConfig(t, mock, nil))
		require.NoError(t, err)

		results, state, err := c.GetMeasurementResults(t.Context(), 777)
		require.NoError(t, err)
		require.Equal(t, StatePending, state)
		require.Empty(t, results)
	})

	t.Run("complete when stopped", func(t *testing.T) {
		t.Parallel()
		mock := &MockHTTPClient{DoFunc: resultsHandler(t, "Stopped", 3, testResultRow)}
		c, err := New(testConfig(t, mock, nil))
		require.NoError(t, err)

		_, state, err := c.GetMeasurementResults(t.Context(), 777)
		require.NoError(t, err)
		require.Equal(t, StateComplete, state)
	})

	t.Run("complete when all probes reported", func(t *testing.T) {
		t.Parallel()
		mock := &MockHTTPClient{DoFunc: resultsHandler(t, "Ongoing", 1, testResultRow)}
		c, err := New(testConfig(t, mock, nil))
		require.NoError(t, err)

		_, state, err := c.GetMeasurementResults(t.Context(), 777)
		require.NoError(t, err)
		require.Equal(t, StateComplete, state)
	})
}

func TestNTPInfo_RipeAtlas_WaitForResults_CompletesAfterPolling(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	calls := 0
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			if req.URL.Path == "/api/v2/measurements/777/" {
				calls++
				name := "Ongoing"
				if calls >= 3 {
					name = "Stopped"
				}
				return jsonResponse(http.StatusOK, fmt.Sprintf(
					`{"id": 777, "status": {"name": %q}, "probes_requested": 3}`, name)), nil
			}
			return resultsHandler(t, "Ongoing", 3, testResultRow)(req)
		},
	}

	c, err := New(testConfig(t, mock, clock))
	require.NoError(t, err)

	done := make(chan struct{})
	var (
		state   State
		waitErr error
	)
	go func() {
		defer close(done)
		_, state, waitErr = c.WaitForResults(t.Context(), 777)
	}()

	// Two Ongoing polls, each followed by a backoff sleep, then Stopped.
	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
		clock.Advance(20 * time.Second)
	}
	<-done

	require.NoError(t, waitErr)
	require.Equal(t, StateComplete, state)
}
