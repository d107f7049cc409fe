package main

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NTPinfo/NTPinfo/internal/ntptime"
	"github.com/NTPinfo/NTPinfo/internal/ntpwire"
)

// startEchoServer answers every classic request as a stratum-2 server with
// zero offset.
func startEchoServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, readErr := pc.ReadFrom(buf)
			if readErr != nil {
				return
			}
			req, decErr := ntpwire.DecodeHeader(buf[:n])
			if decErr != nil {
				continue
			}
			now := ntptime.FromUnix(time.Now())
			resp := &ntpwire.Header{
				Version:      req.Version,
				Mode:         4,
				Stratum:      2,
				RefID:        0x0A000001,
				OriginTime:   req.TransmitTime,
				ReceiveTime:  now,
				TransmitTime: now,
			}
			pc.WriteTo(resp.Encode(), addr) //nolint:errcheck
		}
	}()
	return pc.LocalAddr().String()
}

func TestNTPInfo_NtpProbe_NTPQueryPrintsJSON(t *testing.T) {
	t.Parallel()

	addr := startEchoServer(t)

	var out bytes.Buffer
	code := runNTP(t.Context(), &out, addr, 4, "", 2*time.Second)
	require.Equal(t, 0, code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.EqualValues(t, 4, result["version"])
	require.EqualValues(t, 2, result["stratum"])
	require.Contains(t, result, "offset")
	require.Contains(t, result, "client_sent_time")
	require.Contains(t, result, "tx_timestamp")
}

func TestNTPInfo_NtpProbe_TimeoutExitCode(t *testing.T) {
	t.Parallel()

	// Nothing listens on this socket once it closes.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())

	var out bytes.Buffer
	code := runNTP(t.Context(), &out, addr, 4, "", 200*time.Millisecond)
	require.Equal(t, 3, code)
	require.NotEmpty(t, out.String())
}

func TestNTPInfo_NtpProbe_AllVersionsAlwaysExitsZero(t *testing.T) {
	t.Parallel()

	addr := startEchoServer(t)

	var out bytes.Buffer
	code := runAll(t.Context(), &out, addr, "", 500*time.Millisecond)
	require.Equal(t, 0, code)

	var sweep map[string]map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &sweep))
	require.Len(t, sweep, 5)
	for _, key := range []string{"ntpv1", "ntpv2", "ntpv3", "ntpv4", "ntpv5"} {
		slot := sweep[key]
		_, hasResult := slot["result"]
		_, hasError := slot["error"]
		require.True(t, hasResult || hasError, key)
	}
	// The echo server only speaks the classic layout; v1 through v4 succeed.
	require.Contains(t, sweep["ntpv4"], "result")
}

func TestNTPInfo_NtpProbe_NTSBadFamilyPreference(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	code := runNTS(&out, "time.example.org", "ipv9", time.Second)
	require.Equal(t, 4, code)
	require.Contains(t, out.String(), "ipv9")
}

func TestNTPInfo_NtpProbe_UsageErrorExitsOne(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, run([]string{"ntpv4"}))
}
