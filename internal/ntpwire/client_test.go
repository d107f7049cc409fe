package ntpwire

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NTPinfo/NTPinfo/internal/ntptime"
)

// startFakeServer serves one UDP socket on the loopback; handle returns the
// datagram to send back, or nil to stay silent.
func startFakeServer(t *testing.T, handle func(req []byte) []byte) string {
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
			if resp := handle(append([]byte(nil), buf[:n]...)); resp != nil {
				pc.WriteTo(resp, addr) //nolint:errcheck
			}
		}
	}()
	return pc.LocalAddr().String()
}

func TestNTPInfo_NtpWire_Query_ClassicExchange(t *testing.T) {
	t.Parallel()

	addr := startFakeServer(t, func(req []byte) []byte {
		reqH, err := DecodeHeader(req)
		if err != nil || reqH.Version != 3 || reqH.Mode != modeClient || reqH.TransmitTime.IsZero() {
			return nil
		}
		// Pretend the server clock runs one second ahead and answers
		// instantly.
		serverTime := ntptime.Timestamp{Seconds: reqH.TransmitTime.Seconds + 1, Fraction: reqH.TransmitTime.Fraction}
		resp := &Header{
			Leap:         0,
			Version:      3,
			Mode:         4,
			Stratum:      2,
			Poll:         6,
			Precision:    -23,
			RootDelay:    0x00018000,
			RefID:        0x5EC69F0E,
			RefTime:      ntptime.Timestamp{Seconds: serverTime.Seconds - 100},
			OriginTime:   reqH.TransmitTime,
			ReceiveTime:  serverTime,
			TransmitTime: serverTime,
		}
		return resp.Encode()
	})

	result, err := Query(t.Context(), addr, 3, "", 2*time.Second)
	require.NoError(t, err)

	require.EqualValues(t, 3, result["version"])
	require.EqualValues(t, 4, result["mode"])
	require.EqualValues(t, 2, result["stratum"])
	require.Equal(t, 1.5, result["root_delay"])
	require.EqualValues(t, 0x5EC69F0E, result["ref_id"])

	// The server echoes t1 as the origin timestamp.
	require.Equal(t, result["client_sent_time"], result["orig_timestamp"])

	require.InDelta(t, 1.0, result["offset"].(float64), 0.2)
	require.InDelta(t, 0.0, result["rtt"].(float64), 0.2)
	require.NotContains(t, result, "extensions")
}

func TestNTPInfo_NtpWire_Query_V5Exchange(t *testing.T) {
	t.Parallel()

	addr := startFakeServer(t, func(req []byte) []byte {
		reqH, err := DecodeHeaderV5(req)
		if err != nil || reqH.Version != 5 || reqH.Mode != modeClient || reqH.ClientCookie == 0 {
			return nil
		}
		now := ntptime.FromUnix(time.Now())
		resp := &HeaderV5{
			Version:      5,
			Mode:         4,
			Stratum:      1,
			Precision:    -20,
			Timescale:    1,
			Flags:        flagSynchronized,
			ServerCookie: 0xCAFE,
			ClientCookie: reqH.ClientCookie,
			ReceiveTime:  now,
			TransmitTime: now,
		}
		return resp.Encode()
	})

	result, err := Query(t.Context(), addr, 5, "draft-ietf-ntp-ntpv5-05", 2*time.Second)
	require.NoError(t, err)

	require.EqualValues(t, 5, result["version"])
	require.EqualValues(t, 1, result["timescale"])
	require.EqualValues(t, 0xCAFE, result["server_cookie"])
	require.Equal(t, true, result["client_cookie_valid"])
	require.Equal(t, "draft-ietf-ntp-ntpv5-05", result["draft"])

	flags, ok := result["flags_decoded"].(map[string]bool)
	require.True(t, ok)
	require.True(t, flags["synchronized"])
	require.False(t, flags["auth_nak"])

	require.InDelta(t, 0.0, result["offset"].(float64), 0.5)
}

func TestNTPInfo_NtpWire_Query_V5CookieMismatch(t *testing.T) {
	t.Parallel()

	addr := startFakeServer(t, func(req []byte) []byte {
		reqH, err := DecodeHeaderV5(req)
		if err != nil {
			return nil
		}
		resp := &HeaderV5{
			Version:      5,
			Mode:         4,
			ClientCookie: reqH.ClientCookie + 1,
		}
		return resp.Encode()
	})

	result, err := Query(t.Context(), addr, 5, "", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, false, result["client_cookie_valid"])
}

func TestNTPInfo_NtpWire_Query_Timeout(t *testing.T) {
	t.Parallel()

	addr := startFakeServer(t, func([]byte) []byte { return nil })

	_, err := Query(t.Context(), addr, 4, "", 100*time.Millisecond)
	var qErr *QueryError
	require.ErrorAs(t, err, &qErr)
	require.Equal(t, FailTimeout, qErr.Kind)
	require.Equal(t, 3, qErr.ExitCode())
}

func TestNTPInfo_NtpWire_Query_ShortResponse(t *testing.T) {
	t.Parallel()

	addr := startFakeServer(t, func([]byte) []byte { return make([]byte, 10) })

	_, err := Query(t.Context(), addr, 4, "", 2*time.Second)
	var qErr *QueryError
	require.ErrorAs(t, err, &qErr)
	require.Equal(t, FailParse, qErr.Kind)
	require.Equal(t, 4, qErr.ExitCode())
}

func TestNTPInfo_NtpWire_Query_VersionOutOfRange(t *testing.T) {
	t.Parallel()

	for _, version := range []int{0, 6} {
		_, err := Query(t.Context(), "127.0.0.1:1", version, "", time.Second)
		var qErr *QueryError
		require.ErrorAs(t, err, &qErr)
		require.Equal(t, FailParse, qErr.Kind)
	}
}

func TestNTPInfo_NtpWire_Query_ConnectFailure(t *testing.T) {
	t.Parallel()

	_, err := Query(t.Context(), "host.invalid", 4, "", time.Second)
	var qErr *QueryError
	require.True(t, errors.As(err, &qErr))
	require.Equal(t, FailConnect, qErr.Kind)
	require.Equal(t, 1, qErr.ExitCode())
}
