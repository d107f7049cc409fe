package probe

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestProber(t *testing.T, run Runner) *Prober {
	t.Helper()

	p, err := New(Config{
		Logger:  logger.With("test", t.Name()),
		BinPath: "ntpprobe",
		Timeout: 7 * time.Second,
		Runner:  run,
	})
	require.NoError(t, err)
	return p
}

func TestNTPInfo_Probe_New_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BinPath: "ntpprobe", Timeout: time.Second})
	require.ErrorContains(t, err, "logger")

	_, err = New(Config{Logger: logger, Timeout: time.Second})
	require.ErrorContains(t, err, "binary path")

	_, err = New(Config{Logger: logger, BinPath: "ntpprobe"})
	require.ErrorContains(t, err, "timeout")
}

func TestNTPInfo_Probe_ProbeNTP_ParsesV4Response(t *testing.T) {
	t.Parallel()

	mock := &mockRunner{
		RunFunc: func(ctx context.Context, bin string, args ...string) (RunResult, error) {
			require.Equal(t, "ntpprobe", bin)
			require.Equal(t, []string{"ntpv4", "time.example.org", "--timeout", "7s"}, args)
			return RunResult{Stdout: `{
				"leap": 0, "version": 4, "mode": 4, "stratum": 2,
				"poll": 6, "precision": -25,
				"root_delay": 0.0123, "root_disp": 0.001,
				"ref_id": 1590075150,
				"ref_timestamp": 16852520167249468000,
				"orig_timestamp": 16852520200000000001,
				"recv_timestamp": 16852520200000000002,
				"tx_timestamp": 16852520200000000003,
				"client_sent_time": 16852520200000000001,
				"client_recv_time": 16852520200000000004,
				"rtt": 0.0021, "offset": -0.0004
			}`}, nil
		},
	}
	p := newTestProber(t, mock)

	tag, rec, err := p.ProbeNTP(t.Context(), "time.example.org", 4, "")
	require.NoError(t, err)
	require.Equal(t, "ntpv4", tag)

	v, ok := rec.Version()
	require.True(t, ok)
	require.Equal(t, 4, v)
	require.Equal(t, 2, rec.Stratum())

	// 64-bit timestamps must survive exactly
	tx, ok := rec.Uint("tx_timestamp")
	require.True(t, ok)
	require.Equal(t, uint64(16852520200000000003), tx)

	ts, ok := rec.Timestamp("client_recv_time")
	require.True(t, ok)
	require.Equal(t, uint64(16852520200000000004), ts.ToUint64())

	offset, ok := rec.Float("offset")
	require.True(t, ok)
	require.InDelta(t, -0.0004, offset, 1e-9)
}

func TestNTPInfo_Probe_ProbeNTP_V5DraftFlagAndTag(t *testing.T) {
	t.Parallel()

	mock := &mockRunner{
		RunFunc: func(ctx context.Context, bin string, args ...string) (RunResult, error) {
			require.Equal(t, []string{"ntpv5", "time.example.org", "--timeout", "7s", "--draft", "draft-ietf-ntp-ntpv5-02"}, args)
			return RunResult{Stdout: `{"version": 5, "era": 0, "timescale": 0, "client_cookie": 7777, "server_cookie": 1234}`}, nil
		},
	}
	p := newTestProber(t, mock)

	tag, rec, err := p.ProbeNTP(t.Context(), "time.example.org", 5, "draft-ietf-ntp-ntpv5-02")
	require.NoError(t, err)
	require.Equal(t, "ntpv5", tag)

	cookie, ok := rec.Uint("client_cookie")
	require.True(t, ok)
	require.Equal(t, uint64(7777), cookie)
}

func TestNTPInfo_Probe_ProbeNTP_LowerVersionResponseTagsV4(t *testing.T) {
	t.Parallel()

	mock := &mockRunner{
		RunFunc: func(ctx context.Context, bin string, args ...string) (RunResult, error) {
			return RunResult{Stdout: `{"version": 3, "stratum": 1}`}, nil
		},
	}
	p := newTestProber(t, mock)

	tag, _, err := p.ProbeNTP(t.Context(), "10.0.0.1", 5, "")
	require.NoError(t, err)
	require.Equal(t, "ntpv4", tag)
}

func TestNTPInfo_Probe_ProbeNTP_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		run     func(ctx context.Context, bin string, args ...string) (RunResult, error)
		version int
		check   func(t *testing.T, err error)
	}{
		{
			name: "binary missing",
			run: func(ctx context.Context, bin string, args ...string) (RunResult, error) {
				return RunResult{}, exec.ErrNotFound
			},
			version: 4,
			check: func(t *testing.T, err error) {
				require.True(t, IsUnavailable(err))
				require.ErrorIs(t, err, exec.ErrNotFound)
			},
		},
		{
			name: "tool reports timeout",
			run: func(ctx context.Context, bin string, args ...string) (RunResult, error) {
				return RunResult{Stdout: "measurement timeout: read udp: i/o timeout\n", ExitCode: 3}, nil
			},
			version: 4,
			check: func(t *testing.T, err error) {
				require.True(t, IsMeasurementFailed(err))
				var pe *ProbeError
				require.ErrorAs(t, err, &pe)
				require.Equal(t, "measurement timeout: read udp: i/o timeout", pe.Message)
			},
		},
		{
			name: "diagnostic sanitized",
			run: func(ctx context.Context, bin string, args ...string) (RunResult, error) {
				return RunResult{Stdout: "error connecting: \x1b[31mboom\x07\nsecond line", ExitCode: 1}, nil
			},
			version: 4,
			check: func(t *testing.T, err error) {
				require.True(t, IsMeasurementFailed(err))
				var pe *ProbeError
				require.ErrorAs(t, err, &pe)
				require.Equal(t, "error connecting: [31mboom", pe.Message)
			},
		},
		{
			name: "garbage output",
			run: func(ctx context.Context, bin string, args ...string) (RunResult, error) {
				return RunResult{Stdout: "not json at all"}, nil
			},
			version: 4,
			check: func(t *testing.T, err error) {
				require.True(t, IsOutputInvalid(err))
			},
		},
		{
			name:    "unsupported version",
			run:     nil,
			version: 9,
			check: func(t *testing.T, err error) {
				var pe *ProbeError
				require.ErrorAs(t, err, &pe)
				require.Equal(t, ErrorTypeValidation, pe.Type)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newTestProber(t, &mockRunner{RunFunc: tt.run})
			_, _, err := p.ProbeNTP(t.Context(), "time.example.org", tt.version, "")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestNTPInfo_Probe_ProbeAllVersions(t *testing.T) {
	t.Parallel()

	mock := &mockRunner{
		RunFunc: func(ctx context.Context, bin string, args ...string) (RunResult, error) {
			require.Equal(t, []string{"allntpv", "time.example.org", "--timeout", "7s", "--draft", "draft-ietf-ntp-ntpv5-02"}, args)
			return RunResult{Stdout: `{
				"ntpv1": {"result": {"stratum": 2}},
				"ntpv2": {"result": {"version": 2, "stratum": 2}},
				"ntpv3": {"result": {"version": 3, "stratum": 2}},
				"ntpv4": {"result": {"version": 4, "stratum": 2}},
				"ntpv5": {"error": "measurement timeout: read udp: i/o timeout"}
			}`}, nil
		},
	}
	p := newTestProber(t, mock)

	sweep, err := p.ProbeAllVersions(t.Context(), "time.example.org", "draft-ietf-ntp-ntpv5-02")
	require.NoError(t, err)
	require.Len(t, sweep, 5)

	require.Empty(t, sweep["ntpv2"].Error)
	v, ok := sweep["ntpv2"].Result.Version()
	require.True(t, ok)
	require.Equal(t, 2, v)

	_, ok = sweep["ntpv1"].Result.Version()
	require.False(t, ok)

	require.Nil(t, sweep["ntpv5"].Result)
	require.Contains(t, sweep["ntpv5"].Error, "timeout")
}

func TestNTPInfo_Probe_ProbeAllVersions_InvokeError(t *testing.T) {
	t.Parallel()

	p := newTestProber(t, &mockRunner{
		RunFunc: func(ctx context.Context, bin string, args ...string) (RunResult, error) {
			return RunResult{}, errors.New("fork failed")
		},
	})

	_, err := p.ProbeAllVersions(t.Context(), "time.example.org", "")
	require.True(t, IsUnavailable(err))
}
