package versions

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/NTPinfo/NTPinfo/internal/probe"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, src string) probe.Record {
	t.Helper()

	var rec probe.Record
	dec := json.NewDecoder(strings.NewReader(src))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&rec))
	return rec
}

func TestNTPInfo_Versions_Analyze_V1(t *testing.T) {
	t.Parallel()

	t.Run("no version field means supported", func(t *testing.T) {
		t.Parallel()
		a := Analyze(1, 4, probe.VersionResult{Result: record(t, `{"stratum": 2}`)})
		require.Equal(t, "100", a.Confidence)
		require.Contains(t, a.Text, "supports NTPv1")
		require.Equal(t, 1, a.ResponseVersion)
		require.True(t, a.Parsed())
	})

	t.Run("advertised version rejects v1", func(t *testing.T) {
		t.Parallel()
		a := Analyze(1, 4, probe.VersionResult{Result: record(t, `{"version": 4}`)})
		require.Equal(t, "25", a.Confidence)
		require.Contains(t, a.Text, "not NTPv1")
		require.Contains(t, a.Text, "4")
		require.Equal(t, 4, a.ResponseVersion)
	})

	t.Run("probe error", func(t *testing.T) {
		t.Parallel()
		a := Analyze(1, 4, probe.VersionResult{Error: "measurement timeout: read udp: i/o timeout"})
		require.Equal(t, "0", a.Confidence)
		require.Contains(t, a.Text, "timeout")
		require.False(t, a.Parsed())
	})
}

func TestNTPInfo_Versions_Analyze_V2RefIDRewrite(t *testing.T) {
	t.Parallel()

	rec := record(t, `{"version": 2, "stratum": 2, "ref_id": 1590075150}`)
	a := Analyze(2, 4, probe.VersionResult{Result: rec})
	require.Equal(t, "100", a.Confidence)
	require.Contains(t, a.Text, "It supports NTPv2.")
	require.Equal(t, 2, a.ResponseVersion)
	require.Equal(t, "94.198.159.14", rec["ref_id"])
}

func TestNTPInfo_Versions_Analyze_V4KissCode(t *testing.T) {
	t.Parallel()

	// 1314149198 is 0x4e54534e, the "NTSN" kiss code.
	rec := record(t, `{"version": 4, "stratum": 0, "ref_id": 1314149198}`)
	a := Analyze(4, 4, probe.VersionResult{Result: rec})
	require.Equal(t, "75 or 100", a.Confidence)
	require.Contains(t, a.Text, "It supports NTPv4.")
	require.Equal(t, "NTSN", rec["ref_id"])
}

func TestNTPInfo_Versions_Analyze_V4IPv6Hash(t *testing.T) {
	t.Parallel()

	rec := record(t, `{"version": 4, "stratum": 2, "ref_id": 1590075150}`)
	a := Analyze(4, 6, probe.VersionResult{Result: rec})
	require.Equal(t, "75 or 100", a.Confidence)
	require.Equal(t, "IPv6 MD5 hash: 0x5ec69f0e", rec["ref_id"])
}

func TestNTPInfo_Versions_Analyze_VersionMismatch(t *testing.T) {
	t.Parallel()

	a := Analyze(3, 4, probe.VersionResult{Result: record(t, `{"version": 4, "stratum": 2, "ref_id": 1590075150}`)})
	require.Equal(t, "50", a.Confidence)
	require.Contains(t, a.Text, "different NTP version: version 4. Wanted ntpv3.")
	require.Equal(t, 4, a.ResponseVersion)
}

func TestNTPInfo_Versions_Analyze_RefIDTranslationFailure(t *testing.T) {
	t.Parallel()

	// ref_id missing entirely: v2 drops from 100 to 75, v3 from "75 or 100"
	// to 75, v4 keeps its confidence but records the failure.
	a2 := Analyze(2, 4, probe.VersionResult{Result: record(t, `{"version": 2, "stratum": 2}`)})
	require.Equal(t, "75", a2.Confidence)
	require.Contains(t, a2.Text, "Could not translate ref id")

	a3 := Analyze(3, 4, probe.VersionResult{Result: record(t, `{"version": 3, "stratum": 2}`)})
	require.Equal(t, "75", a3.Confidence)
	require.Contains(t, a3.Text, "Could not translate ref id")

	a4 := Analyze(4, 4, probe.VersionResult{Result: record(t, `{"version": 4, "stratum": 2}`)})
	require.Equal(t, "75 or 100", a4.Confidence)
	require.Contains(t, a4.Text, "Could not translate ref id")
}

func TestNTPInfo_Versions_Analyze_V5(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rec      string
		wantConf string
		wantText string
	}{
		{
			name:     "valid draft header",
			rec:      `{"version": 5, "era": 0, "timescale": 0, "client_cookie": 123}`,
			wantConf: "100",
			wantText: "It supports NTPv5. Format seems ok",
		},
		{
			name:     "bad era",
			rec:      `{"version": 5, "era": 3, "timescale": 0, "client_cookie": 123}`,
			wantConf: "75",
			wantText: "era is invalid",
		},
		{
			name:     "bad timescale",
			rec:      `{"version": 5, "era": 1, "timescale": 9, "client_cookie": 123}`,
			wantConf: "75",
			wantText: "timescale is invalid",
		},
		{
			name:     "zero client cookie",
			rec:      `{"version": 5, "era": 0, "timescale": 0, "client_cookie": 0}`,
			wantConf: "75",
			wantText: "client_cookie is 0",
		},
		{
			name:     "v4 wearing a v5 version number",
			rec:      `{"version": 5, "stratum": 2}`,
			wantConf: "25",
			wantText: "response format is invalid",
		},
		{
			name:     "different version",
			rec:      `{"version": 4, "stratum": 2}`,
			wantConf: "50",
			wantText: "different NTP version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := Analyze(5, 4, probe.VersionResult{Result: record(t, tt.rec)})
			require.Equal(t, tt.wantConf, a.Confidence)
			require.Contains(t, a.Text, tt.wantText)
		})
	}
}

func TestNTPInfo_Versions_TranslateRefID(t *testing.T) {
	t.Parallel()

	got, err := TranslateRefID(0x4e54534e, 0, 4)
	require.NoError(t, err)
	require.Equal(t, "NTSN", got)

	got, err = TranslateRefID(0x4e54534e, 1, 6)
	require.NoError(t, err)
	require.Equal(t, "NTSN", got)

	got, err = TranslateRefID(1590075150, 2, 4)
	require.NoError(t, err)
	require.Equal(t, "94.198.159.14", got)

	got, err = TranslateRefID(1590075150, 2, 6)
	require.NoError(t, err)
	require.Equal(t, "IPv6 MD5 hash: 0x5ec69f0e", got)

	_, err = TranslateRefID(1590075150, 2000, 4)
	require.Error(t, err)

	// A binary ref id at stratum 1 is not a kiss code.
	_, err = TranslateRefID(0x00010203, 1, 4)
	require.Error(t, err)
}
