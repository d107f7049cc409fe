package orchestrator

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Settings are the client-tunable knobs of a composite measurement. The
// zero value (plus Normalize) is a valid default configuration.
type Settings struct {
	Server          string `json:"server"`
	IPv6Measurement bool   `json:"ipv6_measurement"`
	// MeasurementType picks the primary probe version, "ntpv1".."ntpv5".
	MeasurementType      string   `json:"measurement_type"`
	NTPVersionsToAnalyze []string `json:"ntp_versions_to_analyze"`
	// AnalyseAllNTPVersions defaults to true when omitted.
	AnalyseAllNTPVersions       *bool  `json:"analyse_all_ntp_versions"`
	NTPVersionsAnalysisOnEachIP bool   `json:"ntp_versions_analysis_on_each_ip"`
	NTSAnalysisOnEachIP         bool   `json:"nts_analysis_on_each_ip"`
	NTPv5Draft                  string `json:"ntpv5_draft"`
	CustomProbesASN             string `json:"custom_probes_asn"`
	CustomProbesCountry         string `json:"custom_probes_country"`
	CustomClientIP              string `json:"custom_client_ip"`
	WantedIPType                int    `json:"wanted_ip_type"`
}

var versionNames = map[string]int{
	"ntpv1": 1, "ntpv2": 2, "ntpv3": 3, "ntpv4": 4, "ntpv5": 5,
}

func (s *Settings) Validate() error {
	if s.MeasurementType != "" {
		if _, ok := versionNames[strings.ToLower(s.MeasurementType)]; !ok {
			return fmt.Errorf("measurement_type %q must be one of ntpv1..ntpv5", s.MeasurementType)
		}
	}
	seen := make(map[string]struct{}, len(s.NTPVersionsToAnalyze))
	for _, v := range s.NTPVersionsToAnalyze {
		name := strings.ToLower(v)
		if _, ok := versionNames[name]; !ok {
			return fmt.Errorf("ntp_versions_to_analyze element %q must be one of ntpv1..ntpv5", v)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("ntp_versions_to_analyze lists %q twice", v)
		}
		seen[name] = struct{}{}
	}
	if s.WantedIPType != 0 && s.WantedIPType != 4 && s.WantedIPType != 6 {
		return errors.New("wanted_ip_type must be 4 or 6")
	}
	if s.CustomClientIP != "" {
		if _, err := netip.ParseAddr(s.CustomClientIP); err != nil {
			return fmt.Errorf("custom_client_ip %q is not a valid IP address", s.CustomClientIP)
		}
	}
	return nil
}

// Normalize fills derived fields: the wanted family from ipv6_measurement
// when not set explicitly, and the primary version from the service default.
func (s *Settings) Normalize(defaultVersion int) {
	if s.WantedIPType == 0 {
		if s.IPv6Measurement {
			s.WantedIPType = 6
		} else {
			s.WantedIPType = 4
		}
	}
	if s.MeasurementType == "" {
		s.MeasurementType = fmt.Sprintf("ntpv%d", defaultVersion)
	}
	s.MeasurementType = strings.ToLower(s.MeasurementType)
}

// RequestedVersion is the primary probe version number.
func (s *Settings) RequestedVersion() int {
	if v, ok := versionNames[s.MeasurementType]; ok {
		return v
	}
	return 4
}

// Family returns the wanted address family, 4 or 6.
func (s *Settings) Family() int {
	if s.WantedIPType == 6 {
		return 6
	}
	return 4
}

// FamilyPreference is Family in the probe tool's vocabulary.
func (s *Settings) FamilyPreference() string {
	if s.Family() == 6 {
		return "ipv6"
	}
	return "ipv4"
}

// SweepWanted reports whether the version sweep stage runs at all.
func (s *Settings) SweepWanted() bool {
	return s.AnalyseAll() || len(s.NTPVersionsToAnalyze) > 0
}

// AnalyseAll reports the analyse_all_ntp_versions flag with its default.
func (s *Settings) AnalyseAll() bool {
	return s.AnalyseAllNTPVersions == nil || *s.AnalyseAllNTPVersions
}

// SweepVersions lists the versions the sweep analyzes, ascending. An
// explicit subset wins over the analyse-all default.
func (s *Settings) SweepVersions() []int {
	if len(s.NTPVersionsToAnalyze) > 0 {
		want := make([]int, 0, len(s.NTPVersionsToAnalyze))
		for n := 1; n <= 5; n++ {
			for _, name := range s.NTPVersionsToAnalyze {
				if versionNames[strings.ToLower(name)] == n {
					want = append(want, n)
					break
				}
			}
		}
		return want
	}
	if s.AnalyseAll() {
		return []int{1, 2, 3, 4, 5}
	}
	return nil
}
