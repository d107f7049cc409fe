// Package versions scores how confident we are that a server genuinely
// implements the NTP version it was probed with. Confidence is one of
// "0", "25", "50", "75", "75 or 100" or "100", always a string, paired with
// a human-readable analysis.
package versions

import (
	"fmt"

	"github.com/NTPinfo/NTPinfo/internal/probe"
)

// Analysis is the verdict for one version slot of a sweep.
type Analysis struct {
	Confidence string
	Text       string
	// ResponseVersion is the version the server advertised, or 0 when no
	// response parsed. NTPv1 responses carry no version field and count
	// as 1.
	ResponseVersion int
	// Record is the parsed response with ref_id rewritten to its readable
	// form. Nil when confidence is "0".
	Record probe.Record
}

// Parsed reports whether the slot holds a usable response.
func (a Analysis) Parsed() bool {
	return a.Record != nil
}

// Analyze scores one sweep slot for the requested version. family is the IP
// family of the measured server (4 or 6) and only influences how the
// reference id is rendered.
func Analyze(version, family int, slot probe.VersionResult) Analysis {
	if slot.Error != "" {
		return Analysis{Confidence: "0", Text: slot.Error}
	}
	if slot.Result == nil {
		return Analysis{Confidence: "0", Text: "Received something, but could not parse the response."}
	}

	switch version {
	case 1:
		return analyzeV1(slot.Result)
	case 2, 3, 4:
		return analyzeClassic(version, family, slot.Result)
	case 5:
		return analyzeV5(slot.Result)
	default:
		return Analysis{Confidence: "0", Text: fmt.Sprintf("ntpv%d is not a known NTP version", version)}
	}
}

// analyzeV1 trusts any response without a version field: NTPv1 is too
// minimal to verify further.
func analyzeV1(rec probe.Record) Analysis {
	if v, ok := rec.Version(); ok {
		return Analysis{
			Confidence:      "25",
			Text:            fmt.Sprintf("The received result is not NTPv1. The version is: %d", v),
			ResponseVersion: v,
			Record:          rec,
		}
	}
	return Analysis{
		Confidence:      "100",
		Text:            "It supports NTPv1.",
		ResponseVersion: 1,
		Record:          rec,
	}
}

func analyzeClassic(version, family int, rec probe.Record) Analysis {
	a := Analysis{Record: rec}

	got, ok := rec.Version()
	a.ResponseVersion = got
	switch {
	case ok && got == version:
		if version == 2 {
			a.Confidence = "100"
		} else {
			// v3 and v4 responses are indistinguishable on the wire, so a
			// matching version field cannot fully separate them.
			a.Confidence = "75 or 100"
		}
		a.Text = fmt.Sprintf("It supports NTPv%d.", version)
	case ok:
		a.Confidence = "50"
		a.Text = fmt.Sprintf("Received an NTP response, but with a different NTP version: version %d. Wanted ntpv%d.", got, version)
	default:
		// No version field at all is the NTPv1 wire shape.
		a.Confidence = "50"
		a.Text = fmt.Sprintf("Received an NTP response without a version field. Wanted ntpv%d.", version)
		a.ResponseVersion = 1
	}

	if err := rewriteRefID(rec, family); err != nil {
		if a.Confidence == "100" || version == 3 {
			a.Confidence = "75"
		}
		a.Text += "\nCould not translate ref id"
	}
	return a
}

func analyzeV5(rec probe.Record) Analysis {
	got, ok := rec.Version()
	if !ok {
		return Analysis{
			Confidence:      "50",
			Text:            "Received an NTP response without a version field. Wanted ntpv5.",
			ResponseVersion: 1,
			Record:          rec,
		}
	}
	if got != 5 {
		return Analysis{
			Confidence:      "50",
			Text:            fmt.Sprintf("Received an NTP response, but with a different NTP version: version %d. Wanted ntpv5.", got),
			ResponseVersion: got,
			Record:          rec,
		}
	}

	a := Analysis{ResponseVersion: 5, Record: rec}
	era, eraOK := rec.Int("era")
	timescale, tsOK := rec.Int("timescale")
	cookie, cookieOK := rec.Uint("client_cookie")
	switch {
	case !eraOK || !tsOK || !cookieOK:
		// Advertises version 5 but the draft header fields did not decode;
		// likely v4 framing behind a spoofed version number.
		a.Confidence = "25"
		a.Text = fmt.Sprintf("It may support NTPv5, but response format is invalid: %s", missingV5Field(eraOK, tsOK, cookieOK))
	case era > 1:
		a.Confidence = "75"
		a.Text = "era is invalid"
	case timescale > 4:
		a.Confidence = "75"
		a.Text = "timescale is invalid"
	case cookie == 0:
		a.Confidence = "75"
		a.Text = "client_cookie is 0, which is not good"
	default:
		a.Confidence = "100"
		a.Text = "It supports NTPv5. Format seems ok"
	}
	return a
}

func missingV5Field(eraOK, tsOK, cookieOK bool) string {
	switch {
	case !eraOK:
		return "missing era"
	case !tsOK:
		return "missing timescale"
	default:
		return "missing client_cookie"
	}
}

// rewriteRefID replaces the numeric ref_id in the record with its readable
// translation.
func rewriteRefID(rec probe.Record, family int) error {
	raw, ok := rec.Uint("ref_id")
	if !ok {
		return fmt.Errorf("ref_id missing or not numeric")
	}
	translated, err := TranslateRefID(uint32(raw), rec.Stratum(), family)
	if err != nil {
		return err
	}
	rec["ref_id"] = translated
	return nil
}
