// Package ntptime implements NTP 32.32 fixed-point timestamps and the
// offset, round-trip and jitter arithmetic shared by every measurement path.
package ntptime

import "time"

// eraOffset is the number of seconds between the NTP era-1 epoch
// (1900-01-01 UTC) and the Unix epoch.
const eraOffset = 2208988800

const fracScale = float64(1 << 32)

// Timestamp is an NTP timestamp: whole seconds since the era-1 epoch and a
// 32-bit binary fraction of a second.
type Timestamp struct {
	Seconds  uint32 `json:"seconds"`
	Fraction uint32 `json:"fraction"`
}

// FromUint64 unpacks the 64-bit wire form.
func FromUint64(v uint64) Timestamp {
	return Timestamp{
		Seconds:  uint32(v >> 32),
		Fraction: uint32(v),
	}
}

// ToUint64 packs the timestamp into its 64-bit wire form.
func (t Timestamp) ToUint64() uint64 {
	return uint64(t.Seconds)<<32 | uint64(t.Fraction)
}

// FromFloat converts float seconds to a timestamp, truncating below the
// 32-bit fraction resolution. Negative values clamp to zero.
func FromFloat(v float64) Timestamp {
	if v <= 0 {
		return Timestamp{}
	}
	sec := uint32(v)
	return Timestamp{
		Seconds:  sec,
		Fraction: uint32((v - float64(sec)) * fracScale),
	}
}

// FromUnix converts a wall-clock time to an NTP timestamp.
func FromUnix(t time.Time) Timestamp {
	return Timestamp{
		Seconds:  uint32(t.Unix() + eraOffset),
		Fraction: uint32((uint64(t.Nanosecond()) << 32) / 1e9),
	}
}

// ToUnix converts the timestamp back to wall-clock time, truncated to
// nanosecond resolution.
func (t Timestamp) ToUnix() time.Time {
	ns := (uint64(t.Fraction) * 1e9) >> 32
	return time.Unix(int64(t.Seconds)-eraOffset, int64(ns)).UTC()
}

// Float64 returns the timestamp as float seconds since the era-1 epoch.
func (t Timestamp) Float64() float64 {
	return float64(t.Seconds) + float64(t.Fraction)/fracScale
}

// IsZero reports whether both halves are zero, the wire encoding for an
// unset timestamp.
func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Fraction == 0
}
