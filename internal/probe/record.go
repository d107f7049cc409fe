package probe

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/NTPinfo/NTPinfo/internal/ntptime"
)

// Record is one parsed NTP response from the probe tool. Keys mirror the
// tool's JSON output so the persisted document is exactly what the tool
// reported; numbers are kept as json.Number to preserve full 64-bit
// timestamps.
type Record map[string]any

// Has reports whether the tool emitted the field at all.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Int returns the field as an int64. The second result is false when the
// field is missing or not numeric.
func (r Record) Int(key string) (int64, bool) {
	n, ok := r[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// Uint returns the field as a uint64, for the packed 32.32 timestamps.
func (r Record) Uint(key string) (uint64, bool) {
	n, ok := r[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Float returns the field as a float64.
func (r Record) Float(key string) (float64, bool) {
	n, ok := r[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// String returns the field as a string.
func (r Record) String(key string) (string, bool) {
	s, ok := r[key].(string)
	return s, ok
}

// Version returns the advertised NTP version, if present.
func (r Record) Version() (int, bool) {
	v, ok := r.Int("version")
	return int(v), ok
}

// Stratum returns the stratum field, defaulting to 0.
func (r Record) Stratum() int {
	v, _ := r.Int("stratum")
	return int(v)
}

// Timestamp unpacks a packed 64-bit timestamp field.
func (r Record) Timestamp(key string) (ntptime.Timestamp, bool) {
	v, ok := r.Uint(key)
	if !ok {
		return ntptime.Timestamp{}, false
	}
	return ntptime.FromUint64(v), true
}

// decodeRecord parses one JSON object with numbers preserved.
func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := unmarshalUseNumber(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// unmarshalUseNumber decodes JSON keeping numbers as json.Number so 64-bit
// timestamps survive intact.
func unmarshalUseNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
