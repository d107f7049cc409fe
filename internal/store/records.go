package store

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a composite measurement. It only moves
// forward; finished and failed are absorbing.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunningRipe     Status = "running-ripe"
	StatusRunningNTPPerIP Status = "running-ntp-per-ip"
	StatusRunningNTS      Status = "running-nts"
	StatusRunningVersions Status = "running-versions"
	StatusFinished        Status = "finished"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Rank orders statuses along the lifecycle; terminal states share the top.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunningRipe:
		return 1
	case StatusRunningNTPPerIP:
		return 2
	case StatusRunningNTS:
		return 3
	case StatusRunningVersions:
		return 4
	case StatusFinished, StatusFailed:
		return 5
	}
	return -1
}

// Record classes stored in response_version / measurement_type columns.
const (
	ClassNTPv4 = "ntpv4"
	ClassNTPv5 = "ntpv5"
)

// NTPv4Record is one captured v1..v4 response (the version travels inside
// the JSON payload).
type NTPv4Record struct {
	ID   int64
	Data json.RawMessage
}

// NTPv5Record is one captured v5 response plus the draft it was probed with.
type NTPv5Record struct {
	ID        int64
	DraftName string
	Data      json.RawMessage
	Analysis  string
}

// NTSRecord is one NTS key-establishment + query attempt.
type NTSRecord struct {
	ID           int64
	Succeeded    bool
	Host         string
	MeasuredIP   string
	MeasuredPort int
	Data         json.RawMessage
	KissCode     string
	Analysis     string
	Version      int16
}

// VersionSlot is one version's entry in a VersionsSummary. RecordID points
// into ntpv4_measurement or ntpv5_measurement depending on ResponseVersion.
type VersionSlot struct {
	RecordID        *int64
	Confidence      string
	ResponseVersion *int16
	Analysis        string
}

// VersionsSummary holds the five per-version sweep results; Slots[n-1] is
// version n.
type VersionsSummary struct {
	ID    int64
	Slots [5]VersionSlot
}

// IPMeasurement is one full_ntp_measurement_ip row.
type IPMeasurement struct {
	ID              int64
	Status          Status
	ServerIP        string
	CreatedAt       time.Time
	NTSID           *int64
	VersionsID      *int64
	RipeID          *string
	MeasurementType *string
	MainID          *int64
	ResponseVersion *string
	ResponseError   *string
	RipeError       *string
	Settings        json.RawMessage
}

// DNMeasurement is one full_ntp_measurement_dn row.
type DNMeasurement struct {
	ID            int64
	Status        Status
	Server        string
	CreatedAt     time.Time
	NTSID         *int64
	VersionsID    *int64
	RipeID        *string
	ResponseError *string
	RipeError     *string
	Settings      json.RawMessage
}

// ServerInfo is a per-record geo side row (server_info_v4/v5).
type ServerInfo struct {
	IPIsAnycast    bool
	ASN            uint
	CountryCode    string
	Latitude       float64
	Longitude      float64
	VantagePointIP string
}

// SimpleMeasurement is one synchronous-path measurement plus its raw
// exchange timestamps; the 32.32 fixed-point values are stored split into
// seconds and fraction columns.
type SimpleMeasurement struct {
	ID             int64
	VantagePointIP string
	ServerIP       string
	ServerName     string
	Version        int
	RefParentIP    string
	RefName        string
	Offset         float64
	RTT            float64
	Stratum        int
	Precision      float64
	Reachability   string

	RootDelay          uint32
	RootDelayPrec      uint32
	Poll               int
	RootDispersion     uint32
	RootDispersionPrec uint32
	LastSyncTime       uint32
	LastSyncTimePrec   uint32

	ClientSent     uint32
	ClientSentPrec uint32
	ServerRecv     uint32
	ServerRecvPrec uint32
	ServerSent     uint32
	ServerSentPrec uint32
	ClientRecv     uint32
	ClientRecvPrec uint32
}
