// Package ntpwire speaks raw NTP versions 1 through 5 over UDP and NTS over
// TLS. It is the wire half of the probe binary; the service only ever sees
// its structured output.
package ntpwire

import (
	"encoding/binary"
	"fmt"

	"github.com/NTPinfo/NTPinfo/internal/ntptime"
)

const (
	headerSize = 48
	ntpPort    = "123"

	modeClient = 3
)

// Header is the classic 48-byte header shared by NTP versions 1 through 4.
type Header struct {
	Leap      uint8
	Version   uint8
	Mode      uint8
	Stratum   uint8
	Poll      int8
	Precision int8
	// RootDelay and RootDispersion are 16.16 fixed-point seconds.
	RootDelay      uint32
	RootDispersion uint32
	RefID          uint32
	RefTime        ntptime.Timestamp
	OriginTime     ntptime.Timestamp
	ReceiveTime    ntptime.Timestamp
	TransmitTime   ntptime.Timestamp
}

func (h *Header) Encode() []byte {
	buf := make([]byte, headerSize)
	buf[0] = h.Leap<<6 | h.Version<<3 | h.Mode
	buf[1] = h.Stratum
	buf[2] = uint8(h.Poll)
	buf[3] = uint8(h.Precision)
	binary.BigEndian.PutUint32(buf[4:8], h.RootDelay)
	binary.BigEndian.PutUint32(buf[8:12], h.RootDispersion)
	binary.BigEndian.PutUint32(buf[12:16], h.RefID)
	binary.BigEndian.PutUint64(buf[16:24], h.RefTime.ToUint64())
	binary.BigEndian.PutUint64(buf[24:32], h.OriginTime.ToUint64())
	binary.BigEndian.PutUint64(buf[32:40], h.ReceiveTime.ToUint64())
	binary.BigEndian.PutUint64(buf[40:48], h.TransmitTime.ToUint64())
	return buf
}

func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}
	return &Header{
		Leap:           data[0] >> 6 & 0x03,
		Version:        data[0] >> 3 & 0x07,
		Mode:           data[0] & 0x07,
		Stratum:        data[1],
		Poll:           int8(data[2]),
		Precision:      int8(data[3]),
		RootDelay:      binary.BigEndian.Uint32(data[4:8]),
		RootDispersion: binary.BigEndian.Uint32(data[8:12]),
		RefID:          binary.BigEndian.Uint32(data[12:16]),
		RefTime:        ntptime.FromUint64(binary.BigEndian.Uint64(data[16:24])),
		OriginTime:     ntptime.FromUint64(binary.BigEndian.Uint64(data[24:32])),
		ReceiveTime:    ntptime.FromUint64(binary.BigEndian.Uint64(data[32:40])),
		TransmitTime:   ntptime.FromUint64(binary.BigEndian.Uint64(data[40:48])),
	}, nil
}

// Short16ToSeconds converts the 16.16 fixed-point short format to float
// seconds.
func Short16ToSeconds(v uint32) float64 {
	return float64(v) / 65536.0
}

// Extension is one raw extension field appended after the header.
type Extension struct {
	Type uint16 `json:"type"`
	Data []byte `json:"data"`
}

// decodeExtensions reads TLV extension fields; a malformed length ends the
// list rather than failing the whole response.
func decodeExtensions(data []byte) []Extension {
	var exts []Extension
	for len(data) >= 4 {
		typ := binary.BigEndian.Uint16(data[0:2])
		length := binary.BigEndian.Uint16(data[2:4])
		if length < 4 || int(length) > len(data) {
			break
		}
		exts = append(exts, Extension{Type: typ, Data: data[4:length]})
		data = data[length:]
	}
	return exts
}
