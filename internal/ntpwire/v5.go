package ntpwire

import (
	"encoding/binary"
	"fmt"

	"github.com/NTPinfo/NTPinfo/internal/ntptime"
)

// NTPv5 draft flag bits.
const (
	flagSynchronized = 0x0001
	flagInterleaved  = 0x0002
	flagAuthNAK      = 0x0004
)

// HeaderV5 is the 48-byte draft-NTPv5 header. The origin-timestamp fields of
// the classic layout give way to a server/client cookie pair; the client
// cookie is the only request/response correlator.
type HeaderV5 struct {
	Leap      uint8
	Version   uint8
	Mode      uint8
	Stratum   uint8
	Poll      int8
	Precision int8
	Timescale uint8
	Era       uint8
	Flags     uint16
	// RootDelay and RootDispersion are 16.16 fixed-point seconds.
	RootDelay      uint32
	RootDispersion uint32
	ServerCookie   uint64
	ClientCookie   uint64
	ReceiveTime    ntptime.Timestamp
	TransmitTime   ntptime.Timestamp
}

func (h *HeaderV5) Encode() []byte {
	buf := make([]byte, headerSize)
	buf[0] = h.Leap<<6 | h.Version<<3 | h.Mode
	buf[1] = h.Stratum
	buf[2] = uint8(h.Poll)
	buf[3] = uint8(h.Precision)
	buf[4] = h.Timescale
	buf[5] = h.Era
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint32(buf[8:12], h.RootDelay)
	binary.BigEndian.PutUint32(buf[12:16], h.RootDispersion)
	binary.BigEndian.PutUint64(buf[16:24], h.ServerCookie)
	binary.BigEndian.PutUint64(buf[24:32], h.ClientCookie)
	binary.BigEndian.PutUint64(buf[32:40], h.ReceiveTime.ToUint64())
	binary.BigEndian.PutUint64(buf[40:48], h.TransmitTime.ToUint64())
	return buf
}

func DecodeHeaderV5(data []byte) (*HeaderV5, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}
	return &HeaderV5{
		Leap:           data[0] >> 6 & 0x03,
		Version:        data[0] >> 3 & 0x07,
		Mode:           data[0] & 0x07,
		Stratum:        data[1],
		Poll:           int8(data[2]),
		Precision:      int8(data[3]),
		Timescale:      data[4],
		Era:            data[5],
		Flags:          binary.BigEndian.Uint16(data[6:8]),
		RootDelay:      binary.BigEndian.Uint32(data[8:12]),
		RootDispersion: binary.BigEndian.Uint32(data[12:16]),
		ServerCookie:   binary.BigEndian.Uint64(data[16:24]),
		ClientCookie:   binary.BigEndian.Uint64(data[24:32]),
		ReceiveTime:    ntptime.FromUint64(binary.BigEndian.Uint64(data[32:40])),
		TransmitTime:   ntptime.FromUint64(binary.BigEndian.Uint64(data[40:48])),
	}, nil
}

// DecodeFlags expands the draft flag word into named booleans.
func DecodeFlags(flags uint16) map[string]bool {
	return map[string]bool{
		"synchronized": flags&flagSynchronized != 0,
		"interleaved":  flags&flagInterleaved != 0,
		"auth_nak":     flags&flagAuthNAK != 0,
	}
}
