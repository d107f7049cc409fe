package ntpwire

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/NTPinfo/NTPinfo/internal/ntptime"
)

// FailKind classifies a query failure; its value doubles as the tool's exit
// code.
type FailKind int

const (
	FailConnect FailKind = iota + 1
	FailSend
	FailTimeout
	FailParse
)

type QueryError struct {
	Kind FailKind
	Err  error
}

func (e *QueryError) Error() string {
	switch e.Kind {
	case FailConnect:
		return fmt.Sprintf("could not connect: %v", e.Err)
	case FailSend:
		return fmt.Sprintf("could not send request: %v", e.Err)
	case FailTimeout:
		return fmt.Sprintf("timeout waiting for response: %v", e.Err)
	default:
		return fmt.Sprintf("could not parse response: %v", e.Err)
	}
}

func (e *QueryError) Unwrap() error { return e.Err }

// ExitCode maps the failure onto the tool's exit-code contract.
func (e *QueryError) ExitCode() int { return int(e.Kind) }

// Query sends one client-mode request in the given version and returns the
// response as the flat key set the service parses. Versions 1 through 4
// share the classic header; version 5 uses the draft layout.
func Query(ctx context.Context, target string, version int, draft string, timeout time.Duration) (map[string]any, error) {
	if version < 1 || version > 5 {
		return nil, &QueryError{Kind: FailParse, Err: fmt.Errorf("unsupported ntp version %d", version)}
	}
	if version == 5 {
		return queryV5(ctx, target, draft, timeout)
	}
	return queryClassic(ctx, target, version, timeout)
}

func queryClassic(ctx context.Context, target string, version int, timeout time.Duration) (map[string]any, error) {
	conn, err := dial(ctx, target)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	t1 := ntptime.FromUnix(time.Now())
	req := &Header{
		Version: uint8(version),
		Mode:    modeClient,
		// The transmit field carries t1 so the server echoes it back as the
		// origin timestamp.
		TransmitTime: t1,
	}
	data, err := exchange(conn, req.Encode(), timeout)
	if err != nil {
		return nil, err
	}
	t4 := ntptime.FromUnix(time.Now())

	h, decErr := DecodeHeader(data)
	if decErr != nil {
		return nil, &QueryError{Kind: FailParse, Err: decErr}
	}

	result := map[string]any{
		"leap":      h.Leap,
		"version":   h.Version,
		"mode":      h.Mode,
		"stratum":   h.Stratum,
		"poll":      h.Poll,
		"precision": h.Precision,

		"root_delay": Short16ToSeconds(h.RootDelay),
		"root_disp":  Short16ToSeconds(h.RootDispersion),
		"ref_id":     h.RefID,

		"ref_timestamp":  h.RefTime.ToUint64(),
		"orig_timestamp": h.OriginTime.ToUint64(),
		"recv_timestamp": h.ReceiveTime.ToUint64(),
		"tx_timestamp":   h.TransmitTime.ToUint64(),

		"client_sent_time": t1.ToUint64(),
		"client_recv_time": t4.ToUint64(),

		"offset": ntptime.Offset(t1, h.ReceiveTime, h.TransmitTime, t4),
		"rtt":    ntptime.RTT(t1, h.ReceiveTime, h.TransmitTime, t4),
	}
	if exts := decodeExtensions(data[headerSize:]); len(exts) > 0 {
		result["extensions"] = exts
	}
	return result, nil
}

func queryV5(ctx context.Context, target, draft string, timeout time.Duration) (map[string]any, error) {
	conn, err := dial(ctx, target)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	t1 := ntptime.FromUnix(time.Now())
	req := &HeaderV5{
		Version:      5,
		Mode:         modeClient,
		ClientCookie: newClientCookie(),
	}
	data, err := exchange(conn, req.Encode(), timeout)
	if err != nil {
		return nil, err
	}
	t4 := ntptime.FromUnix(time.Now())

	h, decErr := DecodeHeaderV5(data)
	if decErr != nil {
		return nil, &QueryError{Kind: FailParse, Err: decErr}
	}

	result := map[string]any{
		"leap":      h.Leap,
		"version":   h.Version,
		"mode":      h.Mode,
		"stratum":   h.Stratum,
		"poll":      h.Poll,
		"precision": h.Precision,

		"timescale":     h.Timescale,
		"era":           h.Era,
		"flags_raw":     h.Flags,
		"flags_decoded": DecodeFlags(h.Flags),

		"root_delay": Short16ToSeconds(h.RootDelay),
		"root_disp":  Short16ToSeconds(h.RootDispersion),

		"server_cookie":       h.ServerCookie,
		"client_cookie":       h.ClientCookie,
		"client_cookie_valid": h.ClientCookie == req.ClientCookie,

		"recv_timestamp": h.ReceiveTime.ToUint64(),
		"tx_timestamp":   h.TransmitTime.ToUint64(),

		"client_sent_time": t1.ToUint64(),
		"client_recv_time": t4.ToUint64(),

		"offset": ntptime.Offset(t1, h.ReceiveTime, h.TransmitTime, t4),
		"rtt":    ntptime.RTT(t1, h.ReceiveTime, h.TransmitTime, t4),
	}
	if draft != "" {
		result["draft"] = draft
	}
	if exts := decodeExtensions(data[headerSize:]); len(exts) > 0 {
		result["extensions"] = exts
	}
	return result, nil
}

// dial connects to the target, defaulting to the NTP port when the target
// does not name one.
func dial(ctx context.Context, target string) (net.Conn, error) {
	addr := target
	if _, _, err := net.SplitHostPort(target); err != nil {
		addr = net.JoinHostPort(target, ntpPort)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, &QueryError{Kind: FailConnect, Err: err}
	}
	return conn, nil
}

// exchange writes the request and reads one datagram within the timeout.
func exchange(conn net.Conn, req []byte, timeout time.Duration) ([]byte, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, &QueryError{Kind: FailSend, Err: err}
	}
	if _, err := conn.Write(req); err != nil {
		return nil, &QueryError{Kind: FailSend, Err: err}
	}
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, &QueryError{Kind: FailTimeout, Err: err}
	}
	return buf[:n], nil
}

// newClientCookie draws a random nonzero correlator for a v5 request.
func newClientCookie() uint64 {
	for {
		if c := rand.Uint64(); c != 0 {
			return c
		}
	}
}
