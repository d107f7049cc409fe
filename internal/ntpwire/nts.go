package ntpwire

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/beevik/ntp"
	"github.com/beevik/nts"

	"github.com/NTPinfo/NTPinfo/internal/ntptime"
)

// NTS exit codes. OK and WrongFamily both carry a full report; everything
// else is a diagnostic.
const (
	NTSExitOK          = 0
	NTSExitKeyExchange = 1
	NTSExitAddress     = 2
	NTSExitTimeout     = 3
	NTSExitInvalid     = 4
	NTSExitKissCode    = 5
	NTSExitWrongFamily = 6
)

const familyRetryPause = 500 * time.Millisecond

// QueryNTS measures NTS against host and returns the report text together
// with the tool exit code. familyPreference selects "ipv4" or "ipv6" to try
// first, with a fallback to the other family; empty means no preference.
func QueryNTS(host, familyPreference string, timeout time.Duration) (string, int) {
	switch familyPreference {
	case "":
		return queryNTSOnce(host, "tcp", timeout)
	case "ipv4", "ipv6":
	default:
		return fmt.Sprintf("unknown address family preference %q\n", familyPreference), NTSExitInvalid
	}

	preferred, fallback, otherFamily := "tcp4", "tcp6", "ipv6"
	if familyPreference == "ipv6" {
		preferred, fallback, otherFamily = "tcp6", "tcp4", "ipv4"
	}

	out, code := queryNTSOnce(host, preferred, timeout)
	if code == NTSExitOK {
		return out, code
	}
	// The preferred family did not answer; pause briefly and try the other
	// one before giving up.
	time.Sleep(familyRetryPause)
	if fbOut, fbCode := queryNTSOnce(host, fallback, timeout); fbCode == NTSExitOK {
		return fbOut + fmt.Sprintf("Address family: %s\n", otherFamily), NTSExitWrongFamily
	}
	return out, code
}

// queryNTSOnce runs key establishment plus one authenticated query over the
// given network ("tcp", "tcp4" or "tcp6").
func queryNTSOnce(host, network string, timeout time.Duration) (string, int) {
	opts := &nts.SessionOptions{
		TLSConfig: &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS13,
		},
		Dialer: tlsDialer(network, timeout),
	}
	// A certificate cannot carry an address literal as its name, so an IP
	// target skips name verification. The record notes this downstream.
	_, addrErr := netip.ParseAddr(host)
	isIP := addrErr == nil
	if isIP {
		opts.TLSConfig.ServerName = ""
		opts.TLSConfig.InsecureSkipVerify = true
	}

	session, err := nts.NewSessionWithOptions(host, opts)
	if err != nil {
		return fmt.Sprintf("NTS key establishment failed: %v\n", err), NTSExitKeyExchange
	}

	measuredIP, measuredPort, err := net.SplitHostPort(session.Address())
	if err != nil {
		return fmt.Sprintf("could not split negotiated server address %q: %v\n", session.Address(), err), NTSExitAddress
	}

	t1 := time.Now()
	r, err := session.Query()
	t4 := time.Now()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Sprintf("NTS query timed out: %v\n", err), NTSExitTimeout
		}
		return fmt.Sprintf("NTS query failed: %v\n", err), NTSExitTimeout
	}
	if valErr := r.Validate(); valErr != nil {
		return fmt.Sprintf("invalid NTS response: %v\n", valErr), NTSExitInvalid
	}

	report := ntsReport(host, measuredIP, measuredPort, r, t1, t4)
	if isIP && measuredIP != host {
		report += "different_IP: True\n"
	}
	if r.KissCode != "" {
		return report + fmt.Sprintf("kiss code received: %s\n", r.KissCode), NTSExitKissCode
	}
	return report, NTSExitOK
}

// tlsDialer adapts a plain dial plus TLS handshake to the session options,
// pinning the address family when network is tcp4 or tcp6.
func tlsDialer(network string, timeout time.Duration) func(string, string, *tls.Config) (*tls.Conn, error) {
	return func(_, addr string, cfg *tls.Config) (*tls.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.Dial(network, addr)
		if err != nil {
			return nil, err
		}
		tc := tls.Client(conn, cfg)
		if err := tc.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return nil, err
		}
		if err := tc.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		if err := tc.SetDeadline(time.Time{}); err != nil {
			tc.Close()
			return nil, err
		}
		return tc, nil
	}
}

// ntsReport renders the key/value block the service parses. t2 is not on the
// wire here, so it follows from the measured offset: the offset is
// ((t2-t1)+(t3-t4))/2.
func ntsReport(host, measuredIP, measuredPort string, r *ntp.Response, t1, t4 time.Time) string {
	t3 := r.Time
	t2 := t1.Add(2*r.ClockOffset - t3.Sub(t4))

	var b strings.Builder
	fmt.Fprintf(&b, "Host: %s\n", host)
	fmt.Fprintf(&b, "Measured server IP: %s\n", measuredIP)
	fmt.Fprintf(&b, "Measured server port: %s\n", measuredPort)
	fmt.Fprintf(&b, "version: %d\n", r.Version)
	fmt.Fprintf(&b, "RefID_raw: %d\n", r.ReferenceID)
	fmt.Fprintf(&b, "RefID: %s\n", r.ReferenceString())
	fmt.Fprintf(&b, "client_sent_time: %d\n", ntptime.FromUnix(t1).ToUint64())
	fmt.Fprintf(&b, "server_recv_time: %d\n", ntptime.FromUnix(t2).ToUint64())
	fmt.Fprintf(&b, "server_sent_time: %d\n", ntptime.FromUnix(t3).ToUint64())
	fmt.Fprintf(&b, "client_recv_time: %d\n", ntptime.FromUnix(t4).ToUint64())
	fmt.Fprintf(&b, "RTT: %s\n", r.RTT)
	fmt.Fprintf(&b, "Offset: %s\n", r.ClockOffset)
	fmt.Fprintf(&b, "Precision: %s\n", r.Precision)
	fmt.Fprintf(&b, "Stratum: %d\n", r.Stratum)
	fmt.Fprintf(&b, "RootDelay: %s\n", r.RootDelay)
	fmt.Fprintf(&b, "Poll: %s\n", r.Poll)
	fmt.Fprintf(&b, "RootDisp: %s\n", r.RootDispersion)
	fmt.Fprintf(&b, "RefTime: %s\n", r.ReferenceTime.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "RootDist: %s\n", r.RootDistance)
	fmt.Fprintf(&b, "Leap: %d\n", r.Leap)
	kiss := r.KissCode
	if kiss == "" {
		kiss = "None"
	}
	fmt.Fprintf(&b, "KissCode: %s\n", kiss)
	fmt.Fprintf(&b, "MinError: %s\n", r.MinError)
	return b.String()
}
