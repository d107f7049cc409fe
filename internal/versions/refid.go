package versions

import (
	"errors"
	"fmt"
	"net/netip"
)

// TranslateRefID renders the 32-bit reference id the way operators read it:
// a kiss code for stratum 0 and 1, an IPv4 address for secondary servers
// measured over IPv4, and the truncated MD5 hash notation for secondary
// servers measured over IPv6.
func TranslateRefID(refID uint32, stratum, family int) (string, error) {
	switch {
	case stratum >= 0 && stratum <= 1:
		return kissCode(refID)
	case stratum >= 2 && stratum <= 255:
		if family == 6 {
			return fmt.Sprintf("IPv6 MD5 hash: 0x%08x", refID), nil
		}
		addr := netip.AddrFrom4([4]byte{
			byte(refID >> 24), byte(refID >> 16), byte(refID >> 8), byte(refID),
		})
		return addr.String(), nil
	default:
		return "", fmt.Errorf("stratum %d out of range", stratum)
	}
}

// kissCode reads the ref id as four ASCII characters, trimming trailing
// NULs. Anything unprintable is not a kiss code.
func kissCode(refID uint32) (string, error) {
	raw := []byte{byte(refID >> 24), byte(refID >> 16), byte(refID >> 8), byte(refID)}
	for len(raw) > 0 && raw[len(raw)-1] == 0 {
		raw = raw[:len(raw)-1]
	}
	if len(raw) == 0 {
		return "", errors.New("empty kiss code")
	}
	for _, b := range raw {
		if b < 0x20 || b > 0x7e {
			return "", fmt.Errorf("ref id 0x%08x is not printable ASCII", refID)
		}
	}
	return string(raw), nil
}
