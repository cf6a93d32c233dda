package preprocess

import (
	"math"
	"math/big"
	"net/netip"
	"strconv"
	"strings"
)

// IPToFloat converts an address to its integer value. IPv4 addresses map to
// their uint32 value and IPv6 addresses to their 128-bit value (rounded to
// float64). Text that is already an integer passes through. Anything else
// maps to 0 and ok is false.
func IPToFloat(s string) (v float64, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		addr = addr.Unmap()
		if addr.Is4() {
			b := addr.As4()
			return float64(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])), true
		}
		b := addr.As16()
		f, _ := new(big.Float).SetInt(new(big.Int).SetBytes(b[:])).Float64()
		return f, true
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil && n >= 0 && !math.IsInf(n, 0) && n == math.Trunc(n) {
		return n, true
	}
	return 0, false
}
