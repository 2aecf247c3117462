// Package tunnel implements the agent's Tunnel Executor: DNS resolution,
// the SSRF guard, upstream TCP connect, and the per-request read pump.
package tunnel

import "net"

// documentationRanges are the IPv4 ranges reserved for documentation by
// RFC 5737, which net.IP has no built-in predicate for.
var documentationRanges = []*net.IPNet{
	mustParseCIDR("192.0.2.0/24"),
	mustParseCIDR("198.51.100.0/24"),
	mustParseCIDR("203.0.113.0/24"),
}

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// isBlocked implements the SSRF guard described in §4.5/§8: a destination
// is blocked if it is private, loopback, link-local, broadcast,
// documentation-reserved, or unspecified (IPv4); or loopback, unspecified,
// or Unique Local (IPv6). Unparseable text is treated as blocked,
// fail-safe.
func isBlocked(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		if ip4.IsPrivate() {
			return true
		}
		if ip4.Equal(net.IPv4bcast) {
			return true
		}
		for _, r := range documentationRanges {
			if r.Contains(ip4) {
				return true
			}
		}
		return false
	}

	// IPv6: Unique Local Addresses (fc00::/7).
	if ip.IsPrivate() {
		return true
	}

	return false
}
