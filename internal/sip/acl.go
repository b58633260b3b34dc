package sip

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// SourceACL limits which addresses may place inbound calls to the lines.
// A nil or empty ACL allows every source.
type SourceACL struct {
	prefixes []netip.Prefix
}

// ParseSourceACL parses a comma-separated list of IP addresses and CIDR
// ranges, e.g. "203.0.113.10, 198.51.100.0/24".
func ParseSourceACL(list string) (*SourceACL, error) {
	acl := &SourceACL{}
	for _, h := range strings.Split(list, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		prefix, err := parseCIDROrIP(h)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed source %q: %w", h, err)
		}
		acl.prefixes = append(acl.prefixes, prefix)
	}
	return acl, nil
}

// Allowed reports whether a request from source ("ip:port" or "ip") may
// place a call.
func (a *SourceACL) Allowed(source string) bool {
	if a == nil || len(a.prefixes) == 0 {
		return true
	}
	addr, err := parseAddr(source)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range a.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of prefixes in the ACL.
func (a *SourceACL) Len() int {
	if a == nil {
		return 0
	}
	return len(a.prefixes)
}

// parseCIDROrIP parses a string as either a CIDR prefix or a single IP address.
// Single IPs are converted to /32 (IPv4) or /128 (IPv6) prefixes.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err == nil {
		return prefix.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid ip or cidr: %s", s)
	}

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseAddr parses an IP string that may include a port (e.g. "192.168.1.1:5060")
// and returns just the address portion.
func parseAddr(ipStr string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		return netip.ParseAddr(host)
	}
	return netip.ParseAddr(ipStr)
}
