// Package netutil provides address range expansion, IP list parsing and
// port liveness checks.
package netutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// ErrTooManyHosts is returned when a range expands beyond the caller's limit.
var ErrTooManyHosts = errors.New("range exceeds host limit")

// ParseCIDR parses a CIDR notation string and returns every host address in
// it. Example: "192.168.1.0/24" returns the 254 usable addresses (network and
// broadcast excluded). /31 and /32 prefixes return all their addresses.
//
// Only IPv4 prefixes are expanded. Ranges with more than limit addresses are
// rejected before any address is allocated; limit <= 0 disables the check.
func ParseCIDR(cidr string, limit int) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("invalid CIDR %s: only IPv4 ranges are supported", cidr)
	}
	prefix = prefix.Masked()

	size := uint64(1) << (32 - prefix.Bits())
	hosts := size
	if size > 2 {
		hosts = size - 2
	}
	if limit > 0 && hosts > uint64(limit) {
		return nil, fmt.Errorf("%w: %s has %d hosts, limit %d", ErrTooManyHosts, cidr, hosts, limit)
	}

	ips := make([]netip.Addr, 0, hosts)
	for ip := prefix.Addr(); prefix.Contains(ip); ip = ip.Next() {
		ips = append(ips, ip)
		if !ip.Next().IsValid() {
			break
		}
	}

	// Remove network address and broadcast address.
	if len(ips) > 2 {
		return ips[1 : len(ips)-1], nil
	}

	return ips, nil
}

// ParseRange returns all IPv4 addresses between start and end inclusive.
// Example: "192.168.1.1", "192.168.1.10" returns 10 addresses.
func ParseRange(startIP, endIP string, limit int) ([]netip.Addr, error) {
	start, err := netip.ParseAddr(strings.TrimSpace(startIP))
	if err != nil {
		return nil, fmt.Errorf("invalid start IP: %s", startIP)
	}

	end, err := netip.ParseAddr(strings.TrimSpace(endIP))
	if err != nil {
		return nil, fmt.Errorf("invalid end IP: %s", endIP)
	}

	if !start.Is4() || !end.Is4() {
		return nil, fmt.Errorf("only IPv4 addresses are supported")
	}

	if end.Less(start) {
		return nil, fmt.Errorf("start IP must be less than or equal to end IP")
	}

	count := uint64(ipToUint32(end)-ipToUint32(start)) + 1
	if limit > 0 && count > uint64(limit) {
		return nil, fmt.Errorf("%w: %s-%s has %d hosts, limit %d", ErrTooManyHosts, start, end, count, limit)
	}

	ips := make([]netip.Addr, 0, count)
	for ip := start; ; ip = ip.Next() {
		ips = append(ips, ip)
		if ip == end {
			break
		}
	}

	return ips, nil
}

// ParseTarget expands a single scan target: a CIDR ("10.0.0.0/24"), a dashed
// range ("10.0.0.1-10.0.0.20") or a single address.
func ParseTarget(target string, limit int) ([]netip.Addr, error) {
	target = strings.TrimSpace(target)
	switch {
	case strings.Contains(target, "/"):
		return ParseCIDR(target, limit)
	case strings.Contains(target, "-"):
		start, end, _ := strings.Cut(target, "-")
		return ParseRange(start, end, limit)
	default:
		ip, err := netip.ParseAddr(target)
		if err != nil {
			return nil, fmt.Errorf("invalid IP: %s", target)
		}
		return []netip.Addr{ip}, nil
	}
}

// IsPrivateIP reports whether ip is in a private range (RFC 1918).
func IsPrivateIP(ip netip.Addr) bool {
	return ip.Is4() && ip.IsPrivate()
}

// SortUnique sorts addresses ascending and drops duplicates in place.
func SortUnique(ips []netip.Addr) []netip.Addr {
	sort.Slice(ips, func(i, j int) bool { return ips[i].Less(ips[j]) })

	out := ips[:0]
	for i, ip := range ips {
		if i > 0 && ip == out[len(out)-1] {
			continue
		}
		out = append(out, ip)
	}
	return out
}

// ipToUint32 converts an IPv4 address to a uint32.
func ipToUint32(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}
