package netutil

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"regexp"
)

// leadingIPv4 matches a dotted quad at the start of a line.
var leadingIPv4 = regexp.MustCompile(`^((25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)`)

// ParseIPList reads one address per line. Only the leading dotted quad of a
// line is used; lines without one, or whose quad does not parse (leading
// zeros), are skipped. The result is deduplicated and sorted numerically.
func ParseIPList(r io.Reader) ([]netip.Addr, error) {
	var ips []netip.Addr

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		token := leadingIPv4.FindString(scanner.Text())
		if token == "" {
			continue
		}
		ip, err := netip.ParseAddr(token)
		if err != nil {
			continue
		}
		ips = append(ips, ip)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ip list: %w", err)
	}

	return SortUnique(ips), nil
}

// ReadIPList parses the IP list file at path.
func ReadIPList(path string) ([]netip.Addr, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ip list: %w", err)
	}
	defer f.Close()

	return ParseIPList(f)
}

// WriteIPList writes one address per line.
func WriteIPList(w io.Writer, ips []netip.Addr) error {
	bw := bufio.NewWriter(w)
	for _, ip := range ips {
		if _, err := fmt.Fprintln(bw, ip); err != nil {
			return err
		}
	}
	return bw.Flush()
}
