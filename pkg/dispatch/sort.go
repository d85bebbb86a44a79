package dispatch

import (
	"fmt"
	"sort"

	"github.com/powerhive/minerfleet/pkg/miner"
)

// SortKey selects the column telemetry rows are ordered by.
type SortKey string

const (
	SortByIP       SortKey = "ip"
	SortByHashRate SortKey = "hashrate"
	SortByUser     SortKey = "user"
	SortByPower    SortKey = "power"
)

// ParseSortKey validates a sort key name.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(s); k {
	case SortByIP, SortByHashRate, SortByUser, SortByPower:
		return k, nil
	case "":
		return SortByIP, nil
	default:
		return "", fmt.Errorf("unknown sort key %q (want ip, hashrate, user or power)", s)
	}
}

// SortTelemetry orders rows ascending by key. Ties keep address order.
func SortTelemetry(rows []miner.Telemetry, key SortKey) {
	less := func(a, b miner.Telemetry) bool { return a.Addr.Less(b.Addr) }

	switch key {
	case SortByHashRate:
		less = func(a, b miner.Telemetry) bool { return a.HashRate < b.HashRate }
	case SortByUser:
		less = func(a, b miner.Telemetry) bool { return a.User < b.User }
	case SortByPower:
		less = func(a, b miner.Telemetry) bool { return a.Power < b.Power }
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Addr.Less(rows[j].Addr) })
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })
}
