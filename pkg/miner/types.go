package miner

import (
	"encoding/json"
	"fmt"
	"math"
	"net/netip"
	"strconv"

	"github.com/powerhive/minerfleet/pkg/variant"
)

// Responses holds raw API responses keyed by command name.
// Each value is the single-command response object, e.g.
// {"STATUS":[...],"SUMMARY":[...],"id":1}.
type Responses map[string]json.RawMessage

// Telemetry is a derived, per-request device reading.
type Telemetry struct {
	// Addr is the device address.
	Addr netip.Addr

	// HashRate is the 5 second hash rate in TH/s, rounded to 2 places.
	HashRate float64

	// User is the worker name on the first pool.
	User string

	// Power is the power draw or limit in watts.
	Power int
}

// String formats the snapshot as "ip | x TH/s | user | y W".
func (t Telemetry) String() string {
	return fmt.Sprintf("%s | %s TH/s | %s | %d W",
		t.Addr, strconv.FormatFloat(t.HashRate, 'f', -1, 64), t.User, t.Power)
}

// DeriveTelemetry extracts a snapshot from raw responses using the
// variant's field paths. A missing or mistyped field is an ErrProtocol.
func DeriveTelemetry(addr netip.Addr, raw Responses, v variant.Variant) (*Telemetry, error) {
	mhs, err := numberAt(raw, v.HashRate)
	if err != nil {
		return nil, err
	}

	user, err := stringAt(raw, v.PoolUser)
	if err != nil {
		return nil, err
	}

	watts, err := numberAt(raw, v.Power)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Addr:     addr,
		HashRate: math.Round(mhs/1e6*100) / 100,
		User:     user,
		Power:    int(math.Round(watts)),
	}, nil
}

// Field returns the raw value at path.
func (r Responses) Field(path variant.FieldPath) (any, error) {
	body, ok := r[path.Command]
	if !ok {
		return nil, fmt.Errorf("%w: no %q response", ErrProtocol, path.Command)
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal(body, &sections); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProtocol, path.Command, err)
	}

	sectionRaw, ok := sections[path.Section]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no %s section", ErrProtocol, path.Command, path.Section)
	}

	var entries []map[string]any
	if err := json.Unmarshal(sectionRaw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrProtocol, path.Command, path.Section, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s.%s is empty", ErrProtocol, path.Command, path.Section)
	}

	value, ok := entries[0][path.Field]
	if !ok || value == nil {
		return nil, fmt.Errorf("%w: %s.%s has no %q", ErrProtocol, path.Command, path.Section, path.Field)
	}

	return value, nil
}

func numberAt(raw Responses, path variant.FieldPath) (float64, error) {
	value, err := raw.Field(path)
	if err != nil {
		return 0, err
	}

	switch n := value.(type) {
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s is not a number: %q", ErrProtocol, path.Field, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s is not a number", ErrProtocol, path.Field)
	}
}

func stringAt(raw Responses, path variant.FieldPath) (string, error) {
	value, err := raw.Field(path)
	if err != nil {
		return "", err
	}

	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrProtocol, path.Field)
	}
	return s, nil
}
