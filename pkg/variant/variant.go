// Package variant describes the hardware families the fleet tool can drive
// and classifies an identification probe into one of them.
package variant

import "strings"

// Dialect is the control API flavour a device speaks on port 4028.
type Dialect string

const (
	// DialectBOSminer is Braiins OS+ bosminer. Config and fault light go over SSH.
	DialectBOSminer Dialect = "bosminer"

	// DialectCGMiner is stock cgminer, as shipped on Avalon controllers.
	DialectCGMiner Dialect = "cgminer"
)

// FieldPath locates one value in a set of command responses:
// responses[Command][Section][0][Field].
type FieldPath struct {
	Command string
	Section string
	Field   string
}

// Identity is what an identification probe learned about a device.
type Identity struct {
	// Model is the reported miner type (e.g., "Antminer S9", "AV851").
	Model string

	// Dialect is the detected API flavour.
	Dialect Dialect

	// Boards is the number of hash boards reported by devdetails.
	Boards int

	// Chips is the chip count of the first board.
	Chips int

	// Fans is the number of fans reported by stats.
	Fans int
}

// Variant is an immutable descriptor of one hardware/firmware family.
type Variant struct {
	// Name is the display model (e.g., "Avalon 851").
	Name string

	// Make is the manufacturer (e.g., "Canaan", "Bitmain").
	Make string

	Dialect Dialect
	Boards  int
	Chips   int
	Fans    int

	// Priority orders classification. Higher runs first.
	Priority int

	// Batching reports whether the API accepts "a+b+c" multi-commands.
	Batching bool

	// Telemetry lists the commands queried for a telemetry snapshot.
	Telemetry []string

	HashRate FieldPath
	PoolUser FieldPath
	Power    FieldPath

	match func(Identity) bool
}

// Matches reports whether the probe identity belongs to this variant.
func (v Variant) Matches(id Identity) bool {
	if v.match == nil {
		return false
	}
	return v.match(id)
}

// WithMatcher returns a copy of v that classifies with fn.
func (v Variant) WithMatcher(fn func(Identity) bool) Variant {
	v.match = fn
	return v
}

// String returns the variant name.
func (v Variant) String() string {
	return v.Name
}

// IsZero reports whether v is the zero Variant.
func (v Variant) IsZero() bool {
	return v.Name == ""
}

func modelContains(id Identity, parts ...string) bool {
	model := strings.ToLower(id.Model)
	for _, p := range parts {
		if strings.Contains(model, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
