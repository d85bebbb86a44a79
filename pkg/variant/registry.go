package variant

import (
	"sort"
)

var (
	hashRatePath = FieldPath{Command: "summary", Section: "SUMMARY", Field: "MHS 5s"}
	poolUserPath = FieldPath{Command: "pools", Section: "POOLS", Field: "User"}
)

// Avalon851 is the Canaan Avalon 851: four boards of 26 chips, one fan.
var Avalon851 = Variant{
	Name:      "Avalon 851",
	Make:      "Canaan",
	Dialect:   DialectCGMiner,
	Boards:    4,
	Chips:     26,
	Fans:      1,
	Priority:  100,
	Batching:  true,
	Telemetry: []string{"summary", "pools", "stats"},
	HashRate:  hashRatePath,
	PoolUser:  poolUserPath,
	Power:     FieldPath{Command: "stats", Section: "STATS", Field: "Power"},
	match: func(id Identity) bool {
		return id.Dialect == DialectCGMiner && id.Chips == 26 && id.Fans == 1 &&
			modelContains(id, "851", "AV8")
	},
}

// Avalon921 is the Canaan Avalon 921: same board layout as the 851.
var Avalon921 = Variant{
	Name:      "Avalon 921",
	Make:      "Canaan",
	Dialect:   DialectCGMiner,
	Boards:    4,
	Chips:     26,
	Fans:      1,
	Priority:  100,
	Batching:  true,
	Telemetry: []string{"summary", "pools", "stats"},
	HashRate:  hashRatePath,
	PoolUser:  poolUserPath,
	Power:     FieldPath{Command: "stats", Section: "STATS", Field: "Power"},
	match: func(id Identity) bool {
		return id.Dialect == DialectCGMiner && id.Chips == 26 && id.Fans == 1 &&
			modelContains(id, "921", "AV9")
	},
}

// AntminerS19 is an Antminer S19 running Braiins OS+.
var AntminerS19 = Variant{
	Name:      "Antminer S19",
	Make:      "Bitmain",
	Dialect:   DialectBOSminer,
	Boards:    3,
	Chips:     76,
	Fans:      4,
	Priority:  90,
	Batching:  true,
	Telemetry: []string{"summary", "pools", "tunerstatus"},
	HashRate:  hashRatePath,
	PoolUser:  poolUserPath,
	Power:     FieldPath{Command: "tunerstatus", Section: "TUNERSTATUS", Field: "PowerLimit"},
	match: func(id Identity) bool {
		return id.Dialect == DialectBOSminer && modelContains(id, "S19")
	},
}

// AntminerS9 is an Antminer S9 running Braiins OS+.
var AntminerS9 = Variant{
	Name:      "Antminer S9",
	Make:      "Bitmain",
	Dialect:   DialectBOSminer,
	Boards:    3,
	Chips:     63,
	Fans:      2,
	Priority:  90,
	Batching:  true,
	Telemetry: []string{"summary", "pools", "tunerstatus"},
	HashRate:  hashRatePath,
	PoolUser:  poolUserPath,
	Power:     FieldPath{Command: "tunerstatus", Section: "TUNERSTATUS", Field: "PowerLimit"},
	match: func(id Identity) bool {
		return id.Dialect == DialectBOSminer && modelContains(id, "S9")
	},
}

// GenericBOSminer covers any other bosminer device.
var GenericBOSminer = Variant{
	Name:      "BOSminer",
	Dialect:   DialectBOSminer,
	Priority:  10,
	Batching:  true,
	Telemetry: []string{"summary", "pools", "tunerstatus"},
	HashRate:  hashRatePath,
	PoolUser:  poolUserPath,
	Power:     FieldPath{Command: "tunerstatus", Section: "TUNERSTATUS", Field: "PowerLimit"},
	match: func(id Identity) bool {
		return id.Dialect == DialectBOSminer
	},
}

// GenericCGMiner covers any other cgminer device.
// Plain cgminer builds are not assumed to accept multi-commands.
var GenericCGMiner = Variant{
	Name:      "CGMiner",
	Dialect:   DialectCGMiner,
	Priority:  0,
	Batching:  false,
	Telemetry: []string{"summary", "pools", "stats"},
	HashRate:  hashRatePath,
	PoolUser:  poolUserPath,
	Power:     FieldPath{Command: "stats", Section: "STATS", Field: "Power"},
	match: func(id Identity) bool {
		return id.Dialect == DialectCGMiner
	},
}

// Registry is a closed, ordered set of variants.
type Registry struct {
	variants []Variant
}

// NewRegistry creates a registry. Variants are ordered by descending
// Priority, ties broken by ascending Name, regardless of argument order.
func NewRegistry(variants ...Variant) *Registry {
	sorted := append([]Variant(nil), variants...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})
	return &Registry{variants: sorted}
}

// Default returns the registry of every supported family.
func Default() *Registry {
	return NewRegistry(
		Avalon851,
		Avalon921,
		AntminerS19,
		AntminerS9,
		GenericBOSminer,
		GenericCGMiner,
	)
}

// Classify returns the first variant, in priority order, whose predicate
// matches the identity.
func (r *Registry) Classify(id Identity) (Variant, bool) {
	for _, v := range r.variants {
		if v.Matches(id) {
			return v, true
		}
	}
	return Variant{}, false
}

// Variants returns the variants in classification order.
func (r *Registry) Variants() []Variant {
	return append([]Variant(nil), r.variants...)
}

// Lookup finds a variant by name.
func (r *Registry) Lookup(name string) (Variant, bool) {
	for _, v := range r.variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}
