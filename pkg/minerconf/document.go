// Package minerconf models the miner configuration document: pool groups,
// temperature thresholds, autotuning limits and a provenance block.
// The wire form is TOML, as read from /etc/bosminer.toml.
package minerconf

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// Generator is stamped into format.generator by every batch push and export.
	Generator = "upstream_config_util"

	// FormatVersion is the config format version written by Default.
	FormatVersion = "1.2+"
)

// Document is a miner configuration document.
//
// Keys this package does not model are kept in the Extra map of the
// section they were read from and written back unchanged by Serialize.
type Document struct {
	Groups      []Group      `toml:"group,omitempty"`
	Format      Format       `toml:"format"`
	TempControl *TempControl `toml:"temp_control,omitempty"`
	Autotuning  *Autotuning  `toml:"autotuning,omitempty"`

	// Extra holds top-level sections and keys this package does not model.
	Extra map[string]any `toml:"-"`
}

// Group is a pool group with a share quota.
type Group struct {
	Name  string `toml:"name"`
	Quota int64  `toml:"quota,omitempty"`
	Pools []Pool `toml:"pool,omitempty"`

	Extra map[string]any `toml:"-"`
}

// Pool holds the connection credentials for one pool.
type Pool struct {
	URL      string `toml:"url"`
	User     string `toml:"user"`
	Password string `toml:"password,omitempty"`

	Extra map[string]any `toml:"-"`
}

// Format is the provenance block of a document.
type Format struct {
	Version   string `toml:"version"`
	Model     string `toml:"model,omitempty"`
	Generator string `toml:"generator,omitempty"`
	Timestamp int64  `toml:"timestamp,omitempty"`

	Extra map[string]any `toml:"-"`
}

// TempControl holds temperature thresholds in degrees Celsius.
// bosminer also accepts a mode key, which is carried in Extra.
type TempControl struct {
	TargetTemp    float64 `toml:"target_temp,omitempty"`
	HotTemp       float64 `toml:"hot_temp,omitempty"`
	DangerousTemp float64 `toml:"dangerous_temp,omitempty"`

	Extra map[string]any `toml:"-"`
}

// Autotuning holds the tuner switch and PSU power limit in watts.
type Autotuning struct {
	Enabled       bool  `toml:"enabled"`
	PSUPowerLimit int64 `toml:"psu_power_limit,omitempty"`

	Extra map[string]any `toml:"-"`
}

var (
	documentKeys   = keySet("group", "format", "temp_control", "autotuning")
	groupKeys      = keySet("name", "quota", "pool")
	poolKeys       = keySet("url", "user", "password")
	formatKeys     = keySet("version", "model", "generator", "timestamp")
	tempKeys       = keySet("target_temp", "hot_temp", "dangerous_temp")
	autotuningKeys = keySet("enabled", "psu_power_limit")
)

func keySet(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// Parse decodes a TOML document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	doc.Extra = leftovers(raw, documentKeys)
	doc.Format.Extra = leftovers(table(raw, "format"), formatKeys)
	if doc.TempControl != nil {
		doc.TempControl.Extra = leftovers(table(raw, "temp_control"), tempKeys)
	}
	if doc.Autotuning != nil {
		doc.Autotuning.Extra = leftovers(table(raw, "autotuning"), autotuningKeys)
	}

	groups := tables(raw, "group")
	for i := range doc.Groups {
		if i >= len(groups) {
			break
		}
		g := &doc.Groups[i]
		g.Extra = leftovers(groups[i], groupKeys)

		pools := tables(groups[i], "pool")
		for j := range g.Pools {
			if j >= len(pools) {
				break
			}
			g.Pools[j].Extra = leftovers(pools[j], poolKeys)
		}
	}

	return &doc, nil
}

// Serialize encodes the document as TOML, merging every Extra map back
// into its section. Modelled fields win over Extra keys of the same name.
func (d *Document) Serialize() ([]byte, error) {
	body, err := toml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}

	var tree map[string]any
	if err := toml.Unmarshal(body, &tree); err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}

	merge(tree, d.Extra)
	mergeSection(tree, "format", d.Format.Extra)
	if d.TempControl != nil {
		mergeSection(tree, "temp_control", d.TempControl.Extra)
	}
	if d.Autotuning != nil {
		mergeSection(tree, "autotuning", d.Autotuning.Extra)
	}
	groups := tables(tree, "group")
	for i, g := range d.Groups {
		if i >= len(groups) {
			break
		}
		merge(groups[i], g.Extra)

		pools := tables(groups[i], "pool")
		for j, p := range g.Pools {
			if j >= len(pools) {
				break
			}
			merge(pools[j], p.Extra)
		}
	}

	out, err := toml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	return out, nil
}

func table(m map[string]any, key string) map[string]any {
	t, _ := m[key].(map[string]any)
	return t
}

func tables(m map[string]any, key string) []map[string]any {
	list, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(list))
	for _, v := range list {
		t, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		out = append(out, t)
	}
	return out
}

// leftovers returns the entries of m whose keys are not in known,
// or nil when there are none.
func leftovers(m map[string]any, known map[string]bool) map[string]any {
	var extra map[string]any
	for k, v := range m {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}

// mergeSection merges extra into tree[key], creating the table when every
// modelled field of the section was empty.
func mergeSection(tree map[string]any, key string, extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	t := table(tree, key)
	if t == nil {
		t = make(map[string]any, len(extra))
		tree[key] = t
	}
	merge(t, extra)
}

func merge(dst, extra map[string]any) {
	if dst == nil {
		return
	}
	for k, v := range extra {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

// Stamp sets the generator and timestamp of the format block.
func (d *Document) Stamp(generator string, at time.Time) {
	d.Format.Generator = generator
	d.Format.Timestamp = at.Unix()
}

// Clone returns a deep copy of the document, Extra maps included.
func (d *Document) Clone() *Document {
	c := *d
	c.Extra = copyMap(d.Extra)
	c.Format.Extra = copyMap(d.Format.Extra)
	if d.Groups != nil {
		c.Groups = make([]Group, len(d.Groups))
		for i, g := range d.Groups {
			c.Groups[i] = g
			c.Groups[i].Extra = copyMap(g.Extra)
			if g.Pools != nil {
				c.Groups[i].Pools = make([]Pool, len(g.Pools))
				for j, p := range g.Pools {
					p.Extra = copyMap(p.Extra)
					c.Groups[i].Pools[j] = p
				}
			}
		}
	}
	if d.TempControl != nil {
		tc := *d.TempControl
		tc.Extra = copyMap(tc.Extra)
		c.TempControl = &tc
	}
	if d.Autotuning != nil {
		at := *d.Autotuning
		at.Extra = copyMap(at.Extra)
		c.Autotuning = &at
	}
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = copyValue(v)
	}
	return c
}

func copyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return copyMap(v)
	case []any:
		c := make([]any, len(v))
		for i, e := range v {
			c[i] = copyValue(e)
		}
		return c
	default:
		return v
	}
}

// Pools returns all pools across groups in order.
func (d *Document) Pools() []Pool {
	var pools []Pool
	for _, g := range d.Groups {
		pools = append(pools, g.Pools...)
	}
	return pools
}

// ReadFile reads and parses a config file.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// WriteFile stamps the document and writes it to path.
func WriteFile(path string, d *Document, at time.Time) error {
	d.Stamp(Generator, at)

	data, err := d.Serialize()
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
