package cgminer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/powerhive/minerfleet/pkg/miner"
	"github.com/powerhive/minerfleet/pkg/variant"
)

// ProbeCommands is the identification probe.
var ProbeCommands = []string{"version", "devdetails", "stats"}

var fanKey = regexp.MustCompile(`(?i)^fan\d+$`)

// Prober implements miner.Prober over the control API.
type Prober struct {
	port    int
	timeout time.Duration
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProberTimeout sets the probe timeout.
func WithProberTimeout(timeout time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = timeout
	}
}

// WithProberPort sets the API port probed.
func WithProberPort(port int) ProberOption {
	return func(p *Prober) {
		p.port = port
	}
}

// NewProber creates a new identification prober.
func NewProber(opts ...ProberOption) *Prober {
	p := &Prober{
		port:    DefaultPort,
		timeout: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Identify sends the probe as one multi-command, falling back to separate
// commands if the device refuses the joined form.
func (p *Prober) Identify(ctx context.Context, addr netip.Addr) (variant.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client := NewClient(addr, WithPort(p.port), WithTimeout(p.timeout))

	resp, err := client.Multicommand(ctx, ProbeCommands...)
	if err != nil {
		if errors.Is(err, miner.ErrUnreachable) {
			return variant.Identity{}, err
		}
		resp, err = p.identifySequential(ctx, client)
		if err != nil {
			return variant.Identity{}, err
		}
	}

	return ParseIdentity(resp)
}

// identifySequential issues the probe commands one at a time. Only version
// is required; devdetails and stats are best effort.
func (p *Prober) identifySequential(ctx context.Context, client *Client) (miner.Responses, error) {
	resp := make(miner.Responses, len(ProbeCommands))
	for _, cmd := range ProbeCommands {
		body, err := client.Command(ctx, cmd, "")
		if err != nil {
			if cmd == "version" || errors.Is(err, miner.ErrUnreachable) {
				return nil, err
			}
			continue
		}
		resp[cmd] = body
	}
	return resp, nil
}

// ParseIdentity extracts an identity from probe responses.
func ParseIdentity(resp miner.Responses) (variant.Identity, error) {
	var id variant.Identity

	versions, err := section(resp, "version", "VERSION")
	if err != nil {
		return id, err
	}
	if len(versions) == 0 {
		return id, fmt.Errorf("%w: empty VERSION section", miner.ErrProtocol)
	}

	v := versions[0]
	switch {
	case hasKey(v, "BOSminer", "BOSminer+"):
		id.Dialect = variant.DialectBOSminer
	case hasKey(v, "CGMiner", "BMMiner"):
		id.Dialect = variant.DialectCGMiner
	}
	id.Model = stringField(v, "Type")

	if details, err := section(resp, "devdetails", "DEVDETAILS"); err == nil {
		id.Boards = len(details)
		if len(details) > 0 {
			id.Chips = intField(details[0], "Chips")
			if id.Model == "" {
				id.Model = stringField(details[0], "Model")
			}
		}
	}

	if stats, err := section(resp, "stats", "STATS"); err == nil {
		for _, entry := range stats {
			if n := countFans(entry); n > id.Fans {
				id.Fans = n
			}
		}
	}

	return id, nil
}

func section(resp miner.Responses, command, name string) ([]map[string]any, error) {
	body, ok := resp[command]
	if !ok {
		return nil, fmt.Errorf("%w: no %s response", miner.ErrProtocol, command)
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal(body, &sections); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", miner.ErrProtocol, command, err)
	}

	raw, ok := sections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no %s section", miner.ErrProtocol, command, name)
	}

	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %v", miner.ErrProtocol, command, name, err)
	}
	return entries, nil
}

func hasKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func intField(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}

func countFans(entry map[string]any) int {
	n := 0
	for k, v := range entry {
		if !fanKey.MatchString(k) {
			continue
		}
		if speed, ok := v.(float64); ok && speed > 0 {
			n++
		}
	}
	return n
}

// Ensure Prober implements miner.Prober.
var _ miner.Prober = (*Prober)(nil)
