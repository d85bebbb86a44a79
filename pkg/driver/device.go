// Package driver implements miner.Driver once for every variant.
// Behaviour that differs between hardware families is selected by the
// variant's dialect rather than by a type per model.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/powerhive/minerfleet/pkg/miner"
	"github.com/powerhive/minerfleet/pkg/minerconf"
	"github.com/powerhive/minerfleet/pkg/variant"
)

// API is the control API surface the driver uses.
// *cgminer.Client implements it.
type API interface {
	Command(ctx context.Context, command, parameter string) (json.RawMessage, error)
	Multicommand(ctx context.Context, commands ...string) (miner.Responses, error)
	Commands(ctx context.Context, commands ...string) (miner.Responses, error)
}

// Shell is the remote shell surface used by bosminer devices.
// *bos.Shell implements it.
type Shell interface {
	ReadConfig(ctx context.Context, addr netip.Addr) ([]byte, error)
	WriteConfig(ctx context.Context, addr netip.Addr, data []byte) error
	SetFaultLight(ctx context.Context, addr netip.Addr, on bool) error
}

// Device is the driver for one miner.
type Device struct {
	addr    netip.Addr
	variant variant.Variant
	api     API
	shell   Shell

	mu    sync.Mutex
	light bool
}

// NewDevice creates a driver. shell may be nil for cgminer devices.
func NewDevice(addr netip.Addr, v variant.Variant, api API, shell Shell) *Device {
	return &Device{
		addr:    addr,
		variant: v,
		api:     api,
		shell:   shell,
	}
}

// Addr returns the device address.
func (d *Device) Addr() netip.Addr {
	return d.addr
}

// Variant returns the device variant.
func (d *Device) Variant() variant.Variant {
	return d.variant
}

// ReadConfig fetches the configuration. Braiins devices return their config
// file; cgminer devices return a document built from their pool list.
func (d *Device) ReadConfig(ctx context.Context) (*minerconf.Document, error) {
	if d.variant.Dialect == variant.DialectBOSminer {
		shell, err := d.requireShell()
		if err != nil {
			return nil, err
		}
		data, err := shell.ReadConfig(ctx, d.addr)
		if err != nil {
			return nil, err
		}
		doc, err := minerconf.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", miner.ErrProtocol, err)
		}
		return doc, nil
	}

	pools, err := d.pools(ctx)
	if err != nil {
		return nil, err
	}

	doc := &minerconf.Document{
		Format: minerconf.Format{
			Version: minerconf.FormatVersion,
			Model:   d.variant.Name,
		},
	}
	if len(pools) > 0 {
		group := minerconf.Group{Name: "group", Quota: 1}
		for _, p := range pools {
			group.Pools = append(group.Pools, minerconf.Pool{URL: p.URL, User: p.User})
		}
		doc.Groups = []minerconf.Group{group}
	}
	return doc, nil
}

// WriteConfig pushes the configuration. Braiins devices receive the whole
// document. cgminer devices only have their pool list replaced; the
// temp_control and autotuning sections have no cgminer command and are not
// applied.
func (d *Device) WriteConfig(ctx context.Context, doc *minerconf.Document) error {
	if d.variant.Dialect == variant.DialectBOSminer {
		shell, err := d.requireShell()
		if err != nil {
			return err
		}
		data, err := doc.Serialize()
		if err != nil {
			return err
		}
		return shell.WriteConfig(ctx, d.addr, data)
	}

	return d.writePools(ctx, doc.Pools())
}

// QueryTelemetry issues the commands, defaulting to the variant's
// telemetry set.
func (d *Device) QueryTelemetry(ctx context.Context, commands ...string) (miner.Responses, error) {
	if len(commands) == 0 {
		commands = d.variant.Telemetry
	}
	if d.variant.Batching {
		return d.api.Multicommand(ctx, commands...)
	}
	return d.api.Commands(ctx, commands...)
}

// SetFaultLight sets the fault LED and records the new state on success.
func (d *Device) SetFaultLight(ctx context.Context, on bool) error {
	var err error
	if d.variant.Dialect == variant.DialectBOSminer {
		var shell Shell
		shell, err = d.requireShell()
		if err == nil {
			err = shell.SetFaultLight(ctx, d.addr, on)
		}
	} else {
		state := "0"
		if on {
			state = "1"
		}
		_, err = d.api.Command(ctx, "ascset", "0,led,1-"+state)
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.light = on
	d.mu.Unlock()
	return nil
}

// FaultLight returns the last state set through this driver.
func (d *Device) FaultLight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.light
}

func (d *Device) requireShell() (Shell, error) {
	if d.shell == nil {
		return nil, fmt.Errorf("%w: no remote shell configured for %s", miner.ErrProtocol, d.variant.Name)
	}
	return d.shell, nil
}

type poolEntry struct {
	POOL int    `json:"POOL"`
	URL  string `json:"URL"`
	User string `json:"User"`
}

func (d *Device) pools(ctx context.Context) ([]poolEntry, error) {
	body, err := d.api.Command(ctx, "pools", "")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Pools []poolEntry `json:"POOLS"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: pools: %v", miner.ErrProtocol, err)
	}
	return resp.Pools, nil
}

// writePools adds each pool and moves the new pools to the top of the
// priority list. Device-reported failures are rejections.
func (d *Device) writePools(ctx context.Context, pools []minerconf.Pool) error {
	if len(pools) == 0 {
		return fmt.Errorf("%w: config has no pools", miner.ErrRejected)
	}

	existing, err := d.pools(ctx)
	if err != nil {
		return err
	}

	next := 0
	for _, p := range existing {
		if p.POOL >= next {
			next = p.POOL + 1
		}
	}

	var priority []string
	for _, p := range pools {
		param := strings.Join([]string{escape(p.URL), escape(p.User), escape(p.Password)}, ",")
		if _, err := d.api.Command(ctx, "addpool", param); err != nil {
			return rejected(err)
		}
		priority = append(priority, strconv.Itoa(next))
		next++
	}

	if _, err := d.api.Command(ctx, "poolpriority", strings.Join(priority, ",")); err != nil {
		return rejected(err)
	}
	return nil
}

// rejected re-wraps a device status error as a rejection.
// Transport errors keep their kind.
func rejected(err error) error {
	if miner.KindOf(err) == miner.KindProtocol {
		return fmt.Errorf("%w: %w", miner.ErrRejected, err)
	}
	return err
}

// escape quotes the cgminer parameter separator.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ",", `\,`)
}

// Ensure Device implements miner.Driver.
var _ miner.Driver = (*Device)(nil)
