package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/powerhive/minerfleet/internal/netutil"
	"github.com/powerhive/minerfleet/pkg/bos"
	"github.com/powerhive/minerfleet/pkg/cgminer"
	"github.com/powerhive/minerfleet/pkg/discovery"
	"github.com/powerhive/minerfleet/pkg/dispatch"
	"github.com/powerhive/minerfleet/pkg/driver"
	"github.com/powerhive/minerfleet/pkg/factory"
	"github.com/powerhive/minerfleet/pkg/history"
	"github.com/powerhive/minerfleet/pkg/minerconf"
	"github.com/powerhive/minerfleet/pkg/variant"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	command, args := os.Args[1], os.Args[2:]

	switch command {
	case "scan":
		err = runScan(ctx, cfg, args)
	case "import":
		err = runImport(args)
	case "data":
		err = runData(ctx, cfg, args)
	case "light":
		err = runLight(ctx, cfg, args)
	case "config-get":
		err = runConfigGet(ctx, cfg, args)
	case "config-push":
		err = runConfigPush(ctx, cfg, args)
	case "config-generate":
		err = runConfigGenerate(args)
	case "config-export":
		err = runConfigExport(args)
	case "history":
		err = runHistory(ctx, cfg, args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func printUsage() {
	fmt.Println("fleetctl - miner fleet discovery and batch control")
	fmt.Println()
	fmt.Println("Usage: fleetctl <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  scan [-classify] <target>            Find live miners (CIDR, a-b range or IP)")
	fmt.Println("  import <file>                        Print the addresses in an IP list file")
	fmt.Println("  data [-sort key] <targets...>        Hash rate, pool user and power per miner")
	fmt.Println("  light <on|off|toggle> <targets...>   Set or flip fault lights")
	fmt.Println("                                       (toggle reads the last state from FLEET_HISTORY_DB;")
	fmt.Println("                                        without it every light starts from off)")
	fmt.Println("  config-get <ip>                      Print one miner's config")
	fmt.Println("  config-push <file> <targets...>      Stamp and write a config to miners")
	fmt.Println("  config-generate [model]              Print the default config")
	fmt.Println("  config-export <in> <out>             Stamp a config file and write it out")
	fmt.Println("  history [n | batch-id]               Show recorded batches")
	fmt.Println()
	fmt.Println("Targets are CIDRs, a-b ranges, single IPs or @file for an IP list file.")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  FLEET_CONFIG       YAML config file")
	fmt.Println("  FLEET_PORT         Miner API port (default: 4028)")
	fmt.Println("  FLEET_TIMEOUT      Per-device timeout (default: 10s)")
	fmt.Println("  FLEET_SCAN_TIMEOUT Per-host scan timeout (default: 3s)")
	fmt.Println("  FLEET_CONCURRENCY  Devices worked on at once (default: 64)")
	fmt.Println("  FLEET_MAX_HOSTS    Largest accepted range (default: 4096)")
	fmt.Println("  BOS_SSH_USER       BOSminer SSH user (default: root)")
	fmt.Println("  BOS_SSH_PASSWORD   BOSminer SSH password (default: empty)")
	fmt.Println("  FLEET_HISTORY_DB   SQLite file for batch history (default: off)")
}

// app wires the fleet core for one CLI invocation.
type app struct {
	scanner    *discovery.Scanner
	dispatcher *dispatch.Dispatcher
	history    *history.Store
}

func newApp(cfg *Config) (*app, error) {
	shell := bos.NewShell(bos.NewSSH(
		bos.WithCredentials(cfg.SSHUser, cfg.SSHPassword),
		bos.WithPort(cfg.SSHPort),
		bos.WithTimeout(cfg.Timeout),
	))
	builder := driver.NewBuilder(
		driver.WithAPIPort(cfg.Port),
		driver.WithAPITimeout(cfg.Timeout),
		driver.WithShell(shell),
	)
	prober := cgminer.NewProber(
		cgminer.WithProberPort(cfg.Port),
		cgminer.WithProberTimeout(cfg.Timeout),
	)

	f := factory.New(factory.NewCache(), prober, variant.Default(), builder)

	a := &app{
		scanner: discovery.NewScanner(
			discovery.WithPort(cfg.Port),
			discovery.WithTimeout(cfg.ScanTimeout),
			discovery.WithConcurrency(cfg.Concurrency),
			discovery.WithMaxHosts(cfg.MaxHosts),
			discovery.WithClassifier(f),
		),
	}

	opts := []dispatch.Option{
		dispatch.WithConcurrency(cfg.Concurrency),
		dispatch.WithTimeout(cfg.Timeout),
	}
	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			return nil, err
		}
		a.history = store
		opts = append(opts, dispatch.WithRecorder(store))
	}
	a.dispatcher = dispatch.New(f, opts...)

	return a, nil
}

func (a *app) Close() {
	if a.history != nil {
		a.history.Close()
	}
}

// resolveTargets expands CLI targets into a deduplicated, sorted list.
func resolveTargets(args []string, maxHosts int) ([]netip.Addr, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no targets given")
	}

	var addrs []netip.Addr
	for _, arg := range args {
		var (
			ips []netip.Addr
			err error
		)
		if path, ok := strings.CutPrefix(arg, "@"); ok {
			ips, err = netutil.ReadIPList(path)
		} else {
			ips, err = discovery.ParseTarget(arg).Expand(maxHosts)
		}
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, ips...)
	}

	addrs = netutil.SortUnique(addrs)
	if len(addrs) > maxHosts {
		return nil, fmt.Errorf("%w: %d targets, limit %d", netutil.ErrTooManyHosts, len(addrs), maxHosts)
	}
	return addrs, nil
}

func runScan(ctx context.Context, cfg *Config, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	classify := fs.Bool("classify", false, "Classify each live host")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fleetctl scan [-classify] <target>")
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	target := discovery.ParseTarget(fs.Arg(0))
	fmt.Printf("Scanning %s on port %d...\n", target, cfg.Port)

	if !*classify {
		start := time.Now()
		live, err := a.scanner.Scan(ctx, target)
		if err != nil {
			return err
		}
		fmt.Printf("Scan completed in %v, %d live\n", time.Since(start).Round(time.Millisecond), len(live))
		for _, ip := range live {
			fmt.Println(ip)
		}
		return nil
	}

	result, err := a.scanner.Discover(ctx, target)
	if err != nil {
		return err
	}

	fmt.Printf("\nScan completed in %v\n", result.Duration.Round(time.Millisecond))
	fmt.Printf("Scanned IPs: %d, Responsive: %d, Miners found: %d\n",
		result.ScannedIPs, result.ResponsiveHosts, len(result.Miners))

	if len(result.Miners) > 0 {
		fmt.Println("\nDiscovered Miners:")
		fmt.Println("------------------")
		for _, m := range result.Miners {
			fmt.Printf("  %-15s - %-20s (%s)\n", m.Addr, m.Variant.Name, m.Variant.Dialect)
		}
	}

	if len(result.Errors) > 0 {
		fmt.Println("\nUnclassified:")
		for _, ip := range netutil.SortUnique(mapKeys(result.Errors)) {
			fmt.Printf("  %-15s - %v\n", ip, result.Errors[ip])
		}
	}
	return nil
}

func runImport(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fleetctl import <file>")
	}
	ips, err := netutil.ReadIPList(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d addresses\n", len(ips))
	return netutil.WriteIPList(os.Stdout, ips)
}

func runData(ctx context.Context, cfg *Config, args []string) error {
	fs := flag.NewFlagSet("data", flag.ExitOnError)
	sortBy := fs.String("sort", "ip", "Sort by ip, hashrate, user or power")
	fs.Parse(args)

	key, err := dispatch.ParseSortKey(*sortBy)
	if err != nil {
		return err
	}
	addrs, err := resolveTargets(fs.Args(), cfg.MaxHosts)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.dispatcher.Telemetry(ctx, addrs)
	if err != nil {
		return err
	}

	rows := res.Telemetry()
	dispatch.SortTelemetry(rows, key)
	for _, row := range rows {
		fmt.Println(row)
	}
	printFailures(res)
	return nil
}

func runLight(ctx context.Context, cfg *Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: fleetctl light <on|off|toggle> <targets...>")
	}
	addrs, err := resolveTargets(args[1:], cfg.MaxHosts)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var res dispatch.Result
	switch args[0] {
	case "on":
		res, err = a.dispatcher.SetLight(ctx, addrs, true)
	case "off":
		res, err = a.dispatcher.SetLight(ctx, addrs, false)
	case "toggle":
		res, err = a.toggleLights(ctx, addrs)
	default:
		return fmt.Errorf("unknown light action %q", args[0])
	}
	if err != nil {
		return err
	}

	for _, ip := range res.Successes() {
		state := "off"
		if res[ip].Light {
			state = "on"
		}
		fmt.Printf("%-15s light %s\n", ip, state)
	}
	printFailures(res)
	return nil
}

// toggleLights flips each light relative to its last recorded state. A fresh
// process has no driver state, so without a history store every light
// starts from off and toggle turns it on.
func (a *app) toggleLights(ctx context.Context, addrs []netip.Addr) (dispatch.Result, error) {
	if a.history == nil {
		return a.dispatcher.ToggleLight(ctx, addrs)
	}

	states, err := a.history.LightStates(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("reading light history: %w", err)
	}
	lit, dark := splitByLight(addrs, states)

	res := make(dispatch.Result, len(addrs))
	for _, group := range []struct {
		addrs []netip.Addr
		on    bool
	}{{lit, false}, {dark, true}} {
		if len(group.addrs) == 0 {
			continue
		}
		part, err := a.dispatcher.SetLight(ctx, group.addrs, group.on)
		if err != nil {
			return nil, err
		}
		for ip, o := range part {
			res[ip] = o
		}
	}
	return res, nil
}

// splitByLight partitions addrs into those last seen lit and the rest.
func splitByLight(addrs []netip.Addr, states map[netip.Addr]bool) (lit, dark []netip.Addr) {
	for _, ip := range addrs {
		if states[ip] {
			lit = append(lit, ip)
		} else {
			dark = append(dark, ip)
		}
	}
	return lit, dark
}

func runConfigGet(ctx context.Context, cfg *Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fleetctl config-get <ip>")
	}
	ip, err := netip.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("invalid IP: %s", args[0])
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.dispatcher.ReadConfig(ctx, []netip.Addr{ip})
	if err != nil {
		return err
	}
	out := res[ip]
	if !out.OK() {
		return out.Err
	}

	data, err := out.Config.Serialize()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runConfigPush(ctx context.Context, cfg *Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: fleetctl config-push <file> <targets...>")
	}
	doc, err := minerconf.ReadFile(args[0])
	if err != nil {
		return err
	}
	addrs, err := resolveTargets(args[1:], cfg.MaxHosts)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.dispatcher.PushConfig(ctx, addrs, doc)
	if err != nil {
		return err
	}

	fmt.Printf("Configured %d of %d miners\n", len(res.Successes()), len(res))
	printFailures(res)
	return nil
}

func runConfigGenerate(args []string) error {
	model := minerconf.DefaultModel
	if len(args) > 0 {
		model = strings.Join(args, " ")
	}

	data, err := minerconf.Default(model, time.Now()).Serialize()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runConfigExport(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: fleetctl config-export <in> <out>")
	}
	doc, err := minerconf.ReadFile(args[0])
	if err != nil {
		return err
	}
	if err := minerconf.WriteFile(args[1], doc, time.Now()); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", args[1])
	return nil
}

func runHistory(ctx context.Context, cfg *Config, args []string) error {
	if cfg.HistoryDB == "" {
		return fmt.Errorf("batch history is off; set FLEET_HISTORY_DB")
	}
	store, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	limit := 20
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return printBatch(ctx, store, args[0])
		}
		limit = n
	}

	batches, err := store.ListBatches(ctx, limit)
	if err != nil {
		return err
	}
	for _, b := range batches {
		fmt.Printf("%s  %-13s %3d/%-3d ok  %s (%v)\n",
			b.ID, b.Operation, b.SuccessCount, b.DeviceCount,
			b.StartedAt.Local().Format(time.DateTime), b.FinishedAt.Sub(b.StartedAt).Round(time.Millisecond))
	}
	return nil
}

func printBatch(ctx context.Context, store *history.Store, id string) error {
	b, err := store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	outcomes, err := store.Outcomes(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Batch %s: %s at %s, %d/%d ok\n",
		b.ID, b.Operation, b.StartedAt.Local().Format(time.DateTime), b.SuccessCount, b.DeviceCount)
	for _, o := range outcomes {
		if o.OK {
			fmt.Printf("  %-15s ok\n", o.IPAddress)
		} else {
			fmt.Printf("  %-15s %s: %s\n", o.IPAddress, o.ErrorKind, o.Error)
		}
	}
	return nil
}

// printFailures lists failed devices grouped by error kind, so a subset can
// be retried.
func printFailures(res dispatch.Result) {
	failed := res.Failures()
	if len(failed) == 0 {
		return
	}
	fmt.Printf("\n%d failed:\n", len(failed))
	for _, ip := range failed {
		fmt.Printf("  %-15s %-14s %v\n", ip, res[ip].Kind(), res[ip].Err)
	}
}

func mapKeys[V any](m map[netip.Addr]V) []netip.Addr {
	keys := make([]netip.Addr, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
