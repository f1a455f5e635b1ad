// Command fping sends concurrent ICMP probes to many hosts at once and
// reports which are reachable, in the spirit of the classic fping(8) tool.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/pcekm/fprobe/internal/engine"
	"github.com/pcekm/fprobe/internal/lookup"
	"github.com/pcekm/fprobe/internal/privsep"
	"github.com/pcekm/fprobe/internal/privsep/client"
	"github.com/pcekm/fprobe/internal/reporter"
	"github.com/pcekm/fprobe/internal/target"
	"github.com/pcekm/fprobe/internal/util"
)

// Version is set via -ldflags at release build time.
var Version = "(unknown)"

// Flags.
var (
	count          = pflag.IntP("count", "c", 0, "Number of pings to send to each target.")
	period         = pflag.IntP("period", "p", 0, "Milliseconds between successive pings to the same target (count/loop mode).")
	interval       = pflag.IntP("interval", "i", 25, "Minimum milliseconds between any two sends.")
	loop           = pflag.BoolP("loop", "l", false, "Ping forever, until interrupted.")
	timeoutMS      = pflag.IntP("timeout", "t", 500, "Initial per-probe timeout in milliseconds.")
	retry          = pflag.IntP("retry", "r", 3, "Number of retries in default mode.")
	backoff        = pflag.Float64P("backoff", "B", 1.5, "Timeout backoff multiplier in default mode (1.0-5.0).")
	bytesFlag      = pflag.IntP("bytes", "b", 56, "ICMP payload size in bytes.")
	randomPayload  = pflag.Bool("random-payload", false, "Fill the ICMP payload with random bytes instead of zeros.")
	quiet          = pflag.BoolP("quiet", "q", false, "Suppress per-probe output; print only the final summary.")
	reportInterval = pflag.IntP("report-interval", "Q", 0, "Milliseconds between periodic interval reports; 0 disables.")
	aliveOnly      = pflag.BoolP("alive", "a", false, "Show only targets that respond.")
	unreachOnly    = pflag.BoolP("unreachable", "u", false, "Show only targets that do not respond.")
	verbose        = pflag.BoolP("verbose", "v", false, "Print ICMP error replies (unreachable, time exceeded, etc.) bound to a probe; undecodable packets are still discarded silently.")
	generate       = pflag.StringP("generate", "g", "", "Generate a target list from a CIDR prefix or IPv4 range (e.g. 192.168.1.0/24 or 192.168.1.1-100).")
	targetFile     = pflag.StringP("file", "f", "", "Read targets, one per line, from this file.")
	ttl            = pflag.IntP("ttl", "T", 0, "Outgoing IP TTL (0 uses the OS default).")
	tos            = pflag.IntP("tos", "O", 0, "Outgoing IP type-of-service / traffic-class value.")
	dontFragment   = pflag.BoolP("dont-fragment", "M", false, "Accepted and stored in the engine config; not applied to outgoing packets.")
	fwmark         = pflag.Int("fwmark", 0, "Linux SO_MARK value applied to outgoing sockets.")
	bindIface      = pflag.StringP("bind-iface", "I", "", "Bind outgoing sockets to this network interface.")
	sourceAddr     = pflag.StringP("source-addr", "S", "", "Validated and stored in the engine config; not applied to outgoing packets.")
	icmpTimestamp  = pflag.Bool("icmp-timestamp", false, "Send ICMP Timestamp requests instead of Echo requests (IPv4 only).")
	checkSource    = pflag.Bool("check-source", false, "Discard replies whose source address doesn't match the target's.")
	minReachable   = pflag.IntP("min-reachable", "m", 0, "Exit 0 once at least this many targets have responded.")
	fastReachable  = pflag.Bool("fast-reachable", false, "Combined with -m, stop as soon as min-reachable is satisfied instead of waiting for the full schedule.")
	ipv4Only       = pflag.BoolP("ipv4", "4", false, "Prefer IPv4 addresses when resolving hostnames (the default); a name with none falls back to IPv6.")
	ipv6Only       = pflag.BoolP("ipv6", "6", false, "Prefer IPv6 addresses when resolving hostnames; a name with none falls back to IPv4.")
	reverseLookup  = pflag.BoolP("dns-lookup", "d", false, "Reverse-resolve targets named by a numeric address (literal, -g, range or CIDR) to a hostname for display.")
	printVersion   = pflag.Bool("version", false, "Print the version and exit.")
)

func main() {
	privClient, privCleanup := privsep.Initialize()
	defer privCleanup()

	pflag.Usage = usage
	pflag.Parse()

	if *printVersion {
		printVersionInfo()
		os.Exit(0)
	}

	cfg, ipVer, err := buildConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fping: %v\n", err)
		pflag.Usage()
		os.Exit(3)
	}

	tokens, err := collectTokens()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fping: %v\n", err)
		os.Exit(3)
	}
	if len(tokens) == 0 {
		fmt.Fprintln(os.Stderr, "fping: no targets given")
		pflag.Usage()
		os.Exit(3)
	}

	targets, resolveFail := resolveTargets(tokens, ipVer)
	if len(targets) == 0 {
		if resolveFail {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "fping: no targets given")
		os.Exit(3)
	}

	if *reverseLookup {
		resolveDisplayNames(targets)
	}

	wantV4, wantV6 := false, false
	for _, t := range targets {
		if util.AddrVersion(t.Addr) == util.IPv4 {
			wantV4 = true
		} else {
			wantV6 = true
		}
	}

	transport, err := openTransport(privClient, wantV4, wantV6)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fping: %v\n", err)
		os.Exit(4)
	}
	defer transport.Close()

	rep := &reporter.LineReporter{
		Out:             os.Stdout,
		ErrOut:          os.Stderr,
		Mode:            cfg.Mode(),
		AliveOnly:       *aliveOnly,
		UnreachableOnly: *unreachOnly,
		Verbose:         *verbose,
		Quiet:           *quiet,
	}

	eng := engine.New(cfg, transport, rep, nil)
	for _, t := range targets {
		eng.AddTarget(t)
	}
	if resolveFail {
		eng.MarkResolveFailure()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGINT:
				eng.RequestFinish()
			case syscall.SIGQUIT:
				eng.RequestStatusSnapshot()
			}
		}
	}()
	defer signal.Stop(sigCh)

	code, err := eng.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fping: %v\n", err)
		os.Exit(4)
	}
	os.Exit(code)
}

// buildConfig translates flags into an engine.Config, validating the
// combinations the engine itself doesn't check (mutually exclusive address
// families, backoff range, etc). Any returned error is a CLI usage error
// (exit 3).
func buildConfig() (engine.Config, util.IPVersion, error) {
	if *ipv4Only && *ipv6Only {
		return engine.Config{}, 0, fmt.Errorf("-4 and -6 are mutually exclusive")
	}
	if *aliveOnly && *unreachOnly {
		return engine.Config{}, 0, fmt.Errorf("-a and -u are mutually exclusive")
	}
	if *count > 0 && *loop {
		return engine.Config{}, 0, fmt.Errorf("--count and --loop are mutually exclusive")
	}
	if *backoff < 1.0 || *backoff > 5.0 {
		return engine.Config{}, 0, fmt.Errorf("--backoff must be between 1.0 and 5.0")
	}
	ipVer := util.IPv4
	if *ipv6Only {
		ipVer = util.IPv6
	}

	cfg := engine.Config{
		Interval:        time.Duration(*interval) * time.Millisecond,
		PerHostInterval: time.Duration(*period) * time.Millisecond,
		InitialTimeout:  time.Duration(*timeoutMS) * time.Millisecond,
		Retries:         *retry,
		BackoffFactor:   *backoff,
		Count:           *count,
		Loop:            *loop,
		PayloadSize:     *bytesFlag,
		RandomPayload:   *randomPayload,
		TTL:             *ttl,
		TOS:             *tos,
		DontFragment:    *dontFragment,
		FWMark:          *fwmark,
		BindIface:       *bindIface,
		ICMPTimestamp:   *icmpTimestamp,
		CheckSource:     *checkSource,
		ReportInterval:  time.Duration(*reportInterval) * time.Millisecond,
		MinReachable:    *minReachable,
		FastReachable:   *fastReachable,
	}

	if *sourceAddr != "" {
		ip := net.ParseIP(*sourceAddr)
		if ip == nil {
			return engine.Config{}, 0, fmt.Errorf("invalid --source-addr %q", *sourceAddr)
		}
		cfg.SourceAddr = ip
	}

	return cfg, ipVer, nil
}

// collectTokens gathers every target token from positional args, --file and
// --generate, in that order.
func collectTokens() ([]string, error) {
	var tokens []string
	tokens = append(tokens, pflag.Args()...)

	if *targetFile != "" {
		fileTokens, err := target.ReadFile(*targetFile)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, fileTokens...)
	}

	if *generate != "" {
		tokens = append(tokens, *generate)
	}

	return tokens, nil
}

// resolveDisplayNames replaces each target's display name with its
// reverse-DNS name where one exists, for targets whose name is currently
// just their numeric address (-g/range/CIDR targets and literal address
// tokens; a name resolved from a hostname token is left alone since it's
// already the friendlier form).
func resolveDisplayNames(targets []target.Target) {
	for i, t := range targets {
		if t.Name == util.IP(t.Addr).String() {
			targets[i].Name = lookup.Addr(t.Addr)
		}
	}
}

// resolveTargets expands every token into Targets, printing a warning and
// setting resolveFail for any token that can't be resolved (spec exit code
// 2) rather than aborting the whole run.
func resolveTargets(tokens []string, ipVer util.IPVersion) (targets []target.Target, resolveFail bool) {
	for _, tok := range tokens {
		ts, err := target.Expand(tok, ipVer)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fping: %s: %v\n", tok, err)
			resolveFail = true
			continue
		}
		targets = append(targets, ts...)
	}
	return targets, resolveFail
}

// openTransport opens the engine's send/receive transport: directly, or
// proxied through the privileged helper if Initialize determined one is
// needed.
func openTransport(c *client.Client, wantV4, wantV6 bool) (engine.Transport, error) {
	if c != nil {
		return privsep.NewTransport(c, wantV4, wantV6, client.SocketOptions{
			TOS:       *tos,
			FWMark:    *fwmark,
			BindIface: *bindIface,
		})
	}
	rateLimit := 1.0 / (time.Duration(*interval) * time.Millisecond).Seconds()
	return engine.NewSocketTransport(wantV4, wantV6, rateLimit, engine.SocketOptions{
		TOS:       *tos,
		FWMark:    *fwmark,
		BindIface: *bindIface,
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] target ...\n\n", path.Base(os.Args[0]))
	pflag.PrintDefaults()
}

func printVersionInfo() {
	inf, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Println("fping: unknown version")
		return
	}
	fmt.Printf("%s %s\nbuilt with %s\n", path.Base(inf.Path), Version, inf.GoVersion)
}
