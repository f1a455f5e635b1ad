// Package reporter provides a concrete, minimal Reporter implementation:
// classic fping-style line output, analogous to how the teacher's
// display package was a concrete consumer of pinger.PingResult.
package reporter

import (
	"fmt"
	"io"
	"time"

	"github.com/pcekm/fprobe/internal/engine"
	"github.com/pcekm/fprobe/internal/hosttable"
)

// LineReporter writes classic fping-style output. In default mode (a single
// probe per host, retried internally) it prints just "<host> is alive" /
// "<host> is unreachable", split across Out/ErrOut the way fping does; in
// count/loop mode it prints one line per probe (via Out, subject to Quiet)
// followed by a per-host cumulative summary at the end.
type LineReporter struct {
	Out    io.Writer
	ErrOut io.Writer

	// Mode selects the output shape: ModeDefault gets the terse
	// alive/unreachable form, ModeCount/ModeLoop get per-probe lines plus a
	// final xmt/rcv/%loss summary.
	Mode engine.Mode

	// AliveOnly and UnreachableOnly are mutually exclusive output filters
	// (-a / -u); both false prints every outcome.
	AliveOnly       bool
	UnreachableOnly bool

	// Verbose enables the per-probe line for OtherICMP outcomes (ICMP error
	// replies bound to a probe), which are otherwise not printed. Duplicate
	// lines print whether or not it is set; packets that fail to decode never
	// reach the reporter and are not reported either way.
	Verbose bool

	// Quiet suppresses per-probe lines in count/loop mode (-q); the final
	// per-host and overall summary still print, and so do ICMP Timestamp
	// results (the Originate/Receive/Transmit line). Has no effect in default
	// mode, which never prints per-probe lines to begin with.
	Quiet bool
}

// New returns a LineReporter writing to out (and out for errors too).
func New(out io.Writer) *LineReporter {
	return &LineReporter{Out: out, ErrOut: out}
}

var _ engine.Reporter = (*LineReporter)(nil)

// OnProbeResult prints one classic fping-style line for the resolved
// probe, unless a configured filter suppresses it. In default mode this is
// a no-op: the terse alive/unreachable verdict is only known once the whole
// run finishes, so it's printed from OnFinish instead.
func (r *LineReporter) OnProbeResult(host *hosttable.Host, pingIndex int, outcome engine.Outcome) {
	if r.Mode == engine.ModeDefault {
		return
	}
	if outcome.Timestamp && outcome.Kind == engine.Alive {
		fmt.Fprintf(r.Out, "%s : [%d] Originate=%d Receive=%d Transmit=%d\n",
			host.DisplayName, pingIndex, outcome.Originate, outcome.Receive, outcome.Transmit)
		return
	}
	if r.Quiet || r.suppress(outcome) {
		return
	}
	switch outcome.Kind {
	case engine.Alive:
		fmt.Fprintf(r.Out, "%s : [%d] %s, %s\n", host.DisplayName, pingIndex, host.Addr, fmtMillis(outcome.RTT))
	case engine.Duplicate:
		fmt.Fprintf(r.Out, "%s : [%d] duplicate reply, %s\n", host.DisplayName, pingIndex, fmtMillis(outcome.RTT))
	case engine.Timeout:
		fmt.Fprintf(r.Out, "%s : [%d] timed out\n", host.DisplayName, pingIndex)
	case engine.SendError:
		fmt.Fprintf(r.Out, "%s : [%d] send failed\n", host.DisplayName, pingIndex)
	case engine.OtherICMP:
		if r.Verbose {
			fmt.Fprintf(r.Out, "%s : [%d] %s\n", host.DisplayName, pingIndex, outcome.ICMPKind)
		}
	}
}

// suppress reports whether outcome should be skipped given the configured
// -a/-u filters. Alive and Duplicate count as replies: -a keeps only those
// and suppresses Timeout/SendError/OtherICMP lines, while -u suppresses
// exactly those two and keeps everything else.
func (r *LineReporter) suppress(outcome engine.Outcome) bool {
	isAlive := outcome.Kind == engine.Alive || outcome.Kind == engine.Duplicate
	if r.AliveOnly && !isAlive {
		return true
	}
	if r.UnreachableOnly && isAlive {
		return true
	}
	return false
}

// OnIntervalTick prints a single line holding the tick's timestamp; it
// prints no per-host interval counters. It resets nothing itself: on a
// periodic report tick the engine calls hosttable.Host.ResetInterval once
// this returns, and on a status-snapshot tick nothing is reset.
func (r *LineReporter) OnIntervalTick(now time.Time) {
	fmt.Fprintf(r.Out, "[%s]\n", now.Format(time.RFC3339))
}

// OnFinish prints the run's closing output: the terse alive/unreachable
// verdict in default mode, or the classic per-host cumulative summary plus
// an overall reachability line otherwise.
func (r *LineReporter) OnFinish(summary engine.Summary) {
	if r.Mode == engine.ModeDefault {
		for _, h := range summary.Hosts {
			if h.Reachable() {
				if r.UnreachableOnly {
					continue
				}
				fmt.Fprintf(r.Out, "%s is alive\n", h.DisplayName)
			} else {
				if r.AliveOnly {
					continue
				}
				fmt.Fprintf(r.errOut(), "%s is unreachable\n", h.DisplayName)
			}
		}
		return
	}

	for _, h := range summary.Hosts {
		if r.AliveOnly && !h.Reachable() {
			continue
		}
		if r.UnreachableOnly && h.Reachable() {
			continue
		}
		fmt.Fprintf(r.Out, "%-24s : %s\n", h.DisplayName, h.Cumulative.SummaryLine())
	}
	fmt.Fprintf(r.Out, "%d/%d hosts reachable\n", summary.Reachable, summary.Reachable+summary.Unreachable)
}

func (r *LineReporter) errOut() io.Writer {
	if r.ErrOut != nil {
		return r.ErrOut
	}
	return r.Out
}

func fmtMillis(d time.Duration) string {
	return fmt.Sprintf("%.2f ms", float64(d.Microseconds())/1000)
}
