// Package engine implements the probing engine: the single-threaded
// event-driven send/receive loop that drives ping_q and timeout_q, the
// per-host retransmission state machine, and reply correlation.
package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/pcekm/fprobe/internal/clock"
	"github.com/pcekm/fprobe/internal/codec"
	"github.com/pcekm/fprobe/internal/eventqueue"
	"github.com/pcekm/fprobe/internal/hosttable"
	"github.com/pcekm/fprobe/internal/seqmap"
	"github.com/pcekm/fprobe/internal/socket"
	"github.com/pcekm/fprobe/internal/target"
	"github.com/pcekm/fprobe/internal/util"
)

// Engine owns every piece of mutable loop state and is driven entirely by
// Run's single goroutine; the only state touched from elsewhere is the two
// atomic signal flags.
type Engine struct {
	cfg       Config
	clk       clock.Clock
	transport Transport
	reporter  Reporter

	hosts    []*hosttable.Host
	pingQ    *eventqueue.Queue
	timeoutQ *eventqueue.Queue
	seq      *seqmap.Map

	lastSend    time.Time
	nextReport  time.Time
	reachable   map[int]bool
	sendFailure bool
	resolveFail bool

	finishRequested atomic.Bool
	statusSnapshot  atomic.Bool
}

// New creates an Engine. transport must already be open; reporter receives
// every per-probe and per-interval callback.
func New(cfg Config, transport Transport, reporter Reporter, clk clock.Clock) *Engine {
	cfg = cfg.normalized()
	size := cfg.SeqmapSize
	if size <= 0 {
		rate := 1.0 / cfg.Interval.Seconds()
		size = seqmap.RecommendedSize(rate, cfg.InitialTimeout*time.Duration(cfg.Retries+2))
	}
	if clk == nil {
		clk = clock.New()
	}
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Engine{
		cfg:       cfg,
		clk:       clk,
		transport: transport,
		reporter:  reporter,
		pingQ:     eventqueue.New(),
		timeoutQ:  eventqueue.New(),
		seq:       seqmap.New(size, cfg.SeqmapRetention),
		reachable: make(map[int]bool),
	}
}

// AddTarget registers t as a new host. Must be called before Run.
func (e *Engine) AddTarget(t target.Target) *hosttable.Host {
	idx := len(e.hosts)
	arena := e.cfg.ArenaSize()
	h := hosttable.New(idx, t.Name, t.Addr, e.cfg.InitialTimeout, arena, e.cfg.HistorySize)
	e.hosts = append(e.hosts, h)
	return h
}

// MarkResolveFailure records that a target name failed to resolve, for the
// exit-code computation (spec exit code 2).
func (e *Engine) MarkResolveFailure() { e.resolveFail = true }

// Hosts returns every registered host, in ingestion order.
func (e *Engine) Hosts() []*hosttable.Host { return e.hosts }

// RequestFinish sets finish_requested, the cooperative stop flag an
// interrupt signal handler would set. Safe to call concurrently with Run.
func (e *Engine) RequestFinish() { e.finishRequested.Store(true) }

// RequestStatusSnapshot sets status_snapshot, the flag a quit signal handler
// would set to request an out-of-band interval report. Safe to call
// concurrently with Run.
func (e *Engine) RequestStatusSnapshot() { e.statusSnapshot.Store(true) }

// Run drives the event loop until every host's schedule is exhausted (count
// mode), finish_requested is set (loop/default mode), or ctx is canceled.
// It returns the exit code computed per the documented contract.
func (e *Engine) Run(ctx context.Context) (int, error) {
	now := e.clk.Now()
	for _, h := range e.hosts {
		ev := h.SendEventSlot(0)
		ev.Time = now
		e.pingQ.Enqueue(ev)
	}
	if e.cfg.ReportInterval > 0 {
		e.nextReport = now.Add(e.cfg.ReportInterval)
	}

	for {
		now = e.clk.Now()

		for {
			t, ok := e.timeoutQ.PeekHeadTime()
			if !ok || t.After(now) {
				break
			}
			ev := e.timeoutQ.DequeueHead()
			e.handleTimeout(ev, now)
			if e.finishRequested.Load() {
				break
			}
		}

		shortfall := time.Duration(0)
		if t, ok := e.pingQ.PeekHeadTime(); ok && !t.After(now) {
			gap := now.Sub(e.lastSend)
			if e.lastSend.IsZero() || gap >= e.cfg.Interval {
				ev := e.pingQ.DequeueHead()
				e.handleSend(ev, now)
			} else {
				shortfall = e.cfg.Interval - gap
			}
		}

		if e.finishRequested.Load() {
			break
		}

		deadline, more := e.nextWake(now)
		if !more {
			break
		}
		if shortfall > 0 {
			if until := now.Add(shortfall); until.After(deadline) {
				deadline = until
			}
		}

		pkt, ok, err := e.transport.Wait(ctx, deadline)
		if err != nil {
			if ctx.Err() != nil {
				e.finishRequested.Store(true)
				break
			}
			return 4, fmt.Errorf("engine: socket wait: %v", err)
		}
		if ok {
			e.handleReceive(pkt, e.clk.Now())
			for {
				more, ok2, _ := e.transport.Wait(ctx, time.Time{})
				if !ok2 {
					break
				}
				e.handleReceive(more, e.clk.Now())
			}
		}

		if e.statusSnapshot.Load() {
			e.reporter.OnIntervalTick(e.clk.Now())
			e.statusSnapshot.Store(false)
		}
		if e.finishRequested.Load() {
			break
		}
		if e.cfg.ReportInterval > 0 {
			if n := e.clk.Now(); !n.Before(e.nextReport) {
				e.reporter.OnIntervalTick(n)
				for !e.nextReport.After(n) {
					e.nextReport = e.nextReport.Add(e.cfg.ReportInterval)
				}
				for _, h := range e.hosts {
					h.ResetInterval()
				}
			}
		}
	}

	return e.finish(), nil
}

// nextWake returns the time the loop should next wake for, and whether
// there's anything left to wait for at all.
func (e *Engine) nextWake(now time.Time) (time.Time, bool) {
	var candidates []time.Time
	if t, ok := e.pingQ.PeekHeadTime(); ok {
		candidates = append(candidates, t)
	}
	if t, ok := e.timeoutQ.PeekHeadTime(); ok {
		candidates = append(candidates, t)
	}
	if e.cfg.ReportInterval > 0 {
		candidates = append(candidates, e.nextReport)
	}
	if len(candidates) == 0 {
		return time.Time{}, false
	}
	min := candidates[0]
	for _, c := range candidates[1:] {
		if c.Before(min) {
			min = c
		}
	}
	if min.Before(now) {
		min = now
	}
	return min, true
}

func (e *Engine) handleTimeout(ev *eventqueue.Event, now time.Time) {
	host := e.hosts[ev.HostIndex]
	pingIndex := ev.PingIndex
	host.SetTimeoutElem(pingIndex, nil)
	host.RecordTimeout(pingIndex)
	e.seq.Clear(host.Seq(pingIndex))
	e.reporter.OnProbeResult(host, pingIndex, Outcome{Kind: Timeout})

	if e.cfg.Mode() == ModeDefault && host.Cumulative.Sent < e.cfg.Retries+1 {
		host.BackoffTimeout(e.cfg.BackoffFactor)
		e.doSend(host, pingIndex, now)
	}
}

func (e *Engine) handleSend(ev *eventqueue.Event, now time.Time) {
	host := e.hosts[ev.HostIndex]
	pingIndex := ev.PingIndex
	scheduledAt := ev.Time

	e.doSend(host, pingIndex, now)

	mode := e.cfg.Mode()
	if mode == ModeCount && pingIndex+1 >= e.cfg.Count {
		return
	}
	if mode == ModeCount || mode == ModeLoop {
		next := host.SendEventSlot(pingIndex + 1)
		next.Time = scheduledAt.Add(e.cfg.PerHostInterval)
		e.pingQ.Enqueue(next)
	}
}

// doSend performs the actual seqmap.Add + encode + transmit + schedule
// sequence shared by a fresh ping_q send and a default-mode retry.
func (e *Engine) doSend(host *hosttable.Host, pingIndex int, now time.Time) {
	family := util.AddrVersion(host.Addr)
	seq := e.seq.Add(host.Index, pingIndex, now)
	host.SetSeq(pingIndex, seq)

	req := codec.Request{
		Kind: codec.EchoRequest,
		ID:   e.transport.EchoID(family),
		Seq:  int(seq),
	}
	if e.cfg.ICMPTimestamp && family == util.IPv4 {
		req.Kind = codec.TimestampRequest
		req.Originate = millisSinceMidnight(now)
	} else {
		req.Payload = e.payload()
	}

	var wire []byte
	var err error
	if family == util.IPv4 {
		wire, err = codec.EncodeV4(req)
	} else {
		wire, err = codec.EncodeV6(req)
	}
	if err == nil {
		err = e.transport.SendTo(family, wire, host.Addr, e.cfg.TTL)
	}
	if err != nil {
		host.RecordSendError(pingIndex)
		e.seq.Clear(seq)
		e.sendFailure = true
		e.reporter.OnProbeResult(host, pingIndex, Outcome{Kind: SendError})

		if e.cfg.Mode() != ModeDefault {
			// handleSend already schedules the next event for count/loop
			// mode; nothing further to do here.
		}
		return
	}

	host.RecordSend(pingIndex, now)
	e.lastSend = now
	deadline := now.Add(host.CurrentTimeout)
	tev := host.TimeoutEventSlot(pingIndex)
	tev.Time = deadline
	el := e.timeoutQ.Enqueue(tev)
	host.SetTimeoutElem(pingIndex, el)
}

func (e *Engine) payload() []byte {
	size := e.cfg.PayloadSize
	if size < codec.MinEchoPayload {
		size = codec.MinEchoPayload
	}
	b := make([]byte, size)
	if e.cfg.RandomPayload {
		_, _ = rand.Read(b)
	}
	return b
}

func millisSinceMidnight(t time.Time) uint32 {
	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return uint32(u.Sub(midnight).Milliseconds())
}

// handleReceive decodes one packet and, if it correlates to an outstanding
// probe of ours, finalizes it: a normal reply records RTT (or a duplicate),
// an ICMP error reply leaves the probe Waiting and bumps other_icmp, and
// anything that doesn't decode or doesn't correlate (wrong id, unknown or
// stale sequence number) is discarded silently.
func (e *Engine) handleReceive(pkt socket.Packet, now time.Time) {
	var reply *codec.Reply
	var other *codec.OtherICMP
	var ok bool
	var err error
	if pkt.Family == util.IPv4 {
		reply, other, ok, err = codec.DecodeV4(pkt.Data)
	} else {
		reply, other, ok, err = codec.DecodeV6(pkt.Data)
	}
	if err != nil || !ok {
		return
	}

	if reply != nil {
		if reply.ID != e.transport.EchoID(pkt.Family) {
			return
		}
		e.finalizeReply(reply, pkt.Peer, now)
		return
	}

	if other != nil {
		if other.OrigID != e.transport.EchoID(pkt.Family) {
			return
		}
		e.finalizeOtherICMP(uint16(other.OrigSeq), other.Kind, pkt.Peer)
	}
}

func (e *Engine) finalizeReply(reply *codec.Reply, peer net.Addr, now time.Time) {
	seq := uint16(reply.Seq)
	entry, ok := e.seq.Fetch(seq, now)
	if !ok {
		return
	}
	host := e.hosts[entry.HostIndex]
	pingIndex := entry.PingIndex

	if e.cfg.CheckSource {
		if peer.String() != host.Addr.String() {
			return
		}
	}

	rtt := now.Sub(entry.SendTime)
	if rtt > host.CurrentTimeout {
		// Late: the timeout already fired for this slot, so there's
		// nothing left to finalize.
		return
	}

	outcome := Outcome{Kind: Alive, RTT: rtt, Source: peer}
	if reply.Kind == codec.TimestampReply {
		outcome.Timestamp = true
		outcome.Originate = reply.Originate
		outcome.Receive = reply.Receive
		outcome.Transmit = reply.Transmit
	}

	if host.RecordReply(pingIndex, rtt) {
		e.clearOutstanding(host, pingIndex, seq)
		e.reachable[entry.HostIndex] = true
		e.reporter.OnProbeResult(host, pingIndex, outcome)
		e.maybeFastFinish()
	} else {
		host.RecordDuplicate()
		outcome.Kind = Duplicate
		e.reporter.OnProbeResult(host, pingIndex, outcome)
	}
}

func (e *Engine) finalizeOtherICMP(seq uint16, kind codec.Kind, peer net.Addr) {
	entry, ok := e.seq.Fetch(seq, e.clk.Now())
	if !ok {
		return
	}
	host := e.hosts[entry.HostIndex]
	host.RecordOtherICMP()
	e.reporter.OnProbeResult(host, entry.PingIndex, Outcome{Kind: OtherICMP, ICMPKind: kind, Source: peer})
}

// clearOutstanding removes seq's outstanding timeout_q entry once a reply
// has finalized it. The seqmap entry itself is deliberately left in place
// (rather than cleared) so a subsequent duplicate reply for the same
// sequence number can still be correlated back to pingIndex and counted via
// RecordDuplicate; it's naturally retired once the slot is reused by a
// later Add or ages out of the retention window.
func (e *Engine) clearOutstanding(host *hosttable.Host, pingIndex int, seq uint16) {
	if el := host.TimeoutElem(pingIndex); el != nil {
		e.timeoutQ.Remove(el)
		host.SetTimeoutElem(pingIndex, nil)
	}
}

// maybeFastFinish requests finish once MinReachable distinct hosts have
// answered at least once, if FastReachable is enabled.
func (e *Engine) maybeFastFinish() {
	if e.cfg.MinReachable > 0 && e.cfg.FastReachable && len(e.reachable) >= e.cfg.MinReachable {
		e.finishRequested.Store(true)
	}
}

// finish computes the exit code per the documented contract:
//
//	0  every host reachable (or MinReachable satisfied)
//	1  some host never answered
//	2  a target name failed to resolve
//	3  reserved for CLI validation failures, never returned here
//	4  reserved for system-call failures, returned directly from Run
func (e *Engine) finish() int {
	reachable := 0
	for _, h := range e.hosts {
		if h.Reachable() {
			reachable++
		}
	}
	unreachable := len(e.hosts) - reachable

	code := 0
	switch {
	case e.cfg.MinReachable > 0:
		if reachable < e.cfg.MinReachable {
			code = 1
		}
	case unreachable > 0:
		code = 1
	}
	if e.resolveFail && code == 0 {
		code = 2
	}

	e.reporter.OnFinish(Summary{
		Hosts:       e.hosts,
		Reachable:   reachable,
		Unreachable: unreachable,
		ExitCode:    code,
	})
	return code
}
