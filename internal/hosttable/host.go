// Package hosttable holds the per-target host records the probing engine
// maintains for the life of a run: address, timeout state, cumulative and
// interval counters, and the preallocated event-slot arenas described in the
// engine's data model.
package hosttable

import (
	"container/list"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/pcekm/fprobe/internal/eventqueue"
)

// ProbeState is the outcome recorded for one probe slot.
type ProbeState int

// Values for ProbeState.
const (
	// Unused means this slot has never been assigned a probe.
	Unused ProbeState = iota

	// Waiting means a probe was sent and neither a reply nor a timeout has
	// been recorded for it yet.
	Waiting

	// Recorded means a non-duplicate reply arrived; RTT holds its latency.
	Recorded

	// TimedOut means no reply arrived before the deadline.
	TimedOut

	// SendError means the outgoing send itself failed.
	SendError
)

func (s ProbeState) String() string {
	switch s {
	case Unused:
		return "unused"
	case Waiting:
		return "waiting"
	case Recorded:
		return "recorded"
	case TimedOut:
		return "timeout"
	case SendError:
		return "send-error"
	default:
		return fmt.Sprintf("(unknown:%d)", s)
	}
}

// ProbeResult is one entry in a host's resp_times history.
type ProbeResult struct {
	State ProbeState
	RTT   time.Duration
}

// Stats holds a set of cumulative or interval counters. Both the
// all-time and per-report-interval counter sets on Host share this shape.
type Stats struct {
	Sent       int
	RecvUnique int
	RecvTotal  int // includes duplicates
	Timeouts   int
	SendErrors int
	OtherICMP  int

	MinRTT time.Duration
	MaxRTT time.Duration
	SumRTT time.Duration
}

// reset zeroes the counters in place, used at each report tick for the
// interval stat set.
func (s *Stats) reset() {
	*s = Stats{}
}

func (s *Stats) recordReply(rtt time.Duration) {
	s.Sent++
	s.RecvUnique++
	s.RecvTotal++
	if s.RecvUnique == 1 || rtt < s.MinRTT {
		s.MinRTT = rtt
	}
	if rtt > s.MaxRTT {
		s.MaxRTT = rtt
	}
	s.SumRTT += rtt
}

func (s *Stats) recordDuplicate() {
	s.RecvTotal++
}

func (s *Stats) recordTimeout() {
	s.Sent++
	s.Timeouts++
}

func (s *Stats) recordSendError() {
	s.Sent++
	s.SendErrors++
}

func (s *Stats) recordOtherICMP() {
	s.OtherICMP++
}

// AvgRTT returns the mean RTT of unique replies, or zero if none have
// arrived.
func (s Stats) AvgRTT() time.Duration {
	if s.RecvUnique == 0 {
		return 0
	}
	return s.SumRTT / time.Duration(s.RecvUnique)
}

// PacketLoss returns the fraction (0..1) of sent probes that were not
// uniquely answered.
func (s Stats) PacketLoss() float64 {
	if s.Sent == 0 {
		return 0
	}
	lost := s.Sent - s.RecvUnique
	if lost < 0 {
		// recv_unique > sent: I3 says this shouldn't happen, but duplicates
		// arriving after a timeout has already been counted can produce it.
		// Report zero loss rather than a negative fraction.
		lost = 0
	}
	return float64(lost) / float64(s.Sent)
}

// SummaryLine renders the classic fping per-target summary:
//
//	xmt/rcv/%loss = <sent>/<recv>/<loss>%, min/avg/max = <min>/<avg>/<max>
//
// If RecvUnique ever exceeds Sent (theoretically impossible per invariant
// I3, but observed when a duplicate arrives after its probe has already
// timed out), the sentinel "%return" format is used instead of "%loss", per
// the documented behavior this reimplementation preserves for compatibility
// even though the branch should be unreachable for well-behaved targets.
func (s Stats) SummaryLine() string {
	if s.Sent == 0 {
		return "xmt/rcv/%loss = 0/0/0%"
	}
	if s.RecvUnique > s.Sent {
		ret := float64(s.RecvUnique) / float64(s.Sent) * 100
		return fmt.Sprintf("xmt/rcv/%%return = %d/%d/%.0f%%", s.Sent, s.RecvUnique, ret)
	}
	loss := s.PacketLoss() * 100
	base := fmt.Sprintf("xmt/rcv/%%loss = %d/%d/%.0f%%", s.Sent, s.RecvUnique, loss)
	if s.RecvUnique == 0 {
		return base
	}
	return fmt.Sprintf("%s, min/avg/max = %s/%s/%s", base,
		fmtMillis(s.MinRTT), fmtMillis(s.AvgRTT()), fmtMillis(s.MaxRTT))
}

func fmtMillis(d time.Duration) string {
	return fmt.Sprintf("%.2f", float64(d.Microseconds())/1000)
}

// Host is one probing target's full state: identity, timeout schedule,
// cumulative and interval counters, and the preallocated event and
// response-history arenas addressed by ping_index mod arena size.
type Host struct {
	Index       int
	DisplayName string
	Addr        net.Addr

	InitialTimeout time.Duration
	CurrentTimeout time.Duration
	LastSend       time.Time

	Cumulative Stats
	Interval   Stats

	// respTimes is the resp_times[] ring: one ProbeResult per ping index,
	// addressed by pingIndex % len(respTimes).
	respTimes []ProbeResult

	// sendEvents and timeoutEvents are the two preallocated event-slot
	// arenas described in the data model: send events (next send per
	// host-index) and timeout events (deadline per outstanding probe), each
	// addressed by pingIndex % arena size. They're plain structs reused in
	// place rather than allocated fresh per probe.
	sendEvents    []eventqueue.Event
	timeoutEvents []eventqueue.Event

	// timeoutElems holds the *list.Element (as returned by
	// eventqueue.Queue.Enqueue) for any timeout currently outstanding in a
	// given slot, so the engine can remove it in O(1) when a reply arrives.
	// A nil entry means no timeout is currently queued for that slot.
	timeoutElems []*list.Element

	// seqs records the outgoing sequence number assigned to each
	// outstanding slot, so the engine can clear its seqmap entry by
	// ping_index alone (on timeout) without having threaded the sequence
	// number through the timeout event itself.
	seqs []uint16
}

// New creates a host record with arenas sized for up to arenaSize
// simultaneously in-flight probes and a resp_times history of historySize
// entries (historySize must be >= arenaSize since a probe's entry can't be
// retired before the slot holding its in-flight event is reused).
func New(index int, name string, addr net.Addr, initialTimeout time.Duration, arenaSize, historySize int) *Host {
	if historySize < arenaSize {
		historySize = arenaSize
	}
	return &Host{
		Index:          index,
		DisplayName:    name,
		Addr:           addr,
		InitialTimeout: initialTimeout,
		CurrentTimeout: initialTimeout,
		respTimes:      make([]ProbeResult, historySize),
		sendEvents:     make([]eventqueue.Event, arenaSize),
		timeoutEvents:  make([]eventqueue.Event, arenaSize),
		timeoutElems:   make([]*list.Element, arenaSize),
		seqs:           make([]uint16, arenaSize),
	}
}

// ArenaSize returns the number of preallocated send/timeout event slots.
func (h *Host) ArenaSize() int {
	return len(h.sendEvents)
}

// SendEventSlot returns the preallocated send event for pingIndex, ready to
// be filled in and enqueued.
func (h *Host) SendEventSlot(pingIndex int) *eventqueue.Event {
	e := &h.sendEvents[pingIndex%len(h.sendEvents)]
	e.HostIndex = h.Index
	e.PingIndex = pingIndex
	return e
}

// TimeoutEventSlot returns the preallocated timeout event for pingIndex,
// ready to be filled in and enqueued.
func (h *Host) TimeoutEventSlot(pingIndex int) *eventqueue.Event {
	e := &h.timeoutEvents[pingIndex%len(h.timeoutEvents)]
	e.HostIndex = h.Index
	e.PingIndex = pingIndex
	return e
}

// TimeoutElem returns the outstanding timeout_q element for pingIndex's
// slot, or nil if none is currently queued.
func (h *Host) TimeoutElem(pingIndex int) *list.Element {
	return h.timeoutElems[pingIndex%len(h.timeoutElems)]
}

// SetTimeoutElem records el as the outstanding timeout_q element for
// pingIndex's slot. Pass nil once the timeout has fired or been removed.
func (h *Host) SetTimeoutElem(pingIndex int, el *list.Element) {
	h.timeoutElems[pingIndex%len(h.timeoutElems)] = el
}

// SetSeq records the outgoing sequence number assigned to pingIndex's slot.
func (h *Host) SetSeq(pingIndex int, seq uint16) {
	h.seqs[pingIndex%len(h.seqs)] = seq
}

// Seq returns the outgoing sequence number last assigned to pingIndex's
// slot.
func (h *Host) Seq(pingIndex int) uint16 {
	return h.seqs[pingIndex%len(h.seqs)]
}

// State returns the recorded outcome for pingIndex. If pingIndex's slot has
// since been reused by a later probe, the result no longer reflects
// pingIndex and callers must have already checked recency via slot
// bookkeeping in the engine.
func (h *Host) State(pingIndex int) ProbeResult {
	return h.respTimes[pingIndex%len(h.respTimes)]
}

// SetState records the outcome for pingIndex.
func (h *Host) SetState(pingIndex int, r ProbeResult) {
	h.respTimes[pingIndex%len(h.respTimes)] = r
}

// HistorySize returns the number of resp_times slots retained.
func (h *Host) HistorySize() int {
	return len(h.respTimes)
}

// RecordSend marks pingIndex as WAITING and bumps LastSend.
func (h *Host) RecordSend(pingIndex int, now time.Time) {
	h.SetState(pingIndex, ProbeResult{State: Waiting})
	h.LastSend = now
}

// RecordReply finalizes pingIndex as Recorded with the given RTT and
// updates both cumulative and interval stats. Returns false if the probe
// had already been finalized (I4), meaning this reply is a duplicate and
// stats must be updated via RecordDuplicate instead.
func (h *Host) RecordReply(pingIndex int, rtt time.Duration) bool {
	cur := h.State(pingIndex)
	if cur.State != Waiting {
		return false
	}
	h.SetState(pingIndex, ProbeResult{State: Recorded, RTT: rtt})
	h.Cumulative.recordReply(rtt)
	h.Interval.recordReply(rtt)
	return true
}

// RecordDuplicate bumps only recv_total, per spec's duplicate handling:
// "no stats change" beyond that.
func (h *Host) RecordDuplicate() {
	h.Cumulative.recordDuplicate()
	h.Interval.recordDuplicate()
}

// RecordTimeout finalizes pingIndex as TimedOut.
func (h *Host) RecordTimeout(pingIndex int) {
	h.SetState(pingIndex, ProbeResult{State: TimedOut})
	h.Cumulative.recordTimeout()
	h.Interval.recordTimeout()
}

// RecordSendError finalizes pingIndex as SendError.
func (h *Host) RecordSendError(pingIndex int) {
	h.SetState(pingIndex, ProbeResult{State: SendError})
	h.Cumulative.recordSendError()
	h.Interval.recordSendError()
}

// RecordOtherICMP bumps the other_icmp counter. The outstanding probe state
// is left untouched (still Waiting), per spec: it's allowed to time out
// normally rather than being finalized here.
func (h *Host) RecordOtherICMP() {
	h.Cumulative.recordOtherICMP()
	h.Interval.recordOtherICMP()
}

// ResetInterval zeroes the interval counters, called at each report tick.
func (h *Host) ResetInterval() {
	h.Interval.reset()
}

// Reachable reports whether at least one unique reply has ever been
// recorded for this host.
func (h *Host) Reachable() bool {
	return h.Cumulative.RecvUnique > 0
}

// BackoffTimeout grows CurrentTimeout by factor, per the default-mode
// backoff rule. Factor is expected to already be clamped to the configured
// [1.0, 5.0] bound.
func (h *Host) BackoffTimeout(factor float64) {
	h.CurrentTimeout = time.Duration(math.Round(float64(h.CurrentTimeout) * factor))
}

// ResetTimeout restores CurrentTimeout to InitialTimeout. The engine does
// not call it.
func (h *Host) ResetTimeout() {
	h.CurrentTimeout = h.InitialTimeout
}
