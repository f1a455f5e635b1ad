package engine

import (
	"net"
	"time"

	"github.com/pcekm/fprobe/internal/codec"
	"github.com/pcekm/fprobe/internal/hosttable"
)

// OutcomeKind classifies one resolved probe for the Reporter.
type OutcomeKind int

// Values for OutcomeKind.
const (
	Alive OutcomeKind = iota
	Timeout
	SendError
	Duplicate
	OtherICMP
)

func (k OutcomeKind) String() string {
	switch k {
	case Alive:
		return "alive"
	case Timeout:
		return "timeout"
	case SendError:
		return "send-error"
	case Duplicate:
		return "duplicate"
	case OtherICMP:
		return "other-icmp"
	default:
		return "unknown"
	}
}

// Outcome is the payload handed to Reporter.OnProbeResult.
type Outcome struct {
	Kind OutcomeKind

	// RTT is set for Alive and Duplicate outcomes.
	RTT time.Duration

	// Source is the address the reply actually arrived from, which may
	// differ from the host's own address (relevant when CheckSource is
	// off).
	Source net.Addr

	// ICMPKind is set for OtherICMP: the error kind that was decoded
	// (destination unreachable, time exceeded, etc.).
	ICMPKind codec.Kind

	// Timestamp is set for an Alive outcome that resolved an ICMP Timestamp
	// request (Config.ICMPTimestamp) rather than an Echo request.
	Timestamp bool

	// Originate, Receive and Transmit are the three ICMP Timestamp fields,
	// in milliseconds since midnight UT, valid only when Timestamp is true.
	Originate uint32
	Receive   uint32
	Transmit  uint32
}

// Summary is handed to Reporter.OnFinish once the loop exits.
type Summary struct {
	Hosts       []*hosttable.Host
	Reachable   int
	Unreachable int
	ExitCode    int
}

// Reporter consumes the engine's per-event and per-interval callbacks.
// Concrete implementations (line-oriented fping-style output, JSON, etc.)
// live outside the engine; this interface is the only contract between
// them.
type Reporter interface {
	OnProbeResult(host *hosttable.Host, pingIndex int, outcome Outcome)
	OnIntervalTick(now time.Time)
	OnFinish(summary Summary)
}

// NopReporter implements Reporter with no-ops, useful as an embeddable base
// or in tests that only care about a subset of callbacks.
type NopReporter struct{}

func (NopReporter) OnProbeResult(*hosttable.Host, int, Outcome) {}
func (NopReporter) OnIntervalTick(time.Time)                    {}
func (NopReporter) OnFinish(Summary)                            {}
