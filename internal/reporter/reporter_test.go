package reporter

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pcekm/fprobe/internal/engine"
	"github.com/pcekm/fprobe/internal/hosttable"
	"github.com/stretchr/testify/assert"
)

func newHost(t *testing.T, name string) *hosttable.Host {
	t.Helper()
	return hosttable.New(0, name, &net.IPAddr{IP: net.ParseIP("203.0.113.9")}, 100*time.Millisecond, 4, 4)
}

func TestOnProbeResultPrintsAliveLine(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Mode = engine.ModeCount
	h := newHost(t, "host1")

	r.OnProbeResult(h, 0, engine.Outcome{Kind: engine.Alive, RTT: 12 * time.Millisecond})

	out := buf.String()
	assert.Contains(t, out, "host1")
	assert.Contains(t, out, "12.00 ms")
}

func TestDefaultModeSuppressesPerProbeLines(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	h := newHost(t, "host1")

	r.OnProbeResult(h, 0, engine.Outcome{Kind: engine.Alive, RTT: 12 * time.Millisecond})

	assert.Empty(t, buf.String())
}

func TestAliveOnlyFilterSuppressesTimeouts(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Mode = engine.ModeCount
	r.AliveOnly = true
	h := newHost(t, "host1")

	r.OnProbeResult(h, 0, engine.Outcome{Kind: engine.Timeout})
	assert.Empty(t, buf.String())

	r.OnProbeResult(h, 1, engine.Outcome{Kind: engine.Alive, RTT: time.Millisecond})
	assert.NotEmpty(t, buf.String())
}

func TestUnreachableOnlyFilterSuppressesAlive(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Mode = engine.ModeCount
	r.UnreachableOnly = true
	h := newHost(t, "host1")

	r.OnProbeResult(h, 0, engine.Outcome{Kind: engine.Alive, RTT: time.Millisecond})
	assert.Empty(t, buf.String())

	r.OnProbeResult(h, 1, engine.Outcome{Kind: engine.Timeout})
	assert.NotEmpty(t, buf.String())
}

func TestQuietSuppressesPerProbeButNotSummary(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Mode = engine.ModeCount
	r.Quiet = true
	h := newHost(t, "host1")
	h.RecordSend(0, time.Now())
	h.RecordReply(0, 5*time.Millisecond)

	r.OnProbeResult(h, 0, engine.Outcome{Kind: engine.Alive, RTT: 5 * time.Millisecond})
	assert.Empty(t, buf.String())

	r.OnFinish(engine.Summary{Hosts: []*hosttable.Host{h}, Reachable: 1, Unreachable: 0})
	assert.Contains(t, buf.String(), "xmt/rcv/%loss")
}

func TestTimestampReplyPrintsRegardlessOfQuiet(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Mode = engine.ModeCount
	r.Quiet = true
	h := newHost(t, "host1")

	r.OnProbeResult(h, 0, engine.Outcome{
		Kind: engine.Alive, RTT: time.Millisecond,
		Timestamp: true, Originate: 1000, Receive: 1005, Transmit: 1006,
	})

	out := buf.String()
	assert.Contains(t, out, "Originate=1000")
	assert.Contains(t, out, "Receive=1005")
	assert.Contains(t, out, "Transmit=1006")
}

func TestOnFinishPrintsSummaryAndReachableCount(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Mode = engine.ModeCount
	h := newHost(t, "host1")
	h.RecordSend(0, time.Now())
	h.RecordReply(0, 5*time.Millisecond)

	r.OnFinish(engine.Summary{Hosts: []*hosttable.Host{h}, Reachable: 1, Unreachable: 0})

	out := buf.String()
	assert.True(t, strings.Contains(out, "host1"))
	assert.Contains(t, out, "1/1 hosts reachable")
}

func TestDefaultModeOnFinishSplitsAliveAndUnreachable(t *testing.T) {
	var out, errOut bytes.Buffer
	r := New(&out)
	r.ErrOut = &errOut
	alive := newHost(t, "alive-host")
	alive.RecordSend(0, time.Now())
	alive.RecordReply(0, time.Millisecond)
	dead := newHost(t, "dead-host")
	dead.RecordSend(0, time.Now())
	dead.RecordTimeout(0)

	r.OnFinish(engine.Summary{Hosts: []*hosttable.Host{alive, dead}, Reachable: 1, Unreachable: 1})

	assert.Equal(t, "alive-host is alive\n", out.String())
	assert.Equal(t, "dead-host is unreachable\n", errOut.String())
}
