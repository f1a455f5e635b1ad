// Package seqmap implements the sequence-number correlation table: a
// direct-mapped table from a 16-bit outgoing ICMP sequence number to the
// (host, ping-index, send-time) that produced it.
package seqmap

import (
	"time"
)

// Entry identifies the probe that produced a given sequence number.
type Entry struct {
	HostIndex int
	PingIndex int
	SendTime  time.Time
}

type slot struct {
	valid bool
	Entry
}

// Map is a power-of-two-sized direct-mapped table, indexed by seq mod N. A
// full wrap before a reply arrives loses correlation, so Size should exceed
// the maximum number of probes that can be in flight within Retention (see
// RecommendedSize).
type Map struct {
	slots     []slot
	mask      uint16
	seq       uint16
	retention time.Duration
}

// New returns a Map with the given number of slots (rounded up to the next
// power of two) and retention window. Entries older than retention are
// treated as misses by Fetch even if the slot itself wasn't overwritten.
func New(size int, retention time.Duration) *Map {
	n := nextPowerOfTwo(size)
	return &Map{
		slots:     make([]slot, n),
		mask:      uint16(n - 1),
		retention: retention,
	}
}

// RecommendedSize returns a slot count safely above the maximum number of
// probes that can be outstanding at once, given the global send rate and the
// longest timeout any probe may carry. Per spec, N must exceed
// send_rate * max_timeout.
func RecommendedSize(sendRate float64, maxTimeout time.Duration) int {
	n := int(sendRate*maxTimeout.Seconds()) + 1
	if n < 1024 {
		n = 1024
	}
	return nextPowerOfTwo(n)
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Add advances the shared sequence counter, overwrites its slot with the
// given probe identity, and returns the sequence number to embed in the
// outgoing ICMP packet. Collision policy: the newest insertion always wins,
// silently evicting whatever was there before.
func (m *Map) Add(hostIndex, pingIndex int, now time.Time) uint16 {
	m.seq++
	m.slots[m.seq&m.mask] = slot{
		valid: true,
		Entry: Entry{HostIndex: hostIndex, PingIndex: pingIndex, SendTime: now},
	}
	return m.seq
}

// Fetch returns the entry for seq if its slot is occupied and not older than
// the retention window. Otherwise it reports a miss.
func (m *Map) Fetch(seq uint16, now time.Time) (Entry, bool) {
	s := m.slots[seq&m.mask]
	if !s.valid {
		return Entry{}, false
	}
	if now.Sub(s.SendTime) > m.retention {
		return Entry{}, false
	}
	return s.Entry, true
}

// Clear invalidates the slot for seq. The engine calls this when the
// corresponding probe times out or its send fails; an accepted reply leaves
// the entry in place so a later duplicate can still be matched.
func (m *Map) Clear(seq uint16) {
	m.slots[seq&m.mask].valid = false
}

// Size returns the number of slots in the table.
func (m *Map) Size() int {
	return len(m.slots)
}
