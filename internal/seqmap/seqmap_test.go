package seqmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddThenFetch(t *testing.T) {
	m := New(16, time.Second)
	now := time.Now()
	seq := m.Add(3, 7, now)

	e, ok := m.Fetch(seq, now.Add(10*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 3, e.HostIndex)
	assert.Equal(t, 7, e.PingIndex)
	assert.Equal(t, now, e.SendTime)
}

func TestFetchMissUnknownSeq(t *testing.T) {
	m := New(16, time.Second)
	_, ok := m.Fetch(12345, time.Now())
	assert.False(t, ok)
}

func TestFetchMissAfterRetention(t *testing.T) {
	m := New(16, 100*time.Millisecond)
	now := time.Now()
	seq := m.Add(1, 1, now)

	_, ok := m.Fetch(seq, now.Add(200*time.Millisecond))
	assert.False(t, ok, "fetch after retention window must report a miss")
}

func TestNewestInsertionOverwrites(t *testing.T) {
	m := New(4, time.Second) // 4 slots, guarantees a collision on the 5th add
	now := time.Now()
	var last uint16
	for i := 0; i < 5; i++ {
		last = m.Add(i, i, now)
	}
	e, ok := m.Fetch(last, now)
	require.True(t, ok)
	assert.Equal(t, 4, e.HostIndex, "newest insertion should have overwritten the colliding slot")
}

func TestClearRemovesEntry(t *testing.T) {
	m := New(16, time.Second)
	now := time.Now()
	seq := m.Add(1, 1, now)
	m.Clear(seq)
	_, ok := m.Fetch(seq, now)
	assert.False(t, ok)
}

func TestRecommendedSizeExceedsMaxInFlight(t *testing.T) {
	n := RecommendedSize(100, 5*time.Second) // 500 in flight at steady state
	assert.GreaterOrEqual(t, n, 500)
}

func TestNewRoundsSizeUpToPowerOfTwo(t *testing.T) {
	m := New(100, time.Second)
	assert.Equal(t, 128, m.Size())
}
