package target

import (
	"os"
	"testing"

	"github.com/pcekm/fprobe/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandLiteralAddress(t *testing.T) {
	ts, err := Expand("127.0.0.1", util.IPv4)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "127.0.0.1", ts[0].Name)
}

func TestExpandRejectsOverlongName(t *testing.T) {
	long := make([]byte, MaxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := Expand(string(long), util.IPv4)
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestExpandCIDRExcludesNetworkAndBroadcast(t *testing.T) {
	ts, err := Expand("192.168.1.0/30", util.IPv4)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, "192.168.1.1", ts[0].Name)
	assert.Equal(t, "192.168.1.2", ts[1].Name)
}

func TestExpandCIDRSlash31KeepsBothAddresses(t *testing.T) {
	ts, err := Expand("192.168.1.0/31", util.IPv4)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, "192.168.1.0", ts[0].Name)
	assert.Equal(t, "192.168.1.1", ts[1].Name)
}

func TestExpandCIDRTooLargeIsRejected(t *testing.T) {
	_, err := Expand("10.0.0.0/8", util.IPv4)
	assert.ErrorIs(t, err, ErrTooManyAddrs)
}

func TestExpandRangeShorthand(t *testing.T) {
	ts, err := Expand("192.168.1.1-3", util.IPv4)
	require.NoError(t, err)
	require.Len(t, ts, 3)
	assert.Equal(t, "192.168.1.1", ts[0].Name)
	assert.Equal(t, "192.168.1.3", ts[2].Name)
}

func TestExpandRangeFullForm(t *testing.T) {
	ts, err := Expand("192.168.1.1-192.168.1.2", util.IPv4)
	require.NoError(t, err)
	require.Len(t, ts, 2)
}

func TestExpandHostnameWithHyphenIsNotTreatedAsRange(t *testing.T) {
	// A hyphenated hostname whose first component isn't a literal address
	// must fall through to name resolution rather than range parsing. This
	// will fail to resolve in a sandboxed test environment, which is itself
	// the assertion: it must not be misparsed as a malformed range.
	_, err := Expand("edge-router-1.example.invalid", util.IPv4)
	assert.Error(t, err)
}

func TestReadFileSkipsBlankAndCommentLines(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "targets")
	require.NoError(t, err)
	_, err = f.WriteString("# comment\n\n127.0.0.1\n  \n192.168.1.1\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tokens, err := ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1", "192.168.1.1"}, tokens)
}
