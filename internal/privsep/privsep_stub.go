//go:build !rawsock && darwin

package privsep

import (
	"fmt"
	"os"
)

// MacOS's datagram-style ICMP socket works without root, so the privileged
// helper is never needed here. A setuid bit left on the binary is either a
// leftover from a Linux install or a mistake; either way it's unsafe and
// unnecessary, so refuse to run until it's removed.
func usePrivsep() bool {
	if os.Getuid() != os.Geteuid() {
		fmt.Fprintf(os.Stderr, `Error: running with setuid.

This is unnecessary and unsafe on MacOS. Please remove the setuid bit
using something like:

    sudo chmod u-s %s
`, os.Args[0])
		os.Exit(1)
	}
	return false
}
