//go:build !rawsock && !darwin

package privsep

// Linux (and any other non-Darwin target) needs root to open a raw ICMP
// socket, so the default build always runs the privileged helper.
func usePrivsep() bool { return true }
