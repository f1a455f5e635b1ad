//go:build rawsock

package privsep

// Built with -tags rawsock, meaning the operator has already arranged for
// the binary to open raw ICMP sockets without root (e.g. by granting it
// CAP_NET_RAW), so the privileged helper is never started.
func usePrivsep() bool { return false }
