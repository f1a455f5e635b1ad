// Package util contains small helpers shared by the probing engine's
// networking code.
package util

import (
	"fmt"
	"log"
	"net"
	"os"
	"syscall"
)

// ProcessID returns the 16-bit ICMP identifier to embed in every outgoing
// echo or timestamp request. It's derived from the low 16 bits of the
// process id so that replies can be told apart from those belonging to any
// other ping process running concurrently on the host.
//
// Pid 0 would make every outstanding probe indistinguishable from an
// unrelated "id 0" sender, so it's nudged to 1.
func ProcessID() int {
	id := os.Getpid() & 0xffff
	if id == 0 {
		return 1
	}
	return id
}

// IPVersion is the version of IP to use.
type IPVersion byte

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

// AddressFamily returns the socket domain for this IP version.
func (v IPVersion) AddressFamily() int {
	switch v {
	case IPv4:
		return syscall.AF_INET
	case IPv6:
		return syscall.AF_INET6
	default:
		log.Panicf("Invalid IPVersion: %v", v)
		return -1
	}
}

// IPProtoNum returns the IP-level protocol number (IPPROTO_IP or
// IPPROTO_IPV6) for this IP version.
func (v IPVersion) IPProtoNum() int {
	switch v {
	case IPv4:
		return syscall.IPPROTO_IP
	case IPv6:
		return syscall.IPPROTO_IPV6
	default:
		log.Panicf("Invalid IPVersion: %v", v)
		return -1
	}
}

// ICMPProtoNum returns the IANA protocol number for ICMPv4 or ICMPv6.
func (v IPVersion) ICMPProtoNum() int {
	switch v {
	case IPv4:
		return syscall.IPPROTO_ICMP
	case IPv6:
		return syscall.IPPROTO_ICMPV6
	default:
		log.Panicf("Invalid IPVersion: %v", v)
		return -1
	}
}

// TTLSockOpt returns the socket option used to get or set the outgoing TTL
// (or, for IPv6, hop limit).
func (v IPVersion) TTLSockOpt() int {
	switch v {
	case IPv4:
		return syscall.IP_TTL
	case IPv6:
		return syscall.IPV6_UNICAST_HOPS
	default:
		log.Panicf("Invalid IPVersion: %v", v)
		return -1
	}
}

func (v IPVersion) String() string {
	switch v {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("(unknown:%d)", v)
	}
}

// AddrVersion returns the IPVersion implied by addr.
func AddrVersion(addr net.Addr) IPVersion {
	if IP(addr).To4() == nil {
		return IPv6
	}
	return IPv4
}

// IP returns the IP embedded in addr.
func IP(addr net.Addr) net.IP {
	switch addr := addr.(type) {
	case *net.UDPAddr:
		return addr.IP
	case *net.IPAddr:
		return addr.IP
	case *net.TCPAddr:
		return addr.IP
	default:
		log.Panicf("Wrong address type: %#v", addr)
		return nil
	}
}
