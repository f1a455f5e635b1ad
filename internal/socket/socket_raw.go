//go:build rawsock || !(darwin || linux)

package socket

import (
	"fmt"
	"log"
	"net"
	"os"

	"github.com/pcekm/fprobe/internal/util"
	"golang.org/x/sys/unix"
)

func newConn(ipVer util.IPVersion) (net.PacketConn, *os.File, error) {
	var domain, icmpProt int
	switch ipVer {
	case util.IPv4:
		domain, icmpProt = unix.AF_INET, unix.IPPROTO_ICMP
	case util.IPv6:
		domain, icmpProt = unix.AF_INET6, unix.IPPROTO_ICMPV6
	default:
		log.Panicf("socket: unknown IP version: %v", ipVer)
	}

	fd, err := unix.Socket(domain, unix.SOCK_RAW, icmpProt)
	if err != nil {
		return nil, nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, nil, err
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("icmp:%v", ipVer))
	conn, err := net.FilePacketConn(f)
	if err != nil {
		return nil, nil, err
	}
	return conn, f, nil
}

func wrangleAddr(addr net.Addr) net.Addr {
	switch addr := addr.(type) {
	case *net.IPAddr:
		return addr
	case *net.UDPAddr:
		return &net.IPAddr{IP: addr.IP}
	}
	return addr
}

func (s *Socket) ttl() (int, error) {
	switch s.protoNum {
	case icmpV4ProtoNum:
		return ipv4PacketConn(s.conn).TTL()
	case icmpV6ProtoNum:
		return ipv6PacketConn(s.conn).HopLimit()
	default:
		log.Panicf("socket: invalid proto num: %d", s.protoNum)
	}
	return 0, nil
}

func (s *Socket) setTTL(ttl int) error {
	switch s.protoNum {
	case icmpV4ProtoNum:
		return ipv4PacketConn(s.conn).SetTTL(ttl)
	case icmpV6ProtoNum:
		return ipv6PacketConn(s.conn).SetHopLimit(ttl)
	default:
		log.Panicf("socket: invalid proto num: %d", s.protoNum)
	}
	return nil
}

func pingID(net.PacketConn) int {
	return util.ProcessID()
}
