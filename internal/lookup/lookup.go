// Package lookup wraps the DNS resolution the target generator and report
// formatting need: forward lookups when ingesting a hostname target, and
// reverse lookups when a report wants a friendlier name for a bare address.
package lookup

import (
	"errors"
	"fmt"
	"net"

	"github.com/pcekm/fprobe/internal/util"
)

// Resolve looks up name and returns its first address of the requested IP
// version, or the first address of any version if none of that version
// exist. name may also already be a literal address, in which case it's
// returned unchanged without a DNS round trip.
func Resolve(name string, ipVer util.IPVersion) (net.Addr, error) {
	if ip := net.ParseIP(name); ip != nil {
		return &net.IPAddr{IP: ip}, nil
	}
	addrs, err := net.LookupIP(name)
	if err != nil {
		return nil, fmt.Errorf("lookup: %v", err)
	}
	if len(addrs) == 0 {
		return nil, errors.New("lookup: no addresses found")
	}
	want := addrs[0]
	for _, a := range addrs {
		is4 := a.To4() != nil
		if (ipVer == util.IPv4) == is4 {
			want = a
			break
		}
	}
	return &net.IPAddr{IP: want}, nil
}

// Addr returns the reverse-DNS name for addr, or addr's literal IP string if
// no name is found. If multiple names are found, the first is used.
func Addr(addr net.Addr) string {
	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.TCPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		return addr.String()
	}
	names, err := net.LookupAddr(ip.String())
	if err != nil || len(names) == 0 {
		return ip.String()
	}
	return names[0]
}
