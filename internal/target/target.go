// Package target turns the command line's target tokens (hostnames,
// literal addresses, CIDR prefixes, and address ranges) into the resolved
// addresses the engine's add_target ingress consumes. None of this is part
// of the probing engine itself — per its external-interface contract, the
// engine only ever receives already-resolved name/address pairs.
package target

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/pcekm/fprobe/internal/lookup"
	"github.com/pcekm/fprobe/internal/util"
)

// MaxExpandedAddrs bounds how many addresses a single CIDR prefix or range
// token may expand to.
const MaxExpandedAddrs = 131072

// MaxNameLength bounds the length, in bytes, of any one target token read
// from the command line or a target file.
const MaxNameLength = 255

// ErrTooManyAddrs is returned when a CIDR prefix or range would expand
// beyond MaxExpandedAddrs.
var ErrTooManyAddrs = errors.New("target: expansion exceeds address limit")

// ErrNameTooLong is returned for any token longer than MaxNameLength bytes.
var ErrNameTooLong = errors.New("target name too long")

// Target is one resolved probing destination: the name to display in
// reports, and the address to send to.
type Target struct {
	Name string
	Addr net.Addr
}

// Expand turns one command-line token into the Targets it denotes: a single
// hostname or literal address resolves to one Target; a CIDR prefix or
// address range resolves to many. ipVer selects which address family a bare
// hostname prefers; a name with no address of that family falls back to the
// other (see lookup.Resolve).
func Expand(token string, ipVer util.IPVersion) ([]Target, error) {
	if len(token) > MaxNameLength {
		return nil, ErrNameTooLong
	}
	switch {
	case strings.Contains(token, "/"):
		return expandCIDR(token)
	case strings.Count(token, "-") == 1 && looksLikeRange(token):
		return expandRange(token)
	default:
		t, err := resolveOne(token, ipVer)
		if err != nil {
			return nil, err
		}
		return []Target{t}, nil
	}
}

func resolveOne(token string, ipVer util.IPVersion) (Target, error) {
	if ip := net.ParseIP(token); ip != nil {
		return Target{Name: token, Addr: &net.IPAddr{IP: ip}}, nil
	}
	addr, err := lookup.Resolve(token, ipVer)
	if err != nil {
		return Target{}, fmt.Errorf("target: resolving %q: %v", token, err)
	}
	return Target{Name: token, Addr: addr}, nil
}

// looksLikeRange reports whether token is plausibly a "first-last" literal
// IPv4 address range rather than a hostname that happens to contain a
// hyphen (e.g. "edge-router-1").
func looksLikeRange(token string) bool {
	parts := strings.SplitN(token, "-", 2)
	return net.ParseIP(parts[0]) != nil
}

func expandRange(token string) ([]Target, error) {
	parts := strings.SplitN(token, "-", 2)
	first := net.ParseIP(parts[0]).To4()
	if first == nil {
		return nil, fmt.Errorf("target: %q is not an IPv4 range", token)
	}
	var last net.IP
	if strings.Contains(parts[1], ".") {
		last = net.ParseIP(parts[1]).To4()
	} else {
		// Shorthand last octet, e.g. "192.168.1.1-10".
		last = append(net.IP(nil), first...)
		var octet int
		if _, err := fmt.Sscanf(parts[1], "%d", &octet); err != nil || octet < 0 || octet > 255 {
			return nil, fmt.Errorf("target: invalid range end %q", parts[1])
		}
		last[3] = byte(octet)
	}
	if last == nil {
		return nil, fmt.Errorf("target: %q is not an IPv4 range", token)
	}

	start := ipv4ToUint32(first)
	end := ipv4ToUint32(last)
	if end < start {
		return nil, fmt.Errorf("target: range %q ends before it starts", token)
	}
	if end-start+1 > MaxExpandedAddrs {
		return nil, ErrTooManyAddrs
	}

	targets := make([]Target, 0, end-start+1)
	for n := start; n <= end; n++ {
		ip := uint32ToIPv4(n)
		targets = append(targets, Target{Name: ip.String(), Addr: &net.IPAddr{IP: ip}})
	}
	return targets, nil
}

func expandCIDR(token string) ([]Target, error) {
	ip, ipNet, err := net.ParseCIDR(token)
	if err != nil {
		return nil, fmt.Errorf("target: invalid CIDR %q: %v", token, err)
	}
	ones, bits := ipNet.Mask.Size()
	count := 1 << (bits - ones)
	if count > MaxExpandedAddrs {
		return nil, ErrTooManyAddrs
	}

	var addrs []net.IP
	for a := ipNet.IP.Mask(ipNet.Mask); ipNet.Contains(a); incIP(a) {
		addrs = append(addrs, append(net.IP(nil), a...))
		if len(addrs) > MaxExpandedAddrs {
			return nil, ErrTooManyAddrs
		}
	}

	// Network and broadcast addresses are excluded for prefixes shorter
	// than /31 (/31 and /32 have no such reserved addresses to drop).
	if bits-ones >= 2 && len(addrs) >= 2 {
		addrs = addrs[1 : len(addrs)-1]
	}

	targets := make([]Target, 0, len(addrs))
	for _, a := range addrs {
		targets = append(targets, Target{Name: a.String(), Addr: &net.IPAddr{IP: a}})
	}
	_ = ip // only used to validate parse above
	return targets, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

func ipv4ToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIPv4(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

// ReadFile reads one target token per non-empty, non-comment line from
// path. Lines beginning with '#' are ignored. This is the -f/--file ingress
// helper; each returned token is still run through Expand by the caller.
func ReadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("target: opening target file: %v", err)
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens = append(tokens, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("target: reading target file: %v", err)
	}
	return tokens, nil
}
