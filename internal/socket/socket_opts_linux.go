//go:build linux

package socket

import "golang.org/x/sys/unix"

// SetFWMark sets SO_MARK on the underlying fd, routing outgoing packets by
// fwmark the way iproute2 policy routing expects. Linux-only; a no-op
// everywhere else since SO_MARK has no equivalent.
func (s *Socket) SetFWMark(mark int) error {
	if s.file == nil {
		return nil
	}
	return unix.SetsockoptInt(int(s.file.Fd()), unix.SOL_SOCKET, unix.SO_MARK, mark)
}

// BindToDevice sets SO_BINDTODEVICE, restricting the socket to sending and
// receiving on a single named interface. Linux-only.
func (s *Socket) BindToDevice(iface string) error {
	if s.file == nil || iface == "" {
		return nil
	}
	return unix.BindToDevice(int(s.file.Fd()), iface)
}
