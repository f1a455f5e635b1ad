//go:build !linux

package socket

// SetFWMark is a no-op outside Linux; SO_MARK has no equivalent elsewhere.
func (s *Socket) SetFWMark(mark int) error { return nil }

// BindToDevice is a no-op outside Linux; SO_BINDTODEVICE has no equivalent
// elsewhere.
func (s *Socket) BindToDevice(iface string) error { return nil }
