package hotplug

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/reactor"
)

// Multicast groups of NETLINK_KOBJECT_UEVENT.
const (
	groupKernel = 1
	groupUdev   = 2
)

// libudev prefixes its messages with this header; the magic is in
// network byte order.
const (
	udevPrefix = "libudev\x00"
	udevMagic  = 0xfeedcafe
)

const ueventBufferSize = 64 * 1024

// ErrNotDevice is returned for uevents outside the drm and input
// subsystems.
var ErrNotDevice = errors.New("not a drm or input device")

// ParseUevent decodes a kernel or libudev uevent datagram.
func ParseUevent(b []byte) (Event, error) {
	var payload []byte
	if bytes.HasPrefix(b, []byte(udevPrefix)) {
		if len(b) < 24 {
			return Event{}, fmt.Errorf("short udev header")
		}
		if magic := binary.BigEndian.Uint32(b[8:]); magic != udevMagic {
			return Event{}, fmt.Errorf("bad udev magic %#x", magic)
		}
		off := binary.NativeEndian.Uint32(b[16:])
		n := binary.NativeEndian.Uint32(b[20:])
		if int(off) > len(b) || int(off+n) > len(b) {
			return Event{}, fmt.Errorf("udev properties out of range")
		}
		payload = b[off : off+n]
	} else {
		// "action@devpath" followed by the properties
		head, rest, ok := bytes.Cut(b, []byte{0})
		if !ok || !bytes.Contains(head, []byte("@")) {
			return Event{}, fmt.Errorf("malformed uevent header %q", head)
		}
		payload = rest
	}

	props := make(map[string]string)
	for _, field := range bytes.Split(payload, []byte{0}) {
		k, v, ok := strings.Cut(string(field), "=")
		if ok {
			props[k] = v
		}
	}

	action := Action(props["ACTION"])
	switch action {
	case Add, Remove, Change:
	default:
		return Event{}, fmt.Errorf("unsupported action %q", action)
	}
	d, ok := fromProps(props)
	if !ok {
		return Event{}, ErrNotDevice
	}
	return Event{Action: action, Device: d}, nil
}

type netlinkMonitor struct {
	log *log.Logger
	fd  int
	r   *reactor.Reactor
	tok reactor.Token
	buf []byte
}

func newNetlink(o options) (*netlinkMonitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groupKernel}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}
	return &netlinkMonitor{log: o.log, fd: fd, buf: make([]byte, ueventBufferSize)}, nil
}

func (m *netlinkMonitor) Start(r *reactor.Reactor, fn func(Event)) error {
	tok, err := r.Register(m.fd, reactor.Readable, func(ev reactor.Event) error {
		return m.drain(fn)
	})
	if err != nil {
		return err
	}
	m.r, m.tok = r, tok
	m.log.Debug("netlink monitor started")
	return nil
}

func (m *netlinkMonitor) drain(fn func(Event)) error {
	for {
		n, from, err := unix.Recvfrom(m.fd, m.buf, unix.MSG_DONTWAIT)
		if err != nil {
			if wlkit.IsTransient(err) {
				return nil
			}
			if errors.Is(err, unix.ENOBUFS) {
				m.log.Warn("uevent queue overflowed, events lost")
				continue
			}
			return fmt.Errorf("netlink recv: %w", err)
		}
		// Only the kernel may send on the kernel group.
		if sa, ok := from.(*unix.SockaddrNetlink); !ok || sa.Pid != 0 {
			continue
		}
		ev, err := ParseUevent(m.buf[:n])
		if err != nil {
			if !errors.Is(err, ErrNotDevice) {
				m.log.Debug("ignoring uevent", "err", err)
			}
			continue
		}
		m.log.Debug("uevent", "action", ev.Action, "device", ev.Device)
		fn(ev)
	}
}

func (m *netlinkMonitor) Close() error {
	var err error
	if m.r != nil {
		err = m.r.Unregister(m.tok)
	}
	return errors.Join(err, unix.Close(m.fd))
}
