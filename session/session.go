// Package session grants access to privileged devices and tracks
// whether the compositor currently owns the seat. Two strategies are
// available: logind, talking to systemd-logind over the system bus, and
// direct, for a root process managing its own VT.
package session

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/internal/logger"
	"github.com/bnema/wlkit/reactor"
)

// Device majors the strategies treat specially.
const (
	MajorInput = 13
	MajorDRM   = 226
)

type State int

const (
	Active State = iota
	Paused
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "paused"
}

// Session is a privileged handle on one seat.
type Session interface {
	// OpenDevice opens a device node. The file stays owned by the
	// session; release it with CloseDevice.
	OpenDevice(path string) (*Device, error)
	CloseDevice(d *Device) error
	State() State
	// Token returns the token of the current active epoch.
	Token() Token
	Seat() string
	SwitchVT(n int) error
	Close() error
}

type EventKind int

const (
	// EventPaused asks the embedder to stop using devices and call Ack.
	EventPaused EventKind = iota
	// EventResumed means devices may be used again.
	EventResumed
	// EventDeviceResumed means a single device got a new file while the
	// session was already active.
	EventDeviceResumed
	// EventDeviceRemoved means a device is gone for good.
	EventDeviceRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventDeviceResumed:
		return "device-resumed"
	case EventDeviceRemoved:
		return "device-removed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered on the reactor goroutine.
type Event struct {
	Kind   EventKind
	Device *Device
	ack    func()
}

// Ack acknowledges a pause. It is safe to call more than once and is a
// no-op for other events.
func (e Event) Ack() {
	if e.ack != nil {
		e.ack()
	}
}

type Option func(*options)

type options struct {
	log     *log.Logger
	handler func(Event)
	bus     bus
}

func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithHandler sets the function receiving session events.
func WithHandler(fn func(Event)) Option {
	return func(o *options) {
		o.handler = fn
	}
}

// New creates a session with the configured strategy. Events are
// delivered through r.
func New(r *reactor.Reactor, cfg config.SessionConfig, opts ...Option) (Session, error) {
	o := options{log: logger.With("session"), handler: func(Event) {}}
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.Strategy {
	case config.SessionLogind:
		return newLogind(r, cfg, o)
	case config.SessionDirect:
		return newDirect(r, cfg, o)
	default:
		return nil, fmt.Errorf("unknown session strategy %q", cfg.Strategy)
	}
}

// Token is the cancellation token of one active epoch. The zero Token
// is always revoked.
type Token struct {
	e *epoch
}

type epoch struct {
	done chan struct{}
	once sync.Once
}

func newEpoch() *epoch {
	return &epoch{done: make(chan struct{})}
}

func (e *epoch) end() {
	e.once.Do(func() { close(e.done) })
}

// Err returns wlkit.ErrSessionRevoked once the epoch has ended.
func (t Token) Err() error {
	if t.e == nil {
		return wlkit.ErrSessionRevoked
	}
	select {
	case <-t.e.done:
		return wlkit.ErrSessionRevoked
	default:
		return nil
	}
}

// Done is closed when the epoch ends.
func (t Token) Done() <-chan struct{} {
	if t.e == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.e.done
}

// Device is a device node opened through a session.
type Device struct {
	Path  string
	Major uint32
	Minor uint32

	fd     int
	file   *os.File
	paused bool
	owner  *core
}

func newDevice(path string, major, minor uint32, fd int) *Device {
	d := &Device{Path: path, Major: major, Minor: minor, fd: -1}
	d.setFD(fd)
	return d
}

// File returns the current file. It may change across a pause.
func (d *Device) File() *os.File {
	return d.file
}

// Fd returns the raw descriptor, -1 while the device has none. Unlike
// File().Fd() it leaves the descriptor non-blocking.
func (d *Device) Fd() int {
	return d.fd
}

// Check returns wlkit.ErrSessionRevoked while the device must not be
// used. Device operations call it right before each ioctl.
func (d *Device) Check() error {
	if d.paused || d.fd < 0 {
		return wlkit.ErrSessionRevoked
	}
	return d.owner.token().Err()
}

// IsDRM reports whether the device is a DRM node.
func (d *Device) IsDRM() bool {
	return d.Major == MajorDRM
}

func (d *Device) String() string {
	return fmt.Sprintf("%s (%d:%d)", d.Path, d.Major, d.Minor)
}

// setFD swaps the device descriptor, closing the previous one. A
// negative fd leaves the device without one.
func (d *Device) setFD(fd int) {
	if d.file != nil {
		d.file.Close()
	}
	d.fd, d.file = -1, nil
	if fd >= 0 {
		d.fd, d.file = fd, os.NewFile(uintptr(fd), d.Path)
	}
}

func devnum(path string) (major, minor uint32, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return 0, 0, fmt.Errorf("%s is not a character device", path)
	}
	return unix.Major(st.Rdev), unix.Minor(st.Rdev), nil
}

// core is the state shared by both strategies. It is only touched on
// the reactor goroutine.
type core struct {
	log     *log.Logger
	handler func(Event)
	seat    string
	state   State
	epoch   *epoch
	devices map[string]*Device
}

func newCore(o options, seat string) *core {
	return &core{
		log:     o.log,
		handler: o.handler,
		seat:    seat,
		state:   Paused,
		epoch:   newEpoch(),
		devices: make(map[string]*Device),
	}
}

func (c *core) token() Token {
	if c.state != Active {
		return Token{}
	}
	return Token{e: c.epoch}
}

func (c *core) State() State {
	return c.state
}

func (c *core) Token() Token {
	return c.token()
}

func (c *core) Seat() string {
	return c.seat
}

func (c *core) track(d *Device) {
	d.owner = c
	c.devices[d.Path] = d
}

func (c *core) device(major, minor uint32) *Device {
	for _, d := range c.devices {
		if d.Major == major && d.Minor == minor {
			return d
		}
	}
	return nil
}

// activate starts a new epoch. The first activation is silent.
func (c *core) activate(announce bool) {
	if c.state == Active {
		return
	}
	c.epoch = newEpoch()
	c.state = Active
	c.log.Info("session active", "seat", c.seat)
	if announce {
		c.handler(Event{Kind: EventResumed})
	}
}

// pause ends the epoch and asks the embedder to ack.
func (c *core) pause(ack func()) {
	if c.state == Paused {
		return
	}
	c.state = Paused
	c.epoch.end()
	c.log.Info("session paused", "seat", c.seat)

	var once sync.Once
	c.handler(Event{Kind: EventPaused, ack: func() { once.Do(ack) }})
}

func (c *core) closeAll(release func(*Device) error) error {
	var errs []error
	for _, d := range c.devices {
		if err := release(d); err != nil {
			errs = append(errs, err)
		}
	}
	clear(c.devices)
	c.epoch.end()
	return errors.Join(errs...)
}
