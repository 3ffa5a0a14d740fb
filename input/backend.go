// Package input reads evdev devices and turns them into a single ordered
// stream of seat events.
package input

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"slices"
	"unsafe"

	"github.com/charmbracelet/log"
	evdev "github.com/gvalkov/golang-evdev"
	"golang.org/x/sys/unix"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/hotplug"
	"github.com/bnema/wlkit/internal/logger"
	"github.com/bnema/wlkit/reactor"
	"github.com/bnema/wlkit/session"
)

// Handle is an open device node. *session.Device implements it.
type Handle interface {
	Fd() int
	File() *os.File
	Check() error
}

// Opener hands out device handles.
type Opener interface {
	Open(path string) (Handle, error)
	Close(h Handle) error
}

type sessionOpener struct {
	s session.Session
}

// SessionOpener opens devices through a session.
func SessionOpener(s session.Session) Opener {
	return sessionOpener{s: s}
}

func (o sessionOpener) Open(path string) (Handle, error) {
	d, err := o.s.OpenDevice(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (o sessionOpener) Close(h Handle) error {
	d, ok := h.(*session.Device)
	if !ok {
		return fmt.Errorf("not a session device: %T", h)
	}
	return o.s.CloseDevice(d)
}

// Info describes an attached device.
type Info struct {
	ID   DeviceID
	Path string
	Name string
	Caps Capabilities
}

// eventSize is the size of struct input_event.
var eventSize = int(unsafe.Sizeof(evdev.InputEvent{}))

// readBatch is the number of records read per wakeup.
const readBatch = 64

type device struct {
	Info
	handle Handle
	buf    []byte
	dec    *decoder
	tok    reactor.Token
	active bool
}

type Option func(*Backend)

func WithLogger(l *log.Logger) Option {
	return func(b *Backend) {
		b.log = l
	}
}

// WithSysfs changes the sysfs root used for classification.
func WithSysfs(root string) Option {
	return func(b *Backend) {
		b.sysfs = root
	}
}

// WithIgnore skips devices whose node path or name is listed.
func WithIgnore(names ...string) Option {
	return func(b *Backend) {
		b.ignore = append(b.ignore, names...)
	}
}

// Backend owns the input devices of a seat. All methods run on the
// reactor goroutine.
type Backend struct {
	r      *reactor.Reactor
	opener Opener
	log    *log.Logger
	sysfs  string
	ignore []string

	devices   map[string]*device
	nextID    DeviceID
	queue     []Event
	suspended bool
}

func New(r *reactor.Reactor, opener Opener, opts ...Option) *Backend {
	b := &Backend{
		r:       r,
		opener:  opener,
		log:     logger.With("input"),
		sysfs:   "/sys",
		devices: make(map[string]*device),
		nextID:  1,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) push(e Event) {
	b.queue = append(b.queue, e)
}

// Next pops the oldest pending event.
func (b *Backend) Next() (Event, bool) {
	if len(b.queue) == 0 {
		return Event{}, false
	}
	e := b.queue[0]
	b.queue[0] = Event{}
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	return e, true
}

// Events drains pending events in arrival order. Events pushed while
// iterating are delivered in the same pass.
func (b *Backend) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			e, ok := b.Next()
			if !ok || !yield(e) {
				return
			}
		}
	}
}

// Len returns the number of pending events.
func (b *Backend) Len() int {
	return len(b.queue)
}

// Devices lists attached devices ordered by ID.
func (b *Backend) Devices() []Info {
	list := make([]Info, 0, len(b.devices))
	for _, d := range b.devices {
		list = append(list, d.Info)
	}
	slices.SortFunc(list, func(a, b Info) int { return int(a.ID) - int(b.ID) })
	return list
}

// Device returns the device with the given ID.
func (b *Backend) Device(id DeviceID) (Info, bool) {
	for _, d := range b.devices {
		if d.ID == id {
			return d.Info, true
		}
	}
	return Info{}, false
}

func (b *Backend) ignored(path, name string) bool {
	return slices.Contains(b.ignore, path) || slices.Contains(b.ignore, name)
}

// Scan attaches every evdev node currently present.
func (b *Backend) Scan() error {
	found, err := hotplug.Enumerate(hotplug.WithSysfs(b.sysfs))
	errs := []error{err}
	for _, d := range found {
		if d.Subsystem != hotplug.SubsystemInput {
			continue
		}
		errs = append(errs, b.AddDevice(d.Node))
	}
	return errors.Join(errs...)
}

// HandleHotplug applies a hotplug event. Non-input events are ignored.
func (b *Backend) HandleHotplug(ev hotplug.Event) {
	if ev.Subsystem != hotplug.SubsystemInput {
		return
	}
	switch ev.Action {
	case hotplug.Add:
		if err := b.AddDevice(ev.Node); err != nil {
			b.log.Warn("failed to add device", "path", ev.Node, "err", err)
		}
	case hotplug.Remove:
		b.RemoveDevice(ev.Node)
	}
}

// AddDevice opens and classifies a device. Devices without keyboard,
// pointer or touch capabilities are closed again silently.
func (b *Backend) AddDevice(path string) error {
	if _, ok := b.devices[path]; ok {
		return nil
	}
	name := hotplug.Name(hotplug.Device{Subsystem: hotplug.SubsystemInput, Node: path}, hotplug.WithSysfs(b.sysfs))
	if b.ignored(path, name) {
		b.log.Debug("ignoring device", "path", path, "name", name)
		return nil
	}

	h, err := b.opener.Open(path)
	if err != nil {
		return err
	}

	bits, ok := sysfsCaps(b.sysfs, path)
	if !ok {
		bits, ok = ioctlCaps(h.Fd())
	}
	caps := classify(bits)
	if !ok || caps == 0 {
		b.log.Debug("no usable capabilities", "path", path, "name", name)
		return b.opener.Close(h)
	}

	if err := unix.IoctlSetPointerInt(h.Fd(), EVIOCSCLOCKID, unix.CLOCK_MONOTONIC); err != nil {
		b.log.Debug("could not set monotonic clock", "path", path, "err", err)
	}

	d := &device{
		Info:   Info{ID: b.nextID, Path: path, Name: name, Caps: caps},
		handle: h,
	}
	b.nextID++
	d.dec = newDecoder(d.ID, caps, b.push)
	xCode, yCode := uint(ABS_X), uint(ABS_Y)
	if caps.Has(CapTouch) {
		xCode, yCode = ABS_MT_POSITION_X, ABS_MT_POSITION_Y
	}
	d.dec.absX.lo, d.dec.absX.hi, d.dec.absX.ok = absRange(h.Fd(), xCode)
	d.dec.absY.lo, d.dec.absY.hi, d.dec.absY.ok = absRange(h.Fd(), yCode)

	if !b.suspended {
		if err := b.activate(d); err != nil {
			b.opener.Close(h)
			return &wlkit.DeviceError{Path: path, Op: "register", Err: err}
		}
	}
	b.devices[path] = d
	b.log.Info("input device added", "path", path, "name", name, "caps", caps)
	b.push(Event{Type: DeviceAdded, Device: d.ID})
	return nil
}

func (b *Backend) activate(d *device) error {
	if err := d.handle.Check(); err != nil {
		return err
	}
	if err := unix.SetNonblock(d.handle.Fd(), true); err != nil {
		return err
	}
	if d.buf == nil {
		d.buf = make([]byte, readBatch*eventSize)
	}
	tok, err := b.r.Register(d.handle.Fd(), reactor.Readable, func(ev reactor.Event) error {
		b.readable(d, ev)
		return nil
	})
	if err != nil {
		return err
	}
	d.tok, d.active = tok, true
	return nil
}

func (b *Backend) deactivate(d *device) {
	if !d.active {
		return
	}
	if err := b.r.Unregister(d.tok); err != nil {
		b.log.Debug("unregister", "path", d.Path, "err", err)
	}
	d.active = false
	d.dec.cancel(d.dec.last)
	d.dec.reset()
}

func (b *Backend) readable(d *device, ev reactor.Event) {
	if err := d.handle.Check(); err != nil {
		// paused underneath us; the session resumes it later
		b.deactivate(d)
		return
	}
	events, err := readEvents(d.handle.Fd(), d.buf)
	if err != nil {
		if wlkit.IsTransient(err) {
			return
		}
		b.drop(d, err)
		return
	}
	for i := range events {
		d.dec.feed(&events[i])
	}
}

// readEvents reads whole input_event records from fd. The descriptor is
// non-blocking, so a wakeup without data yields EAGAIN.
func readEvents(fd int, buf []byte) ([]evdev.InputEvent, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	events := make([]evdev.InputEvent, n/eventSize)
	if err := binary.Read(bytes.NewReader(buf[:len(events)*eventSize]), binary.LittleEndian, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (b *Backend) drop(d *device, err error) {
	b.log.Warn("input device failed, removing", "path", d.Path, "err", err)
	b.remove(d)
}

func (b *Backend) remove(d *device) error {
	b.deactivate(d)
	delete(b.devices, d.Path)
	err := b.opener.Close(d.handle)
	b.push(Event{Type: DeviceRemoved, Device: d.ID, Time: d.dec.last})
	return err
}

// RemoveDevice detaches a device and emits DeviceRemoved.
func (b *Backend) RemoveDevice(path string) error {
	d, ok := b.devices[path]
	if !ok {
		return nil
	}
	b.log.Info("input device removed", "path", path)
	return b.remove(d)
}

// Suspend stops reading from every device.
func (b *Backend) Suspend() {
	b.suspended = true
	for _, d := range b.devices {
		b.deactivate(d)
	}
}

// Resume starts reading again from every device that is usable. Devices
// still paused by the session are picked up by ResumeDevice.
func (b *Backend) Resume() {
	b.suspended = false
	for _, d := range b.devices {
		if d.active {
			continue
		}
		if err := b.activate(d); err != nil {
			if wlkit.IsRevoked(err) {
				continue
			}
			b.drop(d, err)
		}
	}
}

// ResumeDevice re-registers a device whose descriptor was replaced.
func (b *Backend) ResumeDevice(path string) {
	d, ok := b.devices[path]
	if !ok || b.suspended {
		return
	}
	b.deactivate(d)
	if err := b.activate(d); err != nil && !wlkit.IsRevoked(err) {
		b.drop(d, err)
	}
}

// Close releases every device without emitting events.
func (b *Backend) Close() error {
	var errs []error
	for path, d := range b.devices {
		b.deactivate(d)
		errs = append(errs, b.opener.Close(d.handle))
		delete(b.devices, path)
	}
	b.queue = nil
	return errors.Join(errs...)
}
