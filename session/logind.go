package session

import (
	"errors"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/reactor"
)

const (
	login1Dest      = "org.freedesktop.login1"
	login1Path      = dbus.ObjectPath("/org/freedesktop/login1")
	login1Manager   = "org.freedesktop.login1.Manager"
	login1Session   = "org.freedesktop.login1.Session"
	login1Seat      = "org.freedesktop.login1.Seat"
	propertiesIface = "org.freedesktop.DBus.Properties"
)

// bus is the part of the system bus the logind strategy uses.
type bus interface {
	Call(path dbus.ObjectPath, method string, args ...any) *dbus.Call
	// Subscribe starts delivering session signals. The channel is
	// closed when the connection is lost.
	Subscribe(path dbus.ObjectPath) (<-chan *dbus.Signal, error)
	Close() error
}

type systemBus struct {
	conn *dbus.Conn
}

func dialSystemBus() (*systemBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	if !conn.SupportsUnixFDs() {
		conn.Close()
		return nil, errors.New("system bus does not support fd passing")
	}
	return &systemBus{conn: conn}, nil
}

func (b *systemBus) Call(path dbus.ObjectPath, method string, args ...any) *dbus.Call {
	return b.conn.Object(login1Dest, path).Call(method, 0, args...)
}

func (b *systemBus) Subscribe(path dbus.ObjectPath) (<-chan *dbus.Signal, error) {
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchObjectPath(path), dbus.WithMatchInterface(login1Session)},
		{dbus.WithMatchObjectPath(path), dbus.WithMatchInterface(propertiesIface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, m := range matches {
		if err := b.conn.AddMatchSignal(m...); err != nil {
			return nil, fmt.Errorf("add match: %w", err)
		}
	}
	ch := make(chan *dbus.Signal, 32)
	b.conn.Signal(ch)
	return ch, nil
}

func (b *systemBus) Close() error {
	return b.conn.Close()
}

type pausedDevice struct {
	major, minor uint32
}

type logind struct {
	*core
	bus     bus
	path    dbus.ObjectPath
	seatObj dbus.ObjectPath
	vt      uint32
	signals *reactor.Channel[*dbus.Signal]

	active bool
	// pauses waiting for the embedder's ack
	unacked []pausedDevice
	acked   bool
}

// withBus replaces the system bus connection.
func withBus(b bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

func newLogind(r *reactor.Reactor, cfg config.SessionConfig, o options) (*logind, error) {
	b := o.bus
	if b == nil {
		sb, err := dialSystemBus()
		if err != nil {
			return nil, err
		}
		b = sb
	}

	s, err := setupLogind(r, cfg, o, b)
	if err != nil {
		b.Close()
		return nil, err
	}
	return s, nil
}

func setupLogind(r *reactor.Reactor, cfg config.SessionConfig, o options, b bus) (*logind, error) {
	path, err := findSession(b)
	if err != nil {
		return nil, err
	}

	s := &logind{bus: b, path: path, acked: true}

	var seat []any
	if err := s.property(path, login1Session, "Seat", &seat); err != nil {
		return nil, err
	}
	seatName := cfg.Seat
	if len(seat) == 2 {
		name, _ := seat[0].(string)
		s.seatObj, _ = seat[1].(dbus.ObjectPath)
		if seatName != "" && name != seatName {
			return nil, fmt.Errorf("session is on %s, not %s", name, seatName)
		}
		seatName = name
	}
	s.core = newCore(o, seatName)

	if err := s.property(path, login1Session, "VTNr", &s.vt); err != nil {
		s.log.Debug("no VTNr", "err", err)
	}
	if err := s.property(path, login1Session, "Active", &s.active); err != nil {
		return nil, err
	}

	if err := b.Call(path, login1Session+".TakeControl", false).Err; err != nil {
		return nil, fmt.Errorf("take control: %w", err)
	}

	s.signals, err = reactor.NewChannel(r, s.handleSignal)
	if err != nil {
		return nil, err
	}
	ch, err := b.Subscribe(path)
	if err != nil {
		s.signals.Close()
		return nil, err
	}
	go func() {
		for sig := range ch {
			s.signals.Send(sig)
		}
		// nil reports the lost connection
		s.signals.Send(nil)
	}()

	if s.active {
		s.activate(false)
	}
	s.log.Info("logind session", "path", path, "seat", seatName, "vt", s.vt, "active", s.active)
	return s, nil
}

func findSession(b bus) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	if id := os.Getenv("XDG_SESSION_ID"); id != "" {
		err := b.Call(login1Path, login1Manager+".GetSession", id).Store(&path)
		if err == nil {
			return path, nil
		}
	}
	if err := b.Call(login1Path, login1Manager+".GetSessionByPID", uint32(os.Getpid())).Store(&path); err != nil {
		return "", fmt.Errorf("find logind session: %w", err)
	}
	return path, nil
}

func (s *logind) property(path dbus.ObjectPath, iface, name string, dst any) error {
	var v dbus.Variant
	if err := s.bus.Call(path, propertiesIface+".Get", iface, name).Store(&v); err != nil {
		return fmt.Errorf("get %s.%s: %w", iface, name, err)
	}
	if err := v.Store(dst); err != nil {
		return fmt.Errorf("decode %s.%s: %w", iface, name, err)
	}
	return nil
}

func (s *logind) OpenDevice(path string) (*Device, error) {
	if d, ok := s.devices[path]; ok {
		return d, nil
	}
	major, minor, err := devnum(path)
	if err != nil {
		return nil, err
	}

	var fd dbus.UnixFD
	var inactive bool
	if err := s.bus.Call(s.path, login1Session+".TakeDevice", major, minor).Store(&fd, &inactive); err != nil {
		return nil, &wlkit.DeviceError{Path: path, Op: "take device", Err: err}
	}

	d := newDevice(path, major, minor, int(fd))
	d.paused = inactive
	s.track(d)
	s.log.Debug("took device", "device", d, "inactive", inactive)
	return d, nil
}

func (s *logind) CloseDevice(d *Device) error {
	if _, ok := s.devices[d.Path]; !ok {
		return nil
	}
	delete(s.devices, d.Path)
	return s.release(d)
}

func (s *logind) release(d *Device) error {
	d.setFD(-1)
	d.paused = true
	if err := s.bus.Call(s.path, login1Session+".ReleaseDevice", d.Major, d.Minor).Err; err != nil {
		return fmt.Errorf("release device %s: %w", d, err)
	}
	return nil
}

func (s *logind) SwitchVT(n int) error {
	if s.seatObj == "" {
		return errors.New("session has no seat")
	}
	if err := s.bus.Call(s.seatObj, login1Seat+".SwitchTo", uint32(n)).Err; err != nil {
		return fmt.Errorf("switch to vt %d: %w", n, err)
	}
	return nil
}

func (s *logind) Close() error {
	errs := []error{s.closeAll(s.release)}
	if err := s.bus.Call(s.path, login1Session+".ReleaseControl").Err; err != nil {
		errs = append(errs, fmt.Errorf("release control: %w", err))
	}
	errs = append(errs, s.signals.Close(), s.bus.Close())
	return errors.Join(errs...)
}

func (s *logind) handleSignal(sig *dbus.Signal) error {
	if sig == nil {
		return wlkit.Fatal(errors.New("logind bus connection lost"))
	}
	if sig.Path != s.path {
		return nil
	}

	switch sig.Name {
	case login1Session + ".PauseDevice":
		var major, minor uint32
		var typ string
		if err := dbus.Store(sig.Body, &major, &minor, &typ); err != nil {
			s.log.Warn("bad PauseDevice signal", "err", err)
			return nil
		}
		s.pauseDevice(major, minor, typ)
	case login1Session + ".ResumeDevice":
		var major, minor uint32
		var fd dbus.UnixFD
		if err := dbus.Store(sig.Body, &major, &minor, &fd); err != nil {
			s.log.Warn("bad ResumeDevice signal", "err", err)
			return nil
		}
		s.resumeDevice(major, minor, int(fd))
	case propertiesIface + ".PropertiesChanged":
		var iface string
		var changed map[string]dbus.Variant
		var invalidated []string
		if err := dbus.Store(sig.Body, &iface, &changed, &invalidated); err != nil || iface != login1Session {
			return nil
		}
		if v, ok := changed["Active"]; ok {
			if active, ok := v.Value().(bool); ok {
				s.setActive(active)
			}
		}
	}
	return nil
}

func (s *logind) pauseDevice(major, minor uint32, typ string) {
	d := s.device(major, minor)
	if d == nil {
		return
	}
	s.log.Debug("pause device", "device", d, "type", typ)

	if typ == "gone" {
		delete(s.devices, d.Path)
		d.setFD(-1)
		d.paused = true
		s.handler(Event{Kind: EventDeviceRemoved, Device: d})
		return
	}

	d.paused = true
	if d.IsDRM() && s.state == Active {
		s.acked = false
		s.pause(s.ack)
	}
	if typ != "pause" {
		return
	}
	p := pausedDevice{major, minor}
	if s.acked {
		s.complete(p)
	} else {
		s.unacked = append(s.unacked, p)
	}
}

func (s *logind) ack() {
	s.acked = true
	for _, p := range s.unacked {
		s.complete(p)
	}
	s.unacked = nil
}

func (s *logind) complete(p pausedDevice) {
	if err := s.bus.Call(s.path, login1Session+".PauseDeviceComplete", p.major, p.minor).Err; err != nil {
		s.log.Warn("pause device complete", "major", p.major, "minor", p.minor, "err", err)
	}
}

func (s *logind) resumeDevice(major, minor uint32, fd int) {
	d := s.device(major, minor)
	if d == nil {
		unix.Close(fd)
		return
	}
	s.log.Debug("resume device", "device", d)

	// The DRM fd survives a pause; evdev fds are revoked and replaced.
	if d.IsDRM() && d.fd >= 0 {
		unix.Close(fd)
	} else {
		d.setFD(fd)
	}
	d.paused = false

	if s.state == Active && !d.IsDRM() {
		s.handler(Event{Kind: EventDeviceResumed, Device: d})
		return
	}
	s.maybeResume()
}

func (s *logind) setActive(active bool) {
	if s.active == active {
		return
	}
	s.active = active
	s.log.Debug("session active changed", "active", active)
	if !active {
		if s.state == Active {
			s.acked = false
			s.pause(s.ack)
		}
		return
	}
	s.maybeResume()
}

// maybeResume activates once logind reports the session active and
// every DRM device is usable again.
func (s *logind) maybeResume() {
	if !s.active || s.state == Active {
		return
	}
	for _, d := range s.devices {
		if d.IsDRM() && d.paused {
			return
		}
	}
	s.activate(true)
}

// VT returns the session's virtual terminal, 0 when it has none.
func (s *logind) VT() int {
	return int(s.vt)
}

func (s *logind) String() string {
	return "logind " + string(s.path)
}
