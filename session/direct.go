package session

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/reactor"
)

const openFlags = unix.O_RDWR | unix.O_CLOEXEC | unix.O_NONBLOCK | unix.O_NOCTTY

// direct drives devices without a session manager. It needs root, and
// handles VT switches itself when a tty is configured.
type direct struct {
	*core
	tty     *os.File
	kbMode  int
	sigs    chan os.Signal
	signals *reactor.Channel[os.Signal]
}

func newDirect(r *reactor.Reactor, cfg config.SessionConfig, o options) (*direct, error) {
	if unix.Geteuid() != 0 {
		return nil, errors.New("direct session requires root")
	}

	s := &direct{core: newCore(o, cfg.Seat)}
	if cfg.TTY != "" {
		if err := s.setupVT(r, cfg.TTY); err != nil {
			return nil, err
		}
	} else {
		s.log.Warn("no tty configured, VT switching disabled")
	}
	s.activate(false)
	return s, nil
}

func (s *direct) setupVT(r *reactor.Reactor, path string) error {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	tty := os.NewFile(uintptr(fd), path)

	if s.kbMode, err = unix.IoctlGetInt(fd, KDGKBMODE); err != nil {
		tty.Close()
		return fmt.Errorf("KDGKBMODE: %w", err)
	}
	if err := ioctlArg(fd, "KDSKBMODE", KDSKBMODE, K_OFF); err != nil {
		tty.Close()
		return err
	}
	if err := ioctlArg(fd, "KDSETMODE", KDSETMODE, KD_GRAPHICS); err != nil {
		unix.IoctlSetInt(fd, KDSKBMODE, s.kbMode)
		tty.Close()
		return err
	}
	mode := vtMode{Mode: VT_PROCESS, Relsig: int16(syscall.SIGUSR1), Acqsig: int16(syscall.SIGUSR2)}
	if err := setVTMode(fd, &mode); err != nil {
		s.tty = tty
		s.restoreVT()
		return err
	}

	s.signals, err = reactor.NewChannel(r, s.handleSignal)
	if err != nil {
		s.tty = tty
		s.restoreVT()
		return err
	}
	s.tty = tty
	s.sigs = make(chan os.Signal, 4)
	signal.Notify(s.sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range s.sigs {
			s.signals.Send(sig)
		}
	}()
	return nil
}

func (s *direct) restoreVT() {
	fd := int(s.tty.Fd())
	mode := vtMode{Mode: VT_AUTO}
	if err := setVTMode(fd, &mode); err != nil {
		s.log.Warn("restore vt mode", "err", err)
	}
	unix.IoctlSetInt(fd, KDSETMODE, KD_TEXT)
	unix.IoctlSetInt(fd, KDSKBMODE, s.kbMode)
	s.tty.Close()
	s.tty = nil
}

func openNode(path string) (int, error) {
	return unix.Open(path, openFlags, 0)
}

func (s *direct) OpenDevice(path string) (*Device, error) {
	if d, ok := s.devices[path]; ok {
		return d, nil
	}
	if s.state != Active {
		return nil, wlkit.ErrSessionRevoked
	}
	major, minor, err := devnum(path)
	if err != nil {
		return nil, err
	}
	fd, err := openNode(path)
	if err != nil {
		return nil, &wlkit.DeviceError{Path: path, Op: "open", Err: err}
	}

	d := newDevice(path, major, minor, fd)
	if d.IsDRM() {
		if err := setMaster(d.Fd()); err != nil {
			s.log.Warn("cannot become DRM master", "device", d, "err", err)
		}
	}
	s.track(d)
	return d, nil
}

func (s *direct) CloseDevice(d *Device) error {
	if _, ok := s.devices[d.Path]; !ok {
		return nil
	}
	delete(s.devices, d.Path)
	return s.release(d)
}

func (s *direct) release(d *Device) error {
	s.deactivate(d)
	d.setFD(-1)
	return nil
}

// deactivate stops d from being usable. DRM devices keep their fd and
// drop master; other devices are revoked and closed.
func (s *direct) deactivate(d *Device) {
	d.paused = true
	if d.fd < 0 {
		return
	}
	if d.IsDRM() {
		if err := dropMaster(d.Fd()); err != nil {
			s.log.Debug("drop master", "device", d, "err", err)
		}
		return
	}
	if d.Major == MajorInput {
		if err := revokeInput(d.Fd()); err != nil {
			s.log.Debug("revoke", "device", d, "err", err)
		}
	}
	d.setFD(-1)
}

func (s *direct) reactivate(d *Device) {
	if d.IsDRM() {
		if err := setMaster(d.Fd()); err != nil {
			s.log.Warn("cannot become DRM master", "device", d, "err", err)
		}
		d.paused = false
		return
	}
	fd, err := openNode(d.Path)
	if err != nil {
		s.log.Warn("cannot reopen device", "device", d, "err", err)
		delete(s.devices, d.Path)
		s.handler(Event{Kind: EventDeviceRemoved, Device: d})
		return
	}
	d.setFD(fd)
	d.paused = false
}

func (s *direct) handleSignal(sig os.Signal) error {
	switch sig {
	case syscall.SIGUSR1:
		s.yield()
	case syscall.SIGUSR2:
		s.acquire()
	}
	return nil
}

// yield gives up the VT at the kernel's request.
func (s *direct) yield() {
	for _, d := range s.devices {
		s.deactivate(d)
	}
	s.pause(func() {
		if s.tty == nil {
			return
		}
		if err := ioctlArg(int(s.tty.Fd()), "VT_RELDISP", VT_RELDISP, 1); err != nil {
			s.log.Error("release vt", "err", err)
		}
	})
}

func (s *direct) acquire() {
	if s.tty != nil {
		if err := ioctlArg(int(s.tty.Fd()), "VT_RELDISP", VT_RELDISP, VT_ACKACQ); err != nil {
			s.log.Error("acquire vt", "err", err)
		}
	}
	for _, d := range s.devices {
		s.reactivate(d)
	}
	s.activate(true)
}

func (s *direct) SwitchVT(n int) error {
	if s.tty == nil {
		return errors.New("no tty configured")
	}
	return ioctlArg(int(s.tty.Fd()), "VT_ACTIVATE", VT_ACTIVATE, n)
}

func (s *direct) Close() error {
	err := s.closeAll(s.release)
	if s.sigs != nil {
		signal.Stop(s.sigs)
		close(s.sigs)
	}
	if s.signals != nil {
		err = errors.Join(err, s.signals.Close())
	}
	if s.tty != nil {
		s.restoreVT()
	}
	return err
}
