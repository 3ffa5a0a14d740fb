package input

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"syscall"
	"testing"
	"time"

	evdev "github.com/gvalkov/golang-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/hotplug"
	"github.com/bnema/wlkit/internal/logger"
	"github.com/bnema/wlkit/reactor"
)

type pipeHandle struct {
	r, w    *os.File
	fd      int
	revoked bool
}

func (h *pipeHandle) Fd() int        { return h.fd }
func (h *pipeHandle) File() *os.File { return h.r }
func (h *pipeHandle) Check() error {
	if h.revoked {
		return wlkit.ErrSessionRevoked
	}
	return nil
}

type fakeOpener struct {
	t        *testing.T
	handles  map[string]*pipeHandle
	closed   []string
	blocking bool
}

func newOpener(t *testing.T) *fakeOpener {
	return &fakeOpener{t: t, handles: make(map[string]*pipeHandle)}
}

func (o *fakeOpener) Open(path string) (Handle, error) {
	var p [2]int
	flags := unix.O_NONBLOCK | unix.O_CLOEXEC
	if o.blocking {
		flags = unix.O_CLOEXEC
	}
	if err := unix.Pipe2(p[:], flags); err != nil {
		return nil, err
	}
	h := &pipeHandle{
		r:  os.NewFile(uintptr(p[0]), path),
		w:  os.NewFile(uintptr(p[1]), path+".w"),
		fd: p[0],
	}
	o.t.Cleanup(func() { h.w.Close() })
	o.handles[path] = h
	return h, nil
}

func (o *fakeOpener) Close(h Handle) error {
	for path, ph := range o.handles {
		if ph == h {
			o.closed = append(o.closed, path)
			delete(o.handles, path)
		}
	}
	return h.File().Close()
}

// fakeSysfs lays out the capability files of event nodes.
type fakeSysfs struct {
	t    *testing.T
	root string
}

func newSysfs(t *testing.T) *fakeSysfs {
	return &fakeSysfs{t: t, root: t.TempDir()}
}

func (s *fakeSysfs) add(node, name string, caps map[string]string) string {
	dir := filepath.Join(s.root, "class", "input", node, "device")
	require.NoError(s.t, os.MkdirAll(filepath.Join(dir, "capabilities"), 0o755))
	require.NoError(s.t, os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0o644))
	for k, v := range caps {
		require.NoError(s.t, os.WriteFile(filepath.Join(dir, "capabilities", k), []byte(v+"\n"), 0o644))
	}
	return "/dev/input/" + node
}

func (s *fakeSysfs) keyboard(node string) string {
	return s.add(node, "Test Keyboard", map[string]string{
		"ev": "120013", "key": "fffffffffffffffe", "rel": "0", "abs": "0",
	})
}

func (s *fakeSysfs) mouse(node string) string {
	return s.add(node, "Test Mouse", map[string]string{
		"ev": "7", "key": "10000 0 0 0 0", "rel": "143", "abs": "0",
	})
}

func (s *fakeSysfs) touchscreen(node string) string {
	abs := uint64(1)<<ABS_MT_SLOT | 1<<ABS_MT_POSITION_X | 1<<ABS_MT_POSITION_Y | 1<<ABS_MT_TRACKING_ID | 3
	return s.add(node, "Test Touch", map[string]string{
		"ev": "b", "key": "400 0 0 0 0 0", "rel": "0", "abs": fmt.Sprintf("%x", abs),
	})
}

type fixture struct {
	r      *reactor.Reactor
	opener *fakeOpener
	sysfs  *fakeSysfs
	b      *Backend
	got    []Event
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	r, err := reactor.New(reactor.WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	f := &fixture{r: r, opener: newOpener(t), sysfs: newSysfs(t)}
	opts = append([]Option{WithLogger(logger.Discard()), WithSysfs(f.sysfs.root)}, opts...)
	f.b = New(r, f.opener, opts...)
	t.Cleanup(func() { f.b.Close() })
	return f
}

func (f *fixture) drain() []Event {
	f.got = append(f.got, slices.Collect(f.b.Events())...)
	return f.got
}

func (f *fixture) pump(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.drain()
		if cond() {
			return
		}
		require.True(t, time.Now().Before(deadline), "condition not reached, got %v", f.got)
		_, err := f.r.RunIteration(50 * time.Millisecond)
		if err != nil && !errors.Is(err, reactor.ErrTimeout) {
			require.NoError(t, err)
		}
	}
}

func (f *fixture) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	f.pump(t, func() bool { return len(f.got) >= n })
	return f.got
}

func (f *fixture) reset() {
	f.got = nil
}

func (f *fixture) write(t *testing.T, path string, events ...evdev.InputEvent) {
	t.Helper()
	h := f.opener.handles[path]
	require.NotNil(t, h, "device %s not open", path)
	for _, ev := range events {
		require.NoError(t, binary.Write(h.w, binary.LittleEndian, ev))
	}
}

func ev(usec int64, typ, code uint16, value int32) evdev.InputEvent {
	return evdev.InputEvent{
		Time:  syscall.Timeval{Sec: 10, Usec: usec},
		Type:  typ,
		Code:  code,
		Value: value,
	}
}

func syn(usec int64) evdev.InputEvent {
	return ev(usec, EV_SYN, SYN_REPORT, 0)
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestKeyboardKeys(t *testing.T) {
	f := newFixture(t)
	kbd := f.sysfs.keyboard("event3")
	require.NoError(t, f.b.AddDevice(kbd))

	devs := f.b.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "Test Keyboard", devs[0].Name)
	assert.True(t, devs[0].Caps.Has(CapKeyboard))
	assert.False(t, devs[0].Caps.Has(CapPointer))

	f.write(t, kbd,
		ev(100, EV_KEY, KEY_A, 1), syn(100),
		ev(200, EV_KEY, KEY_A, 2), syn(200),
		ev(300, EV_KEY, KEY_A, 0), syn(300),
	)
	got := f.waitFor(t, 3)
	assert.Equal(t, []EventType{DeviceAdded, KeyboardKey, KeyboardKey}, types(got))

	press, release := got[1], got[2]
	assert.Equal(t, devs[0].ID, press.Device)
	assert.Equal(t, uint16(KEY_A), press.Code)
	assert.True(t, press.Pressed)
	assert.False(t, release.Pressed)
	assert.Equal(t, 10*time.Second+100*time.Microsecond, press.Time)
	assert.Equal(t, 10*time.Second+300*time.Microsecond, release.Time)
}

func TestPointerFrames(t *testing.T) {
	f := newFixture(t)
	mouse := f.sysfs.mouse("event5")
	require.NoError(t, f.b.AddDevice(mouse))
	require.True(t, f.b.Devices()[0].Caps.Has(CapPointer))

	f.write(t, mouse,
		ev(1, EV_REL, REL_X, 3), ev(1, EV_REL, REL_Y, -2), ev(1, EV_REL, REL_X, 1), syn(1),
		ev(2, EV_KEY, BTN_LEFT, 1), syn(2),
		ev(3, EV_REL, REL_WHEEL, 1), syn(3),
		ev(4, EV_REL, REL_HWHEEL, -1), syn(4),
	)
	got := f.waitFor(t, 5)
	require.Equal(t, []EventType{DeviceAdded, PointerMotion, PointerButton, PointerAxis, PointerAxis}, types(got))

	assert.Equal(t, 4.0, got[1].Dx)
	assert.Equal(t, -2.0, got[1].Dy)
	assert.Equal(t, uint16(BTN_LEFT), got[2].Code)
	assert.True(t, got[2].Pressed)
	assert.Equal(t, AxisVertical, got[3].Axis)
	assert.Equal(t, -15.0, got[3].Value)
	assert.Equal(t, AxisHorizontal, got[4].Axis)
	assert.Equal(t, -15.0, got[4].Value)
}

func TestReadErrorRemovesOnlyThatDevice(t *testing.T) {
	f := newFixture(t)
	kbd := f.sysfs.keyboard("event1")
	mouse := f.sysfs.mouse("event2")
	require.NoError(t, f.b.AddDevice(kbd))
	require.NoError(t, f.b.AddDevice(mouse))
	f.waitFor(t, 2)
	f.reset()

	kbdID := f.b.Devices()[0].ID
	require.NoError(t, f.opener.handles[kbd].w.Close())

	f.pump(t, func() bool { return len(f.b.Devices()) == 1 })
	got := f.drain()
	require.Equal(t, []EventType{DeviceRemoved}, types(got))
	assert.Equal(t, kbdID, got[0].Device)
	assert.Equal(t, []string{kbd}, f.opener.closed)

	f.reset()
	f.write(t, mouse, ev(5, EV_REL, REL_X, 1), syn(5))
	got = f.waitFor(t, 1)
	assert.Equal(t, PointerMotion, got[0].Type)
}

func TestEmptyWakeupDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.opener.blocking = true
	kbd := f.sysfs.keyboard("event7")
	require.NoError(t, f.b.AddDevice(kbd))
	d := f.b.devices[kbd]
	require.NotNil(t, d)

	done := make(chan struct{})
	go func() {
		f.b.readable(d, reactor.Event{Readable: true})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read blocked on a device with no data")
	}
	assert.Len(t, f.b.Devices(), 1)

	f.write(t, kbd, ev(1, EV_KEY, KEY_A, 1), syn(1))
	got := f.waitFor(t, 2)
	assert.Equal(t, KeyboardKey, got[1].Type)
}

func TestIgnoredAndUnclassifiedDevices(t *testing.T) {
	f := newFixture(t, WithIgnore("Test Mouse"))
	mouse := f.sysfs.mouse("event2")
	other := f.sysfs.add("event7", "Power Button", map[string]string{"ev": "3", "key": "0", "rel": "0", "abs": "0"})

	require.NoError(t, f.b.AddDevice(mouse))
	require.NoError(t, f.b.AddDevice(other))

	assert.Empty(t, f.b.Devices())
	assert.Zero(t, f.b.Len())
	assert.NotContains(t, f.opener.handles, mouse)
	assert.Equal(t, []string{other}, f.opener.closed)
}

func TestTouchscreenClassified(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.b.AddDevice(f.sysfs.touchscreen("event9")))
	devs := f.b.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, CapTouch, devs[0].Caps)
	assert.Equal(t, "touch", devs[0].Caps.String())
}

func TestHotplugAndScan(t *testing.T) {
	f := newFixture(t)
	kbd := f.sysfs.keyboard("event4")
	uevent := "MAJOR=13\nMINOR=68\nDEVNAME=input/event4\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.sysfs.root, "class", "input", "event4", "uevent"), []byte(uevent), 0o644))

	require.NoError(t, f.b.Scan())
	require.Len(t, f.b.Devices(), 1)

	// Adding twice is a no-op.
	f.b.HandleHotplug(hotplug.Event{Action: hotplug.Add, Device: hotplug.Device{Subsystem: hotplug.SubsystemInput, Node: kbd}})
	assert.Len(t, f.b.Devices(), 1)

	f.b.HandleHotplug(hotplug.Event{Action: hotplug.Remove, Device: hotplug.Device{Subsystem: hotplug.SubsystemDRM, Node: kbd}})
	assert.Len(t, f.b.Devices(), 1)

	f.b.HandleHotplug(hotplug.Event{Action: hotplug.Remove, Device: hotplug.Device{Subsystem: hotplug.SubsystemInput, Node: kbd}})
	assert.Empty(t, f.b.Devices())
	assert.Equal(t, []EventType{DeviceAdded, DeviceRemoved}, types(f.drain()))
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t)
	kbd := f.sysfs.keyboard("event1")
	require.NoError(t, f.b.AddDevice(kbd))
	f.waitFor(t, 1)
	f.reset()

	f.b.Suspend()
	f.write(t, kbd, ev(1, EV_KEY, KEY_A, 1), syn(1))
	_, err := f.r.RunIteration(20 * time.Millisecond)
	assert.ErrorIs(t, err, reactor.ErrTimeout)
	assert.Zero(t, f.b.Len())

	h := f.opener.handles[kbd]
	h.revoked = true
	f.b.Resume()
	_, err = f.r.RunIteration(20 * time.Millisecond)
	assert.ErrorIs(t, err, reactor.ErrTimeout)
	assert.Len(t, f.b.Devices(), 1)

	h.revoked = false
	f.b.ResumeDevice(kbd)
	got := f.waitFor(t, 1)
	assert.Equal(t, KeyboardKey, got[0].Type)
}

func TestEventsIteratorStopsEarly(t *testing.T) {
	b := New(nil, nil, WithLogger(logger.Discard()))
	for i := range 3 {
		b.push(Event{Type: KeyboardKey, Code: uint16(i)})
	}
	for e := range b.Events() {
		assert.Equal(t, uint16(0), e.Code)
		break
	}
	assert.Equal(t, 2, b.Len())
	e, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, uint16(1), e.Code)
}

func TestDecoderTouchSlots(t *testing.T) {
	var got []Event
	d := newDecoder(1, CapTouch, func(e Event) { got = append(got, e) })
	feed := func(events ...evdev.InputEvent) {
		for i := range events {
			d.feed(&events[i])
		}
	}

	feed(
		ev(1, EV_ABS, ABS_MT_SLOT, 0), ev(1, EV_ABS, ABS_MT_TRACKING_ID, 7),
		ev(1, EV_ABS, ABS_MT_POSITION_X, 10), ev(1, EV_ABS, ABS_MT_POSITION_Y, 20),
		ev(1, EV_ABS, ABS_MT_SLOT, 1), ev(1, EV_ABS, ABS_MT_TRACKING_ID, 8),
		ev(1, EV_ABS, ABS_MT_POSITION_X, 30), ev(1, EV_ABS, ABS_MT_POSITION_Y, 40),
		ev(1, EV_KEY, BTN_TOUCH, 1),
		syn(1),
	)
	require.Equal(t, []EventType{TouchDown, TouchDown, TouchFrame}, types(got))
	assert.Equal(t, int32(0), got[0].Slot)
	assert.Equal(t, 10.0, got[0].X)
	assert.Equal(t, int32(1), got[1].Slot)
	assert.Equal(t, 40.0, got[1].Y)

	got = nil
	feed(
		ev(2, EV_ABS, ABS_MT_SLOT, 0), ev(2, EV_ABS, ABS_MT_POSITION_X, 11),
		ev(2, EV_ABS, ABS_MT_SLOT, 1), ev(2, EV_ABS, ABS_MT_TRACKING_ID, -1),
		syn(2),
	)
	require.Equal(t, []EventType{TouchMotion, TouchUp, TouchFrame}, types(got))
	assert.Equal(t, 11.0, got[0].X)
	assert.Equal(t, 20.0, got[0].Y)
	assert.Equal(t, int32(1), got[1].Slot)

	got = nil
	d.cancel(3 * time.Second)
	require.Equal(t, []EventType{TouchUp, TouchFrame}, types(got))
	assert.Equal(t, int32(0), got[0].Slot)
}

func TestDecoderSynDropped(t *testing.T) {
	var got []Event
	d := newDecoder(1, CapPointer, func(e Event) { got = append(got, e) })
	for _, e := range []evdev.InputEvent{
		ev(1, EV_REL, REL_X, 5),
		ev(1, EV_SYN, SYN_DROPPED, 0),
		ev(2, EV_REL, REL_X, 7),
		ev(2, EV_KEY, BTN_LEFT, 1),
		syn(2),
		ev(3, EV_REL, REL_X, 1),
		syn(3),
	} {
		d.feed(&e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, PointerMotion, got[0].Type)
	assert.Equal(t, 1.0, got[0].Dx)
}

func TestDecoderAbsoluteNormalized(t *testing.T) {
	var got []Event
	d := newDecoder(1, CapPointer, func(e Event) { got = append(got, e) })
	d.absX = axisRange{lo: 0, hi: 1000, ok: true}
	d.absY = axisRange{lo: 0, hi: 500, ok: true}
	for _, e := range []evdev.InputEvent{ev(1, EV_ABS, ABS_X, 250), ev(1, EV_ABS, ABS_Y, 250), syn(1)} {
		d.feed(&e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, PointerMotionAbsolute, got[0].Type)
	assert.Equal(t, 0.25, got[0].X)
	assert.Equal(t, 0.5, got[0].Y)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		bits capBits
		want Capabilities
	}{
		{"keyboard", capBits{ev: parseBitmask("120013"), key: parseBitmask("fffffffffffffffe")}, CapKeyboard},
		{"mouse", capBits{ev: parseBitmask("7"), key: parseBitmask("10000 0 0 0 0"), rel: parseBitmask("143")}, CapPointer},
		{"touchpad", capBits{
			ev:  parseBitmask("b"),
			key: parseBitmask("e520 10000 0 0 0 0"),
			abs: parseBitmask(fmt.Sprintf("%x", uint64(1)<<ABS_MT_POSITION_X|1<<ABS_MT_POSITION_Y|3)),
		}, CapPointer},
		{"nothing", capBits{ev: parseBitmask("3")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.bits))
		})
	}
}

func TestParseBitmask(t *testing.T) {
	b := parseBitmask("1 8000000000000000")
	assert.True(t, b.has(63))
	assert.True(t, b.has(64))
	assert.False(t, b.has(0))
	assert.False(t, b.has(200))
	assert.Nil(t, parseBitmask("zz"))

	assert.True(t, bytesToBitmask([]byte{0, 0x02}).has(9))
}

func TestProbe(t *testing.T) {
	s := newSysfs(t)
	kbd := s.keyboard("event1")
	mouse := s.mouse("event2")
	touch := s.touchscreen("event3")

	for node, want := range map[string]Capabilities{kbd: CapKeyboard, mouse: CapPointer, touch: CapTouch} {
		caps, ok := Probe(s.root, node)
		assert.True(t, ok, node)
		assert.Equal(t, want, caps, node)
	}

	_, ok := Probe(s.root, "/dev/input/event9")
	assert.False(t, ok)
}
