package compositor

import (
	"context"
	"errors"
	"image"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/drm"
	"github.com/bnema/wlkit/hotplug"
	"github.com/bnema/wlkit/input"
	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/internal/ipc"
	"github.com/bnema/wlkit/internal/logger"
	"github.com/bnema/wlkit/protocol"
	"github.com/bnema/wlkit/reactor"
	"github.com/bnema/wlkit/resource"
	"github.com/bnema/wlkit/session"
	"github.com/bnema/wlkit/wire"
)

// fakeCard is a legacy-only card with one CRTC and one connector.
type fakeCard struct {
	connected bool
	revoked   bool
	flips     int
	events    []drm.Event
	nextFB    uint32
}

func (d *fakeCard) check() error {
	if d.revoked {
		return wlkit.ErrSessionRevoked
	}
	return nil
}

func (d *fakeCard) GetResources() (*drm.Resources, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	res := &drm.Resources{Crtcs: []uint32{10}}
	if d.connected {
		res.Connectors = []uint32{1}
	}
	return res, nil
}

func (d *fakeCard) GetConnector(id uint32) (*drm.Connector, error) {
	mode := drm.ModeInfo{HDisplay: 8, VDisplay: 4, VRefresh: 60, Type: drm.ModeTypePreferred}
	return &drm.Connector{ID: id, Type: 11, TypeID: 1, Connection: drm.Connected, Encoders: []uint32{51}, Modes: []drm.ModeInfo{mode}}, nil
}

func (d *fakeCard) GetEncoder(id uint32) (*drm.Encoder, error) {
	return &drm.Encoder{ID: id, PossibleCrtcs: 1}, nil
}

func (d *fakeCard) GetCrtc(id uint32) (*drm.Crtc, error)        { return &drm.Crtc{ID: id}, nil }
func (d *fakeCard) GetPlaneResources() ([]uint32, error)        { return nil, nil }
func (d *fakeCard) GetPlane(id uint32) (*drm.Plane, error)      { return nil, unix.ENOENT }
func (d *fakeCard) SetClientCap(capability, value uint64) error { return d.check() }
func (d *fakeCard) CreatePropertyBlob([]byte) (uint32, error)   { return 0, unix.EINVAL }
func (d *fakeCard) DestroyPropertyBlob(uint32) error            { return nil }
func (d *fakeCard) DestroyFramebuffer(*drm.Framebuffer) error   { return nil }

func (d *fakeCard) Properties(objID, objType uint32) (drm.Properties, error) {
	return nil, unix.EINVAL
}

func (d *fakeCard) Atomic(*drm.AtomicRequest, uint32, uint64) error {
	return unix.EINVAL
}

func (d *fakeCard) SetCrtc(crtcID, fbID uint32, connectors []uint32, mode *drm.ModeInfo) error {
	return d.check()
}

func (d *fakeCard) PageFlip(crtcID, fbID, flags uint32, userData uint64) error {
	if err := d.check(); err != nil {
		return err
	}
	d.flips++
	d.events = append(d.events, drm.Event{Type: drm.EventFlipComplete, UserData: userData, CrtcID: crtcID, Time: 42 * time.Millisecond})
	return nil
}

func (d *fakeCard) CreateFramebuffer(width, height uint32) (*drm.Framebuffer, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	d.nextFB++
	return &drm.Framebuffer{ID: d.nextFB, Width: width, Height: height, Pitch: width * 4, Data: make([]byte, width*height*4)}, nil
}

func (d *fakeCard) ReadEvents() ([]drm.Event, error) {
	events := d.events
	d.events = nil
	return events, nil
}

type fakeSession struct{}

func (fakeSession) OpenDevice(path string) (*session.Device, error) { return nil, unix.ENODEV }
func (fakeSession) CloseDevice(*session.Device) error               { return nil }
func (fakeSession) State() session.State                            { return session.Active }
func (fakeSession) Token() session.Token                            { return session.Token{} }
func (fakeSession) Seat() string                                    { return "seat0" }
func (fakeSession) SwitchVT(int) error                              { return nil }
func (fakeSession) Close() error                                    { return nil }

type noInput struct{}

func (noInput) Open(string) (input.Handle, error) { return nil, unix.ENODEV }
func (noInput) Close(input.Handle) error          { return nil }

type nopMonitor struct{}

func (nopMonitor) Start(*reactor.Reactor, func(hotplug.Event)) error { return nil }
func (nopMonitor) Close() error                                      { return nil }

// testRenderer records frames. Held frames are completed by the test.
type testRenderer struct {
	hold   bool
	frames []*Frame
}

func (r *testRenderer) Render(f *Frame) {
	r.frames = append(r.frames, f)
	if !r.hold {
		f.Done(nil)
	}
}

func (r *testRenderer) last() *Frame {
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

type fixture struct {
	t    *testing.T
	rt   *Runtime
	card *fakeCard
	ren  *testRenderer
}

func newFixture(t *testing.T, tweak ...func(*config.Config)) *fixture {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	t.Setenv("WAYLAND_DISPLAY", "")

	cfg := &config.Config{}
	cfg.Display.CommitMode = config.CommitLegacy
	cfg.Session.PauseTimeout = 50 * time.Millisecond
	cfg.Reactor.Timeout = 10 * time.Millisecond
	for _, fn := range tweak {
		fn(cfg)
	}

	f := &fixture{t: t, card: &fakeCard{connected: true}, ren: &testRenderer{}}
	f.rt = New(cfg,
		WithLogger(logger.Discard()),
		WithSession(fakeSession{}),
		WithDisplayDevice(f.card, -1),
		WithInputOpener(noInput{}),
		WithHotplug(nopMonitor{}),
		WithSysfs(t.TempDir()),
		WithRenderer(f.ren))
	require.NoError(t, f.rt.Start())
	t.Cleanup(func() { f.rt.Close() })

	// The first frame clears the new output. Put it on screen so tests
	// start from an idle output.
	f.until(func() bool { return f.card.flips == 1 })
	f.flip()
	require.False(t, f.rt.Display().Enabled()[0].FlipPending())
	f.card.flips, f.ren.frames = 0, nil
	return f
}

func (f *fixture) spin(n int) {
	f.t.Helper()
	for range n {
		require.NoError(f.t, f.rt.Dispatch(time.Millisecond))
	}
}

func (f *fixture) until(cond func() bool) {
	f.t.Helper()
	for range 200 {
		if cond() {
			return
		}
		require.NoError(f.t, f.rt.Dispatch(5*time.Millisecond))
	}
	f.t.Fatal("condition not reached")
}

// flip delivers pending page flip completions.
func (f *fixture) flip() {
	f.t.Helper()
	require.NoError(f.t, f.rt.Display().HandleEvents())
	f.spin(2)
}

// client plays the Wayland client side of a socketpair.
type client struct {
	f       *fixture
	conn    *wire.Conn
	next    uint32
	events  []*wire.Message
	globals map[string]uint32

	registry, compositor, shm uint32
}

func (f *fixture) connect() *client {
	f.t.Helper()
	srvSide, cliSide, err := wire.Pair()
	require.NoError(f.t, err)
	f.t.Cleanup(func() { cliSide.Close() })
	_, err = f.rt.AddClient(srvSide)
	require.NoError(f.t, err)

	c := &client{f: f, conn: cliSide, next: 2, globals: make(map[string]uint32)}
	c.registry = c.id()
	c.send(wire.NewBuilder(1, 1).PutUint(c.registry))
	c.sync()
	for _, ev := range c.events {
		if ev.Sender == c.registry && ev.Opcode == 0 {
			name := ev.Uint()
			c.globals[ev.String()] = name
		}
	}
	c.compositor = c.bind(protocol.Compositor)
	c.shm = c.bind(protocol.Shm)
	return c
}

func (c *client) id() uint32 {
	id := c.next
	c.next++
	return id
}

func (c *client) send(b *wire.Builder) {
	c.f.t.Helper()
	require.NoError(c.f.t, c.conn.Write(b))
	require.NoError(c.f.t, c.conn.Flush())
}

func (c *client) read() {
	c.f.t.Helper()
	if err := c.conn.Fill(); !errors.Is(err, io.EOF) {
		require.NoError(c.f.t, err)
	}
	for {
		msg, err := c.conn.Next()
		require.NoError(c.f.t, err)
		if msg == nil {
			return
		}
		c.events = append(c.events, msg)
	}
}

func (c *client) got(sender uint32, opcode uint16) bool {
	return c.count(sender, opcode) > 0
}

func (c *client) count(sender uint32, opcode uint16) int {
	c.read()
	n := 0
	for _, ev := range c.events {
		if ev.Sender == sender && ev.Opcode == opcode {
			n++
		}
	}
	return n
}

// sync round-trips through the server.
func (c *client) sync() {
	cb := c.id()
	c.send(wire.NewBuilder(1, 0).PutUint(cb))
	c.f.until(func() bool { return c.got(cb, 0) })
}

func (c *client) bind(iface protocol.Interface) uint32 {
	name, ok := c.globals[iface.Name]
	require.True(c.f.t, ok, "global %s not advertised", iface.Name)
	id := c.id()
	c.send(wire.NewBuilder(c.registry, 0).PutUint(name).PutString(iface.Name).PutUint(iface.Version).PutUint(id))
	return id
}

func (c *client) surface() uint32 {
	id := c.id()
	c.send(wire.NewBuilder(c.compositor, 0).PutUint(id))
	return id
}

// buffer creates a w x h xrgb8888 buffer filled with px.
func (c *client) buffer(w, h int32, px uint32) uint32 {
	t := c.f.t
	size := int(w * h * 4)
	fd, err := unix.MemfdCreate("wlkit-test", unix.MFD_CLOEXEC)
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, unix.Ftruncate(fd, int64(size)))
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	require.NoError(t, err)
	for i := 0; i < size; i += 4 {
		mem[i], mem[i+1], mem[i+2], mem[i+3] = byte(px), byte(px>>8), byte(px>>16), byte(px>>24)
	}
	require.NoError(t, unix.Munmap(mem))

	pool := c.id()
	c.send(wire.NewBuilder(c.shm, 0).PutUint(pool).PutFD(fd).PutInt(int32(size)))
	id := c.id()
	c.send(wire.NewBuilder(pool, 0).PutUint(id).PutInt(0).PutInt(w).PutInt(h).PutInt(w * 4).PutUint(protocol.FormatXRGB8888))
	c.send(wire.NewBuilder(pool, 1))
	return id
}

func (c *client) attach(surface, buffer uint32) {
	c.send(wire.NewBuilder(surface, 1).PutObject(buffer).PutInt(0).PutInt(0))
}

func (c *client) damage(surface uint32, r image.Rectangle) {
	c.send(wire.NewBuilder(surface, 2).PutInt(int32(r.Min.X)).PutInt(int32(r.Min.Y)).PutInt(int32(r.Dx())).PutInt(int32(r.Dy())))
}

func (c *client) frame(surface uint32) uint32 {
	cb := c.id()
	c.send(wire.NewBuilder(surface, 3).PutUint(cb))
	return cb
}

func (c *client) commit(surface uint32) {
	c.send(wire.NewBuilder(surface, 6))
}

// mapSurface creates a mapped 4x2 surface and waits for its first frame.
func (c *client) mapSurface() uint32 {
	sid := c.surface()
	c.attach(sid, c.buffer(4, 2, 0xff00ff00))
	n, flips := len(c.f.ren.frames), c.f.card.flips
	c.commit(sid)
	c.f.until(func() bool {
		return len(c.f.ren.frames) > n && (c.f.ren.hold || c.f.card.flips > flips)
	})
	return sid
}

func TestStartRequiresRenderer(t *testing.T) {
	rt := New(&config.Config{}, WithLogger(logger.Discard()))
	assert.ErrorIs(t, rt.Start(), ErrNoRenderer)
}

func TestStartEnablesOutputsAndListens(t *testing.T) {
	f := newFixture(t)
	require.Len(t, f.rt.Display().Enabled(), 1)
	require.Len(t, f.rt.Server().Outputs(), 1)
	assert.NotEmpty(t, f.rt.SocketName())
	assert.Equal(t, f.rt.SocketName(), os.Getenv("WAYLAND_DISPLAY"))

	c := f.connect()
	assert.Contains(t, c.globals, protocol.Output.Name)
	assert.Contains(t, c.globals, protocol.Seat.Name)
}

func TestCommitRendersAndPresents(t *testing.T) {
	f := newFixture(t)
	c := f.connect()

	sid := c.surface()
	c.attach(sid, c.buffer(4, 2, 0xff00ff00))
	cb := c.frame(sid)
	c.commit(sid)
	f.until(func() bool { return f.card.flips == 1 })

	fr := f.ren.last()
	require.NotNil(t, fr)
	assert.True(t, fr.Full)
	require.Len(t, fr.Views, 1)
	v := fr.Views[0]
	assert.Equal(t, image.Rect(0, 0, 4, 2), v.Rect)
	assert.Equal(t, protocol.FormatXRGB8888, v.Format)
	assert.Equal(t, []byte{0, 0xff, 0, 0xff}, v.Pixels[:4])

	assert.False(t, c.got(cb, 0), "frame callback fired before the flip")
	f.flip()
	f.until(func() bool { return c.got(cb, 0) })
}

func TestDamageCoversTwoFrames(t *testing.T) {
	f := newFixture(t)
	c := f.connect()
	sid := c.mapSurface()
	f.flip()

	a := image.Rect(0, 0, 1, 1)
	c.damage(sid, a)
	c.commit(sid)
	f.until(func() bool { return f.card.flips == 2 })
	f.flip()

	b := image.Rect(2, 1, 3, 2)
	c.damage(sid, b)
	c.commit(sid)
	f.until(func() bool { return f.card.flips == 3 })

	fr := f.ren.last()
	assert.False(t, fr.Full)
	assert.ElementsMatch(t, []image.Rectangle{a, b}, fr.Damage)
}

func TestOneFrameInFlight(t *testing.T) {
	f := newFixture(t)
	f.ren.hold = true
	c := f.connect()
	sid := c.mapSurface()
	require.Len(t, f.ren.frames, 1)

	c.damage(sid, image.Rect(0, 0, 1, 1))
	c.commit(sid)
	f.spin(5)
	assert.Len(t, f.ren.frames, 1, "second frame started while the first renders")

	f.ren.frames[0].Done(nil)
	f.until(func() bool { return f.card.flips == 1 })
	f.spin(3)
	assert.Len(t, f.ren.frames, 1, "frame started while a flip is pending")

	f.flip()
	f.until(func() bool { return len(f.ren.frames) == 2 })
}

func TestRenderErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	f.ren.hold = true
	c := f.connect()
	sid := c.surface()
	c.attach(sid, c.buffer(4, 2, 0))
	cb := c.frame(sid)
	c.commit(sid)
	f.until(func() bool { return len(f.ren.frames) == 1 })

	// The client waits for its callback and does not commit again.
	f.ren.frames[0].Done(assert.AnError)
	f.until(func() bool { return len(f.ren.frames) == 2 })
	assert.Zero(t, f.card.flips)
	assert.False(t, c.got(cb, 0))
	retried := f.ren.last()
	assert.True(t, retried.Full)
	require.Len(t, retried.Views, 1)

	retried.Done(nil)
	f.until(func() bool { return f.card.flips == 1 })
	f.flip()
	f.until(func() bool { return c.got(cb, 0) })
}

func TestBufferHeldUntilReplacedOnScreen(t *testing.T) {
	f := newFixture(t)
	c := f.connect()
	sid := c.surface()
	a := c.buffer(4, 2, 0xff0000ff)
	c.attach(sid, a)
	c.commit(sid)
	f.until(func() bool { return f.card.flips == 1 })

	b := c.buffer(4, 2, 0xffff0000)
	c.attach(sid, b)
	c.commit(sid)
	c.sync()
	assert.Equal(t, 1, f.card.flips, "second frame queued while a flip is pending")
	assert.Zero(t, c.count(a, 0), "released while its flip is pending")

	// a reaches the screen, b is rendered and flipped behind it
	f.flip()
	f.until(func() bool { return f.card.flips == 2 })
	assert.Zero(t, c.count(a, 0), "released while on screen")
	require.Len(t, f.ren.last().Views, 1)
	assert.Equal(t, []byte{0, 0, 0xff, 0xff}, f.ren.last().Views[0].Pixels[:4])

	// b replaces a on screen
	f.flip()
	f.until(func() bool { return c.count(a, 0) > 0 })
	f.spin(3)
	assert.Equal(t, 1, c.count(a, 0))
	assert.Zero(t, c.count(b, 0), "still the current buffer")
}

func TestSupersededBufferReleasedAtOnce(t *testing.T) {
	f := newFixture(t)
	c := f.connect()
	sid := c.surface()
	a := c.buffer(4, 2, 0)
	c.attach(sid, a)
	c.commit(sid)
	f.until(func() bool { return f.card.flips == 1 })

	// b is replaced before any frame showed it
	b := c.buffer(4, 2, 0)
	c.attach(sid, b)
	c.commit(sid)
	d := c.buffer(4, 2, 0)
	c.attach(sid, d)
	c.commit(sid)
	f.until(func() bool { return c.count(b, 0) == 1 })
	assert.Zero(t, c.count(a, 0))
	assert.Equal(t, 1, f.card.flips)

	f.flip()
	f.until(func() bool { return f.card.flips == 2 })
	f.flip()
	f.until(func() bool { return c.count(a, 0) == 1 })
	f.spin(3)
	assert.Equal(t, 1, c.count(b, 0))
	assert.Zero(t, c.count(d, 0))
}

func TestPauseWaitsForRenderer(t *testing.T) {
	f := newFixture(t)
	f.ren.hold = true
	c := f.connect()
	c.mapSurface()

	acked := 0
	f.rt.pause(func() { acked++ })
	assert.True(t, f.rt.Paused())
	assert.Zero(t, acked)

	f.ren.frames[0].Done(nil)
	f.until(func() bool { return acked == 1 })
	assert.Zero(t, f.card.flips, "presented while paused")
}

func TestPauseTimeout(t *testing.T) {
	f := newFixture(t)
	f.ren.hold = true
	c := f.connect()
	c.mapSurface()

	acked := 0
	f.rt.pause(func() { acked++ })
	f.until(func() bool { return acked == 1 })

	// a late completion is dropped
	f.ren.frames[0].Done(nil)
	f.spin(3)
	assert.Zero(t, f.card.flips)
	assert.Equal(t, 1, acked)
}

func TestResumeRepaintsEverything(t *testing.T) {
	f := newFixture(t)
	c := f.connect()
	c.mapSurface()
	f.flip()
	n := len(f.ren.frames)

	f.rt.pause(func() {})
	f.card.revoked = true
	c.commit(c.surface())
	f.spin(3)
	assert.Len(t, f.ren.frames, n)

	f.card.revoked = false
	f.rt.resume()
	f.until(func() bool { return len(f.ren.frames) > n })
	assert.True(t, f.ren.last().Full)
}

func TestUnpluggedOutputReleasesCallbacks(t *testing.T) {
	f := newFixture(t)
	f.ren.hold = true
	c := f.connect()
	sid := c.surface()
	c.attach(sid, c.buffer(4, 2, 0))
	cb := c.frame(sid)
	c.commit(sid)
	f.until(func() bool { return len(f.ren.frames) == 1 })

	f.card.connected = false
	require.NoError(t, f.rt.Display().Rescan())
	assert.Empty(t, f.rt.Server().Outputs())

	f.ren.frames[0].Done(nil)
	f.until(func() bool { return c.got(cb, 0) })
	assert.Zero(t, f.card.flips)
	// wl_registry.global_remove
	assert.True(t, c.got(c.registry, 1))
}

func TestPointerFollowsCursor(t *testing.T) {
	f := newFixture(t)
	c := f.connect()
	c.mapSurface()

	s, pos := f.rt.SurfaceAt(1, 1)
	require.NotNil(t, s)
	assert.Equal(t, image.Point{}, pos)

	f.rt.deliver(input.Event{Type: input.PointerMotion, Dx: 1, Dy: 1})
	assert.Equal(t, s.Handle(), f.rt.Seat().PointerFocus())

	f.rt.deliver(input.Event{Type: input.PointerMotion, Dx: 100, Dy: -100})
	x, y := f.rt.Cursor()
	assert.Equal(t, 7.0, x)
	assert.Equal(t, 0.0, y)
	assert.True(t, f.rt.Seat().PointerFocus().IsZero(), "cursor left the surface")

	f.rt.deliver(input.Event{Type: input.PointerMotionAbsolute, X: 0.25, Y: 0.25})
	x, y = f.rt.Cursor()
	assert.Equal(t, 2.0, x)
	assert.Equal(t, 1.0, y)
	assert.Equal(t, s.Handle(), f.rt.Seat().PointerFocus())
}

func TestTouchTargetsSurfaceUnderPoint(t *testing.T) {
	f := newFixture(t)
	c := f.connect()
	c.mapSurface()

	f.rt.deliver(input.Event{Type: input.TouchDown, Slot: 0, X: 0.25, Y: 0.25})
	f.rt.deliver(input.Event{Type: input.TouchDown, Slot: 1, X: 0.9, Y: 0.9})
	f.rt.deliver(input.Event{Type: input.TouchFrame})
	assert.Contains(t, f.rt.touches, int32(0))
	assert.NotContains(t, f.rt.touches, int32(1), "touch outside every surface")

	f.rt.deliver(input.Event{Type: input.TouchUp, Slot: 0})
	assert.Empty(t, f.rt.touches)
}

func TestProtocolErrorDisconnects(t *testing.T) {
	f := newFixture(t)
	c := f.connect()
	require.Len(t, f.rt.clients, 1)

	c.send(wire.NewBuilder(999, 0))
	f.until(func() bool { return len(f.rt.clients) == 0 })
	// wl_display.error
	assert.True(t, c.got(1, 0))
}

func dial(t *testing.T, path string) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	require.NoError(t, unix.Connect(fd, &unix.SockaddrUnix{Name: path}))
}

func TestAcceptBacksOffAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.connect()
	var first *resource.Client
	for cl := range f.rt.clients {
		first = cl
	}

	f.rt.pauseAccept()
	dial(t, f.rt.ln.Path())
	f.spin(3)
	assert.Len(t, f.rt.clients, 1, "accepted while the listener is disarmed")

	// a disconnect frees a descriptor
	f.rt.removeClient(first)
	f.until(func() bool { return len(f.rt.clients) == 1 })
	assert.False(t, f.rt.acceptPaused)

	// otherwise the backoff timer rearms the listener
	f.rt.pauseAccept()
	dial(t, f.rt.ln.Path())
	f.spin(3)
	assert.Len(t, f.rt.clients, 1)
	f.until(func() bool { return len(f.rt.clients) == 2 })
	assert.False(t, f.rt.acceptPaused)
}

func TestCardRemovalIsFatal(t *testing.T) {
	f := newFixture(t)
	f.rt.cardPath = "/dev/dri/card9"
	f.rt.handleHotplug(hotplug.Event{Action: hotplug.Remove, Device: hotplug.Device{Subsystem: hotplug.SubsystemDRM, Node: "/dev/dri/card9"}})
	assert.ErrorIs(t, f.rt.Dispatch(0), wlkit.ErrFatal)
}

func TestStatusOverControlSocket(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.IPC.Enabled = true })
	f.connect()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rt.Run(ctx) }()

	ctl := ipc.NewClientWithTimeout(f.rt.SocketName(), time.Second)
	resp, err := ctl.Status()
	_, bogus := ctl.Query("bogus")
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, err)
	assert.ErrorContains(t, bogus, "unknown query")

	st := StatusFromStruct(resp)
	assert.Equal(t, "seat0", st.Seat)
	assert.Equal(t, "active", st.Session)
	assert.Equal(t, 1, st.Clients)
	require.Len(t, st.Outputs, 1)
	assert.Equal(t, "enabled", st.Outputs[0].State)
	assert.Equal(t, "8x4@60", st.Outputs[0].Mode)
}

func TestStatusStructRoundTrip(t *testing.T) {
	in := Status{
		Display: "wayland-1",
		Seat:    "seat0",
		Session: "active",
		Clients: 2,
		Outputs: []OutputStatus{{Name: "HDMI-A-1", State: "enabled", Mode: "8x4@60", Crtc: 10}},
		Inputs:  []InputStatus{{ID: 3, Path: "/dev/input/event3", Name: "kbd", Caps: "keyboard"}},
	}
	msg, err := in.Struct()
	require.NoError(t, err)
	assert.Equal(t, in, StatusFromStruct(msg))
}
