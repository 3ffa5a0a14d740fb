// Package compositor assembles the substrate into a running display
// server: it owns the reactor loop, routes input to the seat, turns
// client commits into frames and frames into page flips.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/display"
	"github.com/bnema/wlkit/drm"
	"github.com/bnema/wlkit/hotplug"
	"github.com/bnema/wlkit/input"
	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/internal/ipc"
	"github.com/bnema/wlkit/internal/logger"
	"github.com/bnema/wlkit/reactor"
	"github.com/bnema/wlkit/resource"
	"github.com/bnema/wlkit/session"
	"github.com/bnema/wlkit/wire"
)

var ErrNoRenderer = errors.New("compositor: no renderer configured")

const (
	// retryDelay spaces out repaints after a failed render or present.
	retryDelay = 16 * time.Millisecond
	// acceptBackoff is how long the listener stays disarmed after an
	// accept failure.
	acceptBackoff = 100 * time.Millisecond
)

type Option func(*Runtime)

func WithLogger(l *log.Logger) Option {
	return func(rt *Runtime) {
		rt.log = l
	}
}

// WithRenderer sets the renderer that draws every frame. It is required.
func WithRenderer(r Renderer) Option {
	return func(rt *Runtime) {
		rt.renderer = r
	}
}

// WithReactor runs on an existing reactor instead of creating one. The
// runtime does not close it.
func WithReactor(r *reactor.Reactor) Option {
	return func(rt *Runtime) {
		rt.r = r
	}
}

// WithSession uses an existing session. Its events must be forwarded to
// HandleSessionEvent.
func WithSession(s session.Session) Option {
	return func(rt *Runtime) {
		rt.sess = s
	}
}

// WithDisplayDevice drives dev instead of opening a card through the
// session. fd is polled for page flip events; pass -1 to skip that.
func WithDisplayDevice(dev display.Device, fd int) Option {
	return func(rt *Runtime) {
		rt.dev, rt.devFd = dev, fd
	}
}

// WithInputOpener opens input devices with o instead of the session.
func WithInputOpener(o input.Opener) Option {
	return func(rt *Runtime) {
		rt.opener = o
	}
}

// WithHotplug uses m instead of the monitor selected by the config.
func WithHotplug(m hotplug.Monitor) Option {
	return func(rt *Runtime) {
		rt.hot = m
	}
}

// WithSysfs points device discovery at another sysfs root.
func WithSysfs(root string) Option {
	return func(rt *Runtime) {
		rt.sysfs = root
	}
}

// WithKeymap is sent to every keyboard. Without it clients get no_keymap.
func WithKeymap(km *resource.Keymap) Option {
	return func(rt *Runtime) {
		rt.keymap = km
	}
}

// Runtime ties a session, the display and input backends and the
// Wayland server together on one reactor.
type Runtime struct {
	// Place positions a surface on an output; ok false hides it there.
	// The default puts every mapped surface at the output origin.
	Place func(o *display.Output, s *resource.Surface) (pos image.Point, ok bool)
	// OnInput sees every input event before it is routed; returning
	// true consumes it.
	OnInput func(ev input.Event) bool
	// OnOutput is told when an output appears or goes away.
	OnOutput func(o *display.Output, enabled bool)

	cfg      *config.Config
	log      *log.Logger
	sysfs    string
	renderer Renderer
	keymap   *resource.Keymap

	r          *reactor.Reactor
	ownReactor bool
	sess       session.Session
	ownSession bool

	cardPath string
	cardDev  *session.Device
	card     *drm.Card
	dev      display.Device
	devFd    int
	devTok   reactor.Token
	disp     *display.Backend

	opener input.Opener
	input  *input.Backend
	hot    hotplug.Monitor

	srv          *resource.Server
	ln           *wire.Listener
	lnTok        reactor.Token
	acceptPaused bool
	acceptTimer  *reactor.Timer
	ctl          *ipc.SocketServer

	clients  map[*resource.Client]*clientState
	backlog  []*resource.Client
	ping     *reactor.Ping
	frames   *reactor.Channel[completion]
	requests *reactor.Channel[request]
	ackTimer *reactor.Timer
	retry    *reactor.Timer

	outputs   map[*display.Output]*outputState
	callbacks map[resource.Handle][]*resource.Callback
	redraw    bool

	cursorX, cursorY float64
	touches          map[int32]image.Point

	paused  bool
	ack     func()
	fatal   error
	started bool
}

// New prepares a runtime. Nothing is opened until Start.
func New(cfg *config.Config, opts ...Option) *Runtime {
	rt := &Runtime{
		cfg:       cfg,
		log:       logger.With("compositor"),
		devFd:     -1,
		clients:   make(map[*resource.Client]*clientState),
		outputs:   make(map[*display.Output]*outputState),
		callbacks: make(map[resource.Handle][]*resource.Callback),
		touches:   make(map[int32]image.Point),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Start opens every device, starts listening for clients and performs
// the initial modeset. On error everything opened so far is closed.
func (rt *Runtime) Start() (err error) {
	if rt.started {
		return nil
	}
	if rt.renderer == nil {
		return ErrNoRenderer
	}
	rt.started = true
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if rt.r == nil {
		r, err := reactor.New(reactor.WithLogger(logger.With("reactor")), reactor.WithBatch(rt.cfg.Reactor.Batch))
		if err != nil {
			return err
		}
		rt.r, rt.ownReactor = r, true
	}
	if err := rt.startSources(); err != nil {
		return err
	}

	if rt.sess == nil {
		s, err := session.New(rt.r, rt.cfg.Session,
			session.WithLogger(logger.With("session")),
			session.WithHandler(rt.HandleSessionEvent))
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		rt.sess, rt.ownSession = s, true
	}
	rt.paused = rt.sess.State() != session.Active

	if rt.dev == nil {
		if err := rt.openCard(); err != nil {
			return err
		}
	}
	if err := rt.startDisplay(); err != nil {
		return err
	}

	rt.srv = resource.NewServer(
		resource.WithLogger(logger.With("server")),
		resource.WithHooks(rt.hooks()),
		resource.WithMaxRequests(rt.cfg.Reactor.MaxRequestsPerDispatch),
		resource.WithSeatName(rt.sess.Seat()))
	if rt.keymap != nil {
		rt.srv.Seat().SetKeymap(rt.keymap)
	}

	if err := rt.startInput(); err != nil {
		return err
	}
	if err := rt.listen(); err != nil {
		return err
	}

	if !rt.paused {
		if err := rt.disp.Rescan(); err != nil && !wlkit.IsRevoked(err) {
			return fmt.Errorf("initial modeset: %w", err)
		}
	}
	rt.log.Info("runtime started", "display", rt.ln.Name(), "card", rt.cardPath, "seat", rt.sess.Seat(), "paused", rt.paused)
	return nil
}

func (rt *Runtime) startSources() error {
	var err error
	if rt.ping, err = reactor.NewPing(rt.r, rt.drainBacklog); err != nil {
		return err
	}
	if rt.frames, err = reactor.NewChannel(rt.r, rt.frameDone); err != nil {
		return err
	}
	if rt.requests, err = reactor.NewChannel(rt.r, rt.answer); err != nil {
		return err
	}
	if rt.ackTimer, err = reactor.NewTimer(rt.r, rt.ackDeadline); err != nil {
		return err
	}
	if rt.retry, err = reactor.NewTimer(rt.r, rt.retryRedraw); err != nil {
		return err
	}
	rt.acceptTimer, err = reactor.NewTimer(rt.r, rt.resumeAccept)
	return err
}

// openCard opens the configured card, or the first one with connectors.
func (rt *Runtime) openCard() error {
	candidates := []string{rt.cfg.Display.Card}
	if rt.cfg.Display.Card == "" {
		candidates = candidates[:0]
		devs, err := hotplug.Enumerate(hotplug.WithSysfs(rt.sysfs))
		if err != nil {
			return fmt.Errorf("enumerate cards: %w", err)
		}
		for _, d := range devs {
			if d.Subsystem == hotplug.SubsystemDRM {
				candidates = append(candidates, d.Node)
			}
		}
	}

	var errs []error
	for _, path := range candidates {
		dev, err := rt.sess.OpenDevice(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		card := drm.NewCard(dev.File())
		card.SetGuard(dev.Check)
		if rt.cfg.Display.Card == "" {
			res, err := card.GetResources()
			if err != nil || len(res.Connectors) == 0 {
				rt.log.Debug("skipping card", "path", path, "err", err)
				rt.sess.CloseDevice(dev)
				continue
			}
		}
		rt.cardPath, rt.cardDev, rt.card = path, dev, card
		rt.dev, rt.devFd = card, dev.Fd()
		return nil
	}
	if len(errs) == 0 {
		return errors.New("no DRM card with connectors found")
	}
	return fmt.Errorf("no usable DRM card: %w", errors.Join(errs...))
}

func (rt *Runtime) startDisplay() error {
	disp, err := display.New(rt.dev, rt.cfg.Display.CommitMode,
		display.WithLogger(logger.With("display")),
		display.WithListener(rt),
		display.WithPath(rt.cardPath),
		display.WithModes(rt.cfg.Display.Modes))
	if err != nil {
		return err
	}
	rt.disp = disp
	if rt.devFd < 0 {
		return nil
	}
	rt.devTok, err = rt.r.Register(rt.devFd, reactor.Readable, rt.displayReady)
	return err
}

func (rt *Runtime) displayReady(ev reactor.Event) error {
	if err := rt.disp.HandleEvents(); err != nil {
		if wlkit.IsRevoked(err) || wlkit.IsTransient(err) {
			return nil
		}
		return wlkit.Fatal(fmt.Errorf("display events: %w", err))
	}
	return nil
}

func (rt *Runtime) startInput() error {
	if rt.opener == nil {
		rt.opener = input.SessionOpener(rt.sess)
	}
	rt.input = input.New(rt.r, rt.opener,
		input.WithLogger(logger.With("input")),
		input.WithSysfs(rt.sysfs),
		input.WithIgnore(rt.cfg.Input.Ignore...))
	if !rt.paused {
		if err := rt.input.Scan(); err != nil {
			rt.log.Warn("input scan", "err", err)
		}
		rt.updateCapabilities()
	}

	if rt.hot == nil {
		m, err := hotplug.New(rt.cfg.Hotplug, hotplug.WithLogger(logger.With("hotplug")), hotplug.WithSysfs(rt.sysfs))
		if err != nil {
			return fmt.Errorf("hotplug: %w", err)
		}
		rt.hot = m
	}
	return rt.hot.Start(rt.r, rt.handleHotplug)
}

func (rt *Runtime) handleHotplug(ev hotplug.Event) {
	switch ev.Subsystem {
	case hotplug.SubsystemInput:
		// Devices added while paused are picked up by the rescan on resume.
		if rt.paused && ev.Action != hotplug.Remove {
			return
		}
		rt.input.HandleHotplug(ev)
	case hotplug.SubsystemDRM:
		if ev.Node != rt.cardPath {
			return
		}
		if ev.Action == hotplug.Remove {
			rt.fatal = wlkit.Fatal(fmt.Errorf("display device %s removed", ev.Node))
			return
		}
		if rt.paused {
			return
		}
		if err := rt.disp.Rescan(); err != nil && !wlkit.IsRevoked(err) {
			rt.log.Error("display rescan", "err", err)
		}
	}
}

// Run dispatches until ctx is done or a fatal error occurs.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Start(); err != nil {
		return err
	}
	return rt.r.Run(ctx, rt.cfg.Reactor.Timeout, rt.idle)
}

func (rt *Runtime) idle() error {
	if rt.fatal != nil {
		return rt.fatal
	}
	rt.routeInput()
	rt.repaint()
	rt.flush()
	return nil
}

// Dispatch runs one reactor iteration followed by the idle work. It is
// Run without the loop, for embedders that own the loop.
func (rt *Runtime) Dispatch(timeout time.Duration) error {
	if _, err := rt.r.RunIteration(timeout); err != nil && !errors.Is(err, reactor.ErrTimeout) {
		if errors.Is(err, wlkit.ErrFatal) {
			return err
		}
		rt.log.Warn("dispatch", "err", err)
	}
	return rt.idle()
}

// Close tears the runtime down in reverse start order.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.ctl != nil {
		rt.ctl.Stop()
		rt.ctl = nil
	}
	for c := range rt.clients {
		rt.removeClient(c)
	}
	if rt.ln != nil {
		rt.r.Unregister(rt.lnTok)
		errs = append(errs, rt.ln.Close())
		rt.ln = nil
	}
	if rt.hot != nil {
		errs = append(errs, rt.hot.Close())
		rt.hot = nil
	}
	if rt.input != nil {
		errs = append(errs, rt.input.Close())
		rt.input = nil
	}
	if rt.disp != nil {
		if rt.devFd >= 0 {
			rt.r.Unregister(rt.devTok)
		}
		errs = append(errs, rt.disp.Close())
		rt.disp = nil
	}
	if rt.cardDev != nil {
		errs = append(errs, rt.sess.CloseDevice(rt.cardDev))
		rt.cardDev, rt.card = nil, nil
	}
	if rt.ownSession && rt.sess != nil {
		errs = append(errs, rt.sess.Close())
		rt.sess = nil
	}
	if rt.ping != nil {
		errs = append(errs, rt.ping.Close())
		rt.ping = nil
	}
	if rt.frames != nil {
		errs = append(errs, rt.frames.Close())
		rt.frames = nil
	}
	if rt.requests != nil {
		errs = append(errs, rt.requests.Close())
		rt.requests = nil
	}
	if rt.ackTimer != nil {
		errs = append(errs, rt.ackTimer.Close())
		rt.ackTimer = nil
	}
	if rt.retry != nil {
		errs = append(errs, rt.retry.Close())
		rt.retry = nil
	}
	if rt.acceptTimer != nil {
		errs = append(errs, rt.acceptTimer.Close())
		rt.acceptTimer = nil
	}
	if rt.ownReactor && rt.r != nil {
		errs = append(errs, rt.r.Close())
		rt.r = nil
	}
	return errors.Join(errs...)
}

func (rt *Runtime) Reactor() *reactor.Reactor { return rt.r }
func (rt *Runtime) Session() session.Session  { return rt.sess }
func (rt *Runtime) Display() *display.Backend { return rt.disp }
func (rt *Runtime) Input() *input.Backend     { return rt.input }
func (rt *Runtime) Server() *resource.Server  { return rt.srv }
func (rt *Runtime) Seat() *resource.Seat      { return rt.srv.Seat() }
func (rt *Runtime) Paused() bool              { return rt.paused }

// SocketName is the WAYLAND_DISPLAY clients connect to.
func (rt *Runtime) SocketName() string {
	if rt.ln == nil {
		return ""
	}
	return rt.ln.Name()
}
