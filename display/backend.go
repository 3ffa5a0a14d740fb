// Package display drives outputs on a DRM card: it enumerates
// connectors, assigns CRTCs and planes, picks modes, performs modesets
// through an atomic or legacy committer and schedules page flips on a
// two buffer swapchain per output.
package display

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/drm"
	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/internal/logger"
)

var (
	ErrFlipPending  = errors.New("page flip already pending")
	ErrDisabled     = errors.New("output disabled")
	ErrNoCrtc       = errors.New("no free compatible crtc")
	ErrNoMode       = errors.New("connector has no modes")
	ErrNoCommitMode = errors.New("display commit mode not configured")
)

// Device is the part of *drm.Card the backend drives.
type Device interface {
	GetResources() (*drm.Resources, error)
	GetConnector(id uint32) (*drm.Connector, error)
	GetEncoder(id uint32) (*drm.Encoder, error)
	GetCrtc(id uint32) (*drm.Crtc, error)
	GetPlaneResources() ([]uint32, error)
	GetPlane(id uint32) (*drm.Plane, error)
	Properties(objID, objType uint32) (drm.Properties, error)
	SetClientCap(capability, value uint64) error
	SetCrtc(crtcID, fbID uint32, connectors []uint32, mode *drm.ModeInfo) error
	PageFlip(crtcID, fbID, flags uint32, userData uint64) error
	Atomic(req *drm.AtomicRequest, flags uint32, userData uint64) error
	CreatePropertyBlob(data []byte) (uint32, error)
	DestroyPropertyBlob(id uint32) error
	CreateFramebuffer(width, height uint32) (*drm.Framebuffer, error)
	DestroyFramebuffer(fb *drm.Framebuffer) error
	ReadEvents() ([]drm.Event, error)
}

// Lock is held by a presented frame until a later frame replaces it on
// screen.
type Lock interface {
	Unlock()
}

// Listener receives output lifecycle notifications on the reactor
// goroutine.
type Listener interface {
	// OutputEnabled is called after a successful modeset.
	OutputEnabled(o *Output)
	// OutputDisabled is called when an enabled output stops scanning
	// out because its connector went away.
	OutputDisabled(o *Output)
	// OutputError reports a failure confined to one output. When it
	// comes from a modeset the output is Disabled afterwards.
	OutputError(o *Output, err error)
	// Frame is called exactly once per completed page flip.
	Frame(o *Output, at time.Duration)
}

// NopListener ignores everything. Embed it to implement only part of
// Listener.
type NopListener struct{}

func (NopListener) OutputEnabled(*Output)        {}
func (NopListener) OutputDisabled(*Output)       {}
func (NopListener) OutputError(*Output, error)   {}
func (NopListener) Frame(*Output, time.Duration) {}

// Backend owns the outputs of one card.
type Backend struct {
	dev       Device
	path      string
	log       *log.Logger
	listener  Listener
	commit    committer
	overrides map[string]config.ModeOverride

	outputs   []*Output
	crtcs     []uint32
	inflight  map[uint64]*Output
	nextFlip  uint64
	suspended bool
}

type Option func(*Backend) error

func WithLogger(l *log.Logger) Option {
	return func(b *Backend) error {
		b.log = l
		return nil
	}
}

func WithListener(l Listener) Option {
	return func(b *Backend) error {
		b.listener = l
		return nil
	}
}

// WithPath names the card in errors.
func WithPath(path string) Option {
	return func(b *Backend) error {
		b.path = path
		return nil
	}
}

// WithModes sets per connector mode overrides, keyed by connector
// name in any case.
func WithModes(modes map[string]string) Option {
	return func(b *Backend) error {
		for name, s := range modes {
			m, err := config.ParseMode(s)
			if err != nil {
				return fmt.Errorf("mode for %s: %w", name, err)
			}
			b.overrides[strings.ToLower(name)] = m
		}
		return nil
	}
}

// New creates a backend committing with mode, config.CommitAtomic or
// config.CommitLegacy. No output is touched until Rescan.
func New(dev Device, mode string, opts ...Option) (*Backend, error) {
	b := &Backend{
		dev:       dev,
		path:      "card",
		log:       logger.With("display"),
		listener:  NopListener{},
		overrides: make(map[string]config.ModeOverride),
		inflight:  make(map[uint64]*Output),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	switch mode {
	case config.CommitAtomic:
		if err := dev.SetClientCap(drm.ClientCapUniversalPlanes, 1); err != nil {
			return nil, b.deviceError("set universal planes cap", err)
		}
		if err := dev.SetClientCap(drm.ClientCapAtomic, 1); err != nil {
			return nil, b.deviceError("set atomic cap", err)
		}
		b.commit = &atomicCommitter{b: b}
	case config.CommitLegacy:
		b.commit = &legacyCommitter{b: b}
	case "":
		return nil, ErrNoCommitMode
	default:
		return nil, fmt.Errorf("unknown commit mode %q", mode)
	}
	return b, nil
}

func (b *Backend) deviceError(op string, err error) error {
	if errors.Is(err, wlkit.ErrSessionRevoked) {
		return err
	}
	return &wlkit.DeviceError{Path: b.path, Op: op, Err: err}
}

// Outputs returns every known output, including disabled ones.
func (b *Backend) Outputs() []*Output {
	return slices.Clone(b.outputs)
}

// Enabled returns the outputs currently scanning out.
func (b *Backend) Enabled() []*Output {
	var out []*Output
	for _, o := range b.outputs {
		if o.state == Enabled {
			out = append(out, o)
		}
	}
	return out
}

func (b *Backend) output(connector uint32) *Output {
	for _, o := range b.outputs {
		if o.connector == connector {
			return o
		}
	}
	return nil
}

// Rescan re-enumerates the card. New connectors become outputs, vanished
// or disconnected ones are disabled, and pending modesets are
// committed. Failures confined to one output are reported through the
// listener; the returned error is for card wide failures.
func (b *Backend) Rescan() error {
	if b.suspended {
		return wlkit.ErrSessionRevoked
	}

	res, err := b.dev.GetResources()
	if err != nil {
		return b.deviceError("get resources", err)
	}
	b.crtcs = res.Crtcs

	var planes []*plane
	if b.commit.usesPlanes() {
		if planes, err = b.planes(); err != nil {
			return err
		}
	}

	seen := make(map[uint32]*drm.Connector, len(res.Connectors))
	for _, id := range res.Connectors {
		conn, err := b.dev.GetConnector(id)
		if err != nil {
			if errors.Is(err, wlkit.ErrSessionRevoked) {
				return err
			}
			b.log.Warn("skipping connector", "id", id, "err", err)
			continue
		}
		if conn.Connected() && len(conn.Modes) > 0 {
			seen[id] = conn
		}
	}

	// Disable first so their CRTCs can be reused.
	for _, o := range b.outputs {
		conn, ok := seen[o.connector]
		if o.state != Disabled && (!ok || !o.crtcValid(conn, b)) {
			b.disable(o)
		}
	}

	for _, id := range res.Connectors {
		conn, ok := seen[id]
		if !ok {
			continue
		}
		o := b.output(id)
		if o == nil {
			o = &Output{backend: b, connector: id, name: conn.Name()}
			b.outputs = append(b.outputs, o)
		}
		o.mmWidth, o.mmHeight = conn.MMWidth, conn.MMHeight

		mode := b.pickMode(conn)
		if o.state == Enabled && mode == o.mode {
			continue
		}
		if o.state == Enabled {
			b.log.Info("mode changed", "output", o.name, "mode", mode)
			b.abandon(o)
		}
		o.mode = mode
		if o.state == Disabled {
			if err := b.assign(o, conn, planes); err != nil {
				b.log.Warn("cannot enable output", "output", o.name, "err", err)
				b.listener.OutputError(o, err)
				continue
			}
		}
		o.state = PendingModeset
	}

	return b.modeset()
}

// crtcValid reports whether the output's CRTC still drives conn.
func (o *Output) crtcValid(conn *drm.Connector, b *Backend) bool {
	idx := slices.Index(b.crtcs, o.crtc)
	if idx < 0 {
		return false
	}
	return b.compatible(conn, idx)
}

func (b *Backend) compatible(conn *drm.Connector, crtcIndex int) bool {
	for _, id := range conn.Encoders {
		enc, err := b.dev.GetEncoder(id)
		if err != nil {
			continue
		}
		if enc.PossibleCrtcs&(1<<crtcIndex) != 0 {
			return true
		}
	}
	return false
}

func (b *Backend) crtcInUse(crtc uint32, except *Output) bool {
	for _, o := range b.outputs {
		if o != except && o.state != Disabled && o.crtc == crtc {
			return true
		}
	}
	return false
}

// assign picks a CRTC for o: its previous one when still usable, then
// the one the connector's encoder currently drives, then the first free
// compatible CRTC.
func (b *Backend) assign(o *Output, conn *drm.Connector, planes []*plane) error {
	var candidates []uint32
	if o.crtc != 0 {
		candidates = append(candidates, o.crtc)
	}
	if conn.EncoderID != 0 {
		if enc, err := b.dev.GetEncoder(conn.EncoderID); err == nil && enc.CrtcID != 0 {
			candidates = append(candidates, enc.CrtcID)
		}
	}
	candidates = append(candidates, b.crtcs...)

	for _, crtc := range candidates {
		idx := slices.Index(b.crtcs, crtc)
		if idx < 0 || b.crtcInUse(crtc, o) || !b.compatible(conn, idx) {
			continue
		}
		if b.commit.usesPlanes() {
			p := b.primaryPlane(idx, planes, o)
			if p == nil {
				continue
			}
			o.primary = p
		}
		o.crtc, o.crtcIndex = crtc, idx
		return nil
	}
	return ErrNoCrtc
}

func (b *Backend) pickMode(conn *drm.Connector) drm.ModeInfo {
	preferred, _ := conn.PreferredMode()
	want, ok := b.overrides[strings.ToLower(conn.Name())]
	if !ok {
		return preferred
	}
	for _, m := range conn.Modes {
		if int(m.HDisplay) != want.Width || int(m.VDisplay) != want.Height {
			continue
		}
		if want.Refresh != 0 && int(m.VRefresh) != want.Refresh {
			continue
		}
		return m
	}
	b.log.Warn("mode override not available, using preferred", "connector", conn.Name(), "want", want)
	return preferred
}

// modeset commits every output waiting for one.
func (b *Backend) modeset() error {
	var pending []*Output
	for _, o := range b.outputs {
		if o.state == PendingModeset {
			pending = append(pending, o)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	for _, o := range pending {
		if err := o.allocate(); err != nil {
			if errors.Is(err, wlkit.ErrSessionRevoked) {
				return err
			}
			o.state = Disabled
			b.listener.OutputError(o, b.deviceError("allocate swapchain", err))
		}
	}
	pending = slices.DeleteFunc(pending, func(o *Output) bool { return o.state != PendingModeset })

	failed, err := b.commit.modeset(pending)
	if err != nil {
		return err
	}
	for _, o := range pending {
		if ferr, ok := failed[o]; ok {
			b.log.Error("modeset failed", "output", o.name, "err", ferr)
			o.release()
			o.state = Disabled
			b.listener.OutputError(o, b.deviceError("modeset "+o.name, ferr))
			continue
		}
		o.state = Enabled
		o.front = &frame{fb: o.swap[0]}
		o.back = 1
		b.log.Info("output enabled", "output", o.name, "crtc", o.crtc, "mode", o.mode)
		b.listener.OutputEnabled(o)
	}
	return nil
}

func (b *Backend) disable(o *Output) {
	b.abandon(o)
	if err := b.commit.disable(o); err != nil && !errors.Is(err, wlkit.ErrSessionRevoked) {
		b.log.Debug("disable crtc", "output", o.name, "err", err)
	}
	o.release()
	o.state = Disabled
	b.log.Info("output disabled", "output", o.name)
	b.listener.OutputDisabled(o)
}

// abandon forgets the output's in-flight flip and drops every lock it
// holds.
func (b *Backend) abandon(o *Output) {
	for seq, other := range b.inflight {
		if other == o {
			delete(b.inflight, seq)
		}
	}
	if o.pending != nil {
		o.pending.unlock()
		o.pending = nil
	}
	if o.front != nil {
		o.front.unlock()
	}
}

// HandleEvents reads flip completions from the card. Call it when the
// card fd is readable.
func (b *Backend) HandleEvents() error {
	events, err := b.dev.ReadEvents()
	if err != nil {
		return b.deviceError("read events", err)
	}
	for _, ev := range events {
		if ev.Type != drm.EventFlipComplete {
			continue
		}
		o, ok := b.inflight[ev.UserData]
		if !ok {
			b.log.Debug("ignoring stale flip", "seq", ev.UserData, "crtc", ev.CrtcID)
			continue
		}
		delete(b.inflight, ev.UserData)
		o.flipDone(ev.Time)
	}
	return nil
}

// Suspend stops all presentation for a session pause. In-flight flips
// are abandoned and their completions will be ignored.
func (b *Backend) Suspend() {
	if b.suspended {
		return
	}
	b.suspended = true
	for _, o := range b.outputs {
		b.abandon(o)
		if o.state == Enabled {
			o.state = PendingModeset
		}
	}
	clear(b.inflight)
	b.log.Info("display suspended")
}

// Resume re-enumerates after a session resume and forces a modeset on
// every output, keeping previous CRTC assignments when valid.
func (b *Backend) Resume() error {
	if !b.suspended {
		return nil
	}
	b.suspended = false
	b.log.Info("display resumed")
	return b.Rescan()
}

// Suspended reports whether the backend is paused.
func (b *Backend) Suspended() bool {
	return b.suspended
}

// Close disables every output and frees the swapchains.
func (b *Backend) Close() error {
	for _, o := range b.outputs {
		b.abandon(o)
		o.release()
		o.state = Disabled
	}
	clear(b.inflight)
	return nil
}
