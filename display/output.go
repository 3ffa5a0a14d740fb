package display

import (
	"fmt"
	"image"
	"time"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/drm"
)

// State of an output.
type State int

const (
	Disabled State = iota
	Enabled
	PendingModeset
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case PendingModeset:
		return "pending-modeset"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type frame struct {
	fb    *drm.Framebuffer
	locks []Lock
}

func (f *frame) unlock() {
	for _, l := range f.locks {
		l.Unlock()
	}
	f.locks = nil
}

// Output is one connector driven by one CRTC.
type Output struct {
	backend   *Backend
	name      string
	connector uint32
	crtc      uint32
	crtcIndex int
	primary   *plane
	mode      drm.ModeInfo
	mmWidth   uint32
	mmHeight  uint32
	state     State
	blob      uint32

	swap    [2]*drm.Framebuffer
	back    int
	front   *frame
	pending *frame

	// Data is reserved for the embedder.
	Data any
}

// Name is the connector name, e.g. HDMI-A-1.
func (o *Output) Name() string {
	return o.name
}

func (o *Output) State() State {
	return o.state
}

func (o *Output) Mode() drm.ModeInfo {
	return o.mode
}

// Size is the mode size in pixels.
func (o *Output) Size() image.Point {
	return image.Pt(int(o.mode.HDisplay), int(o.mode.VDisplay))
}

// PhysicalSize is in millimetres.
func (o *Output) PhysicalSize() (width, height uint32) {
	return o.mmWidth, o.mmHeight
}

func (o *Output) Connector() uint32 {
	return o.connector
}

func (o *Output) Crtc() uint32 {
	return o.crtc
}

// Planes lists the planes assigned to the output.
func (o *Output) Planes() []uint32 {
	if o.primary == nil {
		return nil
	}
	return []uint32{o.primary.id}
}

// FlipPending reports whether a presented frame is waiting for vblank.
func (o *Output) FlipPending() bool {
	return o.pending != nil
}

// Back returns the framebuffer to render the next frame into. It
// fails while a flip is pending or the output is not enabled.
func (o *Output) Back() (*drm.Framebuffer, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	return o.swap[o.back], nil
}

func (o *Output) ready() error {
	switch {
	case o.backend.suspended:
		return wlkit.ErrSessionRevoked
	case o.state != Enabled:
		return ErrDisabled
	case o.pending != nil:
		return ErrFlipPending
	}
	return nil
}

// Present flips to fb, which must be the buffer returned by Back. The
// locks are held until a later frame replaces this one on screen, or
// until the output is disabled or suspended. On error the caller keeps
// ownership of the locks.
func (o *Output) Present(fb *drm.Framebuffer, locks ...Lock) error {
	if err := o.ready(); err != nil {
		return err
	}
	if fb != o.swap[o.back] {
		return fmt.Errorf("present %s: framebuffer is not the back buffer", o.name)
	}

	b := o.backend
	b.nextFlip++
	seq := b.nextFlip
	if err := b.commit.flip(o, fb, seq); err != nil {
		return b.deviceError("page flip "+o.name, err)
	}

	b.inflight[seq] = o
	o.pending = &frame{fb: fb, locks: locks}
	o.back = 1 - o.back
	return nil
}

func (o *Output) flipDone(at time.Duration) {
	if o.pending == nil {
		return
	}
	old := o.front
	o.front = o.pending
	o.pending = nil
	if old != nil {
		old.unlock()
	}
	o.backend.listener.Frame(o, at)
}

// allocate makes sure the swapchain matches the mode size.
func (o *Output) allocate() error {
	w, h := uint32(o.mode.HDisplay), uint32(o.mode.VDisplay)
	if o.swap[0] != nil && o.swap[0].Width == w && o.swap[0].Height == h {
		return nil
	}
	o.release()
	for i := range o.swap {
		fb, err := o.backend.dev.CreateFramebuffer(w, h)
		if err != nil {
			o.release()
			return err
		}
		o.swap[i] = fb
	}
	return nil
}

// release frees the swapchain and the mode blob.
func (o *Output) release() {
	dev := o.backend.dev
	for i, fb := range o.swap {
		if fb != nil {
			if err := dev.DestroyFramebuffer(fb); err != nil {
				o.backend.log.Debug("destroy framebuffer", "output", o.name, "err", err)
			}
			o.swap[i] = nil
		}
	}
	if o.blob != 0 {
		dev.DestroyPropertyBlob(o.blob)
		o.blob = 0
	}
	o.front, o.pending = nil, nil
}
