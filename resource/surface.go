package resource

import (
	"image"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/protocol"
)

// SurfaceStatus summarises where a surface is in the commit cycle.
type SurfaceStatus int

const (
	// NoBuffer: nothing is committed and nothing is pending.
	NoBuffer SurfaceStatus = iota
	// Pending: state has been changed since the last commit.
	Pending
	// Committed: a buffer is current and nothing is pending.
	Committed
)

func (s SurfaceStatus) String() string {
	switch s {
	case NoBuffer:
		return "no-buffer"
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

type changed uint16

const (
	changedBuffer changed = 1 << iota
	changedOffset
	changedDamage
	changedOpaque
	changedInput
	changedTransform
	changedScale
	changedFrame
)

// SurfaceState is one side of a surface's double-buffered state.
type SurfaceState struct {
	Buffer *Buffer
	// Dx and Dy are the offset requested with the last attach or
	// wl_surface.offset.
	Dx, Dy int32
	// Damage is in surface coordinates, BufferDamage in buffer
	// coordinates.
	Damage       []image.Rectangle
	BufferDamage []image.Rectangle
	Transform    int32
	Scale        int32
	// Opaque is nil for an empty opaque region; Input is nil for an
	// infinite input region.
	Opaque *Region
	Input  *Region

	frames []*Callback
}

// Surface is a wl_surface.
type Surface struct {
	base
	hnd     Handle
	pending SurfaceState
	changed changed
	current SurfaceState
	mapped  bool

	// Data is reserved for the embedder.
	Data any
}

func newSurface(c *Client, id, version uint32) *Surface {
	return &Surface{
		base:    base{id: id, version: version, client: c},
		pending: SurfaceState{Scale: 1},
		current: SurfaceState{Scale: 1},
	}
}

func (s *Surface) Interface() string {
	return protocol.Surface.Name
}

func (s *Surface) Handle() Handle {
	return s.hnd
}

// Current returns the committed state. The slices are shared and must
// not be modified.
func (s *Surface) Current() SurfaceState {
	return s.current
}

// Buffer returns the committed buffer, nil when unmapped.
func (s *Surface) Buffer() *Buffer {
	return s.current.Buffer
}

func (s *Surface) Mapped() bool {
	return s.mapped
}

func (s *Surface) Status() SurfaceStatus {
	switch {
	case s.changed != 0:
		return Pending
	case s.current.Buffer == nil:
		return NoBuffer
	default:
		return Committed
	}
}

// Size is the surface size in surface coordinates.
func (s *Surface) Size() image.Point {
	buf := s.current.Buffer
	if buf == nil {
		return image.Point{}
	}
	w, h := int(buf.width), int(buf.height)
	if s.current.Transform%2 == 1 {
		w, h = h, w
	}
	scale := int(s.current.Scale)
	return image.Pt(w/scale, h/scale)
}

// TakeDamage returns the damage accumulated since the last call in
// surface coordinates and clears it.
func (s *Surface) TakeDamage() []image.Rectangle {
	damage := s.current.Damage
	scale := int(s.current.Scale)
	for _, r := range s.current.BufferDamage {
		damage = append(damage, image.Rect(r.Min.X/scale, r.Min.Y/scale, ceilDiv(r.Max.X, scale), ceilDiv(r.Max.Y, scale)))
	}
	s.current.Damage = nil
	s.current.BufferDamage = nil
	return damage
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// TakeFrames hands over the committed frame callbacks. The caller fires
// them once the frame showing this surface is on screen.
func (s *Surface) TakeFrames() []*Callback {
	frames := s.current.frames
	s.current.frames = nil
	return frames
}

// AcceptsInput reports whether p, in surface coordinates, is inside the
// surface and its input region.
func (s *Surface) AcceptsInput(p image.Point) bool {
	if !p.In(image.Rectangle{Max: s.Size()}) {
		return false
	}
	return s.current.Input == nil || s.current.Input.Contains(p)
}

func (s *Surface) handle(req protocol.Request) error {
	c := s.client
	switch req := req.(type) {
	case protocol.SurfaceDestroy:
		c.remove(s.id)

	case protocol.SurfaceAttach:
		var buf *Buffer
		if req.Buffer != 0 {
			b, ok := lookup[*Buffer](c, req.Buffer)
			if !ok {
				return wlkit.Protocolf(displayID, protocol.ErrInvalidObject, "invalid buffer %d", req.Buffer)
			}
			buf = b
		}
		if s.version >= 5 && (req.X != 0 || req.Y != 0) {
			return wlkit.Protocolf(s.id, protocol.SurfaceErrInvalidOffset, "attach offset must be zero, use wl_surface.offset")
		}
		s.pending.Buffer = buf
		s.pending.Dx, s.pending.Dy = req.X, req.Y
		s.changed |= changedBuffer | changedOffset

	case protocol.SurfaceDamage:
		if req.Width > 0 && req.Height > 0 {
			s.pending.Damage = append(s.pending.Damage, rect(req.X, req.Y, req.Width, req.Height))
			s.changed |= changedDamage
		}

	case protocol.SurfaceDamageBuffer:
		if req.Width > 0 && req.Height > 0 {
			s.pending.BufferDamage = append(s.pending.BufferDamage, rect(req.X, req.Y, req.Width, req.Height))
			s.changed |= changedDamage
		}

	case protocol.SurfaceFrame:
		if err := c.checkID(req.Callback); err != nil {
			return err
		}
		cb := &Callback{base: base{id: req.Callback, version: 1, client: c}}
		c.add(cb)
		s.pending.frames = append(s.pending.frames, cb)
		s.changed |= changedFrame

	case protocol.SurfaceSetOpaqueRegion:
		region, err := s.region(req.Region)
		if err != nil {
			return err
		}
		s.pending.Opaque = region
		s.changed |= changedOpaque

	case protocol.SurfaceSetInputRegion:
		region, err := s.region(req.Region)
		if err != nil {
			return err
		}
		s.pending.Input = region
		s.changed |= changedInput

	case protocol.SurfaceSetBufferTransform:
		if req.Transform < 0 || req.Transform > 7 {
			return wlkit.Protocolf(s.id, protocol.SurfaceErrInvalidTransform, "buffer transform %d is invalid", req.Transform)
		}
		s.pending.Transform = req.Transform
		s.changed |= changedTransform

	case protocol.SurfaceSetBufferScale:
		if req.Scale < 1 {
			return wlkit.Protocolf(s.id, protocol.SurfaceErrInvalidScale, "buffer scale %d is invalid", req.Scale)
		}
		s.pending.Scale = req.Scale
		s.changed |= changedScale

	case protocol.SurfaceOffset:
		s.pending.Dx, s.pending.Dy = req.X, req.Y
		s.changed |= changedOffset

	case protocol.SurfaceCommit:
		return s.commit()
	}
	return nil
}

// region snapshots a wl_region; id 0 yields nil.
func (s *Surface) region(id uint32) (*Region, error) {
	if id == 0 {
		return nil, nil
	}
	r, ok := lookup[*regionObject](s.client, id)
	if !ok {
		return nil, wlkit.Protocolf(displayID, protocol.ErrInvalidObject, "invalid region %d", id)
	}
	return r.region.clone(), nil
}

// commit applies pending state atomically. Transient state (attachment,
// damage, frame callbacks) is cleared from pending; persistent state
// (transform, scale, regions) is only copied when it was set.
func (s *Surface) commit() error {
	pending, cur := &s.pending, &s.current

	scale := cur.Scale
	if s.changed&changedScale != 0 {
		scale = pending.Scale
	}
	transform := cur.Transform
	if s.changed&changedTransform != 0 {
		transform = pending.Transform
	}

	buf := cur.Buffer
	if s.changed&changedBuffer != 0 {
		buf = pending.Buffer
		if buf != nil && buf.destroyed {
			buf = nil
		}
	}
	if buf != nil {
		w, h := buf.width, buf.height
		if transform%2 == 1 {
			w, h = h, w
		}
		if w%scale != 0 || h%scale != 0 {
			return wlkit.Protocolf(s.id, protocol.SurfaceErrInvalidSize,
				"buffer size %dx%d is not divisible by scale %d", w, h, scale)
		}
	}

	if s.changed&changedBuffer != 0 {
		old := cur.Buffer
		if buf != nil {
			buf.ref()
		}
		cur.Buffer = buf
		if old != nil {
			old.unref()
		}
	}
	if s.changed&changedOffset != 0 {
		cur.Dx, cur.Dy = pending.Dx, pending.Dy
	} else {
		cur.Dx, cur.Dy = 0, 0
	}
	cur.Damage = append(cur.Damage, pending.Damage...)
	cur.BufferDamage = append(cur.BufferDamage, pending.BufferDamage...)
	cur.Transform = transform
	cur.Scale = scale
	if s.changed&changedOpaque != 0 {
		cur.Opaque = pending.Opaque
	}
	if s.changed&changedInput != 0 {
		cur.Input = pending.Input
	}
	cur.frames = append(cur.frames, pending.frames...)

	*pending = SurfaceState{
		Transform: cur.Transform,
		Scale:     cur.Scale,
		Opaque:    cur.Opaque,
		Input:     cur.Input,
	}
	s.changed = 0

	wasMapped := s.mapped
	s.mapped = cur.Buffer != nil

	hooks := s.client.server.hooks
	if hooks.OnCommit != nil {
		hooks.OnCommit(s)
	}
	switch {
	case !wasMapped && s.mapped && hooks.OnMap != nil:
		hooks.OnMap(s)
	case wasMapped && !s.mapped && hooks.OnUnmap != nil:
		hooks.OnUnmap(s)
	}
	return nil
}

func (s *Surface) destroy() {
	s.pending = SurfaceState{}
	if buf := s.current.Buffer; buf != nil {
		s.current.Buffer = nil
		buf.unref()
	}
	s.current.frames = nil

	srv := s.client.server
	if s.mapped {
		s.mapped = false
		if srv.hooks.OnUnmap != nil {
			srv.hooks.OnUnmap(s)
		}
	}
	for _, o := range srv.outputs {
		o.forget(s)
	}
	srv.seat.forget(s)
	srv.removeSurface(s)
}
