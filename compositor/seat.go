package compositor

import (
	"image"
	"slices"

	"github.com/bnema/wlkit/display"
	"github.com/bnema/wlkit/input"
	"github.com/bnema/wlkit/protocol"
	"github.com/bnema/wlkit/resource"
)

func (rt *Runtime) routeInput() {
	if rt.input == nil {
		return
	}
	for ev := range rt.input.Events() {
		if rt.OnInput != nil && rt.OnInput(ev) {
			continue
		}
		rt.deliver(ev)
	}
}

func (rt *Runtime) deliver(ev input.Event) {
	seat := rt.srv.Seat()
	ms := uint32(ev.Time.Milliseconds())

	switch ev.Type {
	case input.DeviceAdded, input.DeviceRemoved:
		rt.updateCapabilities()
	case input.KeyboardKey:
		seat.Key(ms, uint32(ev.Code), ev.Pressed)
	case input.PointerMotion:
		rt.moveCursor(ms, rt.cursorX+ev.Dx, rt.cursorY+ev.Dy)
	case input.PointerMotionAbsolute:
		size := rt.area()
		rt.moveCursor(ms, ev.X*float64(size.X), ev.Y*float64(size.Y))
	case input.PointerButton:
		seat.PointerButton(ms, uint32(ev.Code), ev.Pressed)
	case input.PointerAxis:
		axis := uint32(protocol.AxisVertical)
		if ev.Axis == input.AxisHorizontal {
			axis = protocol.AxisHorizontal
		}
		seat.PointerAxis(ms, axis, ev.Value)
	case input.TouchDown:
		p := rt.touchPoint(ev)
		s, origin := rt.surfaceAt(p)
		if s == nil {
			return
		}
		rt.touches[ev.Slot] = origin
		seat.TouchDown(ms, s.Handle(), ev.Slot, p.X-float64(origin.X), p.Y-float64(origin.Y))
	case input.TouchMotion:
		origin, ok := rt.touches[ev.Slot]
		if !ok {
			return
		}
		p := rt.touchPoint(ev)
		seat.TouchMotion(ms, ev.Slot, p.X-float64(origin.X), p.Y-float64(origin.Y))
	case input.TouchUp:
		if _, ok := rt.touches[ev.Slot]; !ok {
			return
		}
		delete(rt.touches, ev.Slot)
		seat.TouchUp(ms, ev.Slot)
	case input.TouchFrame:
		seat.TouchFrame()
	}
}

type point struct{ X, Y float64 }

func (rt *Runtime) touchPoint(ev input.Event) point {
	size := rt.area()
	return point{ev.X * float64(size.X), ev.Y * float64(size.Y)}
}

// primary is the output the pointer and touch devices map to: the
// first enabled one in connector order.
func (rt *Runtime) primary() *display.Output {
	if rt.disp == nil {
		return nil
	}
	for _, o := range rt.disp.Enabled() {
		if _, ok := rt.outputs[o]; ok {
			return o
		}
	}
	return nil
}

func (rt *Runtime) area() image.Point {
	if o := rt.primary(); o != nil {
		return o.Size()
	}
	return image.Point{}
}

// Cursor returns the pointer position on the primary output.
func (rt *Runtime) Cursor() (x, y float64) {
	return rt.cursorX, rt.cursorY
}

// WarpCursor moves the pointer without generating motion for clients
// other than a focus change.
func (rt *Runtime) WarpCursor(x, y float64) {
	rt.moveCursor(monotonicMillis(), x, y)
}

func (rt *Runtime) moveCursor(ms uint32, x, y float64) {
	if size := rt.area(); size != (image.Point{}) {
		x = min(max(x, 0), float64(size.X-1))
		y = min(max(y, 0), float64(size.Y-1))
	}
	rt.cursorX, rt.cursorY = x, y

	seat := rt.srv.Seat()
	s, origin := rt.surfaceAt(point{x, y})
	if s == nil {
		seat.SetPointerFocus(resource.Handle{}, 0, 0)
		return
	}
	lx, ly := x-float64(origin.X), y-float64(origin.Y)
	if seat.PointerFocus() != s.Handle() {
		seat.SetPointerFocus(s.Handle(), lx, ly)
		return
	}
	seat.PointerMotion(ms, lx, ly)
}

// SurfaceAt returns the topmost surface accepting input at x, y on the
// primary output, and its position.
func (rt *Runtime) SurfaceAt(x, y float64) (*resource.Surface, image.Point) {
	return rt.surfaceAt(point{x, y})
}

func (rt *Runtime) surfaceAt(p point) (*resource.Surface, image.Point) {
	o := rt.primary()
	if o == nil {
		return nil, image.Point{}
	}
	surfaces := slices.Collect(rt.srv.Surfaces())
	for _, s := range slices.Backward(surfaces) {
		pos, ok := rt.place(o, s)
		if !ok {
			continue
		}
		local := image.Pt(int(p.X)-pos.X, int(p.Y)-pos.Y)
		if s.AcceptsInput(local) {
			return s, pos
		}
	}
	return nil, image.Point{}
}

// SetKeyboardFocus sends keys to h from now on. The zero handle clears
// the focus.
func (rt *Runtime) SetKeyboardFocus(h resource.Handle) {
	rt.srv.Seat().SetKeyboardFocus(h)
}

// Raise moves a surface to the top of the stack and repaints.
func (rt *Runtime) Raise(h resource.Handle) {
	rt.srv.Raise(h)
	rt.damageAll()
}

func (rt *Runtime) updateCapabilities() {
	var caps uint32
	for _, d := range rt.input.Devices() {
		if d.Caps.Has(input.CapKeyboard) {
			caps |= protocol.SeatKeyboard
		}
		if d.Caps.Has(input.CapPointer) {
			caps |= protocol.SeatPointer
		}
		if d.Caps.Has(input.CapTouch) {
			caps |= protocol.SeatTouch
		}
	}
	rt.srv.Seat().SetCapabilities(caps)
}
