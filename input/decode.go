package input

import (
	"slices"
	"time"

	evdev "github.com/gvalkov/golang-evdev"
)

// Scroll distance of one wheel detent, in surface units.
const wheelStep = 15

type axisRange struct {
	lo, hi int32
	ok     bool
}

func (r axisRange) norm(v int32) float64 {
	if !r.ok {
		return float64(v)
	}
	return float64(v-r.lo) / float64(r.hi-r.lo)
}

type touchPoint struct {
	active          bool
	down, up, moved bool
	x, y            int32
}

// decoder turns evdev frames into events. Key and button changes are
// emitted as they are read; motion and touch state are emitted when
// the frame ends.
type decoder struct {
	id   DeviceID
	caps Capabilities
	absX axisRange
	absY axisRange
	emit func(Event)

	dx, dy     float64
	absPending bool
	x, y       int32

	slot    int32
	touches map[int32]*touchPoint
	dropped bool
	last    time.Duration
}

func newDecoder(id DeviceID, caps Capabilities, emit func(Event)) *decoder {
	return &decoder{id: id, caps: caps, emit: emit, touches: make(map[int32]*touchPoint)}
}

func timestamp(ev *evdev.InputEvent) time.Duration {
	return time.Duration(ev.Time.Sec)*time.Second + time.Duration(ev.Time.Usec)*time.Microsecond
}

func (d *decoder) feed(ev *evdev.InputEvent) {
	t := timestamp(ev)
	d.last = t

	if d.dropped {
		// Resynchronize at the next report.
		if ev.Type == EV_SYN && ev.Code == SYN_REPORT {
			d.dropped = false
			d.reset()
		}
		return
	}

	switch ev.Type {
	case EV_SYN:
		switch ev.Code {
		case SYN_REPORT:
			d.flush(t)
		case SYN_DROPPED:
			d.dropped = true
			d.reset()
		}
	case EV_KEY:
		d.key(t, ev.Code, ev.Value)
	case EV_REL:
		d.rel(t, ev.Code, ev.Value)
	case EV_ABS:
		d.abs(ev.Code, ev.Value)
	}
}

func (d *decoder) key(t time.Duration, code uint16, value int32) {
	if value == 2 {
		// autorepeat is the compositor's business
		return
	}
	e := Event{Device: d.id, Time: t, Code: code, Pressed: value != 0}
	switch {
	case code >= BTN_TOOL_PEN && code <= BTN_TOOL_PEN+0xf:
		// tool and touch bits carry no button semantics
		return
	case code >= BTN_MISC && code <= BTN_GEAR_UP:
		e.Type = PointerButton
	default:
		e.Type = KeyboardKey
	}
	d.emit(e)
}

func (d *decoder) rel(t time.Duration, code uint16, value int32) {
	switch code {
	case REL_X:
		d.dx += float64(value)
	case REL_Y:
		d.dy += float64(value)
	case REL_WHEEL:
		d.emit(Event{Type: PointerAxis, Device: d.id, Time: t, Axis: AxisVertical, Value: float64(-value * wheelStep)})
	case REL_HWHEEL:
		d.emit(Event{Type: PointerAxis, Device: d.id, Time: t, Axis: AxisHorizontal, Value: float64(value * wheelStep)})
	}
}

func (d *decoder) touch(slot int32) *touchPoint {
	p, ok := d.touches[slot]
	if !ok {
		p = &touchPoint{}
		d.touches[slot] = p
	}
	return p
}

func (d *decoder) abs(code uint16, value int32) {
	if !d.caps.Has(CapTouch) {
		switch code {
		case ABS_X:
			d.x, d.absPending = value, true
		case ABS_Y:
			d.y, d.absPending = value, true
		}
		return
	}

	switch code {
	case ABS_MT_SLOT:
		d.slot = value
	case ABS_MT_TRACKING_ID:
		p := d.touch(d.slot)
		if value < 0 {
			p.up = p.active || p.down
		} else {
			p.down = true
		}
	case ABS_MT_POSITION_X:
		p := d.touch(d.slot)
		p.x, p.moved = value, true
	case ABS_MT_POSITION_Y:
		p := d.touch(d.slot)
		p.y, p.moved = value, true
	}
}

func (d *decoder) flush(t time.Duration) {
	if d.dx != 0 || d.dy != 0 {
		d.emit(Event{Type: PointerMotion, Device: d.id, Time: t, Dx: d.dx, Dy: d.dy})
		d.dx, d.dy = 0, 0
	}
	if d.absPending {
		d.emit(Event{Type: PointerMotionAbsolute, Device: d.id, Time: t, X: d.absX.norm(d.x), Y: d.absY.norm(d.y)})
		d.absPending = false
	}

	slots := make([]int32, 0, len(d.touches))
	for s := range d.touches {
		slots = append(slots, s)
	}
	slices.Sort(slots)

	touched := false
	for _, s := range slots {
		p := d.touches[s]
		base := Event{Device: d.id, Time: t, Slot: s, X: d.absX.norm(p.x), Y: d.absY.norm(p.y)}
		switch {
		case p.down:
			base.Type = TouchDown
			d.emit(base)
			p.active = true
			touched = true
		case p.moved && p.active && !p.up:
			base.Type = TouchMotion
			d.emit(base)
			touched = true
		}
		if p.up {
			d.emit(Event{Type: TouchUp, Device: d.id, Time: t, Slot: s})
			delete(d.touches, s)
			touched = true
			continue
		}
		p.down, p.moved = false, false
	}
	if touched {
		d.emit(Event{Type: TouchFrame, Device: d.id, Time: t})
	}
}

// reset drops partial frame state. Active touches are kept.
func (d *decoder) reset() {
	d.dx, d.dy = 0, 0
	d.absPending = false
	for s, p := range d.touches {
		if !p.active {
			delete(d.touches, s)
			continue
		}
		p.down, p.up, p.moved = false, false, false
	}
}

// cancel ends every active touch, used when the device goes away.
func (d *decoder) cancel(t time.Duration) {
	if len(d.touches) == 0 {
		return
	}
	slots := make([]int32, 0, len(d.touches))
	for s, p := range d.touches {
		if p.active {
			slots = append(slots, s)
		}
	}
	slices.Sort(slots)
	for _, s := range slots {
		d.emit(Event{Type: TouchUp, Device: d.id, Time: t, Slot: s})
	}
	clear(d.touches)
	if len(slots) > 0 {
		d.emit(Event{Type: TouchFrame, Device: d.id, Time: t})
	}
}
