package resource

import (
	"os"
	"slices"

	"github.com/bnema/wlkit/protocol"
	"github.com/bnema/wlkit/wire"
)

// Keymap is handed to every wl_keyboard. File must stay open for the
// lifetime of the seat.
type Keymap struct {
	Format uint32
	File   *os.File
	Size   uint32
}

// Seat is the wl_seat global. Focus is held as weak surface handles; a
// destroyed surface simply stops receiving events.
type Seat struct {
	server *Server
	global *Global
	name   string
	caps   uint32
	keymap *Keymap

	repeatRate, repeatDelay int32

	seats     []*seatResource
	pointers  []*inputResource
	keyboards []*inputResource
	touches   []*inputResource

	keyboardFocus Handle
	pointerFocus  Handle
	touchFocus    map[int32]Handle
	pressed       []uint32
}

func newSeat(s *Server, name string) *Seat {
	return &Seat{
		server:      s,
		name:        name,
		repeatRate:  25,
		repeatDelay: 600,
		touchFocus:  make(map[int32]Handle),
	}
}

func (seat *Seat) Name() string {
	return seat.name
}

func (seat *Seat) Capabilities() uint32 {
	return seat.caps
}

// SetCapabilities updates the advertised pointer, keyboard and touch
// capabilities.
func (seat *Seat) SetCapabilities(caps uint32) {
	if caps == seat.caps {
		return
	}
	seat.caps = caps
	for _, r := range seat.seats {
		r.client.send(protocol.SeatCapabilities(r.id, caps))
	}
}

// SetKeymap sets the keymap sent to keyboards bound from now on.
func (seat *Seat) SetKeymap(km *Keymap) {
	seat.keymap = km
}

func (seat *Seat) SetRepeatInfo(rate, delay int32) {
	seat.repeatRate, seat.repeatDelay = rate, delay
}

func (seat *Seat) KeyboardFocus() Handle {
	return seat.keyboardFocus
}

func (seat *Seat) PointerFocus() Handle {
	return seat.pointerFocus
}

func (seat *Seat) surface(h Handle) *Surface {
	surf, ok := seat.server.surfaces.Get(h)
	if !ok {
		return nil
	}
	return surf
}

func each(list []*inputResource, c *Client, fn func(r *inputResource)) {
	for _, r := range list {
		if r.client == c {
			fn(r)
		}
	}
}

// SetKeyboardFocus moves keyboard focus to the surface h refers to. A
// zero or stale handle clears focus.
func (seat *Seat) SetKeyboardFocus(h Handle) {
	if h == seat.keyboardFocus {
		return
	}
	if old := seat.surface(seat.keyboardFocus); old != nil {
		serial := seat.server.NextSerial()
		each(seat.keyboards, old.client, func(r *inputResource) {
			r.client.send(protocol.KeyboardLeave(r.id, serial, old.id))
		})
	}

	seat.keyboardFocus = Handle{}
	surf := seat.surface(h)
	if surf == nil {
		return
	}
	seat.keyboardFocus = h
	serial := seat.server.NextSerial()
	each(seat.keyboards, surf.client, func(r *inputResource) {
		r.client.send(protocol.KeyboardEnter(r.id, serial, surf.id, seat.pressed))
	})
}

// SetPointerFocus moves pointer focus to h at surface local x, y.
func (seat *Seat) SetPointerFocus(h Handle, x, y float64) {
	if h == seat.pointerFocus {
		return
	}
	if old := seat.surface(seat.pointerFocus); old != nil {
		serial := seat.server.NextSerial()
		each(seat.pointers, old.client, func(r *inputResource) {
			r.client.send(protocol.PointerLeave(r.id, serial, old.id))
			r.frame()
		})
	}

	seat.pointerFocus = Handle{}
	surf := seat.surface(h)
	if surf == nil {
		return
	}
	seat.pointerFocus = h
	serial := seat.server.NextSerial()
	each(seat.pointers, surf.client, func(r *inputResource) {
		r.client.send(protocol.PointerEnter(r.id, serial, surf.id, wire.FixedFloat(x), wire.FixedFloat(y)))
		r.frame()
	})
}

// Key delivers a key event to the keyboard focus. Pressed keys are
// tracked regardless of focus so that a later enter carries them.
func (seat *Seat) Key(time, key uint32, pressed bool) {
	state := protocol.Released
	if pressed {
		state = protocol.Pressed
		if !slices.Contains(seat.pressed, key) {
			seat.pressed = append(seat.pressed, key)
		}
	} else {
		seat.pressed = slices.DeleteFunc(seat.pressed, func(k uint32) bool { return k == key })
	}

	surf := seat.surface(seat.keyboardFocus)
	if surf == nil {
		return
	}
	serial := seat.server.NextSerial()
	each(seat.keyboards, surf.client, func(r *inputResource) {
		r.client.send(protocol.KeyboardKey(r.id, serial, time, key, state))
	})
}

func (seat *Seat) Modifiers(depressed, latched, locked, group uint32) {
	surf := seat.surface(seat.keyboardFocus)
	if surf == nil {
		return
	}
	serial := seat.server.NextSerial()
	each(seat.keyboards, surf.client, func(r *inputResource) {
		r.client.send(protocol.KeyboardModifiers(r.id, serial, depressed, latched, locked, group))
	})
}

// PointerMotion reports a position in the focused surface's
// coordinates.
func (seat *Seat) PointerMotion(time uint32, x, y float64) {
	surf := seat.surface(seat.pointerFocus)
	if surf == nil {
		return
	}
	each(seat.pointers, surf.client, func(r *inputResource) {
		r.client.send(protocol.PointerMotion(r.id, time, wire.FixedFloat(x), wire.FixedFloat(y)))
		r.frame()
	})
}

func (seat *Seat) PointerButton(time, button uint32, pressed bool) {
	surf := seat.surface(seat.pointerFocus)
	if surf == nil {
		return
	}
	state := protocol.Released
	if pressed {
		state = protocol.Pressed
	}
	serial := seat.server.NextSerial()
	each(seat.pointers, surf.client, func(r *inputResource) {
		r.client.send(protocol.PointerButton(r.id, serial, time, button, state))
		r.frame()
	})
}

func (seat *Seat) PointerAxis(time, axis uint32, value float64) {
	surf := seat.surface(seat.pointerFocus)
	if surf == nil {
		return
	}
	each(seat.pointers, surf.client, func(r *inputResource) {
		r.client.send(protocol.PointerAxis(r.id, time, axis, wire.FixedFloat(value)))
		r.frame()
	})
}

// TouchDown starts touch point id on the surface h refers to.
func (seat *Seat) TouchDown(time uint32, h Handle, id int32, x, y float64) {
	surf := seat.surface(h)
	if surf == nil {
		return
	}
	seat.touchFocus[id] = h
	serial := seat.server.NextSerial()
	each(seat.touches, surf.client, func(r *inputResource) {
		r.client.send(protocol.TouchDown(r.id, serial, time, surf.id, id, wire.FixedFloat(x), wire.FixedFloat(y)))
	})
}

func (seat *Seat) TouchMotion(time uint32, id int32, x, y float64) {
	surf := seat.surface(seat.touchFocus[id])
	if surf == nil {
		return
	}
	each(seat.touches, surf.client, func(r *inputResource) {
		r.client.send(protocol.TouchMotion(r.id, time, id, wire.FixedFloat(x), wire.FixedFloat(y)))
	})
}

func (seat *Seat) TouchUp(time uint32, id int32) {
	h, ok := seat.touchFocus[id]
	if !ok {
		return
	}
	delete(seat.touchFocus, id)
	surf := seat.surface(h)
	if surf == nil {
		return
	}
	serial := seat.server.NextSerial()
	each(seat.touches, surf.client, func(r *inputResource) {
		r.client.send(protocol.TouchUp(r.id, serial, time, id))
	})
}

// TouchFrame ends a group of touch events for every client with an
// active touch point.
func (seat *Seat) TouchFrame() {
	var clients []*Client
	for _, h := range seat.touchFocus {
		if surf := seat.surface(h); surf != nil && !slices.Contains(clients, surf.client) {
			clients = append(clients, surf.client)
		}
	}
	for _, c := range clients {
		each(seat.touches, c, func(r *inputResource) {
			r.client.send(protocol.TouchFrame(r.id))
		})
	}
}

// forget drops state referring to a destroyed surface.
func (seat *Seat) forget(surf *Surface) {
	if seat.keyboardFocus == surf.hnd {
		seat.keyboardFocus = Handle{}
	}
	if seat.pointerFocus == surf.hnd {
		seat.pointerFocus = Handle{}
	}
	for id, h := range seat.touchFocus {
		if h == surf.hnd {
			delete(seat.touchFocus, id)
		}
	}
}

func (seat *Seat) bind(c *Client, id, version uint32) (object, error) {
	r := &seatResource{base: base{id: id, version: version, client: c}, seat: seat}
	seat.seats = append(seat.seats, r)
	c.send(protocol.SeatCapabilities(id, seat.caps))
	if version >= 2 {
		c.send(protocol.SeatName(id, seat.name))
	}
	return r, nil
}

type seatResource struct {
	base
	seat *Seat
}

func (r *seatResource) Interface() string {
	return protocol.Seat.Name
}

func (r *seatResource) handle(req protocol.Request) error {
	c := r.client
	seat := r.seat

	var id uint32
	var iface string
	var list *[]*inputResource
	switch req := req.(type) {
	case protocol.SeatGetPointer:
		id, iface, list = req.ID, protocol.Pointer.Name, &seat.pointers
	case protocol.SeatGetKeyboard:
		id, iface, list = req.ID, protocol.Keyboard.Name, &seat.keyboards
	case protocol.SeatGetTouch:
		id, iface, list = req.ID, protocol.Touch.Name, &seat.touches
	case protocol.SeatRelease:
		c.remove(r.id)
		return nil
	default:
		return nil
	}

	if err := c.checkID(id); err != nil {
		return err
	}
	in := &inputResource{base: base{id: id, version: r.version, client: c}, iface: iface, list: list}
	c.add(in)
	*list = append(*list, in)

	if iface == protocol.Keyboard.Name {
		seat.sendKeymap(in)
	}
	return nil
}

func (seat *Seat) sendKeymap(r *inputResource) {
	c := r.client
	if seat.keymap != nil {
		c.send(protocol.KeyboardKeymap(r.id, seat.keymap.Format, int(seat.keymap.File.Fd()), seat.keymap.Size))
	} else {
		null, err := os.Open(os.DevNull)
		if err != nil {
			seat.server.log.Warn("no keymap fd", "err", err)
			return
		}
		c.send(protocol.KeyboardKeymap(r.id, protocol.KeymapNoKeymap, int(null.Fd()), 0))
		null.Close()
	}
	if r.version >= 4 {
		c.send(protocol.KeyboardRepeatInfo(r.id, seat.repeatRate, seat.repeatDelay))
	}
}

func (r *seatResource) destroy() {
	r.seat.seats = slices.DeleteFunc(r.seat.seats, func(other *seatResource) bool { return other == r })
}

// inputResource is a wl_pointer, wl_keyboard or wl_touch.
type inputResource struct {
	base
	iface string
	list  *[]*inputResource
}

func (r *inputResource) Interface() string {
	return r.iface
}

func (r *inputResource) frame() {
	if r.version >= 5 && r.iface == protocol.Pointer.Name {
		r.client.send(protocol.PointerFrame(r.id))
	}
}

func (r *inputResource) handle(req protocol.Request) error {
	switch req.(type) {
	case protocol.PointerRelease, protocol.KeyboardRelease, protocol.TouchRelease:
		r.client.remove(r.id)
	}
	// wl_pointer.set_cursor is accepted; cursor policy belongs to the
	// embedder.
	return nil
}

func (r *inputResource) destroy() {
	*r.list = slices.DeleteFunc(*r.list, func(other *inputResource) bool { return other == r })
}
