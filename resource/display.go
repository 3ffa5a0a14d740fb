package resource

import (
	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/protocol"
)

type display struct {
	base
}

func (d *display) Interface() string {
	return protocol.Display.Name
}

func (d *display) handle(req protocol.Request) error {
	c := d.client
	switch req := req.(type) {
	case protocol.DisplaySync:
		if err := c.checkID(req.Callback); err != nil {
			return err
		}
		c.send(protocol.CallbackDone(req.Callback, c.server.NextSerial()))
		c.send(protocol.DisplayDeleteID(displayID, req.Callback))

	case protocol.DisplayGetRegistry:
		if err := c.checkID(req.Registry); err != nil {
			return err
		}
		r := &registry{base: base{id: req.Registry, version: 1, client: c}}
		c.add(r)
		c.registries = append(c.registries, r)
		for _, g := range c.server.globals {
			if !g.removed {
				r.announce(g)
			}
		}
	}
	return nil
}

func (d *display) destroy() {}

type registry struct {
	base
}

func (r *registry) Interface() string {
	return protocol.Registry.Name
}

func (r *registry) announce(g *Global) {
	r.client.send(protocol.RegistryGlobal(r.id, g.name, g.iface.Name, g.iface.Version))
}

func (r *registry) handle(req protocol.Request) error {
	bind, ok := req.(protocol.RegistryBind)
	if !ok {
		return nil
	}

	c := r.client
	if err := c.checkID(bind.ID); err != nil {
		return err
	}

	g := c.server.global(bind.Name)
	if g == nil {
		return wlkit.Protocolf(r.id, protocol.ErrInvalidObject, "invalid global %d", bind.Name)
	}
	if g.iface.Name != bind.Interface {
		return wlkit.Protocolf(r.id, protocol.ErrInvalidObject,
			"invalid interface for global %d: have %v, wanted %v", bind.Name, bind.Interface, g.iface.Name)
	}
	if bind.Version == 0 || bind.Version > g.iface.Version {
		return wlkit.Protocolf(r.id, protocol.ErrInvalidObject,
			"invalid version for global %v (%d): have %d, wanted %d", g.iface.Name, bind.Name, bind.Version, g.iface.Version)
	}

	if g.removed {
		c.add(&inert{base: base{id: bind.ID, version: bind.Version, client: c}, iface: g.iface.Name})
		return nil
	}

	obj, err := g.bind(c, bind.ID, bind.Version)
	if err != nil {
		return err
	}
	c.add(obj)
	return nil
}

func (r *registry) destroy() {}

// Callback is a wl_callback, fired once and then destroyed.
type Callback struct {
	base
	fired bool
}

func (cb *Callback) Interface() string {
	return protocol.Callback.Name
}

func (cb *Callback) handle(protocol.Request) error {
	return nil
}

func (cb *Callback) destroy() {
	cb.fired = true
}

// Done fires the callback with data, usually a timestamp in
// milliseconds. Further calls do nothing.
func (cb *Callback) Done(data uint32) {
	if cb.fired || cb.client.closed {
		return
	}
	cb.fired = true
	cb.client.send(protocol.CallbackDone(cb.id, data))
	cb.client.remove(cb.id)
}

// inert stands in for an object whose global went away. Destructor
// requests are honoured; everything else is ignored.
type inert struct {
	base
	iface string
}

func (o *inert) Interface() string {
	return o.iface
}

func (o *inert) handle(req protocol.Request) error {
	switch req.(type) {
	case protocol.OutputRelease, protocol.SeatRelease, protocol.PointerRelease,
		protocol.KeyboardRelease, protocol.TouchRelease:
		o.client.remove(o.id)
	}
	return nil
}

func (o *inert) destroy() {}
