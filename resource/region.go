package resource

import (
	"image"

	"github.com/bnema/wlkit/protocol"
)

type regionOp struct {
	rect image.Rectangle
	sub  bool
}

// Region is a set of rectangles built by adding and subtracting, in
// surface coordinates.
type Region struct {
	ops []regionOp
}

func (r *Region) Add(rect image.Rectangle) {
	if rect.Empty() {
		return
	}
	r.ops = append(r.ops, regionOp{rect: rect})
}

func (r *Region) Subtract(rect image.Rectangle) {
	if rect.Empty() || len(r.ops) == 0 {
		return
	}
	r.ops = append(r.ops, regionOp{rect: rect, sub: true})
}

// Contains reports whether p lies in the region. The last operation
// covering p decides.
func (r *Region) Contains(p image.Point) bool {
	if r == nil {
		return false
	}
	for i := len(r.ops) - 1; i >= 0; i-- {
		if p.In(r.ops[i].rect) {
			return !r.ops[i].sub
		}
	}
	return false
}

// Bounds is the union of all added rectangles.
func (r *Region) Bounds() image.Rectangle {
	var b image.Rectangle
	if r == nil {
		return b
	}
	for _, op := range r.ops {
		if !op.sub {
			b = b.Union(op.rect)
		}
	}
	return b
}

func (r *Region) Empty() bool {
	return r == nil || r.Bounds().Empty()
}

func (r *Region) clone() *Region {
	return &Region{ops: append([]regionOp(nil), r.ops...)}
}

func rect(x, y, w, h int32) image.Rectangle {
	return image.Rect(int(x), int(y), int(x)+int(w), int(y)+int(h))
}

type regionObject struct {
	base
	region Region
}

func (r *regionObject) Interface() string {
	return protocol.Region.Name
}

func (r *regionObject) handle(req protocol.Request) error {
	switch req := req.(type) {
	case protocol.RegionDestroy:
		r.client.remove(r.id)
	case protocol.RegionAdd:
		r.region.Add(rect(req.X, req.Y, req.Width, req.Height))
	case protocol.RegionSubtract:
		r.region.Subtract(rect(req.X, req.Y, req.Width, req.Height))
	}
	return nil
}

func (r *regionObject) destroy() {}

type compositor struct {
	base
}

func bindCompositor(c *Client, id, version uint32) (object, error) {
	return &compositor{base: base{id: id, version: version, client: c}}, nil
}

func (comp *compositor) Interface() string {
	return protocol.Compositor.Name
}

func (comp *compositor) handle(req protocol.Request) error {
	c := comp.client
	switch req := req.(type) {
	case protocol.CompositorCreateSurface:
		if err := c.checkID(req.ID); err != nil {
			return err
		}
		surf := newSurface(c, req.ID, comp.version)
		c.add(surf)
		c.server.addSurface(surf)

	case protocol.CompositorCreateRegion:
		if err := c.checkID(req.ID); err != nil {
			return err
		}
		c.add(&regionObject{base: base{id: req.ID, version: 1, client: c}})
	}
	return nil
}

func (comp *compositor) destroy() {}
