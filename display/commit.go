package display

import (
	"errors"
	"fmt"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/drm"
)

// committer is the capability set used to program the card, picked
// once from the configured commit mode.
type committer interface {
	usesPlanes() bool
	// modeset programs every output in outputs. Per output failures
	// are returned in the map; the error is for failures that concern
	// the whole card.
	modeset(outputs []*Output) (map[*Output]error, error)
	flip(o *Output, fb *drm.Framebuffer, seq uint64) error
	disable(o *Output) error
}

type plane struct {
	id            uint32
	typ           uint64
	possibleCrtcs uint32
	props         drm.Properties
}

func (b *Backend) planes() ([]*plane, error) {
	ids, err := b.dev.GetPlaneResources()
	if err != nil {
		return nil, b.deviceError("get plane resources", err)
	}
	planes := make([]*plane, 0, len(ids))
	for _, id := range ids {
		p, err := b.dev.GetPlane(id)
		if err != nil {
			return nil, b.deviceError("get plane", err)
		}
		props, err := b.dev.Properties(id, drm.ObjectPlane)
		if err != nil {
			return nil, b.deviceError("get plane properties", err)
		}
		planes = append(planes, &plane{
			id:            id,
			typ:           props["type"].Value,
			possibleCrtcs: p.PossibleCrtcs,
			props:         props,
		})
	}
	return planes, nil
}

func (b *Backend) primaryPlane(crtcIndex int, planes []*plane, self *Output) *plane {
	for _, p := range planes {
		if p.typ != drm.PlaneTypePrimary || p.possibleCrtcs&(1<<crtcIndex) == 0 {
			continue
		}
		taken := false
		for _, o := range b.outputs {
			if o != self && o.state != Disabled && o.primary != nil && o.primary.id == p.id {
				taken = true
				break
			}
		}
		if !taken {
			return p
		}
	}
	return nil
}

// legacyCommitter uses SetCrtc and PageFlip. Outputs are programmed one
// by one, so a failure leaves the others as they are.
type legacyCommitter struct {
	b *Backend
}

func (c *legacyCommitter) usesPlanes() bool {
	return false
}

func (c *legacyCommitter) modeset(outputs []*Output) (map[*Output]error, error) {
	failed := make(map[*Output]error)
	for _, o := range outputs {
		mode := o.mode
		err := c.b.dev.SetCrtc(o.crtc, o.swap[0].ID, []uint32{o.connector}, &mode)
		if errors.Is(err, wlkit.ErrSessionRevoked) {
			return nil, err
		}
		if err != nil {
			failed[o] = err
		}
	}
	return failed, nil
}

func (c *legacyCommitter) flip(o *Output, fb *drm.Framebuffer, seq uint64) error {
	return c.b.dev.PageFlip(o.crtc, fb.ID, drm.PageFlipEvent, seq)
}

func (c *legacyCommitter) disable(o *Output) error {
	return c.b.dev.SetCrtc(o.crtc, 0, nil, nil)
}

// atomicCommitter programs all outputs in one transaction. When the
// card rejects the whole set, outputs are kept greedily and only those
// that do not fit are left out.
type atomicCommitter struct {
	b *Backend
}

func (c *atomicCommitter) usesPlanes() bool {
	return true
}

type atomicProps struct {
	conn, crtc drm.Properties
}

func (c *atomicCommitter) props(o *Output) (atomicProps, error) {
	conn, err := c.b.dev.Properties(o.connector, drm.ObjectConnector)
	if err != nil {
		return atomicProps{}, err
	}
	crtc, err := c.b.dev.Properties(o.crtc, drm.ObjectCrtc)
	if err != nil {
		return atomicProps{}, err
	}
	return atomicProps{conn: conn, crtc: crtc}, nil
}

func (c *atomicCommitter) request(o *Output, blob uint32) (*drm.AtomicRequest, error) {
	props, err := c.props(o)
	if err != nil {
		return nil, err
	}
	if o.primary == nil {
		return nil, fmt.Errorf("no primary plane")
	}

	w, h := uint64(o.mode.HDisplay), uint64(o.mode.VDisplay)
	req := drm.NewAtomicRequest()
	req.Add(o.connector, props.conn.ID("CRTC_ID"), uint64(o.crtc))
	req.Add(o.crtc, props.crtc.ID("MODE_ID"), uint64(blob))
	req.Add(o.crtc, props.crtc.ID("ACTIVE"), 1)
	c.plane(req, o, o.swap[0])
	req.Add(o.primary.id, o.primary.props.ID("CRTC_ID"), uint64(o.crtc))
	req.Add(o.primary.id, o.primary.props.ID("SRC_X"), 0)
	req.Add(o.primary.id, o.primary.props.ID("SRC_Y"), 0)
	req.Add(o.primary.id, o.primary.props.ID("SRC_W"), w<<16)
	req.Add(o.primary.id, o.primary.props.ID("SRC_H"), h<<16)
	req.Add(o.primary.id, o.primary.props.ID("CRTC_X"), 0)
	req.Add(o.primary.id, o.primary.props.ID("CRTC_Y"), 0)
	req.Add(o.primary.id, o.primary.props.ID("CRTC_W"), w)
	req.Add(o.primary.id, o.primary.props.ID("CRTC_H"), h)
	return req, nil
}

func (c *atomicCommitter) plane(req *drm.AtomicRequest, o *Output, fb *drm.Framebuffer) {
	req.Add(o.primary.id, o.primary.props.ID("FB_ID"), uint64(fb.ID))
}

func (c *atomicCommitter) modeset(outputs []*Output) (map[*Output]error, error) {
	dev := c.b.dev
	failed := make(map[*Output]error)
	reqs := make(map[*Output]*drm.AtomicRequest, len(outputs))
	blobs := make(map[*Output]uint32, len(outputs))

	for _, o := range outputs {
		mode := o.mode
		blob, err := dev.CreatePropertyBlob(mode.Bytes())
		if errors.Is(err, wlkit.ErrSessionRevoked) {
			return nil, err
		}
		if err != nil {
			failed[o] = fmt.Errorf("create mode blob: %w", err)
			continue
		}
		req, err := c.request(o, blob)
		if err != nil {
			dev.DestroyPropertyBlob(blob)
			failed[o] = err
			continue
		}
		blobs[o] = blob
		reqs[o] = req
	}

	combine := func() *drm.AtomicRequest {
		all := drm.NewAtomicRequest()
		for _, o := range outputs {
			if req, ok := reqs[o]; ok {
				all.Merge(req)
			}
		}
		return all
	}

	flags := drm.AtomicAllowModeset
	all := combine()
	if all.Len() > 0 {
		if err := dev.Atomic(all, flags|drm.AtomicTestOnly, 0); err != nil {
			if errors.Is(err, wlkit.ErrSessionRevoked) {
				return nil, err
			}
			// Add outputs one at a time, keeping each one the card
			// accepts together with those already kept.
			all = drm.NewAtomicRequest()
			for _, o := range outputs {
				req, ok := reqs[o]
				if !ok {
					continue
				}
				try := drm.NewAtomicRequest()
				try.Merge(all)
				try.Merge(req)
				if err := dev.Atomic(try, flags|drm.AtomicTestOnly, 0); err != nil {
					if errors.Is(err, wlkit.ErrSessionRevoked) {
						return nil, err
					}
					failed[o] = err
					delete(reqs, o)
					continue
				}
				all = try
			}
		}
	}

	if all.Len() > 0 {
		if err := dev.Atomic(all, flags, 0); err != nil {
			if errors.Is(err, wlkit.ErrSessionRevoked) {
				return nil, err
			}
			for o := range reqs {
				failed[o] = err
			}
		}
	}

	for _, o := range outputs {
		blob, ok := blobs[o]
		if !ok {
			continue
		}
		if _, bad := failed[o]; bad {
			dev.DestroyPropertyBlob(blob)
			continue
		}
		if o.blob != 0 {
			dev.DestroyPropertyBlob(o.blob)
		}
		o.blob = blob
	}
	return failed, nil
}

func (c *atomicCommitter) flip(o *Output, fb *drm.Framebuffer, seq uint64) error {
	req := drm.NewAtomicRequest()
	c.plane(req, o, fb)
	return c.b.dev.Atomic(req, drm.AtomicNonblock|drm.PageFlipEvent, seq)
}

func (c *atomicCommitter) disable(o *Output) error {
	props, err := c.props(o)
	if err != nil {
		return err
	}
	req := drm.NewAtomicRequest()
	req.Add(o.connector, props.conn.ID("CRTC_ID"), 0)
	req.Add(o.crtc, props.crtc.ID("MODE_ID"), 0)
	req.Add(o.crtc, props.crtc.ID("ACTIVE"), 0)
	if o.primary != nil {
		req.Add(o.primary.id, o.primary.props.ID("FB_ID"), 0)
		req.Add(o.primary.id, o.primary.props.ID("CRTC_ID"), 0)
	}
	return c.b.dev.Atomic(req, drm.AtomicAllowModeset, 0)
}
