package resource

import (
	"slices"

	"github.com/bnema/wlkit/protocol"
)

// OutputInfo is what clients learn about an output.
type OutputInfo struct {
	Name           string
	Make, Model    string
	X, Y           int32
	PhysicalWidth  int32
	PhysicalHeight int32
	Width, Height  int32
	// Refresh is in mHz.
	Refresh int32
	Scale   int32
}

// Output is the wl_output global of one enabled display output.
type Output struct {
	server    *Server
	global    *Global
	info      OutputInfo
	resources []*outputResource
	surfaces  []*Surface
}

// AddOutput advertises an output.
func (s *Server) AddOutput(info OutputInfo) *Output {
	if info.Scale < 1 {
		info.Scale = 1
	}
	o := &Output{server: s, info: info}
	o.global = s.AddGlobal(protocol.Output, o.bind)
	s.outputs = append(s.outputs, o)
	return o
}

// RemoveOutput withdraws the global. Surfaces receive leave events and
// bound wl_output objects become inert.
func (s *Server) RemoveOutput(o *Output) {
	idx := slices.Index(s.outputs, o)
	if idx < 0 {
		return
	}
	s.outputs = slices.Delete(s.outputs, idx, idx+1)

	for _, surf := range slices.Clone(o.surfaces) {
		o.Leave(surf)
	}
	s.RemoveGlobal(o.global)
	for _, r := range o.resources {
		r.output = nil
	}
	o.resources = nil
}

func (o *Output) Info() OutputInfo {
	return o.info
}

// Update changes the advertised properties and notifies every bound
// client.
func (o *Output) Update(info OutputInfo) {
	if info.Scale < 1 {
		info.Scale = 1
	}
	o.info = info
	for _, r := range o.resources {
		r.sendInfo()
	}
}

// Enter tells the surface's client that surf is now shown on o.
func (o *Output) Enter(surf *Surface) {
	if slices.Contains(o.surfaces, surf) {
		return
	}
	o.surfaces = append(o.surfaces, surf)
	for _, r := range o.resources {
		if r.client == surf.client {
			surf.client.send(protocol.SurfaceEnter(surf.id, r.id))
		}
	}
}

// Leave is the opposite of Enter.
func (o *Output) Leave(surf *Surface) {
	idx := slices.Index(o.surfaces, surf)
	if idx < 0 {
		return
	}
	o.surfaces = slices.Delete(o.surfaces, idx, idx+1)
	for _, r := range o.resources {
		if r.client == surf.client {
			surf.client.send(protocol.SurfaceLeave(surf.id, r.id))
		}
	}
}

// Shows reports whether surf has entered o.
func (o *Output) Shows(surf *Surface) bool {
	return slices.Contains(o.surfaces, surf)
}

func (o *Output) forget(surf *Surface) {
	o.surfaces = slices.DeleteFunc(o.surfaces, func(other *Surface) bool { return other == surf })
}

func (o *Output) bind(c *Client, id, version uint32) (object, error) {
	r := &outputResource{base: base{id: id, version: version, client: c}, output: o}
	o.resources = append(o.resources, r)
	r.sendInfo()
	return r, nil
}

type outputResource struct {
	base
	output *Output
}

func (r *outputResource) Interface() string {
	return protocol.Output.Name
}

func (r *outputResource) sendInfo() {
	info := r.output.info
	c := r.client
	c.send(protocol.OutputGeometryEvent(r.id, protocol.OutputGeometry{
		X:              info.X,
		Y:              info.Y,
		PhysicalWidth:  info.PhysicalWidth,
		PhysicalHeight: info.PhysicalHeight,
		Make:           info.Make,
		Model:          info.Model,
	}))
	c.send(protocol.OutputMode(r.id, protocol.OutputModeCurrent|protocol.OutputModePreferred,
		info.Width, info.Height, info.Refresh))
	if r.version >= 2 {
		c.send(protocol.OutputScale(r.id, info.Scale))
		c.send(protocol.OutputDone(r.id))
	}
}

func (r *outputResource) handle(req protocol.Request) error {
	if _, ok := req.(protocol.OutputRelease); ok {
		r.client.remove(r.id)
	}
	return nil
}

func (r *outputResource) destroy() {
	if r.output == nil {
		return
	}
	r.output.resources = slices.DeleteFunc(r.output.resources, func(other *outputResource) bool { return other == r })
	r.output = nil
}
