package compositor

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bnema/wlkit/internal/ipc"
)

// Status is a snapshot of the runtime, as served on the control socket.
type Status struct {
	Display string
	Card    string
	Seat    string
	Session string
	Outputs []OutputStatus
	Inputs  []InputStatus
	Clients int
}

type OutputStatus struct {
	Name  string
	State string
	Mode  string
	Crtc  uint32
}

type InputStatus struct {
	ID   uint32
	Path string
	Name string
	Caps string
}

// Status must be called on the reactor goroutine.
func (rt *Runtime) Status() Status {
	st := Status{
		Display: rt.SocketName(),
		Card:    rt.cardPath,
		Clients: len(rt.clients),
	}
	if rt.sess != nil {
		st.Seat = rt.sess.Seat()
		st.Session = rt.sess.State().String()
	}
	if rt.disp != nil {
		for _, o := range rt.disp.Outputs() {
			out := OutputStatus{Name: o.Name(), State: o.State().String(), Crtc: o.Crtc()}
			if o.Crtc() != 0 {
				out.Mode = o.Mode().String()
			}
			st.Outputs = append(st.Outputs, out)
		}
	}
	if rt.input != nil {
		for _, d := range rt.input.Devices() {
			st.Inputs = append(st.Inputs, InputStatus{ID: uint32(d.ID), Path: d.Path, Name: d.Name, Caps: d.Caps.String()})
		}
	}
	return st
}

// Struct encodes the status for the control socket.
func (s Status) Struct() (*structpb.Struct, error) {
	outputs := make([]any, 0, len(s.Outputs))
	for _, o := range s.Outputs {
		outputs = append(outputs, map[string]any{
			"name":  o.Name,
			"state": o.State,
			"mode":  o.Mode,
			"crtc":  float64(o.Crtc),
		})
	}
	inputs := make([]any, 0, len(s.Inputs))
	for _, d := range s.Inputs {
		inputs = append(inputs, map[string]any{
			"id":   float64(d.ID),
			"path": d.Path,
			"name": d.Name,
			"caps": d.Caps,
		})
	}
	return structpb.NewStruct(map[string]any{
		"display": s.Display,
		"card":    s.Card,
		"seat":    s.Seat,
		"session": s.Session,
		"clients": float64(s.Clients),
		"outputs": outputs,
		"inputs":  inputs,
	})
}

// StatusFromStruct decodes a status response.
func StatusFromStruct(msg *structpb.Struct) Status {
	m := msg.AsMap()
	str := func(m map[string]any, k string) string {
		s, _ := m[k].(string)
		return s
	}
	num := func(m map[string]any, k string) float64 {
		f, _ := m[k].(float64)
		return f
	}
	st := Status{
		Display: str(m, "display"),
		Card:    str(m, "card"),
		Seat:    str(m, "seat"),
		Session: str(m, "session"),
		Clients: int(num(m, "clients")),
	}
	list, _ := m["outputs"].([]any)
	for _, v := range list {
		if o, ok := v.(map[string]any); ok {
			st.Outputs = append(st.Outputs, OutputStatus{Name: str(o, "name"), State: str(o, "state"), Mode: str(o, "mode"), Crtc: uint32(num(o, "crtc"))})
		}
	}
	list, _ = m["inputs"].([]any)
	for _, v := range list {
		if d, ok := v.(map[string]any); ok {
			st.Inputs = append(st.Inputs, InputStatus{ID: uint32(num(d, "id")), Path: str(d, "path"), Name: str(d, "name"), Caps: str(d, "caps")})
		}
	}
	return st
}

type reply struct {
	msg *structpb.Struct
	err error
}

type request struct {
	query string
	out   chan reply
}

var errStopped = errors.New("compositor: runtime stopped")

// Handle implements ipc.Handler. Queries are answered on the reactor
// goroutine.
func (rt *Runtime) Handle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := ipc.QueryName(req)
	if err != nil {
		return nil, err
	}
	out := make(chan reply, 1)
	if !rt.requests.Send(request{query: name, out: out}) {
		return nil, errStopped
	}
	select {
	case r := <-out:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rt *Runtime) answer(req request) error {
	var r reply
	switch req.query {
	case ipc.QueryStatus:
		r.msg, r.err = rt.Status().Struct()
	default:
		r.err = fmt.Errorf("unknown query %q", req.query)
	}
	req.out <- r
	return nil
}
