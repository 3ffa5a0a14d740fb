package compositor

import (
	"image"
	"maps"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bnema/wlkit"
	"github.com/bnema/wlkit/display"
	"github.com/bnema/wlkit/resource"
)

type outputState struct {
	out    *display.Output
	global *resource.Output

	// Damage is tracked for the frame being prepared and the one before
	// it, since the swapchain alternates between two buffers.
	dirty      bool
	full       bool
	damage     []image.Rectangle
	prevFull   bool
	prevDamage []image.Rectangle

	// where each surface was drawn last
	rects map[resource.Handle]image.Rectangle

	rendering *Frame
	locks     []display.Lock
	pending   map[resource.Handle][]*resource.Callback
	// presented callbacks fire when the page flip completes.
	presented []*resource.Callback
}

func (st *outputState) addDamage(r image.Rectangle) {
	if r.Empty() {
		return
	}
	st.damage = append(st.damage, r)
	st.dirty = true
}

func (st *outputState) damageAll() {
	st.full, st.dirty = true, true
}

type completion struct {
	st    *outputState
	frame *Frame
	err   error
}

// monotonicMillis is the clock frame callbacks are stamped with.
func monotonicMillis() uint32 {
	var ts unix.Timespec
	unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return uint32(time.Duration(ts.Nano()).Milliseconds())
}

func outputInfo(o *display.Output) resource.OutputInfo {
	m := o.Mode()
	size := o.Size()
	pw, ph := o.PhysicalSize()
	return resource.OutputInfo{
		Name:           o.Name(),
		Make:           "wlkit",
		Model:          o.Name(),
		PhysicalWidth:  int32(pw),
		PhysicalHeight: int32(ph),
		Width:          int32(size.X),
		Height:         int32(size.Y),
		Refresh:        m.RefreshMilliHz(),
		Scale:          1,
	}
}

// OutputEnabled implements display.Listener.
func (rt *Runtime) OutputEnabled(o *display.Output) {
	st := rt.outputs[o]
	if st == nil {
		st = &outputState{
			out:     o,
			global:  rt.srv.AddOutput(outputInfo(o)),
			rects:   make(map[resource.Handle]image.Rectangle),
			pending: make(map[resource.Handle][]*resource.Callback),
		}
		rt.outputs[o] = st
		rt.log.Info("output enabled", "output", o.Name(), "mode", o.Mode())
		if rt.OnOutput != nil {
			rt.OnOutput(o, true)
		}
	} else {
		st.global.Update(outputInfo(o))
		rt.log.Info("output reconfigured", "output", o.Name(), "mode", o.Mode())
	}
	st.damageAll()
	st.prevFull = true
	rt.redraw = true
}

// OutputDisabled implements display.Listener.
func (rt *Runtime) OutputDisabled(o *display.Output) {
	rt.dropOutput(o)
}

// OutputError implements display.Listener.
func (rt *Runtime) OutputError(o *display.Output, err error) {
	rt.log.Error("output error", "output", o.Name(), "err", err)
	if o.State() == display.Disabled {
		rt.dropOutput(o)
	}
}

// Frame implements display.Listener.
func (rt *Runtime) Frame(o *display.Output, at time.Duration) {
	st := rt.outputs[o]
	if st == nil {
		return
	}
	ms := uint32(at.Milliseconds())
	for _, cb := range st.presented {
		cb.Done(ms)
	}
	st.presented = nil
	rt.repaintOutput(st)
}

func (rt *Runtime) dropOutput(o *display.Output) {
	st := rt.outputs[o]
	if st == nil {
		return
	}
	delete(rt.outputs, o)
	rt.srv.RemoveOutput(st.global)
	rt.log.Info("output disabled", "output", o.Name())

	// Clients would otherwise wait forever for a frame that never comes.
	now := monotonicMillis()
	for _, cb := range st.presented {
		cb.Done(now)
	}
	st.presented = nil
	// A frame still rendering for o is finished off in frameDone.
	if st.rendering == nil {
		rt.fireAll(st.pending, now)
		st.pending = nil
	}
	if rt.OnOutput != nil {
		rt.OnOutput(o, false)
	}
}

func (rt *Runtime) fireAll(cbs map[resource.Handle][]*resource.Callback, ms uint32) {
	for _, list := range cbs {
		for _, cb := range list {
			cb.Done(ms)
		}
	}
}

func (rt *Runtime) hooks() resource.Hooks {
	return resource.Hooks{
		OnCommit: rt.surfaceCommitted,
		OnMap:    func(*resource.Surface) { rt.damageAll() },
		OnUnmap:  rt.surfaceGone,
		OnDestroySurface: func(s *resource.Surface) {
			delete(rt.callbacks, s.Handle())
			rt.surfaceGone(s)
		},
	}
}

func (rt *Runtime) place(o *display.Output, s *resource.Surface) (image.Point, bool) {
	if rt.Place != nil {
		return rt.Place(o, s)
	}
	return image.Point{}, true
}

func (rt *Runtime) surfaceCommitted(s *resource.Surface) {
	h := s.Handle()
	damage := s.TakeDamage()
	if cbs := s.TakeFrames(); len(cbs) > 0 {
		rt.callbacks[h] = append(rt.callbacks[h], cbs...)
	}
	if !s.Mapped() {
		return
	}
	_, waiting := rt.callbacks[h]

	for _, st := range rt.outputs {
		pos, ok := rt.place(st.out, s)
		if !ok {
			continue
		}
		rect := image.Rectangle{Min: pos, Max: pos.Add(s.Size())}
		if prev, ok := st.rects[h]; ok && prev != rect {
			st.addDamage(prev)
			st.addDamage(rect)
		}
		for _, d := range damage {
			st.addDamage(d.Add(pos).Intersect(rect))
		}
		if waiting && rect.Overlaps(image.Rectangle{Max: st.out.Size()}) {
			st.dirty = true
		}
	}
	rt.redraw = true
}

func (rt *Runtime) surfaceGone(s *resource.Surface) {
	h := s.Handle()
	for _, st := range rt.outputs {
		st.global.Leave(s)
		if rect, ok := st.rects[h]; ok {
			st.addDamage(rect)
			delete(st.rects, h)
		}
	}
	rt.redraw = true
}

// damageAll schedules a full repaint of every output.
func (rt *Runtime) damageAll() {
	for _, st := range rt.outputs {
		st.damageAll()
	}
	rt.redraw = true
}

func (rt *Runtime) repaint() {
	if !rt.redraw {
		return
	}
	rt.redraw = false
	for _, st := range rt.outputs {
		rt.repaintOutput(st)
	}
}

// repaintOutput starts a frame when the output needs one and can take
// one: not paused, nothing rendering and no flip in flight.
func (rt *Runtime) repaintOutput(st *outputState) {
	if rt.paused || !st.dirty || st.rendering != nil || st.out.FlipPending() || st.out.State() != display.Enabled {
		return
	}
	fb, err := st.out.Back()
	if err != nil {
		if !wlkit.IsRevoked(err) {
			rt.log.Warn("no back buffer", "output", st.out.Name(), "err", err)
		}
		return
	}

	views, locks := rt.compose(st)
	f := NewFrame(st.out, fb, views, nil)
	f.Full = st.full || st.prevFull
	f.Damage = append(slices.Clone(st.damage), st.prevDamage...)
	frames := rt.frames
	f.done = func(err error) {
		frames.Send(completion{st: st, frame: f, err: err})
	}

	st.prevFull, st.prevDamage = st.full, st.damage
	st.full, st.damage, st.dirty = false, nil, false
	st.rendering, st.locks = f, locks

	rt.renderer.Render(f)
}

// compose collects the views of o bottom to top, locks their buffers and
// claims the frame callbacks of every drawn surface.
func (rt *Runtime) compose(st *outputState) ([]View, []display.Lock) {
	var (
		views  []View
		locks  []display.Lock
		bounds = image.Rectangle{Max: st.out.Size()}
		seen   = make(map[resource.Handle]bool)
	)
	for s := range rt.srv.Surfaces() {
		h := s.Handle()
		buf := s.Buffer()
		pos, ok := rt.place(st.out, s)
		rect := image.Rectangle{Min: pos, Max: pos.Add(s.Size())}
		if !ok || buf == nil || !rect.Overlaps(bounds) {
			st.global.Leave(s)
			continue
		}
		st.global.Enter(s)
		seen[h] = true
		st.rects[h] = rect

		views = append(views, View{
			Surface: h,
			Pixels:  buf.Data(),
			Width:   buf.Width(),
			Height:  buf.Height(),
			Stride:  buf.Stride(),
			Format:  buf.Format(),
			Rect:    rect,
		})
		locks = append(locks, buf.Lock())
		if cbs, ok := rt.callbacks[h]; ok {
			st.pending[h] = append(st.pending[h], cbs...)
			delete(rt.callbacks, h)
		}
	}
	maps.DeleteFunc(st.rects, func(h resource.Handle, _ image.Rectangle) bool { return !seen[h] })
	return views, locks
}

// frameDone runs on the reactor once the renderer finished a frame.
func (rt *Runtime) frameDone(c completion) error {
	st := c.st
	st.rendering = nil
	locks, pending := st.locks, st.pending
	st.locks, st.pending = nil, make(map[resource.Handle][]*resource.Callback)
	defer rt.maybeAck()

	if rt.outputs[st.out] != st {
		unlock(locks)
		rt.fireAll(pending, monotonicMillis())
		return nil
	}

	err := c.err
	if err == nil && !rt.paused {
		err = st.out.Present(c.frame.Target, locks...)
		if err == nil {
			for _, list := range pending {
				st.presented = append(st.presented, list...)
			}
			return nil
		}
	}

	unlock(locks)
	rt.requeue(pending)
	st.damageAll()
	switch {
	case rt.paused || wlkit.IsRevoked(err):
		// resume repaints everything
		return nil
	case c.err != nil:
		rt.log.Warn("render failed", "output", st.out.Name(), "err", err)
	default:
		rt.log.Warn("present failed", "output", st.out.Name(), "err", err)
	}
	// No flip was queued, so nothing else would repaint the output.
	if err := rt.retry.Arm(retryDelay); err != nil {
		rt.log.Warn("arm repaint retry", "err", err)
		rt.redraw = true
	}
	return nil
}

func (rt *Runtime) retryRedraw() error {
	rt.redraw = true
	return nil
}

func (rt *Runtime) requeue(cbs map[resource.Handle][]*resource.Callback) {
	for h, list := range cbs {
		if _, ok := rt.srv.Surface(h); !ok {
			continue
		}
		rt.callbacks[h] = append(list, rt.callbacks[h]...)
	}
}

func unlock(locks []display.Lock) {
	for _, l := range locks {
		l.Unlock()
	}
}
