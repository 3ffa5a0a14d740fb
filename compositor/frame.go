package compositor

import (
	"image"
	"sync"

	"github.com/bnema/wlkit/display"
	"github.com/bnema/wlkit/drm"
	"github.com/bnema/wlkit/resource"
)

// View is one surface placed on an output.
type View struct {
	Surface resource.Handle
	// Pixels is the committed shm buffer, locked until the frame is
	// replaced on screen.
	Pixels []byte
	Width  int
	Height int
	Stride int
	Format uint32
	// Rect is the destination in output coordinates. The buffer is
	// scaled when the sizes differ.
	Rect image.Rectangle
}

// Frame is the work handed to a Renderer.
type Frame struct {
	Output *display.Output
	Target *drm.Framebuffer
	// Views are ordered bottom to top.
	Views []View
	// Damage is in output coordinates. Full frames repaint everything.
	Damage []image.Rectangle
	Full   bool

	once sync.Once
	done func(error)
}

// NewFrame builds a frame whose completion is reported to done.
func NewFrame(out *display.Output, target *drm.Framebuffer, views []View, done func(error)) *Frame {
	return &Frame{Output: out, Target: target, Views: views, done: done}
}

// Done reports completion. It may be called from any goroutine; only
// the first call counts.
func (f *Frame) Done(err error) {
	f.once.Do(func() {
		if f.done != nil {
			f.done(err)
		}
	})
}

// Bounds is the target area.
func (f *Frame) Bounds() image.Rectangle {
	if f.Target == nil {
		return image.Rectangle{}
	}
	return image.Rect(0, 0, int(f.Target.Width), int(f.Target.Height))
}

// Clip returns the rectangles to repaint.
func (f *Frame) Clip() []image.Rectangle {
	bounds := f.Bounds()
	if f.Full || len(f.Damage) == 0 {
		return []image.Rectangle{bounds}
	}
	clip := make([]image.Rectangle, 0, len(f.Damage))
	for _, r := range f.Damage {
		if r = r.Intersect(bounds); !r.Empty() {
			clip = append(clip, r)
		}
	}
	return clip
}

// Renderer draws frames into their target. Render may return before
// drawing finishes but must eventually call Frame.Done exactly once.
type Renderer interface {
	Render(f *Frame)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(f *Frame)

func (fn RendererFunc) Render(f *Frame) {
	fn(f)
}
