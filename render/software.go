// Package render is a CPU renderer that composites shm buffers into
// dumb framebuffers.
package render

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/image/draw"

	"github.com/bnema/wlkit/compositor"
	"github.com/bnema/wlkit/internal/logger"
	"github.com/bnema/wlkit/protocol"
)

var ErrNoTarget = errors.New("render: frame has no mapped target")

// DefaultBackground is the color behind every surface.
var DefaultBackground = RGBA8(0x20, 0x20, 0x28, 0xff)

type Option func(*Software)

func WithLogger(l *log.Logger) Option {
	return func(s *Software) {
		s.log = l
	}
}

func WithBackground(c Color) Option {
	return func(s *Software) {
		s.background = c
	}
}

// WithAsync draws on a separate goroutine per frame.
func WithAsync() Option {
	return func(s *Software) {
		s.async = true
	}
}

// WithScaler sets the interpolator used for views whose buffer size
// differs from their destination.
func WithScaler(sc draw.Scaler) Option {
	return func(s *Software) {
		s.scaler = sc
	}
}

// Software implements compositor.Renderer on the CPU.
type Software struct {
	log        *log.Logger
	background Color
	async      bool
	scaler     draw.Scaler
	wg         sync.WaitGroup
}

func NewSoftware(opts ...Option) *Software {
	s := &Software{
		log:        logger.With("render"),
		background: DefaultBackground,
		scaler:     draw.ApproxBiLinear,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Software) Render(f *compositor.Frame) {
	if !s.async {
		f.Done(s.Draw(f))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f.Done(s.Draw(f))
	}()
}

// Wait blocks until asynchronous frames are drawn.
func (s *Software) Wait() {
	s.wg.Wait()
}

// Draw paints the damaged part of the frame synchronously. A view that
// cannot be drawn is skipped and logged; only target failures are
// returned.
func (s *Software) Draw(f *compositor.Frame) error {
	t := f.Target
	if t == nil || t.Data == nil {
		return ErrNoTarget
	}
	if int(t.Pitch)*int(t.Height) > len(t.Data) {
		return fmt.Errorf("render: framebuffer %d is %d bytes, want %d", t.ID, len(t.Data), int(t.Pitch)*int(t.Height))
	}
	dst := NewImage(t.Data, int(t.Width), int(t.Height), int(t.Pitch), true)

	skip := make(map[int]bool)
	for _, clip := range f.Clip() {
		sub := dst.SubImage(clip).(*Image)
		sub.Fill(clip, s.background)
		for i, v := range f.Views {
			if skip[i] {
				continue
			}
			if err := s.drawView(sub, v); err != nil {
				s.log.Warn("skipping view", "surface", v.Surface, "err", err)
				skip[i] = true
			}
		}
	}
	return nil
}

func (s *Software) drawView(dst *Image, v compositor.View) error {
	if v.Width <= 0 || v.Height <= 0 {
		return nil
	}
	if v.Stride < v.Width*4 || len(v.Pixels) < v.Stride*(v.Height-1)+v.Width*4 {
		return fmt.Errorf("buffer %dx%d stride %d does not fit %d bytes", v.Width, v.Height, v.Stride, len(v.Pixels))
	}
	var opaque bool
	switch v.Format {
	case protocol.FormatXRGB8888:
		opaque = true
	case protocol.FormatARGB8888:
	default:
		return fmt.Errorf("unsupported format %d", v.Format)
	}

	target := v.Rect.Intersect(dst.Rect)
	if target.Empty() {
		return nil
	}
	src := NewImage(v.Pixels, v.Width, v.Height, v.Stride, opaque)

	if v.Rect.Size() != src.Rect.Size() {
		op := draw.Over
		if opaque {
			op = draw.Src
		}
		s.scaler.Scale(dst, v.Rect, src, src.Rect, op, nil)
		return nil
	}

	sp := target.Min.Sub(v.Rect.Min)
	if opaque {
		copyRect(dst, target, src, sp)
		return nil
	}
	draw.Draw(dst, target, src, sp, draw.Over)
	return nil
}

var _ compositor.Renderer = (*Software)(nil)

// Solid is a View source filled with one color, mostly useful for
// tests and placeholders.
func Solid(c Color, width, height int) (pix []byte, stride int) {
	img := NewImage(make([]byte, width*height*4), width, height, width*4, false)
	img.Fill(image.Rect(0, 0, width, height), c)
	return img.Pix, img.Stride
}
