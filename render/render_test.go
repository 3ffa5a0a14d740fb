package render

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/wlkit/compositor"
	"github.com/bnema/wlkit/drm"
	"github.com/bnema/wlkit/internal/logger"
	"github.com/bnema/wlkit/protocol"
)

func target(w, h int) *drm.Framebuffer {
	return &drm.Framebuffer{
		ID:     1,
		Width:  uint32(w),
		Height: uint32(h),
		Pitch:  uint32(w*4 + 8),
		Format: drm.FormatXRGB8888,
		Data:   make([]byte, (w*4+8)*h),
	}
}

func pixel(fb *drm.Framebuffer, x, y int) Color {
	return NewImage(fb.Data, int(fb.Width), int(fb.Height), int(fb.Pitch), false).ColorAt(x, y)
}

func view(c Color, format uint32, w, h int, at image.Rectangle) compositor.View {
	pix, stride := Solid(c, w, h)
	return compositor.View{Pixels: pix, Width: w, Height: h, Stride: stride, Format: format, Rect: at}
}

func frame(fb *drm.Framebuffer, views []compositor.View, done func(error)) *compositor.Frame {
	return compositor.NewFrame(nil, fb, views, done)
}

var (
	bg  = RGBA8(0x10, 0x20, 0x30, 0xff)
	red = RGBA8(0xff, 0, 0, 0xff)
)

func TestColorRoundTrip(t *testing.T) {
	img := NewImage(make([]byte, 16), 2, 2, 8, false)
	img.Set(1, 1, RGBA8(1, 2, 3, 4))
	assert.Equal(t, RGBA8(1, 2, 3, 4), img.ColorAt(1, 1))
	// little-endian byte order: B G R A
	assert.Equal(t, []byte{3, 2, 1, 4}, img.Pix[12:16])

	img.Opaque = true
	assert.Equal(t, RGBA8(1, 2, 3, 0xff), img.ColorAt(1, 1))
	assert.Equal(t, Color(0), img.ColorAt(5, 5))
}

func TestOpaqueAndBlendedViews(t *testing.T) {
	fb := target(8, 4)
	half := RGBA8(0, 0x80, 0, 0x80) // premultiplied green at 50%

	var doneErr error
	calls := 0
	f := frame(fb, []compositor.View{
		view(red, protocol.FormatXRGB8888, 4, 4, image.Rect(0, 0, 4, 4)),
		view(half, protocol.FormatARGB8888, 4, 4, image.Rect(2, 0, 6, 4)),
	}, func(err error) {
		calls++
		doneErr = err
	})

	NewSoftware(WithLogger(logger.Discard()), WithBackground(bg)).Render(f)
	f.Done(errors.New("late"))
	require.Equal(t, 1, calls)
	require.NoError(t, doneErr)

	assert.Equal(t, red, pixel(fb, 0, 0))
	assert.Equal(t, bg, pixel(fb, 7, 3))

	// green over red
	c := pixel(fb, 3, 1)
	assert.InDelta(t, 0x7f, int(c>>16&0xff), 1)
	assert.InDelta(t, 0x80, int(c>>8&0xff), 1)
	assert.Equal(t, uint32(0xff), uint32(c>>24))

	// green over background
	c = pixel(fb, 5, 1)
	assert.InDelta(t, 0x08, int(c>>16&0xff), 1)
	assert.InDelta(t, 0x90, int(c>>8&0xff), 1)
}

func TestDamageLimitsRepaint(t *testing.T) {
	fb := target(4, 4)
	sentinel := RGBA8(9, 9, 9, 9)
	NewImage(fb.Data, 4, 4, int(fb.Pitch), false).Fill(image.Rect(0, 0, 4, 4), sentinel)

	f := frame(fb, []compositor.View{view(red, protocol.FormatXRGB8888, 4, 4, image.Rect(0, 0, 4, 4))}, nil)
	f.Damage = []image.Rectangle{image.Rect(1, 1, 2, 2), image.Rect(10, 10, 12, 12)}
	require.Len(t, f.Clip(), 1)

	require.NoError(t, NewSoftware(WithLogger(logger.Discard())).Draw(f))
	assert.Equal(t, red, pixel(fb, 1, 1))
	assert.Equal(t, sentinel, pixel(fb, 0, 0))
	assert.Equal(t, sentinel, pixel(fb, 2, 2))
}

func TestScaledView(t *testing.T) {
	fb := target(4, 4)
	f := frame(fb, []compositor.View{view(red, protocol.FormatXRGB8888, 2, 2, image.Rect(0, 0, 4, 4))}, nil)
	require.NoError(t, NewSoftware(WithLogger(logger.Discard()), WithBackground(bg)).Draw(f))
	for y := range 4 {
		for x := range 4 {
			assert.Equal(t, red, pixel(fb, x, y), "pixel %d,%d", x, y)
		}
	}
}

func TestDrawViewValidation(t *testing.T) {
	dst := NewImage(make([]byte, 64), 4, 4, 16, true)
	s := NewSoftware(WithLogger(logger.Discard()))

	err := s.drawView(dst, compositor.View{Pixels: make([]byte, 4), Width: 4, Height: 4, Stride: 16, Format: protocol.FormatARGB8888, Rect: image.Rect(0, 0, 4, 4)})
	assert.ErrorContains(t, err, "does not fit")

	err = s.drawView(dst, view(red, 42, 2, 2, image.Rect(0, 0, 2, 2)))
	assert.ErrorContains(t, err, "unsupported format 42")

	assert.NoError(t, s.drawView(dst, compositor.View{}))
}

func TestBadViewsAreSkipped(t *testing.T) {
	fb := target(4, 4)
	bad := compositor.View{Pixels: make([]byte, 4), Width: 4, Height: 4, Stride: 16, Format: protocol.FormatARGB8888, Rect: image.Rect(0, 0, 4, 4)}
	unknown := view(red, 42, 2, 2, image.Rect(0, 0, 2, 2))
	good := view(red, protocol.FormatXRGB8888, 1, 1, image.Rect(3, 3, 4, 4))

	s := NewSoftware(WithLogger(logger.Discard()), WithBackground(bg))
	require.NoError(t, s.Draw(frame(fb, []compositor.View{bad, unknown, good}, nil)))
	assert.Equal(t, red, pixel(fb, 3, 3))
	assert.Equal(t, bg, pixel(fb, 0, 0))
}

func TestAsyncAndMissingTarget(t *testing.T) {
	s := NewSoftware(WithLogger(logger.Discard()), WithAsync())
	got := make(chan error, 1)
	s.Render(frame(nil, nil, func(err error) { got <- err }))
	s.Wait()
	assert.ErrorIs(t, <-got, ErrNoTarget)

	fb := target(2, 2)
	fb.Data = fb.Data[:4]
	assert.Error(t, s.Draw(frame(fb, nil, nil)))
}
