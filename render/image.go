package render

import (
	"image"
	"image/color"
	"image/draw"
)

// Color is a premultiplied 0xAARRGGBB pixel as stored in argb8888 and
// xrgb8888 shm buffers and dumb framebuffers.
type Color uint32

func RGBA8(r, g, b, a uint8) Color {
	return Color(uint32(a)<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b))
}

func (c Color) RGBA() (r, g, b, a uint32) {
	a = uint32(c>>24) * 0x101
	r = uint32(c>>16&0xff) * 0x101
	g = uint32(c>>8&0xff) * 0x101
	b = uint32(c&0xff) * 0x101
	return
}

// Model converts any color to a premultiplied Color.
var Model color.Model = color.ModelFunc(func(c color.Color) color.Color {
	if c, ok := c.(Color); ok {
		return c
	}
	r, g, b, a := c.RGBA()
	return RGBA8(uint8(r>>8), uint8(g>>8), uint8(b>>8), uint8(a>>8))
})

// Image is a draw.Image over little-endian 32 bpp memory, the layout of
// wl_shm argb8888/xrgb8888 and DRM XRGB8888. Opaque images ignore the
// stored alpha byte.
type Image struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
	Opaque bool
}

// NewImage wraps existing pixel memory.
func NewImage(pix []byte, width, height, stride int, opaque bool) *Image {
	return &Image{Pix: pix, Stride: stride, Rect: image.Rect(0, 0, width, height), Opaque: opaque}
}

func (p *Image) Bounds() image.Rectangle { return p.Rect }

func (p *Image) ColorModel() color.Model { return Model }

func (p *Image) At(x, y int) color.Color {
	return p.ColorAt(x, y)
}

func (p *Image) ColorAt(x, y int) Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return 0
	}
	i := p.PixOffset(x, y)
	s := p.Pix[i : i+4 : i+4]
	c := Color(uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24)
	if p.Opaque {
		c |= 0xff000000
	}
	return c
}

// PixOffset returns the index of the first byte of the pixel at (x, y).
func (p *Image) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*4
}

func (p *Image) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(p.Rect)) {
		return
	}
	p.set(p.PixOffset(x, y), Model.Convert(c).(Color))
}

func (p *Image) set(i int, c Color) {
	s := p.Pix[i : i+4 : i+4]
	s[0], s[1], s[2], s[3] = uint8(c), uint8(c>>8), uint8(c>>16), uint8(c>>24)
}

// Fill sets every pixel of r to c.
func (p *Image) Fill(r image.Rectangle, c Color) {
	r = r.Intersect(p.Rect)
	if r.Empty() {
		return
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		i := p.PixOffset(r.Min.X, y)
		for x := r.Min.X; x < r.Max.X; x++ {
			p.set(i, c)
			i += 4
		}
	}
}

// SubImage returns the part of p visible through r, sharing pixels.
func (p *Image) SubImage(r image.Rectangle) draw.Image {
	r = r.Intersect(p.Rect)
	if r.Empty() {
		return &Image{Opaque: p.Opaque}
	}
	i := p.PixOffset(r.Min.X, r.Min.Y)
	return &Image{
		Pix:    p.Pix[i:],
		Stride: p.Stride,
		Rect:   r,
		Opaque: p.Opaque,
	}
}

// copyRect copies src starting at sp onto r of dst without blending.
// r must already be clipped to both images.
func copyRect(dst *Image, r image.Rectangle, src *Image, sp image.Point) {
	n := r.Dx() * 4
	for y := 0; y < r.Dy(); y++ {
		di := dst.PixOffset(r.Min.X, r.Min.Y+y)
		si := src.PixOffset(sp.X, sp.Y+y)
		copy(dst.Pix[di:di+n], src.Pix[si:si+n])
		if src.Opaque {
			for i := di + 3; i < di+n; i += 4 {
				dst.Pix[i] = 0xff
			}
		}
	}
}
