// Package composite turns a warp field into pixels: both sources are sampled
// bilinearly at their mapped coordinates and cross-dissolved by progress.
package composite

import (
	"parallelmorph/internal/raster"
	"parallelmorph/internal/warp"
)

// Compositor reads from a start and an end image of identical size.
// It never writes to them, so one Compositor may serve any number of goroutines.
type Compositor struct {
	start *raster.Image
	end   *raster.Image
}

// New returns a compositor over start and end. The caller guarantees equal sizes.
func New(start, end *raster.Image) *Compositor {
	return &Compositor{start: start, end: end}
}

// Width returns the output width.
func (c *Compositor) Width() int { return c.start.Width }

// Height returns the output height.
func (c *Compositor) Height() int { return c.start.Height }

// Pixel computes the output color of destination pixel (x, y) into out.
func (c *Compositor) Pixel(f *warp.Field, x, y int, out []uint8) {
	xs, xe := f.Map(float64(x), float64(y))
	s := c.start.Bilinear(xs.X, xs.Y)
	e := c.end.Bilinear(xe.X, xe.Y)
	t := f.T()
	for ch := 0; ch < raster.Channels; ch++ {
		out[ch] = raster.Quantize((1-t)*s[ch] + t*e[ch])
	}
}

// RenderRows fills rows [y0, y1) of dst.
func (c *Compositor) RenderRows(dst *raster.Image, f *warp.Field, y0, y1 int) {
	for y := y0; y < y1; y++ {
		for x := 0; x < dst.Width; x++ {
			i := dst.Offset(x, y)
			c.Pixel(f, x, y, dst.Pix[i:i+raster.Channels:i+raster.Channels])
		}
	}
}

// Frame renders a whole frame serially.
func (c *Compositor) Frame(f *warp.Field) *raster.Image {
	dst := raster.New(c.Width(), c.Height())
	c.RenderRows(dst, f, 0, dst.Height)
	return dst
}
