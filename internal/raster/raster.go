// Package raster provides the 8-bit RGBA pixel grid frames are computed on.
package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// Channels is the number of bytes per pixel.
const Channels = 4

// Image is a row-major RGBA image with non-premultiplied 8-bit channels.
// Stride is always Width*Channels.
type Image struct {
	Width  int
	Height int
	Stride int
	Pix    []uint8
}

// New allocates a zeroed image.
func New(width, height int) *Image {
	if width < 0 || height < 0 {
		panic(fmt.Sprintf("raster: negative size %dx%d", width, height))
	}
	return &Image{
		Width:  width,
		Height: height,
		Stride: width * Channels,
		Pix:    make([]uint8, width*height*Channels),
	}
}

// Filled returns a width×height image where every pixel is c.
func Filled(width, height int, c color.NRGBA) *Image {
	img := New(width, height)
	for i := 0; i < len(img.Pix); i += Channels {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}

// FromImage copies any image.Image into a new raster, converting to non-premultiplied RGBA.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	img := New(b.Dx(), b.Dy())
	if nrgba, ok := src.(*image.NRGBA); ok {
		for y := 0; y < img.Height; y++ {
			row := nrgba.PixOffset(b.Min.X, b.Min.Y+y)
			copy(img.Pix[y*img.Stride:(y+1)*img.Stride], nrgba.Pix[row:row+img.Stride])
		}
		return img
	}
	dst := &image.NRGBA{Pix: img.Pix, Stride: img.Stride, Rect: image.Rect(0, 0, img.Width, img.Height)}
	draw.Draw(dst, dst.Rect, src, b.Min, draw.Src)
	return img
}

// NRGBA exposes the raster as an *image.NRGBA sharing the same pixel buffer.
func (img *Image) NRGBA() *image.NRGBA {
	return &image.NRGBA{
		Pix:    img.Pix,
		Stride: img.Stride,
		Rect:   image.Rect(0, 0, img.Width, img.Height),
	}
}

// Bounds returns the image rectangle anchored at the origin.
func (img *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, img.Width, img.Height)
}

// SameSize reports whether both images have identical dimensions.
func (img *Image) SameSize(o *Image) bool {
	return img.Width == o.Width && img.Height == o.Height
}

// Offset returns the index of pixel (x, y) in Pix.
func (img *Image) Offset(x, y int) int {
	return y*img.Stride + x*Channels
}

// At returns the color of pixel (x, y).
func (img *Image) At(x, y int) color.NRGBA {
	i := img.Offset(x, y)
	p := img.Pix[i : i+Channels : i+Channels]
	return color.NRGBA{R: p[0], G: p[1], B: p[2], A: p[3]}
}

// Set writes the color of pixel (x, y).
func (img *Image) Set(x, y int, c color.NRGBA) {
	i := img.Offset(x, y)
	p := img.Pix[i : i+Channels : i+Channels]
	p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
}

// Clone returns a deep copy.
func (img *Image) Clone() *Image {
	out := &Image{
		Width:  img.Width,
		Height: img.Height,
		Stride: img.Stride,
		Pix:    make([]uint8, len(img.Pix)),
	}
	copy(out.Pix, img.Pix)
	return out
}

// Equal reports whether both images have the same size and pixels.
func (img *Image) Equal(o *Image) bool {
	return img.SameSize(o) && bytes.Equal(img.Pix, o.Pix)
}
