package raster

import "math"

// Clamp limits (x, y) to the pixel centers of the image so sampling never leaves it.
func (img *Image) Clamp(x, y float64) (float64, float64) {
	maxX := float64(img.Width - 1)
	maxY := float64(img.Height - 1)
	if x < 0 || math.IsNaN(x) {
		x = 0
	} else if x > maxX {
		x = maxX
	}
	if y < 0 || math.IsNaN(y) {
		y = 0
	} else if y > maxY {
		y = maxY
	}
	return x, y
}

// Bilinear samples the image at a fractional coordinate, blending the four
// surrounding pixels per channel. The coordinate is clamped to the border first.
// The result is unrounded so callers can blend further before quantizing.
func (img *Image) Bilinear(fx, fy float64) [Channels]float64 {
	fx, fy = img.Clamp(fx, fy)
	x0 := int(fx)
	y0 := int(fy)
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	x1 := x0 + 1
	if x1 >= img.Width {
		x1 = x0
		tx = 0
	}
	y1 := y0 + 1
	if y1 >= img.Height {
		y1 = y0
		ty = 0
	}

	i00 := img.Offset(x0, y0)
	i10 := img.Offset(x1, y0)
	i01 := img.Offset(x0, y1)
	i11 := img.Offset(x1, y1)

	w00 := (1 - tx) * (1 - ty)
	w10 := tx * (1 - ty)
	w01 := (1 - tx) * ty
	w11 := tx * ty

	var out [Channels]float64
	for c := 0; c < Channels; c++ {
		out[c] = w00*float64(img.Pix[i00+c]) +
			w10*float64(img.Pix[i10+c]) +
			w01*float64(img.Pix[i01+c]) +
			w11*float64(img.Pix[i11+c])
	}
	return out
}

// Quantize rounds half up and saturates v to a byte.
func Quantize(v float64) uint8 {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
