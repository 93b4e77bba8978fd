// Package warp computes the multi-line field morph mapping.
//
// For a progress value t every feature pair is interpolated to an intermediate
// line. A destination pixel is expressed relative to each intermediate line as
// (u, v), the same (u, v) is re-applied to the pair's start and end lines, and the
// resulting candidates are averaged with weights favouring nearby and long lines:
//
//	weight = (length^P / (A + dist))^B
package warp

import (
	"fmt"
	"math"

	"parallelmorph/internal/errs"
	"parallelmorph/internal/feature"
	"parallelmorph/internal/geom"
)

// Params are the shape constants of the weighting function.
type Params struct {
	// A keeps the weight finite for pixels on a line; larger values smooth the field.
	A float64 `json:"a" yaml:"a"`
	// B controls how quickly influence falls off with distance.
	B float64 `json:"b" yaml:"b"`
	// P scales influence by line length; 0 makes all lines equally strong.
	P float64 `json:"p" yaml:"p"`
}

// DefaultParams are the classic field morph constants.
var DefaultParams = Params{A: 0.1, B: 2, P: 0}

// Validate checks A > 0, B > 0 and P >= 0.
func (p Params) Validate() error {
	switch {
	case !(p.A > 0) || math.IsInf(p.A, 0):
		return fmt.Errorf("%w: weight A must be > 0, got %g", errs.ErrInvalidInput, p.A)
	case !(p.B > 0) || math.IsInf(p.B, 0):
		return fmt.Errorf("%w: weight B must be > 0, got %g", errs.ErrInvalidInput, p.B)
	case !(p.P >= 0) || math.IsInf(p.P, 0):
		return fmt.Errorf("%w: weight P must be >= 0, got %g", errs.ErrInvalidInput, p.P)
	}
	return nil
}

type line struct {
	start  geom.Segment
	end    geom.Segment
	mid    geom.Segment
	weight float64 // length^P of mid
}

// Field is the warp for one progress value. It is immutable and safe for
// concurrent use.
type Field struct {
	t      float64
	params Params
	lines  []line
}

// NewField interpolates every pair at t. Pairs whose intermediate line collapses
// to a point contribute nothing.
func NewField(lines *feature.Collection, params Params, t float64) *Field {
	f := &Field{t: t, params: params, lines: make([]line, 0, lines.Len())}
	for _, p := range lines.All() {
		mid := p.Interpolate(t)
		if mid.Degenerate() {
			continue
		}
		f.lines = append(f.lines, line{
			start:  p.Start,
			end:    p.End,
			mid:    mid,
			weight: math.Pow(mid.Length(), params.P),
		})
	}
	return f
}

// T returns the progress the field was built for.
func (f *Field) T() float64 {
	return f.t
}

// Map returns the source coordinates of destination pixel (x, y) in the start
// image (xs) and the end image (xe). Coordinates are not clamped.
func (f *Field) Map(x, y float64) (xs, xe geom.Point) {
	p := geom.Pt(x, y)
	var sumS, sumE geom.Vec
	var total float64

	for i := range f.lines {
		l := &f.lines[i]
		u, v := l.mid.Project(p)
		dist := l.mid.Distance(p, u, v)
		w := math.Pow(l.weight/(f.params.A+dist), f.params.B)

		sumS = sumS.Add(l.start.At(u, v).Sub(p).Mul(w))
		sumE = sumE.Add(l.end.At(u, v).Sub(p).Mul(w))
		total += w
	}

	if total == 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return p, p
	}
	return p.Add(sumS.Mul(1 / total)), p.Add(sumE.Mul(1 / total))
}
