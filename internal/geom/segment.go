package geom

import "math"

// Segment is a directed line segment from P0 to P1.
type Segment struct {
	P0 Point `json:"p0" yaml:"p0"`
	P1 Point `json:"p1" yaml:"p1"`
}

// Seg returns the segment from p0 to p1.
func Seg(p0, p1 Point) Segment {
	return Segment{P0: p0, P1: p1}
}

// Direction returns P1−P0.
func (s Segment) Direction() Vec {
	return s.P1.Sub(s.P0)
}

// Length returns the length of the segment.
func (s Segment) Length() float64 {
	return s.Direction().Hypot()
}

// Normal returns the perpendicular of the direction, scaled to unit length.
// It is the zero vector for a degenerate segment.
func (s Segment) Normal() Vec {
	d := s.Direction()
	l := d.Hypot()
	if l == 0 {
		return Vec{}
	}
	return d.Perp().Mul(1 / l)
}

// Degenerate reports whether the segment has zero length or non-finite endpoints.
func (s Segment) Degenerate() bool {
	if s.P0.IsNaN() || s.P1.IsNaN() || s.P0.IsInf() || s.P1.IsInf() {
		return true
	}
	return s.P0 == s.P1
}

// Lerp interpolates both endpoints towards o.
func (s Segment) Lerp(o Segment, t float64) Segment {
	return Segment{
		P0: s.P0.Lerp(o.P0, t),
		P1: s.P1.Lerp(o.P1, t),
	}
}

// Project returns the position of p along the segment, u, where 0 is P0 and 1 is P1,
// and the signed perpendicular distance v from the infinite line through the segment.
// The segment must not be degenerate.
func (s Segment) Project(p Point) (u, v float64) {
	d := s.Direction()
	px := p.Sub(s.P0)
	l2 := d.Hypot2()
	u = px.Dot(d) / l2
	v = px.Dot(d.Perp()) / math.Sqrt(l2)
	return u, v
}

// At is the inverse of Project: it returns the point at position u along the segment,
// offset by v along its normal.
func (s Segment) At(u, v float64) Point {
	d := s.Direction()
	return s.P0.Add(d.Mul(u)).Add(d.Perp().Mul(v / d.Hypot()))
}

// Distance returns the distance from p to the closest point of the finite segment,
// given p's projection u and offset v as returned by Project.
func (s Segment) Distance(p Point, u, v float64) float64 {
	switch {
	case u < 0:
		return p.Distance(s.P0)
	case u > 1:
		return p.Distance(s.P1)
	default:
		if v < 0 {
			return -v
		}
		return v
	}
}
