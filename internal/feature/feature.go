// Package feature models the corresponding line segments that guide a morph.
package feature

import (
	"fmt"
	"iter"

	"parallelmorph/internal/errs"
	"parallelmorph/internal/geom"
)

// Pair links a segment in the start image with the segment marking the same feature
// in the end image.
type Pair struct {
	Start geom.Segment `json:"start" yaml:"start"`
	End   geom.Segment `json:"end" yaml:"end"`
}

// Interpolate returns the pair's line at progress t.
func (p Pair) Interpolate(t float64) geom.Segment {
	return p.Start.Lerp(p.End, t)
}

// Collection is a validated, read-only, ordered set of line pairs.
type Collection struct {
	pairs []Pair
}

// NewCollection validates pairs and returns them as a Collection. It fails with
// errs.ErrInvalidInput if no pairs are given or any segment is degenerate.
func NewCollection(pairs ...Pair) (*Collection, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: at least one line pair is required", errs.ErrInvalidInput)
	}
	for i, p := range pairs {
		if p.Start.Degenerate() {
			return nil, fmt.Errorf("%w: line pair %d has a degenerate start segment %v-%v", errs.ErrInvalidInput, i, p.Start.P0, p.Start.P1)
		}
		if p.End.Degenerate() {
			return nil, fmt.Errorf("%w: line pair %d has a degenerate end segment %v-%v", errs.ErrInvalidInput, i, p.End.P0, p.End.P1)
		}
	}
	c := &Collection{pairs: make([]Pair, len(pairs))}
	copy(c.pairs, pairs)
	return c, nil
}

// Len returns the number of pairs.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.pairs)
}

// At returns the i'th pair.
func (c *Collection) At(i int) Pair {
	return c.pairs[i]
}

// All iterates over the pairs in insertion order.
func (c *Collection) All() iter.Seq2[int, Pair] {
	return func(yield func(int, Pair) bool) {
		if c == nil {
			return
		}
		for i, p := range c.pairs {
			if !yield(i, p) {
				return
			}
		}
	}
}

// Pairs returns a copy of the pairs.
func (c *Collection) Pairs() []Pair {
	out := make([]Pair, c.Len())
	if c != nil {
		copy(out, c.pairs)
	}
	return out
}

// Flatten packs the collection into eight float32 values per pair,
// start P0, start P1, end P0, end P1, each as x then y. This is the layout
// device backends upload once per run.
func (c *Collection) Flatten() []float32 {
	out := make([]float32, 0, c.Len()*8)
	for _, p := range c.Pairs() {
		out = append(out,
			float32(p.Start.P0.X), float32(p.Start.P0.Y),
			float32(p.Start.P1.X), float32(p.Start.P1.Y),
			float32(p.End.P0.X), float32(p.End.P0.Y),
			float32(p.End.P1.X), float32(p.End.P1.Y),
		)
	}
	return out
}
