// Package backend provides the per-frame compute implementations a morph run
// can be executed with.
package backend

import (
	"context"

	"parallelmorph/internal/composite"
	"parallelmorph/internal/feature"
	"parallelmorph/internal/raster"
	"parallelmorph/internal/warp"
)

// Inputs are the immutable per-run arguments handed to a backend session.
type Inputs struct {
	Start  *raster.Image
	End    *raster.Image
	Lines  *feature.Collection
	Params warp.Params
}

// Session renders the frames of one run, in order. It is used by a single
// goroutine and closed exactly once.
type Session interface {
	RenderFrame(ctx context.Context, t float64) (*raster.Image, error)
	Close() error
}

// Backend opens sessions. Open is where a stateful backend acquires anything it
// keeps for the whole run.
type Backend interface {
	Name() string
	Open(ctx context.Context, in Inputs) (Session, error)
}

// Func adapts a stateless per-frame function into a Backend.
type Func func(ctx context.Context, in Inputs, t float64) (*raster.Image, error)

func (f Func) Name() string { return "func" }

func (f Func) Open(ctx context.Context, in Inputs) (Session, error) {
	return &funcSession{fn: f, in: in}, nil
}

type funcSession struct {
	fn Func
	in Inputs
}

func (s *funcSession) RenderFrame(ctx context.Context, t float64) (*raster.Image, error) {
	return s.fn(ctx, s.in, t)
}

func (s *funcSession) Close() error { return nil }

// Sequential evaluates every pixel on the calling goroutine. It is the reference
// implementation other backends must match pixel for pixel.
type Sequential struct{}

func (Sequential) Name() string { return ModeSequential }

func (Sequential) Open(ctx context.Context, in Inputs) (Session, error) {
	return &sequentialSession{in: in, comp: composite.New(in.Start, in.End)}, nil
}

type sequentialSession struct {
	in   Inputs
	comp *composite.Compositor
}

func (s *sequentialSession) RenderFrame(ctx context.Context, t float64) (*raster.Image, error) {
	return s.comp.Frame(warp.NewField(s.in.Lines, s.in.Params, t)), nil
}

func (s *sequentialSession) Close() error { return nil }
