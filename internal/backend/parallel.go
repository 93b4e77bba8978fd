package backend

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"parallelmorph/internal/composite"
	"parallelmorph/internal/raster"
	"parallelmorph/internal/warp"
)

// Parallel splits each frame into horizontal bands rendered on separate goroutines.
type Parallel struct {
	// Workers bounds the number of bands rendered at once. Zero means GOMAXPROCS.
	Workers int
}

func (p Parallel) Name() string { return ModeParallel }

func (p Parallel) Open(ctx context.Context, in Inputs) (Session, error) {
	workers := p.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &parallelSession{
		in:      in,
		comp:    composite.New(in.Start, in.End),
		workers: workers,
		bands:   splitRows(in.Start.Height, workers*4),
	}, nil
}

type parallelSession struct {
	in      Inputs
	comp    *composite.Compositor
	workers int
	bands   [][2]int
}

// RenderFrame always renders the whole frame. Cancellation is observed by the
// caller between frames.
func (s *parallelSession) RenderFrame(_ context.Context, t float64) (*raster.Image, error) {
	field := warp.NewField(s.in.Lines, s.in.Params, t)
	dst := raster.New(s.comp.Width(), s.comp.Height())

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, b := range s.bands {
		y0, y1 := b[0], b[1]
		g.Go(func() error {
			s.comp.RenderRows(dst, field, y0, y1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dst, nil
}

func (s *parallelSession) Close() error { return nil }

// splitRows partitions h rows into at most n contiguous bands of near-equal size.
func splitRows(h, n int) [][2]int {
	if n < 1 {
		n = 1
	}
	if n > h {
		n = h
	}
	if n == 0 {
		return nil
	}
	bands := make([][2]int, 0, n)
	step, rem := h/n, h%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + step
		if i < rem {
			end++
		}
		bands = append(bands, [2]int{start, end})
		start = end
	}
	return bands
}
