// Package morph turns a pair of images and their feature lines into an ordered,
// cancellable stream of in-between frames.
package morph

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"parallelmorph/internal/backend"
	"parallelmorph/internal/errs"
	"parallelmorph/internal/feature"
	"parallelmorph/internal/raster"
	"parallelmorph/internal/warp"
)

// Options control a single run.
type Options struct {
	// Frames is the total number of frames including both endpoints.
	Frames int `json:"frames" yaml:"frames"`
	warp.Params `yaml:",inline"`
}

// DefaultOptions renders 30 frames with the classic weighting constants.
func DefaultOptions() Options {
	return Options{Frames: 30, Params: warp.DefaultParams}
}

// Validate checks the frame count and weighting constants.
func (o Options) Validate() error {
	if o.Frames < 2 {
		return fmt.Errorf("%w: frame count must be >= 2, got %d", errs.ErrInvalidInput, o.Frames)
	}
	return o.Params.Validate()
}

// FrameSink receives frames in strictly increasing index order. The sink owns
// every image it is handed.
type FrameSink interface {
	AddFrame(index int, img *raster.Image) error
}

// ProgressObserver is told the completed percentage after every frame.
type ProgressObserver interface {
	Progress(percent int)
}

// ProgressFunc adapts a function into a ProgressObserver.
type ProgressFunc func(percent int)

func (f ProgressFunc) Progress(percent int) { f(percent) }

// Sequencer drives a backend through the frames of a run.
type Sequencer struct {
	// Backend computes intermediate frames. Nil means backend.Sequential.
	Backend  backend.Backend
	Observer ProgressObserver
	Logger   *slog.Logger
}

// Render validates the inputs, then delivers opts.Frames frames to sink. Frame 0
// is a copy of start and the last frame a copy of end. When ctx is done before an
// intermediate frame the run stops with errs.ErrCancelled; frames already handed
// to sink stay delivered.
func (s *Sequencer) Render(ctx context.Context, lines *feature.Collection, start, end *raster.Image, opts Options, sink FrameSink) (err error) {
	if start == nil || end == nil {
		return fmt.Errorf("%w: start and end images are required", errs.ErrInvalidInput)
	}
	if !start.SameSize(end) {
		return fmt.Errorf("%w: start is %dx%d, end is %dx%d", errs.ErrDimensionMismatch,
			start.Width, start.Height, end.Width, end.Height)
	}
	if start.Width == 0 || start.Height == 0 {
		return fmt.Errorf("%w: images are empty", errs.ErrInvalidInput)
	}
	if lines.Len() == 0 {
		return fmt.Errorf("%w: at least one line pair is required", errs.ErrInvalidInput)
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	if sink == nil {
		return fmt.Errorf("%w: frame sink is required", errs.ErrInvalidInput)
	}

	log := s.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	b := s.Backend
	if b == nil {
		b = backend.Sequential{}
	}

	n := opts.Frames
	produced := 0
	emit := func(img *raster.Image) error {
		if err := sink.AddFrame(produced, img); err != nil {
			return fmt.Errorf("frame %d: %w", produced, err)
		}
		produced++
		if s.Observer != nil {
			s.Observer.Progress(percent(produced, n))
		}
		return nil
	}

	var session backend.Session
	if n > 2 {
		session, err = b.Open(ctx, backend.Inputs{Start: start, End: end, Lines: lines, Params: opts.Params})
		if err != nil {
			return fmt.Errorf("%w: %s: %w", errs.ErrBackendInit, b.Name(), err)
		}
		defer func() {
			if cerr := session.Close(); cerr != nil {
				log.Warn("backend close failed", "backend", b.Name(), "error", cerr)
				if err == nil {
					err = fmt.Errorf("close %s: %w", b.Name(), cerr)
				}
			}
		}()
	}

	if err := emit(start.Clone()); err != nil {
		return err
	}
	for i := 1; i < n-1; i++ {
		if cerr := ctx.Err(); cerr != nil {
			log.Info("run cancelled", "frames_delivered", produced, "frames", n)
			return fmt.Errorf("%w: %w", errs.ErrCancelled, cerr)
		}
		t := float64(i) / float64(n-1)
		img, rerr := session.RenderFrame(ctx, t)
		if rerr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return fmt.Errorf("%w: %w", errs.ErrCancelled, cerr)
			}
			return fmt.Errorf("render frame %d (t=%.4f): %w", i, t, rerr)
		}
		log.Debug("frame rendered", "frame", i, "t", t)
		if err := emit(img); err != nil {
			return err
		}
	}
	return emit(end.Clone())
}

func percent(produced, total int) int {
	return int(math.Round(float64(produced) * 100 / float64(total)))
}

// Collect is a FrameSink that keeps every frame in memory.
type Collect struct {
	Frames []*raster.Image
}

func (c *Collect) AddFrame(index int, img *raster.Image) error {
	if index != len(c.Frames) {
		return fmt.Errorf("out of order frame %d, expected %d", index, len(c.Frames))
	}
	c.Frames = append(c.Frames, img)
	return nil
}

// SinkFunc adapts a function into a FrameSink.
type SinkFunc func(index int, img *raster.Image) error

func (f SinkFunc) AddFrame(index int, img *raster.Image) error { return f(index, img) }

// Render runs a sequential morph and returns every frame.
func Render(ctx context.Context, lines *feature.Collection, start, end *raster.Image, opts Options, observer ProgressObserver) ([]*raster.Image, error) {
	var out Collect
	s := Sequencer{Observer: observer}
	if err := s.Render(ctx, lines, start, end, opts, &out); err != nil {
		return out.Frames, err
	}
	return out.Frames, nil
}
