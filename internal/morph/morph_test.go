package morph

import (
	"context"
	"errors"
	"image/color"
	"testing"

	"github.com/google/go-cmp/cmp"

	"parallelmorph/internal/backend"
	"parallelmorph/internal/errs"
	"parallelmorph/internal/feature"
	"parallelmorph/internal/geom"
	"parallelmorph/internal/raster"
	"parallelmorph/internal/warp"
)

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

func diagonal(t *testing.T) *feature.Collection {
	t.Helper()
	seg := geom.Seg(geom.Pt(0, 0), geom.Pt(1, 1))
	c, err := feature.NewCollection(feature.Pair{Start: seg, End: seg})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func opts(frames int) Options {
	return Options{Frames: frames, Params: warp.DefaultParams}
}

type recorder struct {
	percents []int
}

func (r *recorder) Progress(p int) { r.percents = append(r.percents, p) }

// countingBackend wraps Sequential and records session lifecycle calls.
type countingBackend struct {
	openErr  error
	frameErr error
	opened   int
	closed   int
	rendered []float64
	onRender func(n int)
}

func (b *countingBackend) Name() string { return "counting" }

func (b *countingBackend) Open(ctx context.Context, in backend.Inputs) (backend.Session, error) {
	b.opened++
	if b.openErr != nil {
		return nil, b.openErr
	}
	inner, err := backend.Sequential{}.Open(ctx, in)
	if err != nil {
		return nil, err
	}
	return &countingSession{b: b, inner: inner}, nil
}

type countingSession struct {
	b     *countingBackend
	inner backend.Session
}

func (s *countingSession) RenderFrame(ctx context.Context, t float64) (*raster.Image, error) {
	s.b.rendered = append(s.b.rendered, t)
	if s.b.onRender != nil {
		s.b.onRender(len(s.b.rendered))
	}
	if s.b.frameErr != nil {
		return nil, s.b.frameErr
	}
	return s.inner.RenderFrame(ctx, t)
}

func (s *countingSession) Close() error {
	s.b.closed++
	return s.inner.Close()
}

func TestRedToBlueScenario(t *testing.T) {
	start := raster.Filled(2, 2, red)
	end := raster.Filled(2, 2, blue)
	rec := &recorder{}

	frames, err := Render(context.Background(), diagonal(t), start, end, opts(3), rec)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if !frames[0].Equal(start) || !frames[2].Equal(end) {
		t.Fatalf("endpoint frames do not match the inputs")
	}
	want := color.NRGBA{R: 128, B: 128, A: 255}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			if got := frames[1].At(x, y); got != want {
				t.Errorf("middle pixel (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
	if diff := cmp.Diff([]int{33, 67, 100}, rec.percents); diff != "" {
		t.Errorf("progress (-want +got):\n%s", diff)
	}
}

func TestEndpointFramesAreIndependentCopies(t *testing.T) {
	start := raster.Filled(3, 3, red)
	end := raster.Filled(3, 3, blue)
	frames, err := Render(context.Background(), diagonal(t), start, end, opts(2), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	frames[0].Pix[0] = 7
	frames[1].Pix[0] = 7
	if start.Pix[0] != 255 || end.Pix[0] != 0 {
		t.Fatalf("mutating emitted frames changed the inputs")
	}
}

func TestFrameCountAndProgress(t *testing.T) {
	start := raster.Filled(4, 4, red)
	end := raster.Filled(4, 4, blue)
	for _, n := range []int{2, 3, 7, 30} {
		rec := &recorder{}
		frames, err := Render(context.Background(), diagonal(t), start, end, opts(n), rec)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if len(frames) != n {
			t.Fatalf("n=%d: expected %d frames, got %d", n, n, len(frames))
		}
		if len(rec.percents) != n {
			t.Fatalf("n=%d: expected %d progress calls, got %d", n, n, len(rec.percents))
		}
		for i := 1; i < len(rec.percents); i++ {
			if rec.percents[i] < rec.percents[i-1] {
				t.Fatalf("n=%d: progress went backwards: %v", n, rec.percents)
			}
		}
		if last := rec.percents[len(rec.percents)-1]; last != 100 {
			t.Fatalf("n=%d: last progress %d, want 100", n, last)
		}
	}
}

func TestValidationProducesNoFrames(t *testing.T) {
	lines := diagonal(t)
	small := raster.Filled(2, 2, red)
	big := raster.Filled(3, 2, blue)

	cases := []struct {
		name  string
		lines *feature.Collection
		start *raster.Image
		end   *raster.Image
		opts  Options
		want  error
	}{
		{"dimension mismatch", lines, small, big, opts(5), errs.ErrDimensionMismatch},
		{"no lines", nil, small, small, opts(5), errs.ErrInvalidInput},
		{"one frame", lines, small, small, opts(1), errs.ErrInvalidInput},
		{"zero A", lines, small, small, Options{Frames: 3, Params: warp.Params{A: 0, B: 2}}, errs.ErrInvalidInput},
		{"missing image", lines, nil, small, opts(3), errs.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &countingBackend{}
			var out Collect
			s := Sequencer{Backend: b}
			err := s.Render(context.Background(), tc.lines, tc.start, tc.end, tc.opts, &out)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(out.Frames) != 0 {
				t.Fatalf("expected no frames, got %d", len(out.Frames))
			}
			if b.opened != 0 {
				t.Fatalf("backend opened before validation finished")
			}
		})
	}
}

func TestCancellationBeforeFrame(t *testing.T) {
	start := raster.Filled(4, 4, red)
	end := raster.Filled(4, 4, blue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &countingBackend{}
	var out Collect
	// cancel once frame 3 has been delivered, so frame 4 never starts
	sink := SinkFunc(func(i int, img *raster.Image) error {
		if i == 3 {
			cancel()
		}
		return out.AddFrame(i, img)
	})
	s := Sequencer{Backend: b}
	err := s.Render(ctx, diagonal(t), start, end, opts(10), sink)
	if !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wrapped context.Canceled, got %v", err)
	}
	if len(out.Frames) != 4 {
		t.Fatalf("expected frames 0..3, got %d frames", len(out.Frames))
	}
	if b.opened != 1 || b.closed != 1 {
		t.Fatalf("expected one open and one close, got %d/%d", b.opened, b.closed)
	}
}

func TestBackendInitFailure(t *testing.T) {
	start := raster.Filled(2, 2, red)
	b := &countingBackend{openErr: errors.New("no device")}
	var out Collect
	s := Sequencer{Backend: b}
	err := s.Render(context.Background(), diagonal(t), start, start, opts(4), &out)
	if !errors.Is(err, errs.ErrBackendInit) {
		t.Fatalf("expected ErrBackendInit, got %v", err)
	}
	if len(out.Frames) != 0 {
		t.Fatalf("expected no frames, got %d", len(out.Frames))
	}
	if b.closed != 0 {
		t.Fatalf("failed session must not be closed, got %d closes", b.closed)
	}
}

func TestTwoFramesSkipBackend(t *testing.T) {
	start := raster.Filled(2, 2, red)
	b := &countingBackend{openErr: errors.New("never used")}
	var out Collect
	s := Sequencer{Backend: b}
	if err := s.Render(context.Background(), diagonal(t), start, start, opts(2), &out); err != nil {
		t.Fatalf("render: %v", err)
	}
	if b.opened != 0 {
		t.Fatalf("backend opened for a two frame run")
	}
}

func TestFrameErrorClosesSession(t *testing.T) {
	start := raster.Filled(2, 2, red)
	end := raster.Filled(2, 2, blue)
	b := &countingBackend{frameErr: errors.New("device lost")}
	var out Collect
	s := Sequencer{Backend: b}
	err := s.Render(context.Background(), diagonal(t), start, end, opts(5), &out)
	if err == nil || errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("expected render error, got %v", err)
	}
	if len(out.Frames) != 1 {
		t.Fatalf("expected only frame 0 delivered, got %d", len(out.Frames))
	}
	if b.closed != 1 {
		t.Fatalf("expected session closed once, got %d", b.closed)
	}
}

func TestSinkErrorAbortsRun(t *testing.T) {
	start := raster.Filled(2, 2, red)
	b := &countingBackend{}
	sinkErr := errors.New("disk full")
	sink := SinkFunc(func(i int, img *raster.Image) error {
		if i == 2 {
			return sinkErr
		}
		return nil
	})
	s := Sequencer{Backend: b}
	err := s.Render(context.Background(), diagonal(t), start, start, opts(6), sink)
	if !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if diff := cmp.Diff([]float64{0.2, 0.4}, b.rendered); diff != "" {
		t.Fatalf("rendered t values (-want +got):\n%s", diff)
	}
	if b.closed != 1 {
		t.Fatalf("expected session closed once, got %d", b.closed)
	}
}

func TestParallelBackendMatchesSequential(t *testing.T) {
	start := raster.New(12, 9)
	end := raster.New(12, 9)
	for i := range start.Pix {
		start.Pix[i] = uint8(i * 11)
		end.Pix[i] = uint8(i * 5)
	}
	lines, err := feature.NewCollection(
		feature.Pair{Start: geom.Seg(geom.Pt(2, 2), geom.Pt(9, 3)), End: geom.Seg(geom.Pt(3, 5), geom.Pt(10, 2))},
		feature.Pair{Start: geom.Seg(geom.Pt(1, 7), geom.Pt(6, 8)), End: geom.Seg(geom.Pt(2, 6), geom.Pt(8, 8))},
	)
	if err != nil {
		t.Fatal(err)
	}

	var seq, par Collect
	if err := (&Sequencer{}).Render(context.Background(), lines, start, end, opts(6), &seq); err != nil {
		t.Fatal(err)
	}
	if err := (&Sequencer{Backend: backend.Parallel{Workers: 4}}).Render(context.Background(), lines, start, end, opts(6), &par); err != nil {
		t.Fatal(err)
	}
	for i := range seq.Frames {
		if !seq.Frames[i].Equal(par.Frames[i]) {
			t.Errorf("frame %d differs between sequential and parallel", i)
		}
	}
}
