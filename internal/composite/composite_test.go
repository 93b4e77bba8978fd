package composite

import (
	"image/color"
	"testing"

	"parallelmorph/internal/feature"
	"parallelmorph/internal/geom"
	"parallelmorph/internal/raster"
	"parallelmorph/internal/warp"
)

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

func diagonal(t *testing.T, w, h float64) *feature.Collection {
	t.Helper()
	seg := geom.Seg(geom.Pt(0, 0), geom.Pt(w, h))
	c, err := feature.NewCollection(feature.Pair{Start: seg, End: seg})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCrossDissolveSolidColors(t *testing.T) {
	start := raster.Filled(2, 2, red)
	end := raster.Filled(2, 2, blue)
	lines := diagonal(t, 1, 1)
	c := New(start, end)

	cases := []struct {
		t    float64
		want color.NRGBA
	}{
		{0, red},
		{1, blue},
		{0.5, color.NRGBA{R: 128, B: 128, A: 255}},
		{0.25, color.NRGBA{R: 191, B: 64, A: 255}},
	}
	for _, tc := range cases {
		frame := c.Frame(warp.NewField(lines, warp.Params{A: 0.1, B: 2, P: 0}, tc.t))
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				if got := frame.At(x, y); got != tc.want {
					t.Errorf("t=%g pixel (%d,%d) = %v, want %v", tc.t, x, y, got, tc.want)
				}
			}
		}
	}
}

func TestIdentityWarpReproducesStart(t *testing.T) {
	start := raster.New(4, 3)
	for i := range start.Pix {
		start.Pix[i] = uint8(i * 7)
	}
	end := raster.Filled(4, 3, blue)
	c := New(start, end)

	frame := c.Frame(warp.NewField(diagonal(t, 3, 2), warp.DefaultParams, 0))
	if !frame.Equal(start) {
		t.Fatalf("frame at t=0 differs from start image")
	}
}

func TestRenderRowsBandsMatchFullFrame(t *testing.T) {
	start := raster.New(6, 5)
	end := raster.New(6, 5)
	for i := range start.Pix {
		start.Pix[i] = uint8(i)
		end.Pix[i] = uint8(255 - i)
	}
	lines, err := feature.NewCollection(feature.Pair{
		Start: geom.Seg(geom.Pt(1, 1), geom.Pt(4, 1)),
		End:   geom.Seg(geom.Pt(1, 3), geom.Pt(5, 2)),
	})
	if err != nil {
		t.Fatal(err)
	}
	f := warp.NewField(lines, warp.DefaultParams, 0.4)
	c := New(start, end)

	whole := c.Frame(f)
	banded := raster.New(6, 5)
	c.RenderRows(banded, f, 3, 5)
	c.RenderRows(banded, f, 0, 3)
	if !banded.Equal(whole) {
		t.Fatalf("banded render differs from serial render")
	}
}
