package feature

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"parallelmorph/internal/errs"
	"parallelmorph/internal/geom"
)

func pair(sx0, sy0, sx1, sy1, ex0, ey0, ex1, ey1 float64) Pair {
	return Pair{
		Start: geom.Seg(geom.Pt(sx0, sy0), geom.Pt(sx1, sy1)),
		End:   geom.Seg(geom.Pt(ex0, ey0), geom.Pt(ex1, ey1)),
	}
}

func TestNewCollectionValidation(t *testing.T) {
	cases := []struct {
		name  string
		pairs []Pair
		ok    bool
	}{
		{"empty", nil, false},
		{"degenerate start", []Pair{pair(1, 1, 1, 1, 0, 0, 5, 5)}, false},
		{"degenerate end", []Pair{pair(0, 0, 5, 5, 2, 2, 2, 2)}, false},
		{"valid", []Pair{pair(0, 0, 5, 5, 1, 1, 6, 6)}, true},
		{"different lengths", []Pair{pair(0, 0, 1, 0, 0, 0, 100, 0)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewCollection(tc.pairs...)
			if tc.ok {
				if err != nil {
					t.Fatalf("expected valid collection, got %v", err)
				}
				if c.Len() != len(tc.pairs) {
					t.Fatalf("expected %d pairs, got %d", len(tc.pairs), c.Len())
				}
				return
			}
			if !errors.Is(err, errs.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestCollectionIsStableAndIsolated(t *testing.T) {
	in := []Pair{
		pair(0, 0, 1, 0, 0, 0, 1, 0),
		pair(0, 0, 0, 1, 0, 0, 0, 1),
		pair(2, 2, 3, 3, 2, 2, 4, 4),
	}
	c, err := NewCollection(in...)
	if err != nil {
		t.Fatal(err)
	}
	in[0] = pair(9, 9, 8, 8, 9, 9, 8, 8)

	var order []Pair
	for i, p := range c.All() {
		if p != c.At(i) {
			t.Fatalf("All and At disagree at %d", i)
		}
		order = append(order, p)
	}
	if d := cmp.Diff(c.Pairs(), order); d != "" {
		t.Fatalf("iteration order differs from Pairs (-want +got):\n%s", d)
	}
	if order[0] == in[0] {
		t.Fatalf("collection shares storage with caller slice")
	}

	out := c.Pairs()
	out[1] = in[0]
	if c.At(1) == in[0] {
		t.Fatalf("Pairs returned internal storage")
	}
}

func TestFlatten(t *testing.T) {
	c, err := NewCollection(pair(1, 2, 3, 4, 5, 6, 7, 8))
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	if d := cmp.Diff(want, c.Flatten()); d != "" {
		t.Fatalf("flatten mismatch (-want +got):\n%s", d)
	}
}

func TestSaveLoadFormats(t *testing.T) {
	c, err := NewCollection(pair(0, 0, 10, 0, 5, 5, 15, 5), pair(0, 0, 0, 10, 1, 1, 1, 12))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"lines.json", "lines.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := Save(path, c); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if d := cmp.Diff(c.Pairs(), got.Pairs()); d != "" {
				t.Fatalf("pairs mismatch (-want +got):\n%s", d)
			}
		})
	}
}

func TestParseRejectsDegenerateYAML(t *testing.T) {
	doc := []byte(`
pairs:
  - start: {p0: {x: 1, y: 1}, p1: {x: 1, y: 1}}
    end:   {p0: {x: 0, y: 0}, p1: {x: 4, y: 0}}
`)
	if _, err := Parse(doc, ".yaml"); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := Parse([]byte(`{"pairs": []}`), ".json"); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty json, got %v", err)
	}
}
