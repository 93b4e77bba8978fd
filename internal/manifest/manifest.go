// Package manifest describes a morph job in a YAML or JSON file.
//
//	name: face
//	start: a.png
//	end: b.png
//	lines: face.lines.yaml
//	frames: 48
//	weights: {a: 0.1, b: 2, p: 0.5}
//	backend: parallel
//	output: {format: mp4, path: out/face.mp4, fps: 24}
//	extra:
//	  - {path: out/face.gif}
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"parallelmorph/internal/errs"
	"parallelmorph/internal/feature"
	"parallelmorph/internal/morph"
	"parallelmorph/internal/warp"
)

// Manifest is one morph job.
type Manifest struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
	// Lines is a line file. Pairs may be given inline instead.
	Lines string         `json:"lines,omitempty" yaml:"lines,omitempty"`
	Pairs []feature.Pair `json:"pairs,omitempty" yaml:"pairs,omitempty"`
	// Frames of 0 uses the configured default.
	Frames  int          `json:"frames,omitempty" yaml:"frames,omitempty"`
	Weights *warp.Params `json:"weights,omitempty" yaml:"weights,omitempty"`
	Backend string       `json:"backend,omitempty" yaml:"backend,omitempty"`
	Device  string       `json:"device,omitempty" yaml:"device,omitempty"`
	Workers int          `json:"workers,omitempty" yaml:"workers,omitempty"`
	// Fit resamples the end image to the size of the start image.
	Fit    bool   `json:"fit,omitempty" yaml:"fit,omitempty"`
	Output Output `json:"output" yaml:"output"`
	// Extra outputs receive the same frames as Output.
	Extra []Output `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Output says where frames go.
type Output struct {
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	FPS    int    `json:"fps,omitempty" yaml:"fps,omitempty"`
}

// Load reads and validates the manifest at path. Relative paths inside it are
// resolved against the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	m.Resolve(filepath.Dir(path))
	if m.Name == "" {
		m.Name = strings.SplitN(filepath.Base(path), ".", 2)[0]
	}
	return m, nil
}

// Parse decodes and validates a manifest. ext selects JSON for ".json" and YAML
// otherwise.
func Parse(data []byte, ext string) (*Manifest, error) {
	var m Manifest
	if strings.EqualFold(ext, ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that the manifest names everything a run needs.
func (m *Manifest) Validate() error {
	switch {
	case m.Start == "":
		return fmt.Errorf("%w: start image is required", errs.ErrInvalidInput)
	case m.End == "":
		return fmt.Errorf("%w: end image is required", errs.ErrInvalidInput)
	case m.Lines == "" && len(m.Pairs) == 0:
		return fmt.Errorf("%w: lines file or inline pairs are required", errs.ErrInvalidInput)
	case m.Lines != "" && len(m.Pairs) > 0:
		return fmt.Errorf("%w: lines file and inline pairs are mutually exclusive", errs.ErrInvalidInput)
	case m.Frames < 0 || m.Frames == 1:
		return fmt.Errorf("%w: frame count must be >= 2, got %d", errs.ErrInvalidInput, m.Frames)
	case m.Workers < 0:
		return fmt.Errorf("%w: workers must be >= 0", errs.ErrInvalidInput)
	case m.Output.FPS < 0:
		return fmt.Errorf("%w: fps must be >= 0", errs.ErrInvalidInput)
	}
	for i, o := range m.Extra {
		if o.Path == "" {
			return fmt.Errorf("%w: extra output %d needs a path", errs.ErrInvalidInput, i)
		}
		if o.FPS < 0 {
			return fmt.Errorf("%w: fps must be >= 0", errs.ErrInvalidInput)
		}
	}
	if m.Weights != nil {
		if err := m.Weights.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Resolve makes relative file paths absolute against base.
func (m *Manifest) Resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	m.Start = abs(m.Start)
	m.End = abs(m.End)
	m.Lines = abs(m.Lines)
	m.Output.Path = abs(m.Output.Path)
	for i := range m.Extra {
		m.Extra[i].Path = abs(m.Extra[i].Path)
	}
}

// LinePairs returns the validated line pairs, reading the lines file if set.
func (m *Manifest) LinePairs() (*feature.Collection, error) {
	if m.Lines != "" {
		return feature.Load(m.Lines)
	}
	return feature.NewCollection(m.Pairs...)
}

// ToOptions fills the run options, taking anything the manifest leaves unset
// from defaults.
func (m *Manifest) ToOptions(defaults morph.Options) morph.Options {
	opts := defaults
	if m.Frames != 0 {
		opts.Frames = m.Frames
	}
	if m.Weights != nil {
		opts.Params = *m.Weights
	}
	return opts
}
