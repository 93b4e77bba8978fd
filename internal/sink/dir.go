package sink

import (
	"fmt"
	"os"
	"path/filepath"

	"parallelmorph/internal/imageio"
	"parallelmorph/internal/raster"
)

// FramePattern names the numbered frame files.
const FramePattern = "frame_%04d.png"

// DirSink writes every frame as a numbered PNG in Dir.
type DirSink struct {
	Dir     string
	written int
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &DirSink{Dir: dir}, nil
}

func (s *DirSink) AddFrame(index int, img *raster.Image) error {
	if err := imageio.SavePNG(s.FramePath(index), img); err != nil {
		return err
	}
	s.written++
	return nil
}

// FramePath returns the file frame index is written to.
func (s *DirSink) FramePath(index int) string {
	return filepath.Join(s.Dir, fmt.Sprintf(FramePattern, index))
}

// Written returns the number of frames saved so far.
func (s *DirSink) Written() int { return s.written }

func (s *DirSink) Close() error { return nil }

// Discard keeps the frames already written.
func (s *DirSink) Discard() error { return nil }
