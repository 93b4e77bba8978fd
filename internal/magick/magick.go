// Package magick bridges ImageMagick for the formats and outputs the Go image
// packages do not cover.
package magick

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"

	"parallelmorph/internal/raster"
)

// Decode reads any format ImageMagick understands into an NRGBA image.
func Decode(path string) (image.Image, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return nil, fmt.Errorf("failed to orient %s: %w", path, err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "RGBA", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels from %s: %w", path, err)
	}
	pix, ok := pixels.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel type: %T", pixels)
	}

	img := image.NewNRGBA(image.Rect(0, 0, int(width), int(height)))
	copy(img.Pix, pix)
	return img, nil
}

// AnimationSink collects frames into a single animated image (GIF, WebP, APNG)
// written on Close.
type AnimationSink struct {
	path   string
	delay  uint
	loop   uint
	wand   *imagick.MagickWand
	frames int
}

// NewAnimationSink prepares an animation at path. delay is the per-frame delay
// in hundredths of a second; loop 0 repeats forever.
func NewAnimationSink(path string, delay, loop uint) (*AnimationSink, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gif", ".webp", ".apng", ".png":
	default:
		return nil, fmt.Errorf("unsupported animation format %q", filepath.Ext(path))
	}
	if delay == 0 {
		delay = 4
	}
	imagick.Initialize()
	return &AnimationSink{path: path, delay: delay, loop: loop, wand: imagick.NewMagickWand()}, nil
}

// AddFrame appends img as the next frame.
func (s *AnimationSink) AddFrame(index int, img *raster.Image) error {
	if s.wand == nil {
		return fmt.Errorf("animation %s already closed", s.path)
	}
	if index != s.frames {
		return fmt.Errorf("out of order frame %d, expected %d", index, s.frames)
	}

	frame := imagick.NewMagickWand()
	defer frame.Destroy()
	if err := frame.ConstituteImage(uint(img.Width), uint(img.Height), "RGBA", imagick.PIXEL_CHAR, img.Pix); err != nil {
		return fmt.Errorf("failed to create frame %d: %w", index, err)
	}
	if err := frame.SetImageDelay(s.delay); err != nil {
		return fmt.Errorf("failed to set delay on frame %d: %w", index, err)
	}
	if err := s.wand.AddImage(frame); err != nil {
		return fmt.Errorf("failed to append frame %d: %w", index, err)
	}
	s.frames++
	return nil
}

// Frames returns how many frames were added.
func (s *AnimationSink) Frames() int { return s.frames }

// Discard releases ImageMagick resources without writing anything.
func (s *AnimationSink) Discard() error {
	if s.wand == nil {
		return nil
	}
	s.wand.Destroy()
	s.wand = nil
	imagick.Terminate()
	return nil
}

// Close writes the animation and releases ImageMagick resources.
func (s *AnimationSink) Close() error {
	if s.wand == nil {
		return nil
	}
	defer func() {
		s.wand.Destroy()
		s.wand = nil
		imagick.Terminate()
	}()
	if s.frames == 0 {
		return fmt.Errorf("no frames to write to %s", s.path)
	}
	if err := s.wand.SetImageIterations(s.loop); err != nil {
		return fmt.Errorf("failed to set loop count: %w", err)
	}
	if err := s.wand.WriteImages(s.path, true); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	return nil
}
