// Package sink provides the frame destinations a morph run writes to.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"parallelmorph/internal/magick"
	"parallelmorph/internal/raster"
)

// Sink receives frames and finalizes the output. Close commits the result;
// Discard drops anything not yet written after a failed run.
type Sink interface {
	AddFrame(index int, img *raster.Image) error
	Close() error
	Discard() error
}

// Output formats understood by Open.
const (
	FormatPNG  = "png"
	FormatMP4  = "mp4"
	FormatWebM = "webm"
	FormatGIF  = "gif"
	FormatWebP = "webp"
)

// Formats lists every supported output format.
func Formats() []string {
	return []string{FormatPNG, FormatMP4, FormatWebM, FormatGIF, FormatWebP}
}

// Options describe where and how frames are written.
type Options struct {
	// Format is one of Formats. Empty infers it from the extension of Path and
	// falls back to numbered PNGs.
	Format string
	// Path is a directory for png output and a file otherwise.
	Path string
	FPS  int
	// FFmpeg is the ffmpeg binary for video formats.
	FFmpeg string
	// Frames is the expected frame count, used to size scratch space.
	Frames int
	Logger *slog.Logger

	// TempDir holds staged video frames when they do not fit in memory.
	TempDir string
}

// ResolveFormat returns the effective output format for opts.
func (o Options) ResolveFormat() string {
	if o.Format != "" {
		return strings.ToLower(o.Format)
	}
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(o.Path), ".")); ext {
	case FormatMP4, FormatWebM, FormatGIF, FormatWebP:
		return ext
	}
	return FormatPNG
}

// Open builds the sink for opts.
func Open(ctx context.Context, opts Options) (Sink, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if opts.FPS <= 0 {
		opts.FPS = 24
	}
	var (
		s   Sink
		err error
	)
	switch f := opts.ResolveFormat(); f {
	case FormatPNG:
		s, err = NewDirSink(opts.Path)
	case FormatMP4, FormatWebM:
		s, err = NewVideoSink(ctx, opts.Path, f, opts)
	case FormatGIF, FormatWebP:
		// ImageMagick delays are in hundredths of a second
		delay := uint(100 / opts.FPS)
		if delay == 0 {
			delay = 1
		}
		s, err = magick.NewAnimationSink(withExt(opts.Path, f), delay, 0)
	default:
		return nil, fmt.Errorf("unsupported output format %q (supported: %s)", f, strings.Join(Formats(), ", "))
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func withExt(path, format string) string {
	if strings.EqualFold(filepath.Ext(path), "."+format) {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + format
}

// Multi fans frames out to several sinks.
type Multi []Sink

func (m Multi) AddFrame(index int, img *raster.Image) error {
	for _, s := range m {
		if err := s.AddFrame(index, img); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func (m Multi) Discard() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Discard())
	}
	return errors.Join(errs...)
}
