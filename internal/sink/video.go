package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"parallelmorph/internal/fsutil"
	"parallelmorph/internal/raster"
)

// VideoSink stages frames as PNGs in a scratch directory and encodes them with
// ffmpeg on Close.
type VideoSink struct {
	ctx     context.Context
	output  string
	format  string
	opts    Options
	logger  *slog.Logger
	scratch *fsutil.Scratch
	frames  *DirSink
}

// NewVideoSink prepares a video at output. format is mp4 or webm.
func NewVideoSink(ctx context.Context, output, format string, opts Options) (*VideoSink, error) {
	if format != FormatMP4 && format != FormatWebM {
		return nil, fmt.Errorf("unsupported video format %q", format)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if opts.FPS <= 0 {
		opts.FPS = 24
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &VideoSink{ctx: ctx, output: withExt(output, format), format: format, opts: opts, logger: logger}, nil
}

// Output returns the video path.
func (s *VideoSink) Output() string { return s.output }

func (s *VideoSink) AddFrame(index int, img *raster.Image) error {
	if s.frames == nil {
		frames := s.opts.Frames
		if frames < index+1 {
			frames = index + 1
		}
		scratch, err := fsutil.NewScratch("parallelmorph-frames", s.opts.TempDir, fsutil.EstimateFramesMB(img.Width, img.Height, frames), s.logger)
		if err != nil {
			return err
		}
		s.scratch = scratch
		s.frames = &DirSink{Dir: scratch.Dir}
	}
	return s.frames.AddFrame(index, img)
}

func (s *VideoSink) Close() error {
	if s.frames == nil {
		return fmt.Errorf("no frames to encode into %s", s.output)
	}
	defer s.scratch.Cleanup()

	if backup, err := fsutil.BackupExisting(s.output); err != nil {
		s.logger.Warn("failed to backup existing file", "file", s.output, "error", err)
	} else if backup != "" {
		s.logger.Info("backed up existing output", "file", s.output, "backup", backup)
	}

	args := s.args()
	s.logger.Info("executing ffmpeg command",
		"format", s.format,
		"args", args,
		"output_file", s.output,
		"frames", s.frames.Written(),
	)
	cmd := exec.CommandContext(s.ctx, s.opts.FFmpeg, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		s.logger.Error("ffmpeg failed",
			"format", s.format,
			"error", err,
			"ffmpeg_output", string(output),
		)
		return fmt.Errorf("ffmpeg failed for %s: %w", s.format, err)
	}
	if _, err := os.Stat(s.output); err != nil {
		return fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	return nil
}

func (s *VideoSink) Discard() error {
	if s.scratch == nil {
		return nil
	}
	return s.scratch.Cleanup()
}

func (s *VideoSink) args() []string {
	args := []string{
		"-y",
		"-framerate", fmt.Sprint(s.opts.FPS),
		"-i", filepath.Join(s.frames.Dir, FramePattern),
	}
	switch s.format {
	case FormatMP4:
		args = append(args,
			"-c:v", "libx264",
			"-pix_fmt", "yuv420p",
			"-crf", "18",
			// yuv420p needs even dimensions
			"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		)
	case FormatWebM:
		args = append(args,
			"-c:v", "libvpx-vp9",
			"-b:v", "0",
			"-crf", "32",
			"-pix_fmt", "yuva420p",
		)
	}
	return append(args, s.output)
}
