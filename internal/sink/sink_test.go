package sink

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"parallelmorph/internal/imageio"
	"parallelmorph/internal/raster"
)

func frame(v uint8) *raster.Image {
	return raster.Filled(3, 2, color.NRGBA{R: v, G: v, B: v, A: 255})
}

func TestDirSinkWritesNumberedFrames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	s, err := NewDirSink(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.AddFrame(i, frame(uint8(i*100))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.Written() != 3 {
		t.Fatalf("expected 3 frames written, got %d", s.Written())
	}
	got, err := imageio.Load(filepath.Join(dir, "frame_0002.png"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(frame(200)) {
		t.Fatalf("frame 2 has wrong pixels")
	}
}

func TestResolveFormat(t *testing.T) {
	cases := map[Options]string{
		{Path: "out/frames"}:                  FormatPNG,
		{Path: "out/morph.MP4"}:               FormatMP4,
		{Path: "out/morph.webm"}:              FormatWebM,
		{Path: "out/morph.gif"}:               FormatGIF,
		{Path: "out/morph.gif", Format: "MP4"}: FormatMP4,
	}
	for opts, want := range cases {
		if got := opts.ResolveFormat(); got != want {
			t.Errorf("ResolveFormat(%+v) = %q, want %q", opts, got, want)
		}
	}
}

func TestOpenRejectsUnknownFormat(t *testing.T) {
	if _, err := Open(context.Background(), Options{Path: t.TempDir(), Format: "avi"}); err == nil {
		t.Fatalf("expected error for avi")
	}
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Fatalf("expected error without path")
	}
}

func fakeFFmpeg(t *testing.T, exitCode int) (bin, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "ffmpeg")
	argsFile = filepath.Join(dir, "args.txt")
	script := "#!/bin/sh\n" +
		"echo \"$@\" > " + argsFile + "\n" +
		"for a; do last=$a; done\n" +
		"echo video > \"$last\"\n" +
		"exit " + string(rune('0'+exitCode)) + "\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin, argsFile
}

func TestVideoSinkRunsFFmpeg(t *testing.T) {
	bin, argsFile := fakeFFmpeg(t, 0)
	out := filepath.Join(t.TempDir(), "morph.mp4")
	s, err := Open(context.Background(), Options{Path: out, FPS: 12, FFmpeg: bin, Frames: 2})
	if err != nil {
		t.Fatal(err)
	}
	vs := s.(*VideoSink)
	for i := 0; i < 2; i++ {
		if err := s.AddFrame(i, frame(uint8(i))); err != nil {
			t.Fatal(err)
		}
	}
	scratch := vs.scratch.Dir
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected video at %s: %v", out, err)
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Fatalf("expected scratch dir removed, got %v", err)
	}
	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"-framerate 12", "libx264", "frame_%04d.png", out} {
		if !strings.Contains(string(args), want) {
			t.Errorf("ffmpeg args %q missing %q", args, want)
		}
	}
}

func TestVideoSinkReportsFFmpegFailure(t *testing.T) {
	bin, _ := fakeFFmpeg(t, 1)
	s, err := NewVideoSink(context.Background(), filepath.Join(t.TempDir(), "m.webm"), FormatWebM, Options{FFmpeg: bin})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddFrame(0, frame(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err == nil {
		t.Fatalf("expected ffmpeg failure")
	}
}

func TestVideoSinkDiscard(t *testing.T) {
	s, err := NewVideoSink(context.Background(), filepath.Join(t.TempDir(), "m.mp4"), FormatMP4, Options{FFmpeg: "/nonexistent"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddFrame(0, frame(1)); err != nil {
		t.Fatal(err)
	}
	dir := s.scratch.Dir
	if err := s.Discard(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected scratch dir removed")
	}
}

type recordSink struct {
	frames   []int
	closed   bool
	addErr   error
	closeErr error
}

func (r *recordSink) AddFrame(i int, _ *raster.Image) error {
	if r.addErr != nil {
		return r.addErr
	}
	r.frames = append(r.frames, i)
	return nil
}
func (r *recordSink) Close() error   { r.closed = true; return r.closeErr }
func (r *recordSink) Discard() error { return nil }

func TestMulti(t *testing.T) {
	a, b := &recordSink{}, &recordSink{closeErr: errors.New("b failed")}
	m := Multi{a, b}
	for i := 0; i < 2; i++ {
		if err := m.AddFrame(i, frame(0)); err != nil {
			t.Fatal(err)
		}
	}
	if len(a.frames) != 2 || len(b.frames) != 2 {
		t.Fatalf("expected both sinks to get 2 frames, got %v and %v", a.frames, b.frames)
	}
	err := m.Close()
	if !a.closed || !b.closed {
		t.Fatalf("expected all sinks closed")
	}
	if err == nil || !strings.Contains(err.Error(), "b failed") {
		t.Fatalf("expected joined close error, got %v", err)
	}

	failing := Multi{&recordSink{addErr: errors.New("full")}, a}
	if err := failing.AddFrame(2, frame(0)); err == nil {
		t.Fatalf("expected add error")
	}
}
