// Package imageio loads and saves the still images a morph run consumes and
// produces.
package imageio

import (
	"bufio"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"parallelmorph/internal/fsutil"
	"parallelmorph/internal/raster"
)

// DecodeFunc decodes the image at path.
type DecodeFunc func(path string) (image.Image, error)

// Loader reads images from disk. Formats the Go decoders cannot handle go to
// Fallback when it is set.
type Loader struct {
	Fallback DecodeFunc
}

// Load decodes path into a raster image.
func (l Loader) Load(path string) (*raster.Image, error) {
	if fsutil.NeedsMagick(path) {
		if l.Fallback == nil {
			return nil, fmt.Errorf("%s: format %q needs ImageMagick support", path, filepath.Ext(path))
		}
		img, err := l.Fallback(path)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return raster.FromImage(img), nil
	}

	img, err := decodeFile(path)
	if err != nil && l.Fallback != nil {
		if fb, ferr := l.Fallback(path); ferr == nil {
			return raster.FromImage(fb), nil
		}
	}
	if err != nil {
		return nil, err
	}
	return raster.FromImage(img), nil
}

// LoadPair loads the start and end images. When fit is set and the sizes
// differ, end is resampled to the size of start.
func (l Loader) LoadPair(startPath, endPath string, fit bool) (start, end *raster.Image, err error) {
	if start, err = l.Load(startPath); err != nil {
		return nil, nil, err
	}
	if end, err = l.Load(endPath); err != nil {
		return nil, nil, err
	}
	if fit && !start.SameSize(end) {
		end = Resize(end, start.Width, start.Height)
	}
	return start, end, nil
}

// Load decodes path with the Go decoders only.
func Load(path string) (*raster.Image, error) {
	return Loader{}.Load(path)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Resize resamples img to w x h with a Catmull-Rom kernel.
func Resize(img *raster.Image, w, h int) *raster.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img.NRGBA(), img.Bounds(), xdraw.Src, nil)
	return raster.FromImage(dst)
}

// SavePNG writes img to path, creating parent directories.
func SavePNG(path string, img *raster.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(w, img.NRGBA()); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
