package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// nativeExts decode with the Go image packages.
var nativeExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
}

// magickExts need ImageMagick to decode.
var magickExts = map[string]struct{}{
	".heic": {},
	".avif": {},
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".cr3":  {},
	".arw":  {},
	".rw2":  {},
	".orf":  {},
	".raf":  {},
	".psd":  {},
}

var manifestSuffixes = []string{".morph.yaml", ".morph.yml", ".morph.json"}

// ListImages returns all image-like files under root.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsNativeImage reports whether the Go decoders handle path.
func IsNativeImage(path string) bool {
	_, ok := nativeExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// NeedsMagick reports whether path is an image only ImageMagick can read.
func NeedsMagick(path string) bool {
	_, ok := magickExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	return IsNativeImage(path) || NeedsMagick(path)
}

// IsManifest reports whether path names a morph job manifest.
func IsManifest(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, s := range manifestSuffixes {
		if strings.HasSuffix(name, s) && len(name) > len(s) {
			return true
		}
	}
	return false
}

// BackupExisting renames path out of the way with a timestamp suffix. A missing
// file is not an error.
func BackupExisting(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	}
	backup := path + ".backup." + time.Now().Format("20060102-150405")
	return backup, os.Rename(path, backup)
}
