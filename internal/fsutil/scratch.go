package fsutil

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// shmDir is the tmpfs most Linux systems mount for shared memory.
var shmDir = "/dev/shm"

// Scratch is a temporary directory for intermediate frames. It lives in memory
// when the machine has room for it.
type Scratch struct {
	Dir      string
	InMemory bool
	logger   *slog.Logger
}

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return int64(sysinfo.Freeram) * int64(sysinfo.Unit) / (1024 * 1024), nil
}

// EstimateFramesMB estimates the disk needed for frames uncompressed PNG frames
// of the given size, with a 20% margin.
func EstimateFramesMB(width, height, frames int) int64 {
	bytes := int64(width) * int64(height) * 4 * int64(frames) * 12 / 10
	return bytes/(1024*1024) + 1
}

// fitsInMemory applies the same rule as before: the data must take less than half
// the available RAM and leave at least 512MB free.
func fitsInMemory(neededMB, availableMB int64) bool {
	const minFreeMB = 512
	return neededMB < availableMB/2 && availableMB-neededMB > minFreeMB
}

// NewScratch creates a scratch directory for roughly sizeMB of data, in shared
// memory when it fits and under tempDir otherwise. An empty tempDir uses the
// system default.
func NewScratch(prefix, tempDir string, sizeMB int64, logger *slog.Logger) (*Scratch, error) {
	s := &Scratch{logger: logger}
	base := tempDir
	if avail, err := GetSystemMemory(); err == nil && fitsInMemory(sizeMB, avail) && isDir(shmDir) {
		base = shmDir
		s.InMemory = true
	} else if err != nil && logger != nil {
		logger.Debug("failed to get system memory info", "error", err)
	}

	dir, err := os.MkdirTemp(base, prefix+"-*")
	if err != nil && s.InMemory {
		s.InMemory = false
		dir, err = os.MkdirTemp(tempDir, prefix+"-*")
	}
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	s.Dir = dir
	if logger != nil {
		logger.Debug("scratch directory ready", "dir", dir, "in_memory", s.InMemory, "size_mb", sizeMB)
	}
	return s, nil
}

// Cleanup removes the scratch directory and everything in it.
func (s *Scratch) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to remove scratch directory", "error", err, "dir", s.Dir)
		}
		return err
	}
	s.Dir = ""
	return nil
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
