package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"parallelmorph/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "traditional", "":
		return slog.New(NewTraditionalHandler(w, parseLevel(level)))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

// Setup configures global logging. Output always goes to stdout and, when file
// output is enabled, to a size-rotated file in the log directory. The returned
// closer flushes the rotated file.
func Setup(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	var (
		writers = []io.Writer{os.Stdout}
		closer  io.Closer = nopCloser{}
	)

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Logging.LogDir, "parallelmorph.log"),
			MaxSize:    cfg.Logging.MaxSize,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAge,
			Compress:   true,
		}
		writers = append(writers, rotator)
		closer = rotator
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.Logging.Format) == "json" {
		logger = newLogger(io.MultiWriter(writers...), cfg.Logging.Level, "json")
	} else {
		logger = slog.New(NewTraditionalHandler(io.MultiWriter(writers...), parseLevel(cfg.Logging.Level)))
	}
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TraditionalHandler implements slog.Handler with traditional log formatting:
//
//	2025/01/02 15:04:05 [INFO] run completed [run=run_01h... frames=30]
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string
	group  string
}

// NewTraditionalHandler writes records at or above level to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.format(a))
	}
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		next.group += "." + name
	} else {
		next.group = name
	}
	return &next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogRunStart logs the beginning of a morph run
func LogRunStart(logger *slog.Logger, runID, start, end, output string, options map[string]any) {
	logger.Info("run started",
		"run", runID,
		"start", start,
		"end", end,
		"output", output,
		"options", options,
	)
}

// LogRunComplete logs successful run completion
func LogRunComplete(logger *slog.Logger, runID string, frames int, duration time.Duration) {
	logger.Info("run completed successfully",
		"run", runID,
		"frames", frames,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
	)
}

// LogRunError logs run failures
func LogRunError(logger *slog.Logger, runID string, frames int, duration time.Duration, err error) {
	logger.Error("run failed",
		"run", runID,
		"frames_delivered", frames,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogFrame logs a delivered frame at debug level
func LogFrame(logger *slog.Logger, runID string, index, percent int) {
	logger.Debug("frame delivered",
		"run", runID,
		"frame", index,
		"percent", percent,
	)
}
