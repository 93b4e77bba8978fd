package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kelseyhightower/envconfig"

	"parallelmorph/internal/morph"
	"parallelmorph/internal/warp"
)

const (
	defaultConfigPath = "~/.config/parallelmorph/config.json"
	defaultParallel   = 2
	// EnvPath overrides the config file location.
	EnvPath = "MORPH_CONFIG"
	// EnvPrefix prefixes every environment override, e.g. MORPH_MORPH_BACKEND.
	EnvPrefix = "MORPH"
)

// Config holds user-editable settings.
type Config struct {
	Morph      MorphDefaults `json:"morph"`
	Output     Output        `json:"output"`
	Processing Processing    `json:"processing"`
	Logging    Logging       `json:"logging"`
	Paths      Paths         `json:"paths"`
	Server     Server        `json:"server"`
}

// MorphDefaults apply to runs that do not set their own values.
type MorphDefaults struct {
	Frames  int     `json:"frames"`
	WeightA float64 `json:"weight_a" envconfig:"weight_a"`
	WeightB float64 `json:"weight_b" envconfig:"weight_b"`
	WeightP float64 `json:"weight_p" envconfig:"weight_p"`
	Backend string  `json:"backend"` // sequential, parallel, accelerated
	Device  string  `json:"device"`  // accelerator path for the accelerated backend
	Workers int     `json:"workers"` // goroutines per frame, 0 = GOMAXPROCS
	Fit     bool    `json:"fit"`     // resample the end image to the start size
}

// Output selects how frames are written.
type Output struct {
	Format string `json:"format"` // png, mp4, webm, gif, webp
	FPS    int    `json:"fps"`
	FFmpeg string `json:"ffmpeg"` // ffmpeg binary
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" envconfig:"parallel_jobs"`
	QueueSize    int    `json:"queue_size" envconfig:"queue_size"`
	TempDir      string `json:"temp_dir" envconfig:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`                               // debug, info, warn, error
	Format     string `json:"format"`                              // text, json
	FileOutput bool   `json:"file_output" envconfig:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" envconfig:"log_dir"`         // Directory for log files
	MaxSize    int    `json:"max_size" envconfig:"max_size"`       // Max size in MB before rotation
	MaxBackups int    `json:"max_backups" envconfig:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age" envconfig:"max_age"`         // Days to keep log files
}

// Paths configures default locations.
type Paths struct {
	DefaultOutput string `json:"default_output" envconfig:"default_output"`
	DatabasePath  string `json:"database_path" envconfig:"database_path"`
	WatchDir      string `json:"watch_dir" envconfig:"watch_dir"`
}

// Server configures the network surfaces of `morph serve`.
type Server struct {
	HTTPAddr string `json:"http_addr" envconfig:"http_addr"`
	GRPCAddr string `json:"grpc_addr" envconfig:"grpc_addr"` // empty disables gRPC
}

// Path returns the config file location after applying MORPH_CONFIG.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults, then
// applies MORPH_* environment overrides.
func Load() (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(Path())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	for _, p := range []*string{&cfg.Logging.LogDir, &cfg.Paths.DefaultOutput, &cfg.Paths.DatabasePath, &cfg.Paths.WatchDir} {
		if *p, err = expandUser(*p); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no run could use.
func (c *Config) Validate() error {
	if err := c.MorphOptions().Validate(); err != nil {
		return fmt.Errorf("config morph: %w", err)
	}
	switch {
	case c.Morph.Workers < 0:
		return fmt.Errorf("config morph.workers must be >= 0, got %d", c.Morph.Workers)
	case c.Output.FPS <= 0:
		return fmt.Errorf("config output.fps must be > 0, got %d", c.Output.FPS)
	case c.Processing.ParallelJobs < 1:
		return fmt.Errorf("config processing.parallel_jobs must be >= 1, got %d", c.Processing.ParallelJobs)
	case c.Processing.QueueSize < 1:
		return fmt.Errorf("config processing.queue_size must be >= 1, got %d", c.Processing.QueueSize)
	}
	return nil
}

// MorphOptions returns the default run options.
func (c *Config) MorphOptions() morph.Options {
	return morph.Options{
		Frames: c.Morph.Frames,
		Params: warp.Params{A: c.Morph.WeightA, B: c.Morph.WeightB, P: c.Morph.WeightP},
	}
}

func defaultConfig() *Config {
	return &Config{
		Morph: MorphDefaults{
			Frames:  30,
			WeightA: warp.DefaultParams.A,
			WeightB: warp.DefaultParams.B,
			WeightP: warp.DefaultParams.P,
			Backend: "parallel",
			Workers: runtime.GOMAXPROCS(0),
		},
		Output: Output{
			Format: "png",
			FPS:    24,
			FFmpeg: "ffmpeg",
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    100,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "parallelmorph.db"),
		},
		Server: Server{
			HTTPAddr: ":8080",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
