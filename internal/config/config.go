package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	defaultConfigPath = "~/.config/panostitch/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the stitcher and its services.
type Config struct {
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Stitching  Stitching  `json:"stitching" yaml:"stitching"`
	Storage    Storage    `json:"storage" yaml:"storage"`
	Server     Server     `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" yaml:"parallel_jobs"`
	TempDir      string `json:"temp_dir" yaml:"temp_dir"`
	JPEGQuality  int    `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input" yaml:"default_input"`
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
	DebugDir      string `json:"debug_dir" yaml:"debug_dir"`
}

// Stitching tunes feature matching, estimation and compositing.
type Stitching struct {
	Extractor       string  `json:"extractor" yaml:"extractor"` // harris, sift
	Matcher         string  `json:"matcher" yaml:"matcher"`     // bruteforce, kdtree
	Ratio           float64 `json:"ratio" yaml:"ratio"`
	ReprojThreshold float64 `json:"reproj_threshold" yaml:"reproj_threshold"`
	MaxIterations   int     `json:"max_iterations" yaml:"max_iterations"`
	Confidence      float64 `json:"confidence" yaml:"confidence"`
	MinInliers      int     `json:"min_inliers" yaml:"min_inliers"`
	MaskThreshold   uint8   `json:"mask_threshold" yaml:"mask_threshold"`
	MaxCanvasPixels int     `json:"max_canvas_pixels" yaml:"max_canvas_pixels"`
	MaxFeatures     int     `json:"max_features" yaml:"max_features"`
	PatchRadius     int     `json:"patch_radius" yaml:"patch_radius"`
	PairParallelism int     `json:"pair_parallelism" yaml:"pair_parallelism"`
	PrecomputePairs bool    `json:"precompute_pairs" yaml:"precompute_pairs"`
	Budget          string  `json:"budget" yaml:"budget"` // wall-clock limit, e.g. "2m"; empty or "0s" disables
	Seed            int64   `json:"seed" yaml:"seed"`     // 0 picks a time-based seed
}

// Storage selects the job database driver.
type Storage struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite (pure Go), sqlite3 (cgo)
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
	WatchDir string `json:"watch_dir" yaml:"watch_dir"`
	Settle   string `json:"settle" yaml:"settle"` // quiet period before a watched folder is stitched
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("PANOSTITCH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the given file over the defaults. A missing file is not an error.
func LoadFile(configPath string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
			JPEGQuality:  92,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "panostitch.db"),
		},
		Stitching: Stitching{
			Extractor:       "harris",
			Matcher:         "bruteforce",
			Ratio:           0.75,
			ReprojThreshold: 4.0,
			MaxIterations:   2000,
			Confidence:      0.995,
			MinInliers:      8,
			MaskThreshold:   1,
			MaxCanvasPixels: 1 << 28,
			MaxFeatures:     4000,
			PatchRadius:     4,
			PairParallelism: 4,
			PrecomputePairs: true,
			Budget:          "0s",
		},
		Storage: Storage{Driver: "sqlite"},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
			Settle:   "5s",
		},
	}
}

// BudgetDuration parses Stitching.Budget. Zero means unlimited.
func (s Stitching) BudgetDuration() (time.Duration, error) {
	if s.Budget == "" {
		return 0, nil
	}
	return time.ParseDuration(s.Budget)
}

// SettleDuration parses Server.Settle.
func (s Server) SettleDuration() (time.Duration, error) {
	if s.Settle == "" {
		return 0, nil
	}
	return time.ParseDuration(s.Settle)
}

// Validate reports the first setting that would make a run fail.
func (c *Config) Validate() error {
	st := c.Stitching
	if st.Ratio <= 0 || st.Ratio >= 1 {
		return fmt.Errorf("stitching.ratio must be in (0,1), got %v", st.Ratio)
	}
	if st.ReprojThreshold <= 0 {
		return fmt.Errorf("stitching.reproj_threshold must be positive, got %v", st.ReprojThreshold)
	}
	if st.MaxIterations < 1 {
		return fmt.Errorf("stitching.max_iterations must be at least 1, got %d", st.MaxIterations)
	}
	if st.Confidence <= 0 || st.Confidence >= 1 {
		return fmt.Errorf("stitching.confidence must be in (0,1), got %v", st.Confidence)
	}
	if st.MinInliers < 4 {
		return fmt.Errorf("stitching.min_inliers must be at least 4, got %d", st.MinInliers)
	}
	if st.MaxCanvasPixels < 1 {
		return fmt.Errorf("stitching.max_canvas_pixels must be at least 1, got %d", st.MaxCanvasPixels)
	}
	switch st.Matcher {
	case "bruteforce", "kdtree":
	default:
		return fmt.Errorf("stitching.matcher %q is not one of bruteforce, kdtree", st.Matcher)
	}
	if _, err := st.BudgetDuration(); err != nil {
		return fmt.Errorf("stitching.budget: %w", err)
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver %q is not one of sqlite, sqlite3", c.Storage.Driver)
	}
	if _, err := c.Server.SettleDuration(); err != nil {
		return fmt.Errorf("server.settle: %w", err)
	}
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs)
	}
	return nil
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
