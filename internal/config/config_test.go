package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("PANOSTITCH_CONFIG", filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default().Stitching, cfg.Stitching); diff != "" {
		t.Fatalf("stitching defaults mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		file string
		body string
	}{
		{"json", "c.json", `{"stitching":{"ratio":0.6,"matcher":"kdtree"},"storage":{"driver":"sqlite3"}}`},
		{"yaml", "c.yaml", "stitching:\n  ratio: 0.6\n  matcher: kdtree\nstorage:\n  driver: sqlite3\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.file)
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			if cfg.Stitching.Ratio != 0.6 || cfg.Stitching.Matcher != "kdtree" {
				t.Fatalf("overrides not applied: %+v", cfg.Stitching)
			}
			if cfg.Storage.Driver != "sqlite3" {
				t.Fatalf("driver = %q", cfg.Storage.Driver)
			}
			// untouched fields keep their defaults
			if cfg.Stitching.MaxIterations != 2000 {
				t.Fatalf("max_iterations = %d, want default", cfg.Stitching.MaxIterations)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"ratio one":     func(c *Config) { c.Stitching.Ratio = 1 },
		"ratio zero":    func(c *Config) { c.Stitching.Ratio = 0 },
		"few inliers":   func(c *Config) { c.Stitching.MinInliers = 3 },
		"matcher":       func(c *Config) { c.Stitching.Matcher = "flann" },
		"budget":        func(c *Config) { c.Stitching.Budget = "soon" },
		"driver":        func(c *Config) { c.Storage.Driver = "postgres" },
		"no iterations": func(c *Config) { c.Stitching.MaxIterations = 0 },
		"canvas limit":  func(c *Config) { c.Stitching.MaxCanvasPixels = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/x/y.db")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "x/y.db"); got != want {
		t.Fatalf("expandUser = %q, want %q", got, want)
	}
	if got, _ := expandUser("/abs"); got != "/abs" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
