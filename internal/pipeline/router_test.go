package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"panostitch/internal/config"
	"panostitch/internal/imageio"
	"panostitch/internal/logging"
	"panostitch/internal/stitch"
	"panostitch/internal/storage"
)

func noise(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(32 + rng.Intn(224))
		img.Pix[i+1] = uint8(32 + rng.Intn(224))
		img.Pix[i+2] = uint8(32 + rng.Intn(224))
		img.Pix[i+3] = 0xff
	}
	return img
}

// writeStrips saves overlapping 120px wide crops of one scene as PNGs.
func writeStrips(t *testing.T, dir string, offsets ...int) []string {
	t.Helper()
	scene := noise(300, 100, 7)
	var paths []string
	for i, x0 := range offsets {
		p := filepath.Join(dir, "frame_"+string(rune('a'+i))+".png")
		if err := imageio.Save(p, scene.SubImage(image.Rect(x0, 0, x0+120, 100)), imageio.Options{}); err != nil {
			t.Fatalf("save strip: %v", err)
		}
		paths = append(paths, p)
	}
	return paths
}

func testRouter(t *testing.T) (*router, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := config.Default()
	cfg.Stitching.ReprojThreshold = 0.5
	cfg.Stitching.Seed = 1
	return newRouter(logging.Discard(), store, cfg), store
}

func TestRouterStitchJob(t *testing.T) {
	r, store := testRouter(t)
	dir := t.TempDir()
	inputs := writeStrips(t, dir, 0, 90, 180)
	out := filepath.Join(dir, "out", "pano.png")
	plot := filepath.Join(dir, "out", "steps.html")

	res := r.Process(context.Background(), Job{
		ID:      "stitch-1",
		Type:    JobStitch,
		Inputs:  []string{dir},
		Output:  out,
		Options: map[string]any{"report": plot},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["width"] != 300 || res.Meta["height"] != 100 {
		t.Fatalf("unexpected size meta: %v x %v", res.Meta["width"], res.Meta["height"])
	}
	if res.Meta["steps"] != 2 {
		t.Fatalf("expected 2 steps, got %v", res.Meta["steps"])
	}
	if res.Meta["trace"] != "init>pairwise>merging>done" {
		t.Fatalf("unexpected trace %v", res.Meta["trace"])
	}
	for _, p := range []string{out, plot} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
	}

	steps, err := store.StitchSteps("stitch-1")
	if err != nil || len(steps) != 2 {
		t.Fatalf("stored steps = %v, %v", steps, err)
	}
	if steps[1].CanvasWidth != 300 {
		t.Fatalf("final canvas width %d", steps[1].CanvasWidth)
	}
	md, err := store.ImageMetadataForJob("stitch-1")
	if err != nil || len(md) != len(inputs) {
		t.Fatalf("stored metadata = %v, %v", md, err)
	}
	if md[2].FilePath != inputs[2] || md[2].Width != 120 {
		t.Fatalf("unexpected metadata %+v", md[2])
	}
}

func TestRouterStitchReportsFailingIndex(t *testing.T) {
	r, _ := testRouter(t)
	dir := t.TempDir()
	inputs := writeStrips(t, dir, 0, 90)
	stray := filepath.Join(dir, "stray.png")
	if err := imageio.Save(stray, noise(120, 100, 99), imageio.Options{}); err != nil {
		t.Fatal(err)
	}

	res := r.Process(context.Background(), Job{
		ID:     "stitch-2",
		Type:   JobStitch,
		Inputs: append(inputs, stray),
	})
	if !errors.Is(res.Error, stitch.ErrUnregistrable) {
		t.Fatalf("expected unregistrable error, got %v", res.Error)
	}
	if res.Meta["failedIndex"] != 2 || res.Meta["failedInput"] != stray {
		t.Fatalf("unexpected failure meta %v", res.Meta)
	}
}

func TestRouterRegisterJob(t *testing.T) {
	r, _ := testRouter(t)
	dir := t.TempDir()
	inputs := writeStrips(t, dir, 0, 90)
	out := filepath.Join(dir, "pairs.json")

	res := r.Process(context.Background(), Job{ID: "reg-1", Type: JobRegister, Inputs: inputs, Output: out})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var pairs []PairSummary
	if err := json.Unmarshal(data, &pairs); err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 || pairs[0].Error != "" {
		t.Fatalf("unexpected pairs %+v", pairs)
	}
	if dx := pairs[0].Homography[2]; dx < 89.5 || dx > 90.5 {
		t.Fatalf("expected x translation near 90, got %v", dx)
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r, _ := testRouter(t)
	if res := r.Process(context.Background(), Job{ID: "x", Type: "timelapse"}); res.Error == nil {
		t.Fatal("expected error for unknown job type")
	}
}

func TestStitchOptionsOverrides(t *testing.T) {
	cfg := config.Default().Stitching
	opts, err := StitchOptions(cfg, map[string]any{
		"matcher":         "kdtree",
		"ratio":           0.6,
		"seed":            float64(42),
		"reprojThreshold": "2.5",
	})
	if err != nil {
		t.Fatalf("StitchOptions: %v", err)
	}
	if opts.Ratio != 0.6 || opts.Seed != 42 || opts.Estimator.Threshold != 2.5 {
		t.Fatalf("overrides not applied: %+v", opts)
	}
	if opts.Compositor.MaxPixels != cfg.MaxCanvasPixels {
		t.Fatalf("canvas limit = %d, want %d", opts.Compositor.MaxPixels, cfg.MaxCanvasPixels)
	}
	opts, err = StitchOptions(cfg, map[string]any{"maxCanvasPixels": float64(5000)})
	if err != nil || opts.Compositor.MaxPixels != 5000 {
		t.Fatalf("maxCanvasPixels override: %d, %v", opts.Compositor.MaxPixels, err)
	}
	if _, err := StitchOptions(cfg, map[string]any{"ratio": 1.5}); err == nil {
		t.Fatal("expected ratio error")
	}
	if _, err := StitchOptions(cfg, map[string]any{"extractor": "orb"}); err == nil {
		t.Fatal("expected unknown extractor error")
	}
}
