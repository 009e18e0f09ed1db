package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"

	"panostitch/internal/composite"
	"panostitch/internal/config"
	"panostitch/internal/features"
	"panostitch/internal/homography"
	"panostitch/internal/match"
	"panostitch/internal/stitch"
)

// StitchOptions builds stitcher options from configuration with per-job
// overrides applied. Recognised overrides: extractor, matcher, ratio,
// reprojThreshold, maxIterations, minInliers, maxFeatures, maxCanvasPixels,
// seed, budget.
func StitchOptions(cfg config.Stitching, overrides map[string]any) (stitch.Options, error) {
	cfg.Extractor = optString(overrides, "extractor", cfg.Extractor)
	cfg.Matcher = optString(overrides, "matcher", cfg.Matcher)
	cfg.Ratio = optFloat(overrides, "ratio", cfg.Ratio)
	cfg.ReprojThreshold = optFloat(overrides, "reprojThreshold", cfg.ReprojThreshold)
	cfg.MaxIterations = optInt(overrides, "maxIterations", cfg.MaxIterations)
	cfg.MinInliers = optInt(overrides, "minInliers", cfg.MinInliers)
	cfg.MaxFeatures = optInt(overrides, "maxFeatures", cfg.MaxFeatures)
	cfg.MaxCanvasPixels = optInt(overrides, "maxCanvasPixels", cfg.MaxCanvasPixels)
	cfg.Seed = int64(optInt(overrides, "seed", int(cfg.Seed)))
	cfg.Budget = optString(overrides, "budget", cfg.Budget)

	ext, err := features.New(cfg.Extractor, features.Options{
		MaxFeatures: cfg.MaxFeatures,
		PatchRadius: cfg.PatchRadius,
	})
	if err != nil {
		return stitch.Options{}, err
	}
	m, err := match.New(cfg.Matcher)
	if err != nil {
		return stitch.Options{}, err
	}
	if err := match.ValidateRatio(cfg.Ratio); err != nil {
		return stitch.Options{}, err
	}
	budget, err := cfg.BudgetDuration()
	if err != nil {
		return stitch.Options{}, fmt.Errorf("budget: %w", err)
	}

	return stitch.Options{
		Extractor: ext,
		Matcher:   m,
		Estimator: homography.Estimator{
			Threshold:     cfg.ReprojThreshold,
			MaxIterations: cfg.MaxIterations,
			Confidence:    cfg.Confidence,
			MinInliers:    cfg.MinInliers,
		},
		Compositor: composite.Compositor{
			MaskThreshold: cfg.MaskThreshold,
			MaxPixels:     cfg.MaxCanvasPixels,
		},
		Ratio:           cfg.Ratio,
		Parallelism:     cfg.PairParallelism,
		PrecomputePairs: cfg.PrecomputePairs,
		Budget:          budget,
		Seed:            cfg.Seed,
	}, nil
}

// Job options arrive typed from the CLI and as float64 or string from JSON.

func optString(opts map[string]any, key, def string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return def
}

func optFloat(opts map[string]any, key string, def float64) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func optInt(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
