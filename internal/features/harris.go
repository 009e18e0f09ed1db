package features

import (
	"context"
	"image"
	"math"
	"sort"
)

// HarrisName is the registry name of the built-in corner extractor.
const HarrisName = "harris"

const (
	defaultMaxFeatures = 4000
	defaultPatchRadius = 4
	harrisK            = 0.04
	harrisQuality      = 0.01 // fraction of the strongest response
	windowRadius       = 2    // structure tensor window is 5x5
)

// Harris detects corners with the Harris response and describes each with
// a mean-centred, unit-norm intensity patch. It is deterministic, so the
// same pixels always produce the same features.
type Harris struct {
	MaxFeatures int
	PatchRadius int
}

// NewHarris returns a Harris extractor, filling unset options with defaults.
func NewHarris(o Options) *Harris {
	h := &Harris{MaxFeatures: o.MaxFeatures, PatchRadius: o.PatchRadius}
	if h.MaxFeatures <= 0 {
		h.MaxFeatures = defaultMaxFeatures
	}
	if h.PatchRadius <= 0 {
		h.PatchRadius = defaultPatchRadius
	}
	return h
}

func (h *Harris) Name() string { return HarrisName }

// Extract implements Extractor.
func (h *Harris) Extract(ctx context.Context, img image.Image) (Set, error) {
	g := lumaGrid(img)
	margin := max(h.PatchRadius, windowRadius+1) + 1
	if g.w <= 2*margin || g.h <= 2*margin {
		return Set{}, nil
	}

	resp, err := harrisResponse(ctx, g)
	if err != nil {
		return Set{}, err
	}

	var peak float64
	for _, v := range resp.values {
		peak = math.Max(peak, v)
	}
	if peak <= 0 {
		return Set{}, nil
	}
	floor := peak * harrisQuality

	var kps []Keypoint
	for y := margin; y < g.h-margin; y++ {
		for x := margin; x < g.w-margin; x++ {
			r := resp.at(x, y)
			if r <= floor || !isLocalMax(resp, x, y) {
				continue
			}
			kps = append(kps, Keypoint{X: float64(x), Y: float64(y), Response: r})
		}
	}

	sort.SliceStable(kps, func(i, j int) bool { return kps[i].Response > kps[j].Response })

	set := Set{}
	for _, kp := range kps {
		if len(set.Keypoints) == h.MaxFeatures {
			break
		}
		d, ok := patchDescriptor(g, int(kp.X), int(kp.Y), h.PatchRadius)
		if !ok {
			continue
		}
		set.Keypoints = append(set.Keypoints, kp)
		set.Descriptors = append(set.Descriptors, d)
	}
	return set, nil
}

// harrisResponse computes det(M) - k·trace(M)² of the gradient structure
// tensor. Pixels too close to the border for the full stencil are left at 0.
func harrisResponse(ctx context.Context, g *grid) (*grid, error) {
	ix, iy := newGrid(g.w, g.h), newGrid(g.w, g.h)
	for y := 1; y < g.h-1; y++ {
		for x := 1; x < g.w-1; x++ {
			gx := (g.at(x+1, y-1) + 2*g.at(x+1, y) + g.at(x+1, y+1)) -
				(g.at(x-1, y-1) + 2*g.at(x-1, y) + g.at(x-1, y+1))
			gy := (g.at(x-1, y+1) + 2*g.at(x, y+1) + g.at(x+1, y+1)) -
				(g.at(x-1, y-1) + 2*g.at(x, y-1) + g.at(x+1, y-1))
			ix.set(x, y, gx)
			iy.set(x, y, gy)
		}
	}

	resp := newGrid(g.w, g.h)
	lo := windowRadius + 1
	for y := lo; y < g.h-lo; y++ {
		if y%32 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := lo; x < g.w-lo; x++ {
			var sxx, syy, sxy float64
			for dy := -windowRadius; dy <= windowRadius; dy++ {
				for dx := -windowRadius; dx <= windowRadius; dx++ {
					gx, gy := ix.at(x+dx, y+dy), iy.at(x+dx, y+dy)
					sxx += gx * gx
					syy += gy * gy
					sxy += gx * gy
				}
			}
			tr := sxx + syy
			resp.set(x, y, sxx*syy-sxy*sxy-harrisK*tr*tr)
		}
	}
	return resp, nil
}

// isLocalMax reports whether (x,y) is strictly greater than its 8 neighbours.
func isLocalMax(g *grid, x, y int) bool {
	v := g.at(x, y)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if (dx != 0 || dy != 0) && g.at(x+dx, y+dy) >= v {
				return false
			}
		}
	}
	return true
}

// patchDescriptor samples the (2r+1)² neighbourhood, removes its mean and
// scales it to unit length. Flat patches are rejected.
func patchDescriptor(g *grid, cx, cy, r int) (Descriptor, bool) {
	side := 2*r + 1
	vals := make([]float64, 0, side*side)
	var mean float64
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			v := g.at(x, y)
			vals = append(vals, v)
			mean += v
		}
	}
	mean /= float64(len(vals))

	var norm float64
	for i := range vals {
		vals[i] -= mean
		norm += vals[i] * vals[i]
	}
	norm = math.Sqrt(norm)
	if norm < 1e-9 {
		return nil, false
	}

	d := make(Descriptor, len(vals))
	for i, v := range vals {
		d[i] = float32(v / norm)
	}
	return d, true
}
