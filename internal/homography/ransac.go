package homography

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ErrNoTransform is the root of every "could not register" outcome. Callers
// test for it with errors.Is.
var ErrNoTransform = errors.New("no transform")

var (
	// ErrInsufficientMatches means fewer correspondences than a model needs.
	ErrInsufficientMatches = fmt.Errorf("%w: insufficient matches", ErrNoTransform)
	// ErrEstimationFailed means no candidate model gathered enough inliers.
	ErrEstimationFailed = fmt.Errorf("%w: estimation failed", ErrNoTransform)
)

const (
	DefaultThreshold     = 4.0
	DefaultMaxIterations = 2000
	DefaultConfidence    = 0.995
	DefaultMinInliers    = 8

	sampleSize = 4
)

// Estimator runs RANSAC over 4-point DLT hypotheses and refits the winner
// over its inliers. The zero value is usable; unset fields take defaults.
type Estimator struct {
	Threshold     float64 // max reprojection error for an inlier, pixels
	MaxIterations int
	Confidence    float64 // adaptive early stop; 0 disables
	MinInliers    int
	Rand          *rand.Rand
}

// Estimate is a successful registration.
type Estimate struct {
	H          Matrix
	Inliers    []int // indices into the correspondence slices
	Iterations int
	RMSE       float64 // over inliers
}

// NewEstimator returns an Estimator with default settings and a time seeded RNG.
func NewEstimator() *Estimator {
	return &Estimator{
		Threshold:     DefaultThreshold,
		MaxIterations: DefaultMaxIterations,
		Confidence:    DefaultConfidence,
		MinInliers:    DefaultMinInliers,
		Rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Estimate finds H with dst ≈ H·src. Failures wrap ErrNoTransform.
func (e *Estimator) Estimate(src, dst []Point) (Estimate, error) {
	if len(src) != len(dst) {
		return Estimate{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	n := len(src)
	minInliers := max(e.MinInliers, sampleSize)
	if e.MinInliers == 0 {
		minInliers = DefaultMinInliers
	}
	if n < sampleSize || n < minInliers {
		return Estimate{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientMatches, n, minInliers)
	}

	threshold := e.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	budget := e.MaxIterations
	if budget <= 0 {
		budget = DefaultMaxIterations
	}
	rng := e.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var (
		best  []int
		bestH Matrix
		idx   [sampleSize]int
		s, d  = make([]Point, sampleSize), make([]Point, sampleSize)
		iter  int
	)
	for iter = 0; iter < budget; iter++ {
		sampleDistinct(rng, n, idx[:])
		for i, k := range idx {
			s[i], d[i] = src[k], dst[k]
		}
		h, err := SolveDLT(s, d)
		if err != nil {
			continue
		}
		inliers := collectInliers(h, src, dst, threshold)
		if len(inliers) > len(best) {
			best, bestH = inliers, h
			if e.Confidence > 0 {
				budget = min(budget, requiredIterations(len(best), n, e.Confidence))
			}
		}
	}

	if len(best) < minInliers {
		return Estimate{}, fmt.Errorf("%w: best model has %d inliers, need %d", ErrEstimationFailed, len(best), minInliers)
	}

	if refined, err := FitLeastSquares(subset(src, best), subset(dst, best)); err == nil && refined.Valid() {
		if again := collectInliers(refined, src, dst, threshold); len(again) >= len(best) {
			best, bestH = again, refined
		}
	}
	if !bestH.Valid() {
		return Estimate{}, fmt.Errorf("%w: singular model", ErrEstimationFailed)
	}

	return Estimate{
		H:          bestH,
		Inliers:    best,
		Iterations: iter,
		RMSE:       rmse(Reprojection(bestH, subset(src, best), subset(dst, best))),
	}, nil
}

// Reprojection returns |H·src[i] − dst[i]| for each pair; points mapped to
// infinity report +Inf.
func Reprojection(h Matrix, src, dst []Point) []float64 {
	out := make([]float64, len(src))
	for i := range src {
		p, ok := h.Apply(src[i])
		if !ok {
			out[i] = math.Inf(1)
			continue
		}
		out[i] = math.Hypot(p.X-dst[i].X, p.Y-dst[i].Y)
	}
	return out
}

func collectInliers(h Matrix, src, dst []Point, threshold float64) []int {
	var inliers []int
	for i, e := range Reprojection(h, src, dst) {
		if e < threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// requiredIterations is the standard RANSAC bound: the number of draws after
// which an all-inlier sample has been seen with the given confidence.
func requiredIterations(inliers, n int, confidence float64) int {
	w := float64(inliers) / float64(n)
	p := math.Pow(w, sampleSize)
	if p >= 1 {
		return 1
	}
	denom := math.Log(1 - p)
	if denom >= 0 || math.IsInf(denom, 0) {
		return math.MaxInt
	}
	k := math.Ceil(math.Log(1-confidence) / denom)
	if k > math.MaxInt32 {
		return math.MaxInt
	}
	return max(int(k), 1)
}

func sampleDistinct(rng *rand.Rand, n int, out []int) {
	for i := 0; i < len(out); {
		v := rng.Intn(n)
		if !slices.Contains(out[:i], v) {
			out[i] = v
			i++
		}
	}
}

func subset(pts []Point, idx []int) []Point {
	out := make([]Point, len(idx))
	for i, k := range idx {
		out[i] = pts[k]
	}
	return out
}

func rmse(errs []float64) float64 {
	if len(errs) == 0 {
		return 0
	}
	sq := make([]float64, len(errs))
	for i, e := range errs {
		sq[i] = e * e
	}
	return math.Sqrt(stat.Mean(sq, nil))
}
