package homography

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var perspective = Matrix{
	1.02, 0.05, 30,
	-0.03, 0.98, -12,
	1e-4, -5e-5, 1,
}

func project(t *testing.T, h Matrix, pts []Point) []Point {
	t.Helper()
	out := make([]Point, len(pts))
	for i, p := range pts {
		q, ok := h.Apply(p)
		require.True(t, ok)
		out[i] = q
	}
	return out
}

func assertMatrixNear(t *testing.T, want, got Matrix, tol float64) {
	t.Helper()
	for i := range want {
		assert.InDelta(t, want[i], got[i], tol, "element %d: want %v got %v", i, want, got)
	}
}

func TestSolveDLTExact(t *testing.T) {
	src := []Point{{0, 0}, {200, 10}, {190, 150}, {5, 160}}
	dst := project(t, perspective, src)

	h, err := SolveDLT(src, dst)
	require.NoError(t, err)
	assertMatrixNear(t, perspective, h, 1e-8)

	for i, e := range Reprojection(h, src, dst) {
		assert.Less(t, e, 1e-6, "point %d", i)
	}
}

func TestSolveDLTRejectsCollinear(t *testing.T) {
	src := []Point{{0, 0}, {10, 10}, {20, 20}, {0, 50}}
	_, err := SolveDLT(src, src)
	require.Error(t, err)
}

func TestSolveDLTNeedsFourPoints(t *testing.T) {
	_, err := SolveDLT([]Point{{0, 0}}, []Point{{0, 0}})
	require.Error(t, err)
}

func TestFitLeastSquaresOverdetermined(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	src := make([]Point, 40)
	for i := range src {
		src[i] = Point{X: rng.Float64() * 400, Y: rng.Float64() * 300}
	}
	dst := project(t, perspective, src)

	h, err := FitLeastSquares(src, dst)
	require.NoError(t, err)
	assertMatrixNear(t, perspective, h, 1e-7)
}

func TestMatrixAlgebra(t *testing.T) {
	a := Translation(5, -3)
	b := Scale(2, 2)

	p, ok := a.Mul(b).Apply(Point{1, 1})
	require.True(t, ok)
	assert.Equal(t, Point{7, -1}, p)

	inv, ok := perspective.Inverse()
	require.True(t, ok)
	assertMatrixNear(t, Identity(), perspective.Mul(inv).Normalize(), 1e-10)

	_, ok = Matrix{}.Inverse()
	assert.False(t, ok)
	assert.False(t, Matrix{1, 0, 0, 0, 1, 0, 0, 0, math.NaN()}.Valid())

	_, ok = Matrix{1, 0, 0, 0, 1, 0, 1, 0, 0}.Apply(Point{0, 5})
	assert.False(t, ok, "w == 0 must not produce a point")
}

func TestEstimatorRecoversModelWithOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const inliers, outliers = 100, 30

	src := make([]Point, 0, inliers+outliers)
	for i := 0; i < inliers+outliers; i++ {
		src = append(src, Point{X: rng.Float64() * 640, Y: rng.Float64() * 480})
	}
	dst := project(t, perspective, src)
	for i := inliers; i < len(dst); i++ {
		dst[i] = Point{X: rng.Float64() * 640, Y: rng.Float64() * 480}
	}
	// scramble so outliers are not contiguous
	rng.Shuffle(len(src), func(i, j int) {
		src[i], src[j] = src[j], src[i]
		dst[i], dst[j] = dst[j], dst[i]
	})

	est := &Estimator{Threshold: 3, MaxIterations: 2000, Confidence: 0.999, MinInliers: 8, Rand: rand.New(rand.NewSource(7))}
	res, err := est.Estimate(src, dst)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(res.Inliers), inliers*9/10)
	assert.Less(t, res.RMSE, 1.0)

	truth := project(t, perspective, src)
	good := 0
	for i := range src {
		p, ok := res.H.Apply(src[i])
		if ok && math.Hypot(p.X-truth[i].X, p.Y-truth[i].Y) < 3 {
			good++
		}
	}
	assert.GreaterOrEqual(t, good, len(src)*9/10)
}

func TestEstimatorInsufficientMatches(t *testing.T) {
	est := &Estimator{Rand: rand.New(rand.NewSource(1))}
	pts := []Point{{0, 0}, {1, 0}, {0, 1}}
	_, err := est.Estimate(pts, pts)
	require.ErrorIs(t, err, ErrInsufficientMatches)
	require.ErrorIs(t, err, ErrNoTransform)
}

func TestEstimatorRandomCorrespondencesFail(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	src := make([]Point, 12)
	dst := make([]Point, 12)
	for i := range src {
		src[i] = Point{X: rng.Float64() * 500, Y: rng.Float64() * 500}
		dst[i] = Point{X: rng.Float64() * 500, Y: rng.Float64() * 500}
	}
	est := &Estimator{Threshold: 2, MaxIterations: 500, MinInliers: 8, Rand: rand.New(rand.NewSource(5))}
	_, err := est.Estimate(src, dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEstimationFailed), "got %v", err)
}

func TestRequiredIterations(t *testing.T) {
	assert.Equal(t, 1, requiredIterations(10, 10, 0.99))
	assert.Greater(t, requiredIterations(5, 100, 0.99), requiredIterations(50, 100, 0.99))
}
