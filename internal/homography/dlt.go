package homography

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var errDegenerate = errors.New("degenerate point configuration")

// SolveDLT computes the homography mapping exactly four src points onto dst
// with the direct linear transform. The bottom-right element is fixed at 1.
func SolveDLT(src, dst []Point) (Matrix, error) {
	if len(src) != 4 || len(dst) != 4 {
		return Matrix{}, fmt.Errorf("need exactly 4 point pairs, got %d and %d", len(src), len(dst))
	}

	ts, ns := normalizePoints(src)
	td, nd := normalizePoints(dst)
	if collinearTriple(ns) || collinearTriple(nd) {
		return Matrix{}, errDegenerate
	}

	A := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	fillRows(A, b, ns, nd)

	var h mat.VecDense
	if err := h.SolveVec(A, b); err != nil {
		return Matrix{}, fmt.Errorf("solve: %w", err)
	}
	return denormalize(h.RawVector().Data, ts, td)
}

// FitLeastSquares fits a homography to four or more correspondences by
// minimising the algebraic error with a QR solve.
func FitLeastSquares(src, dst []Point) (Matrix, error) {
	n := len(src)
	if n != len(dst) {
		return Matrix{}, fmt.Errorf("point count mismatch: %d vs %d", n, len(dst))
	}
	if n < 4 {
		return Matrix{}, fmt.Errorf("need at least 4 points, got %d", n)
	}

	ts, ns := normalizePoints(src)
	td, nd := normalizePoints(dst)

	A := mat.NewDense(n*2, 8, nil)
	b := mat.NewVecDense(n*2, nil)
	fillRows(A, b, ns, nd)

	var qr mat.QR
	qr.Factorize(A)

	var h mat.VecDense
	if err := qr.SolveVecTo(&h, false, b); err != nil {
		return Matrix{}, fmt.Errorf("least squares: %w", err)
	}
	return denormalize(h.RawVector().Data, ts, td)
}

// fillRows writes the two linear equations each correspondence contributes:
//
//	h0 x + h1 y + h2 - h6 x x' - h7 y x' = x'
//	h3 x + h4 y + h5 - h6 x y' - h7 y y' = y'
func fillRows(A *mat.Dense, b *mat.VecDense, src, dst []Point) {
	for i := range src {
		x, y := src[i].X, src[i].Y
		xp, yp := dst[i].X, dst[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		A.Set(i*2, 6, -x*xp)
		A.Set(i*2, 7, -y*xp)
		b.SetVec(i*2, xp)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		A.Set(i*2+1, 6, -x*yp)
		A.Set(i*2+1, 7, -y*yp)
		b.SetVec(i*2+1, yp)
	}
}

// denormalize undoes the conditioning transforms: H = Td⁻¹ · Hn · Ts.
func denormalize(h []float64, ts, td Matrix) (Matrix, error) {
	hn := Matrix{h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], 1}
	tdInv, ok := td.Inverse()
	if !ok {
		return Matrix{}, errDegenerate
	}
	out := tdInv.Mul(hn).Mul(ts)
	if math.Abs(out[8]) < projEpsilon || !out.finite() {
		return Matrix{}, errDegenerate
	}
	return out.Normalize(), nil
}

// normalizePoints moves the centroid to the origin and scales the mean
// distance to √2, returning the conditioning transform and the new points.
func normalizePoints(pts []Point) (Matrix, []Point) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n

	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= n

	s := 1.0
	if mean > projEpsilon {
		s = math.Sqrt2 / mean
	}
	t := Matrix{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}

	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Point{X: s * (p.X - cx), Y: s * (p.Y - cy)}
	}
	return t, out
}

// collinearTriple reports whether any three of the points are (nearly)
// collinear. Points are expected in normalised coordinates.
func collinearTriple(pts []Point) bool {
	const minArea = 1e-6
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			for k := j + 1; k < len(pts); k++ {
				a, b, c := pts[i], pts[j], pts[k]
				area := (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
				if math.Abs(area) < minArea {
					return true
				}
			}
		}
	}
	return false
}
