// Package homography estimates planar projective transforms between two
// images from point correspondences.
package homography

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Point is a pixel coordinate.
type Point struct {
	X, Y float64
}

// Matrix is a row-major 3x3 projective transform acting on homogeneous
// column vectors (x, y, 1).
type Matrix [9]float64

const projEpsilon = 1e-12

// Identity returns the identity transform.
func Identity() Matrix {
	return Matrix{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Translation returns the transform that shifts points by (dx, dy).
func Translation(dx, dy float64) Matrix {
	return Matrix{1, 0, dx, 0, 1, dy, 0, 0, 1}
}

// Scale returns an axis-aligned scaling about the origin.
func Scale(sx, sy float64) Matrix {
	return Matrix{sx, 0, 0, 0, sy, 0, 0, 0, 1}
}

// Mul returns m·n, i.e. the transform that applies n first and then m.
func (m Matrix) Mul(n Matrix) Matrix {
	var out Matrix
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = m[r*3]*n[c] + m[r*3+1]*n[3+c] + m[r*3+2]*n[6+c]
		}
	}
	return out
}

// Apply maps p through m. ok is false when p lands on the line at infinity.
func (m Matrix) Apply(p Point) (Point, bool) {
	q, _, ok := m.ApplyW(p)
	return q, ok
}

// ApplyW is Apply that also returns the homogeneous w of the mapped point.
// Points whose w has the opposite sign to m[8] lie behind the camera.
func (m Matrix) ApplyW(p Point) (Point, float64, bool) {
	w := m[6]*p.X + m[7]*p.Y + m[8]
	if math.Abs(w) < projEpsilon {
		return Point{}, w, false
	}
	return Point{
		X: (m[0]*p.X + m[1]*p.Y + m[2]) / w,
		Y: (m[3]*p.X + m[4]*p.Y + m[5]) / w,
	}, w, true
}

// Dense copies m into a gonum matrix.
func (m Matrix) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, m[:])
	return mat.NewDense(3, 3, data)
}

// Det returns the determinant of m.
func (m Matrix) Det() float64 {
	return mat.Det(m.Dense())
}

// Inverse returns m⁻¹. ok is false for singular or non-finite matrices.
func (m Matrix) Inverse() (Matrix, bool) {
	if !m.finite() {
		return Matrix{}, false
	}
	var inv mat.Dense
	if err := inv.Inverse(m.Dense()); err != nil {
		return Matrix{}, false
	}
	var out Matrix
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c)
		}
	}
	if !out.finite() {
		return Matrix{}, false
	}
	return out, true
}

// Normalize scales m so that its bottom-right element is 1. Matrices whose
// bottom-right element is zero are returned unchanged.
func (m Matrix) Normalize() Matrix {
	if math.Abs(m[8]) < projEpsilon {
		return m
	}
	s := 1 / m[8]
	for i := range m {
		m[i] *= s
	}
	return m
}

// Valid reports whether m is finite and invertible.
func (m Matrix) Valid() bool {
	if !m.finite() {
		return false
	}
	_, ok := m.Inverse()
	return ok
}

func (m Matrix) finite() bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (m Matrix) String() string {
	return fmt.Sprintf("[[%.6g %.6g %.6g] [%.6g %.6g %.6g] [%.6g %.6g %.6g]]",
		m[0], m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8])
}
