// Package match pairs feature descriptors between two images.
package match

import (
	"fmt"
	"math"

	"panostitch/internal/features"
)

// DefaultRatio is Lowe's ratio for the second-nearest-neighbour test.
const DefaultRatio = 0.75

// Candidate is one train descriptor near a query descriptor.
type Candidate struct {
	Index    int
	Distance float64
}

// Neighbors are the nearest train descriptors for one query descriptor,
// closest first. There are fewer than two only when train is that small.
type Neighbors struct {
	Query      int
	Candidates []Candidate
}

// Correspondence links a query feature to a train feature.
type Correspondence struct {
	Query int
	Train int
}

// Matcher finds the two nearest train descriptors for every query descriptor.
type Matcher interface {
	KNN2(query, train []features.Descriptor) []Neighbors
}

// New returns the matcher registered under name: "bruteforce" or "kdtree".
func New(name string) (Matcher, error) {
	switch name {
	case "", "bruteforce":
		return BruteForce{}, nil
	case "kdtree":
		return KDTree{}, nil
	default:
		return nil, fmt.Errorf("unknown matcher %q", name)
	}
}

// ValidateRatio checks that r is a usable ratio threshold.
func ValidateRatio(r float64) error {
	if !(r > 0 && r < 1) {
		return fmt.Errorf("ratio must be in (0,1), got %v", r)
	}
	return nil
}

// RatioTest keeps a query's best candidate only when it is strictly closer
// than r times the second best. Queries with fewer than two candidates are
// dropped.
func RatioTest(neighbors []Neighbors, r float64) []Correspondence {
	var out []Correspondence
	for _, n := range neighbors {
		if len(n.Candidates) != 2 {
			continue
		}
		best, second := n.Candidates[0], n.Candidates[1]
		if best.Distance < r*second.Distance {
			out = append(out, Correspondence{Query: n.Query, Train: best.Index})
		}
	}
	return out
}

// Match runs m over the two sets and applies the ratio test.
func Match(m Matcher, query, train features.Set, r float64) []Correspondence {
	if query.Len() == 0 || train.Len() == 0 {
		return nil
	}
	return RatioTest(m.KNN2(query.Descriptors, train.Descriptors), r)
}

// BruteForce compares every query descriptor with every train descriptor.
type BruteForce struct{}

// KNN2 implements Matcher.
func (BruteForce) KNN2(query, train []features.Descriptor) []Neighbors {
	out := make([]Neighbors, 0, len(query))
	for qi, q := range query {
		best := Candidate{Index: -1, Distance: math.Inf(1)}
		second := best
		for ti, t := range train {
			d := L2(q, t)
			switch {
			case d < best.Distance:
				second = best
				best = Candidate{Index: ti, Distance: d}
			case d < second.Distance:
				second = Candidate{Index: ti, Distance: d}
			}
		}
		n := Neighbors{Query: qi}
		for _, c := range []Candidate{best, second} {
			if c.Index >= 0 {
				n.Candidates = append(n.Candidates, c)
			}
		}
		out = append(out, n)
	}
	return out
}

// L2 is the Euclidean distance between two descriptors of equal length.
func L2(a, b features.Descriptor) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
