package match

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"panostitch/internal/features"
)

// KDTree indexes the train descriptors in a k-d tree and answers 2-NN
// queries against it. Results agree with BruteForce up to distance ties.
type KDTree struct{}

// KNN2 implements Matcher.
func (KDTree) KNN2(query, train []features.Descriptor) []Neighbors {
	out := make([]Neighbors, 0, len(query))
	if len(train) == 0 {
		for qi := range query {
			out = append(out, Neighbors{Query: qi})
		}
		return out
	}

	pts := make(descPoints, len(train))
	for i, d := range train {
		pts[i] = newDescPoint(i, d)
	}
	tree := kdtree.New(pts, false)

	for qi, q := range query {
		keep := kdtree.NewNKeeper(2)
		tree.NearestSet(keep, newDescPoint(-1, q))

		var cands []Candidate
		for _, c := range keep.Heap {
			p, ok := c.Comparable.(descPoint)
			if !ok {
				continue
			}
			cands = append(cands, Candidate{Index: p.idx, Distance: math.Sqrt(c.Dist)})
		}
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].Distance != cands[j].Distance {
				return cands[i].Distance < cands[j].Distance
			}
			return cands[i].Index < cands[j].Index
		})
		out = append(out, Neighbors{Query: qi, Candidates: cands})
	}
	return out
}

// descPoint adapts a descriptor to kdtree.Comparable. Distance is squared.
type descPoint struct {
	idx int
	v   []float64
}

func newDescPoint(idx int, d features.Descriptor) descPoint {
	v := make([]float64, len(d))
	for i, x := range d {
		v[i] = float64(x)
	}
	return descPoint{idx: idx, v: v}
}

func (p descPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.v[d] - c.(descPoint).v[d]
}

func (p descPoint) Dims() int { return len(p.v) }

func (p descPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(descPoint)
	var sum float64
	for i := range p.v {
		d := p.v[i] - q.v[i]
		sum += d * d
	}
	return sum
}

type descPoints []descPoint

func (p descPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p descPoints) Len() int                      { return len(p) }
func (p descPoints) Pivot(d kdtree.Dim) int {
	return plane{descPoints: p, Dim: d}.Pivot()
}
func (p descPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane sorts descPoints along one dimension for median partitioning.
type plane struct {
	kdtree.Dim
	descPoints
}

func (p plane) Less(i, j int) bool {
	return p.descPoints[i].v[p.Dim] < p.descPoints[j].v[p.Dim]
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.descPoints = p.descPoints[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.descPoints[i], p.descPoints[j] = p.descPoints[j], p.descPoints[i]
}
