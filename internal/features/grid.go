package features

import (
	"image"
	"image/color"
)

// grid is a dense row-major plane of float64 samples.
type grid struct {
	w, h   int
	values []float64
}

func newGrid(w, h int) *grid {
	return &grid{w: w, h: h, values: make([]float64, w*h)}
}

func (g *grid) at(x, y int) float64     { return g.values[y*g.w+x] }
func (g *grid) set(x, y int, v float64) { g.values[y*g.w+x] = v }

// lumaGrid converts img to 8-bit luma samples, origin moved to (0,0).
func lumaGrid(img image.Image) *grid {
	b := img.Bounds()
	g := newGrid(b.Dx(), b.Dy())
	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < g.h; y++ {
			row := src.Pix[y*src.Stride:]
			for x := 0; x < g.w; x++ {
				g.values[y*g.w+x] = float64(row[x])
			}
		}
	default:
		for y := 0; y < g.h; y++ {
			for x := 0; x < g.w; x++ {
				c := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				g.values[y*g.w+x] = float64(c.Y)
			}
		}
	}
	return g
}
