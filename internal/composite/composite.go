// Package composite warps one image into another's frame on a canvas large
// enough for both, then pastes the reference image over the result.
package composite

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"panostitch/internal/homography"
)

// ErrInvalidTransform is returned for singular or non-finite homographies,
// or ones that send an image corner to infinity.
var ErrInvalidTransform = errors.New("invalid transform")

// DefaultMaskThreshold: reference pixels with luma above it are foreground.
const DefaultMaskThreshold uint8 = 1

// DefaultMaxPixels caps the canvas area when no other limit is set.
const DefaultMaxPixels = 1 << 28

// snap absorbs floating point noise so integer-valued coordinates stay integer.
const snap = 1e-6

// Layout is the output geometry of one merge.
type Layout struct {
	Size      image.Point       // canvas width and height
	Offset    image.Point       // where the train image's origin lands
	Transform homography.Matrix // T·H, query pixels to canvas pixels
}

// PlanCanvas bounds the train rectangle together with the query rectangle
// mapped through h and returns the canvas that contains both. Canvases over
// DefaultMaxPixels are rejected.
func PlanCanvas(train, query image.Rectangle, h homography.Matrix) (Layout, error) {
	return planCanvas(train, query, h, DefaultMaxPixels)
}

func planCanvas(train, query image.Rectangle, h homography.Matrix, maxPixels int) (Layout, error) {
	if !h.Valid() {
		return Layout{}, fmt.Errorf("%w: %v", ErrInvalidTransform, h)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	grow := func(p homography.Point) {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}

	for _, c := range corners(train.Sub(train.Min)) {
		grow(c)
	}
	for _, c := range corners(query.Sub(query.Min)) {
		p, w, ok := h.ApplyW(c)
		if !ok || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return Layout{}, fmt.Errorf("%w: corner %v maps to infinity", ErrInvalidTransform, c)
		}
		// the query must stay in front of the camera; a corner with w of the
		// other sign means the warped image crosses the line at infinity
		if w*h[8] <= 0 {
			return Layout{}, fmt.Errorf("%w: corner %v maps behind the camera", ErrInvalidTransform, c)
		}
		grow(p)
	}

	fx0, fy0 := math.Floor(minX+snap), math.Floor(minY+snap)
	fx1, fy1 := math.Ceil(maxX-snap), math.Ceil(maxY-snap)
	fw, fh := fx1-fx0, fy1-fy0
	if fw*fh > float64(maxPixels) || fw > math.MaxInt32 || fh > math.MaxInt32 ||
		math.Abs(fx0) > math.MaxInt32 || math.Abs(fy0) > math.MaxInt32 {
		return Layout{}, fmt.Errorf("%w: canvas %.0fx%.0f exceeds %d pixels", ErrInvalidTransform, fw, fh, maxPixels)
	}

	x0, y0 := int(fx0), int(fy0)
	off := image.Pt(-x0, -y0)
	return Layout{
		Size:      image.Pt(int(fw), int(fh)),
		Offset:    off,
		Transform: homography.Translation(float64(off.X), float64(off.Y)).Mul(h),
	}, nil
}

func corners(r image.Rectangle) []homography.Point {
	w, h := float64(r.Dx()), float64(r.Dy())
	return []homography.Point{{X: 0, Y: 0}, {X: w, Y: 0}, {X: 0, Y: h}, {X: w, Y: h}}
}

// Compositor merges a query image into a train image's frame.
type Compositor struct {
	MaskThreshold uint8
	MaxPixels     int // refuse canvases larger than this; 0 means DefaultMaxPixels
}

// Compose warps query by h onto a new canvas and blends the translated train
// image over it. Neither input is modified.
func (c Compositor) Compose(train, query image.Image, h homography.Matrix) (*image.RGBA, Layout, error) {
	limit := c.MaxPixels
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	layout, err := planCanvas(train.Bounds(), query.Bounds(), h, limit)
	if err != nil {
		return nil, Layout{}, err
	}
	canvas := Warp(query, layout.Transform, layout.Size)
	return Blend(canvas, train, layout.Offset, c.MaskThreshold), layout, nil
}

// Warp resamples src into a size canvas where dst(p) = src(m⁻¹·p), using
// bilinear interpolation. Canvas pixels whose source falls outside src are
// opaque black.
func Warp(src image.Image, m homography.Matrix, size image.Point) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.RGBA{A: 0xff}), image.Point{}, draw.Src)

	inv, ok := m.Inverse()
	if !ok {
		return dst
	}
	s := toRGBA(src)
	w, h := s.Rect.Dx(), s.Rect.Dy()

	for y := 0; y < size.Y; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < size.X; x++ {
			p, ok := inv.Apply(homography.Point{X: float64(x), Y: float64(y)})
			if !ok {
				continue
			}
			sx, sy := snapCoord(p.X), snapCoord(p.Y)
			if sx < 0 || sy < 0 || sx > float64(w-1) || sy > float64(h-1) {
				continue
			}
			r, g, b, a := bilinear(s, sx, sy)
			i := x * 4
			row[i], row[i+1], row[i+2], row[i+3] = r, g, b, a
		}
	}
	return dst
}

func snapCoord(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < snap {
		return r
	}
	return v
}

func bilinear(s *image.RGBA, x, y float64) (r, g, b, a uint8) {
	x0, y0 := int(x), int(y)
	fx, fy := x-float64(x0), y-float64(y0)
	x1, y1 := x0, y0
	if fx > 0 {
		x1++
	}
	if fy > 0 {
		y1++
	}
	p00 := s.PixOffset(s.Rect.Min.X+x0, s.Rect.Min.Y+y0)
	p10 := s.PixOffset(s.Rect.Min.X+x1, s.Rect.Min.Y+y0)
	p01 := s.PixOffset(s.Rect.Min.X+x0, s.Rect.Min.Y+y1)
	p11 := s.PixOffset(s.Rect.Min.X+x1, s.Rect.Min.Y+y1)

	var out [4]uint8
	for c := 0; c < 4; c++ {
		top := float64(s.Pix[p00+c])*(1-fx) + float64(s.Pix[p10+c])*fx
		bot := float64(s.Pix[p01+c])*(1-fx) + float64(s.Pix[p11+c])*fx
		out[c] = uint8(math.Round(top*(1-fy) + bot*fy))
	}
	return out[0], out[1], out[2], out[3]
}

// Blend copies every reference pixel whose luma is above threshold onto the
// canvas at offset. Dark reference pixels leave the canvas untouched. The
// canvas is modified in place and returned.
func Blend(canvas *image.RGBA, ref image.Image, offset image.Point, threshold uint8) *image.RGBA {
	rb := ref.Bounds()
	roi := image.Rectangle{Min: offset, Max: offset.Add(rb.Size())}.Intersect(canvas.Rect)
	for y := roi.Min.Y; y < roi.Max.Y; y++ {
		for x := roi.Min.X; x < roi.Max.X; x++ {
			c := ref.At(rb.Min.X+x-offset.X, rb.Min.Y+y-offset.Y)
			if color.GrayModel.Convert(c).(color.Gray).Y <= threshold {
				continue
			}
			canvas.Set(x, y, c)
		}
	}
	return canvas
}

// Mask returns the binary foreground mask Blend would use for ref.
func Mask(ref image.Image, threshold uint8) *image.Gray {
	b := ref.Bounds()
	m := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if color.GrayModel.Convert(ref.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y > threshold {
				m.Pix[y*m.Stride+x] = 0xff
			}
		}
	}
	return m
}

func toRGBA(img image.Image) *image.RGBA {
	if r, ok := img.(*image.RGBA); ok {
		return r
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
