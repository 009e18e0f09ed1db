package imageio

import (
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/mdouchement/hdr/hdrcolor"
)

// radiance presents an 8-bit sRGB canvas as linear-light HDR pixels for the
// Radiance RGBE encoder.
type radiance struct {
	*image.RGBA
}

func (r radiance) ColorModel() color.Model { return hdrcolor.RGBModel }
func (r radiance) At(x, y int) color.Color { return r.HDRAt(x, y) }
func (r radiance) Size() int               { return r.Rect.Dx() * r.Rect.Dy() }

func (r radiance) HDRAt(x, y int) hdrcolor.Color {
	c := r.RGBAAt(x, y)
	lr, lg, lb := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}.LinearRgb()
	return hdrcolor.RGB{R: lr, G: lg, B: lb}
}
