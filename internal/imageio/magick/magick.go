// Package magick teaches imageio to read camera RAW and other formats via
// ImageMagick. It needs cgo and libMagickWand, so only the binary imports it.
package magick

import (
	"fmt"
	"image"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"panostitch/internal/imageio"
)

// Extensions handled through ImageMagick.
var Extensions = []string{".dng", ".nef", ".cr2", ".cr3", ".arw", ".rw2", ".orf", ".pef", ".raf", ".heic"}

var initOnce sync.Once

// Register initialises ImageMagick and installs the decoders. The returned
// func releases ImageMagick and should run at process exit.
func Register() func() {
	initOnce.Do(imagick.Initialize)
	for _, ext := range Extensions {
		imageio.RegisterDecoder(ext, Decode)
	}
	return imagick.Terminate
}

// Decode reads path with a MagickWand and exports 8-bit RGBA pixels.
func Decode(path string) (image.Image, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("imagick read: %w", err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return nil, fmt.Errorf("imagick orient: %w", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_SRGB); err != nil {
		return nil, fmt.Errorf("imagick colorspace: %w", err)
	}

	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	px, err := mw.ExportImagePixels(0, 0, w, h, "RGBA", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("imagick export: %w", err)
	}
	pix, ok := px.([]byte)
	if !ok {
		return nil, fmt.Errorf("imagick export: unexpected pixel type %T", px)
	}

	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	copy(img.Pix, pix)
	return img, nil
}
