// Package imageio loads and saves images by file extension.
package imageio

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mdouchement/hdr/codec/rgbe"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// DecodeFunc reads an image from a file path.
type DecodeFunc func(path string) (image.Image, error)

var (
	mu       sync.RWMutex
	decoders = map[string]DecodeFunc{
		".png":  streamDecoder(png.Decode),
		".jpg":  streamDecoder(jpeg.Decode),
		".jpeg": streamDecoder(jpeg.Decode),
		".tif":  streamDecoder(tiff.Decode),
		".tiff": streamDecoder(tiff.Decode),
		".bmp":  streamDecoder(bmp.Decode),
		".webp": streamDecoder(webp.Decode),
		".hdr":  streamDecoder(rgbe.Decode),
	}
)

func streamDecoder(dec func(io.Reader) (image.Image, error)) DecodeFunc {
	return func(path string) (image.Image, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return dec(bufio.NewReader(f))
	}
}

// RegisterDecoder adds or replaces the decoder for a file extension such as ".nef".
func RegisterDecoder(ext string, fn DecodeFunc) {
	mu.Lock()
	defer mu.Unlock()
	decoders[strings.ToLower(ext)] = fn
}

// CanDecode reports whether Load understands path's extension.
func CanDecode(path string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := decoders[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Load decodes the image at path.
func Load(path string) (image.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mu.RLock()
	dec, ok := decoders[ext]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("load %s: unsupported format %q", path, ext)
	}
	img, err := dec(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return img, nil
}

// LoadAll loads paths in order.
func LoadAll(paths []string) ([]image.Image, error) {
	out := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		img, err := Load(p)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

// Options control encoding.
type Options struct {
	Quality int // JPEG quality, 1-100; 0 uses 92
}

// Save encodes img to path, choosing the format from the extension.
func Save(path string, img image.Image, opts Options) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	err = Encode(w, strings.ToLower(filepath.Ext(path)), img, opts)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// Encode writes img in the format named by ext (".png", ".jpg", ...).
func Encode(w io.Writer, ext string, img image.Image, opts Options) error {
	switch ext {
	case ".png":
		return png.Encode(w, img)
	case ".jpg", ".jpeg":
		q := opts.Quality
		if q <= 0 {
			q = 92
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: q})
	case ".tif", ".tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case ".bmp":
		return bmp.Encode(w, img)
	case ".hdr":
		return rgbe.Encode(w, radiance{ToRGBA(img)})
	default:
		return fmt.Errorf("unsupported output format %q", ext)
	}
}

// ToRGBA returns img as an *image.RGBA anchored at the origin, copying only
// when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if r, ok := img.(*image.RGBA); ok && r.Rect.Min == (image.Point{}) {
		return r
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// ToGray converts img to 8-bit luma anchored at the origin.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
