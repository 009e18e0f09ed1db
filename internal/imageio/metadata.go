package imageio

import (
	"image"
	"os"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// Metadata is the subset of EXIF the job store keeps per input.
type Metadata struct {
	Path        string
	Width       int
	Height      int
	Make        string
	Model       string
	FocalLength float64 // millimetres
	ISO         int
	Orientation int
	Taken       time.Time
}

// ReadMetadata reads dimensions and EXIF tags. Files without EXIF give a
// Metadata with only Path and dimensions set.
func ReadMetadata(path string) (Metadata, error) {
	md := Metadata{Path: path}

	f, err := os.Open(path)
	if err != nil {
		return md, err
	}
	defer f.Close()

	if cfg, _, err := image.DecodeConfig(f); err == nil {
		md.Width, md.Height = cfg.Width, cfg.Height
	}
	if _, err := f.Seek(0, 0); err != nil {
		return md, err
	}

	x, err := exif.Decode(f)
	if err != nil {
		return md, nil
	}

	if tag, err := x.Get(exif.Make); err == nil {
		md.Make, _ = tag.StringVal()
	}
	if tag, err := x.Get(exif.Model); err == nil {
		md.Model, _ = tag.StringVal()
	}
	if tag, err := x.Get(exif.FocalLength); err == nil {
		if num, denom, err := tag.Rat2(0); err == nil && denom != 0 {
			md.FocalLength = float64(num) / float64(denom)
		}
	}
	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		md.ISO, _ = tag.Int(0)
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		md.Orientation, _ = tag.Int(0)
	}
	if t, err := x.DateTime(); err == nil {
		md.Taken = t
	}
	return md, nil
}
