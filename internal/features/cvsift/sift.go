// Package cvsift registers an OpenCV SIFT extractor under the name "sift".
// Importing it pulls in cgo and a system OpenCV, so only the binary does.
package cvsift

import (
	"context"
	"fmt"
	"image"
	"sort"

	"gocv.io/x/gocv"
	"golang.org/x/image/draw"

	"panostitch/internal/features"
)

const Name = "sift"

func init() {
	features.Register(Name, func(o features.Options) (features.Extractor, error) {
		return &Extractor{MaxFeatures: o.MaxFeatures}, nil
	})
}

// Extractor wraps cv::SIFT.
type Extractor struct {
	MaxFeatures int
}

func (e *Extractor) Name() string { return Name }

// Extract implements features.Extractor.
func (e *Extractor) Extract(ctx context.Context, img image.Image) (features.Set, error) {
	if err := ctx.Err(); err != nil {
		return features.Set{}, err
	}

	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	mat, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC4, rgba.Pix)
	if err != nil {
		return features.Set{}, fmt.Errorf("image to mat: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBAToGray)

	sift := gocv.NewSIFT()
	defer sift.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	kps, desc := sift.DetectAndCompute(gray, mask)
	defer desc.Close()
	if len(kps) == 0 || desc.Empty() {
		return features.Set{}, nil
	}

	order := make([]int, len(kps))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return kps[order[i]].Response > kps[order[j]].Response })
	if e.MaxFeatures > 0 && len(order) > e.MaxFeatures {
		order = order[:e.MaxFeatures]
	}

	set := features.Set{
		Keypoints:   make([]features.Keypoint, 0, len(order)),
		Descriptors: make([]features.Descriptor, 0, len(order)),
	}
	for _, i := range order {
		kp := kps[i]
		d := make(features.Descriptor, desc.Cols())
		for c := range d {
			d[c] = desc.GetFloatAt(i, c)
		}
		set.Keypoints = append(set.Keypoints, features.Keypoint{X: kp.X, Y: kp.Y, Response: kp.Response})
		set.Descriptors = append(set.Descriptors, d)
	}
	return set, nil
}
